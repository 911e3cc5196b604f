package growth

import (
	"fmt"
	"time"
)

// Conversation is one finished conversation turn with a partner.
type Conversation struct {
	PartnerID    string
	ResponseTime time.Duration
	Cost         float64
}

// Meeting is one finished meeting the agent took part in.
type Meeting struct {
	MeetingID string
	Led       bool
	Cost      float64
}

// Task is one finished task. Category names the capability it exercised
// (analysis, communication, creativity, leadership) and Domain the area of
// expertise; Domain defaults to Category.
type Task struct {
	Category     string
	Domain       string
	Success      bool
	ResponseTime time.Duration
	Cost         float64
}

// Workflow is one finished multi-step workflow execution.
type Workflow struct {
	Name    string
	Domain  string
	Success bool
	Cost    float64
}

func (t Task) domain() string {
	if t.Domain != "" {
		return t.Domain
	}
	return t.Category
}

func outcomeWord(ok bool) string {
	if ok {
		return "succeeded"
	}
	return "failed"
}

func (t Task) reason() string {
	return fmt.Sprintf("task %q %s", t.domain(), outcomeWord(t.Success))
}

func (w Workflow) reason() string {
	name := w.Name
	if name == "" {
		name = w.Domain
	}
	return fmt.Sprintf("workflow %q %s", name, outcomeWord(w.Success))
}
