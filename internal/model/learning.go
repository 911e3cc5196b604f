package model

import (
	"strings"
	"time"
)

// Category is what a learning is about.
type Category string

const (
	CategoryPerson     Category = "person"
	CategoryProject    Category = "project"
	CategoryDomain     Category = "domain"
	CategoryWorkflow   Category = "workflow"
	CategoryPreference Category = "preference"
	CategoryDecision   Category = "decision_rule"
	CategoryLesson     Category = "lesson"
)

// AllCategories lists the learning categories in tag-prefix order.
func AllCategories() []Category {
	return []Category{
		CategoryPerson, CategoryProject, CategoryDomain, CategoryWorkflow,
		CategoryPreference, CategoryDecision, CategoryLesson,
	}
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	for _, k := range AllCategories() {
		if k == c {
			return true
		}
	}
	return false
}

// SubjectTag is a parsed "category:subject" tag. Decision rules use the
// short prefix "decision:". A tag may carry a stable id
// after "=", as in "person:Alice=usr_42".
type SubjectTag struct {
	Category  Category
	Subject   string
	SubjectID string
}

// Key is the case-insensitive clustering key of the tag.
func (s SubjectTag) Key() string {
	return string(s.Category) + ":" + strings.ToLower(s.Subject)
}

// ParseSubjectTag extracts the category and subject from a tag.
func ParseSubjectTag(tag string) (SubjectTag, bool) {
	prefix, rest, ok := strings.Cut(strings.TrimSpace(tag), ":")
	if !ok {
		return SubjectTag{}, false
	}
	cat := Category(strings.ToLower(prefix))
	if cat == "decision" {
		cat = CategoryDecision
	}
	if !cat.Valid() {
		return SubjectTag{}, false
	}
	subject, id, _ := strings.Cut(rest, "=")
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return SubjectTag{}, false
	}
	return SubjectTag{Category: cat, Subject: subject, SubjectID: strings.TrimSpace(id)}, true
}

// LearningRevision is a superseded version of a learning.
type LearningRevision struct {
	Insight       string    `json:"insight"`
	Confidence    float64   `json:"confidence"`
	EvidenceCount int       `json:"evidence_count"`
	SupersededAt  time.Time `json:"superseded_at"`
}

// Learning is a durable insight distilled from several memories.
type Learning struct {
	ID            string             `json:"id"`
	AgentID       string             `json:"agent_id"`
	Category      Category           `json:"category"`
	Subject       string             `json:"subject"`
	SubjectID     string             `json:"subject_id,omitempty"`
	Insight       string             `json:"insight"`
	Confidence    float64            `json:"confidence"`
	EvidenceCount int                `json:"evidence_count"`
	SourceIDs     []string           `json:"source_memory_ids"`
	Tags          []string           `json:"tags,omitempty"`
	History       []LearningRevision `json:"history,omitempty"`
	Version       int                `json:"version"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// HasSource reports whether id already counts as evidence.
func (l *Learning) HasSource(id string) bool {
	for _, s := range l.SourceIDs {
		if s == id {
			return true
		}
	}
	return false
}
