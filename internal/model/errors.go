package model

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when a record does not exist for the caller's agent.
	ErrNotFound = errors.New("not found")
	// ErrInvalidScope rejects a write whose type and scope keys disagree.
	ErrInvalidScope = errors.New("invalid scope")
	// ErrConcurrentUpdate signals a lost optimistic-concurrency race.
	ErrConcurrentUpdate = errors.New("concurrent update")
	// ErrCollaboratorUnavailable wraps failures of the embedding or text
	// generation services.
	ErrCollaboratorUnavailable = errors.New("collaborator unavailable")
	// ErrAlreadyCompressed marks a group whose members were consumed by
	// another compression run.
	ErrAlreadyCompressed = errors.New("already compressed")
	// ErrLocked means another batch job holds the agent's lock.
	ErrLocked = errors.New("agent batch lock held")
)

// ItemFailure is one failed unit of a batch job.
type ItemFailure struct {
	Item string
	Err  error
}

// PartialBatchFailure reports the items a batch job could not process.
// Items not listed completed normally.
type PartialBatchFailure struct {
	Job      string
	Total    int
	Failures []ItemFailure
}

// Add records a failed item.
func (p *PartialBatchFailure) Add(item string, err error) {
	p.Failures = append(p.Failures, ItemFailure{Item: item, Err: err})
}

// ErrOrNil returns p when any item failed.
func (p *PartialBatchFailure) ErrOrNil() error {
	if p == nil || len(p.Failures) == 0 {
		return nil
	}
	return p
}

func (p *PartialBatchFailure) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d of %d items failed", p.Job, len(p.Failures), p.Total)
	for i, f := range p.Failures {
		if i == 3 {
			fmt.Fprintf(&b, "; ...")
			break
		}
		fmt.Fprintf(&b, "; %s: %v", f.Item, f.Err)
	}
	return b.String()
}

// Unwrap exposes the item errors to errors.Is and errors.As.
func (p *PartialBatchFailure) Unwrap() []error {
	errs := make([]error, len(p.Failures))
	for i, f := range p.Failures {
		errs[i] = f.Err
	}
	return errs
}

// Unavailable wraps err as a collaborator failure.
func Unavailable(what string, err error) error {
	return fmt.Errorf("%s: %w: %w", what, ErrCollaboratorUnavailable, err)
}
