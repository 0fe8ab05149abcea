// Package activity describes the events mutation handlers emit after
// committing a change worth notifying someone about.
package activity

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/featureboard/internal/preferences"
)

const maxIdentifierLength = 190

// ErrMalformedEvent indicates an event missing required identifiers.
var ErrMalformedEvent = errors.New("activity: malformed event")

// Event is one piece of activity on a feedback item.
type Event struct {
	Type       preferences.NotificationType `json:"type"`
	ProjectID  string                       `json:"project_id"`
	FeedbackID string                       `json:"feedback_id"`
	ActorID    string                       `json:"actor_id,omitempty"`
	Title      string                       `json:"title,omitempty"`
	VoteCount  int                          `json:"vote_count,omitempty"`
	OldStatus  string                       `json:"old_status,omitempty"`
	NewStatus  string                       `json:"new_status,omitempty"`
	OccurredAt time.Time                    `json:"occurred_at"`
}

// Normalized returns a copy with identifiers trimmed and statuses lower-cased.
func (e Event) Normalized() Event {
	e.Type = preferences.NotificationType(strings.ToLower(strings.TrimSpace(string(e.Type))))
	e.ProjectID = strings.TrimSpace(e.ProjectID)
	e.FeedbackID = strings.TrimSpace(e.FeedbackID)
	e.ActorID = strings.TrimSpace(e.ActorID)
	e.OldStatus = strings.ToLower(strings.TrimSpace(e.OldStatus))
	e.NewStatus = strings.ToLower(strings.TrimSpace(e.NewStatus))
	return e
}

// Validate reports whether the event carries what resolution needs.
func (e Event) Validate() error {
	if _, err := preferences.ParseNotificationType(string(e.Type)); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if err := checkIdentifier("project_id", e.ProjectID); err != nil {
		return err
	}
	if err := checkIdentifier("feedback_id", e.FeedbackID); err != nil {
		return err
	}
	if len(e.ActorID) > maxIdentifierLength {
		return fmt.Errorf("%w: actor_id exceeds %d characters", ErrMalformedEvent, maxIdentifierLength)
	}
	if e.Type == preferences.TypeStatusChange && strings.TrimSpace(e.NewStatus) == "" {
		return fmt.Errorf("%w: new_status is required for %s", ErrMalformedEvent, e.Type)
	}
	return nil
}

func checkIdentifier(field, value string) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fmt.Errorf("%w: %s is required", ErrMalformedEvent, field)
	}
	if len(trimmed) > maxIdentifierLength {
		return fmt.Errorf("%w: %s exceeds %d characters", ErrMalformedEvent, field, maxIdentifierLength)
	}
	return nil
}
