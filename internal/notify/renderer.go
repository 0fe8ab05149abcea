package notify

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/featureboard/internal/activity"
	"github.com/MarcoPoloResearchLab/featureboard/internal/email"
	"github.com/MarcoPoloResearchLab/featureboard/internal/preferences"
	"github.com/MarcoPoloResearchLab/featureboard/internal/push"
)

// Renderer produces channel-specific content for an event.
type Renderer interface {
	Push(event activity.Event) push.Message
	Email(event activity.Event) email.Content
}

// PlainRenderer renders short plain-text messages.
type PlainRenderer struct{}

// Push renders the push notification for event.
func (PlainRenderer) Push(event activity.Event) push.Message {
	title, body := headline(event)
	return push.Message{
		Title: title,
		Body:  body,
		Data: map[string]string{
			"type":        string(event.Type),
			"project_id":  event.ProjectID,
			"feedback_id": event.FeedbackID,
		},
	}
}

// Email renders the email for event.
func (PlainRenderer) Email(event activity.Event) email.Content {
	title, body := headline(event)
	return email.Content{
		Subject: title,
		Text:    body + "\n",
	}
}

func headline(event activity.Event) (string, string) {
	subject := quoted(event.Title)
	switch event.Type {
	case preferences.TypeNewFeedback:
		return "New feedback", fmt.Sprintf("New feedback was submitted: %s", subject)
	case preferences.TypeNewComment:
		return "New comment", fmt.Sprintf("Someone commented on %s", subject)
	case preferences.TypeNewVote:
		return "New vote", fmt.Sprintf("%s now has %s", subject, votes(event.VoteCount))
	case preferences.TypeStatusChange:
		if event.OldStatus == "" {
			return "Status changed", fmt.Sprintf("%s is now %s", subject, humanStatus(event.NewStatus))
		}
		return "Status changed", fmt.Sprintf("%s moved from %s to %s", subject, humanStatus(event.OldStatus), humanStatus(event.NewStatus))
	default:
		return "Featureboard", subject
	}
}

func quoted(title string) string {
	trimmed := strings.TrimSpace(title)
	if trimmed == "" {
		return "your feedback"
	}
	return strconv.Quote(trimmed)
}

func votes(count int) string {
	if count == 1 {
		return "1 vote"
	}
	return fmt.Sprintf("%d votes", count)
}

func humanStatus(status string) string {
	return strings.ReplaceAll(status, "_", " ")
}
