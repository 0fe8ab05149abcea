package delivery

import (
	"time"

	"github.com/MarcoPoloResearchLab/featureboard/internal/preferences"
	"gorm.io/datatypes"
)

// Outcome is the result of one delivery attempt.
type Outcome string

const (
	// OutcomeSent means the provider accepted the message.
	OutcomeSent Outcome = "sent"
	// OutcomeFailed means the attempt failed transiently or timed out.
	OutcomeFailed Outcome = "failed"
	// OutcomeExpired means the push token was reported invalid and the endpoint was deactivated.
	OutcomeExpired Outcome = "expired"
)

// Record is an immutable audit entry for one attempt to one destination.
type Record struct {
	ID              string                       `gorm:"column:id;primaryKey;size:190"`
	RecipientUserID string                       `gorm:"column:recipient_user_id;size:190;index"`
	EndpointID      *string                      `gorm:"column:endpoint_id;size:190"`
	Address         string                       `gorm:"column:address;size:320"`
	Channel         preferences.Channel          `gorm:"column:channel;size:16;not null"`
	EventType       preferences.NotificationType `gorm:"column:event_type;size:32;not null"`
	ProjectID       string                       `gorm:"column:project_id;size:190;not null;index"`
	FeedbackID      string                       `gorm:"column:feedback_id;size:190;not null"`
	Outcome         Outcome                      `gorm:"column:outcome;size:16;not null"`
	ErrorDetail     string                       `gorm:"column:error_detail;size:1024"`
	Payload         datatypes.JSON               `gorm:"column:payload"`
	AttemptedAt     time.Time                    `gorm:"column:attempted_at;not null"`
	CompletedAt     time.Time                    `gorm:"column:completed_at;not null"`
}

// TableName binds the model to delivery_records.
func (Record) TableName() string {
	return "delivery_records"
}
