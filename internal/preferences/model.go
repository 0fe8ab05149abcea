package preferences

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Channel enumerates delivery media.
type Channel string

const (
	// ChannelPush delivers to registered device endpoints.
	ChannelPush Channel = "push"
	// ChannelEmail delivers to the recipient's email address.
	ChannelEmail Channel = "email"
)

// NotificationType enumerates the kinds of activity a user can be told about.
type NotificationType string

const (
	TypeNewFeedback  NotificationType = "new_feedback"
	TypeNewComment   NotificationType = "new_comment"
	TypeNewVote      NotificationType = "new_vote"
	TypeStatusChange NotificationType = "status_change"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidChannel indicates an unknown delivery channel.
	ErrInvalidChannel = errors.New("preferences: invalid channel")
	// ErrInvalidNotificationType indicates an unknown notification type.
	ErrInvalidNotificationType = errors.New("preferences: invalid notification type")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("preferences: invalid user id")
	// ErrInvalidProjectID indicates that a project identifier is empty or exceeds storage bounds.
	ErrInvalidProjectID = errors.New("preferences: invalid project id")
)

// Channels lists every channel in dispatch order.
func Channels() []Channel {
	return []Channel{ChannelPush, ChannelEmail}
}

// NotificationTypes lists every notification type.
func NotificationTypes() []NotificationType {
	return []NotificationType{TypeNewFeedback, TypeNewComment, TypeNewVote, TypeStatusChange}
}

// ParseChannel validates raw input and returns a Channel.
func ParseChannel(raw string) (Channel, error) {
	switch Channel(strings.ToLower(strings.TrimSpace(raw))) {
	case ChannelPush:
		return ChannelPush, nil
	case ChannelEmail:
		return ChannelEmail, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidChannel, raw)
	}
}

// ParseNotificationType validates raw input and returns a NotificationType.
func ParseNotificationType(raw string) (NotificationType, error) {
	candidate := NotificationType(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range NotificationTypes() {
		if candidate == known {
			return known, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidNotificationType, raw)
}

func validateIdentifier(raw string, sentinel error) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", sentinel)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", sentinel, maxIdentifierLength)
	}
	return trimmed, nil
}

// Profile holds a user's global and per-type notification flags.
// A user without a stored row behaves as DefaultProfile.
type Profile struct {
	UserID string `gorm:"column:user_id;primaryKey;size:190;not null"`

	PushEnabled  bool `gorm:"column:push_enabled;not null"`
	EmailEnabled bool `gorm:"column:email_enabled;not null"`

	PushNewFeedback  bool `gorm:"column:push_notify_new_feedback;not null"`
	PushNewComment   bool `gorm:"column:push_notify_new_comment;not null"`
	PushNewVote      bool `gorm:"column:push_notify_new_vote;not null"`
	PushStatusChange bool `gorm:"column:push_notify_status_change;not null"`

	EmailNewFeedback  bool `gorm:"column:email_notify_new_feedback;not null"`
	EmailNewComment   bool `gorm:"column:email_notify_new_comment;not null"`
	EmailNewVote      bool `gorm:"column:email_notify_new_vote;not null"`
	EmailStatusChange bool `gorm:"column:email_notify_status_change;not null"`

	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Profile) TableName() string {
	return "notification_preferences"
}

// DefaultProfile returns the opt-out defaults: everything enabled.
func DefaultProfile(userID string) Profile {
	return Profile{
		UserID:            userID,
		PushEnabled:       true,
		EmailEnabled:      true,
		PushNewFeedback:   true,
		PushNewComment:    true,
		PushNewVote:       true,
		PushStatusChange:  true,
		EmailNewFeedback:  true,
		EmailNewComment:   true,
		EmailNewVote:      true,
		EmailStatusChange: true,
	}
}

// GlobalEnabled reports the user's master switch for the channel.
func (p Profile) GlobalEnabled(channel Channel) bool {
	switch channel {
	case ChannelPush:
		return p.PushEnabled
	case ChannelEmail:
		return p.EmailEnabled
	default:
		return false
	}
}

// Flag reports the user's personal flag for a (channel, type) pair.
func (p Profile) Flag(channel Channel, notificationType NotificationType) bool {
	switch channel {
	case ChannelPush:
		switch notificationType {
		case TypeNewFeedback:
			return p.PushNewFeedback
		case TypeNewComment:
			return p.PushNewComment
		case TypeNewVote:
			return p.PushNewVote
		case TypeStatusChange:
			return p.PushStatusChange
		}
	case ChannelEmail:
		switch notificationType {
		case TypeNewFeedback:
			return p.EmailNewFeedback
		case TypeNewComment:
			return p.EmailNewComment
		case TypeNewVote:
			return p.EmailNewVote
		case TypeStatusChange:
			return p.EmailStatusChange
		}
	}
	return false
}

// SetGlobal changes the user's master switch for the channel.
func (p *Profile) SetGlobal(channel Channel, enabled bool) {
	switch channel {
	case ChannelPush:
		p.PushEnabled = enabled
	case ChannelEmail:
		p.EmailEnabled = enabled
	}
}

// SetFlag changes the personal flag for a (channel, type) pair.
func (p *Profile) SetFlag(channel Channel, notificationType NotificationType, enabled bool) {
	if target := p.flagRef(channel, notificationType); target != nil {
		*target = enabled
	}
}

func (p *Profile) flagRef(channel Channel, notificationType NotificationType) *bool {
	switch channel {
	case ChannelPush:
		switch notificationType {
		case TypeNewFeedback:
			return &p.PushNewFeedback
		case TypeNewComment:
			return &p.PushNewComment
		case TypeNewVote:
			return &p.PushNewVote
		case TypeStatusChange:
			return &p.PushStatusChange
		}
	case ChannelEmail:
		switch notificationType {
		case TypeNewFeedback:
			return &p.EmailNewFeedback
		case TypeNewComment:
			return &p.EmailNewComment
		case TypeNewVote:
			return &p.EmailNewVote
		case TypeStatusChange:
			return &p.EmailStatusChange
		}
	}
	return nil
}

// Override customizes a user's preferences for one project. Unset fields
// inherit the user's Profile; a muted channel suppresses every type.
type Override struct {
	UserID    string `gorm:"column:user_id;primaryKey;size:190;not null"`
	ProjectID string `gorm:"column:project_id;primaryKey;size:190;not null;index"`

	PushMuted  bool `gorm:"column:push_muted;not null"`
	EmailMuted bool `gorm:"column:email_muted;not null"`

	PushNewFeedback  OptionalBool `gorm:"column:push_notify_new_feedback"`
	PushNewComment   OptionalBool `gorm:"column:push_notify_new_comment"`
	PushNewVote      OptionalBool `gorm:"column:push_notify_new_vote"`
	PushStatusChange OptionalBool `gorm:"column:push_notify_status_change"`

	EmailNewFeedback  OptionalBool `gorm:"column:email_notify_new_feedback"`
	EmailNewComment   OptionalBool `gorm:"column:email_notify_new_comment"`
	EmailNewVote      OptionalBool `gorm:"column:email_notify_new_vote"`
	EmailStatusChange OptionalBool `gorm:"column:email_notify_status_change"`

	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Override) TableName() string {
	return "project_notification_overrides"
}

// Muted reports whether the channel is silenced for the project.
func (o Override) Muted(channel Channel) bool {
	switch channel {
	case ChannelPush:
		return o.PushMuted
	case ChannelEmail:
		return o.EmailMuted
	default:
		return false
	}
}

// Field returns the tri-state override for a (channel, type) pair.
func (o Override) Field(channel Channel, notificationType NotificationType) OptionalBool {
	switch channel {
	case ChannelPush:
		switch notificationType {
		case TypeNewFeedback:
			return o.PushNewFeedback
		case TypeNewComment:
			return o.PushNewComment
		case TypeNewVote:
			return o.PushNewVote
		case TypeStatusChange:
			return o.PushStatusChange
		}
	case ChannelEmail:
		switch notificationType {
		case TypeNewFeedback:
			return o.EmailNewFeedback
		case TypeNewComment:
			return o.EmailNewComment
		case TypeNewVote:
			return o.EmailNewVote
		case TypeStatusChange:
			return o.EmailStatusChange
		}
	}
	return Unset()
}

// SetMuted silences or restores the channel for the project.
func (o *Override) SetMuted(channel Channel, muted bool) {
	switch channel {
	case ChannelPush:
		o.PushMuted = muted
	case ChannelEmail:
		o.EmailMuted = muted
	}
}

// SetField changes the tri-state override for a (channel, type) pair.
func (o *Override) SetField(channel Channel, notificationType NotificationType, value OptionalBool) {
	var target *OptionalBool
	switch channel {
	case ChannelPush:
		switch notificationType {
		case TypeNewFeedback:
			target = &o.PushNewFeedback
		case TypeNewComment:
			target = &o.PushNewComment
		case TypeNewVote:
			target = &o.PushNewVote
		case TypeStatusChange:
			target = &o.PushStatusChange
		}
	case ChannelEmail:
		switch notificationType {
		case TypeNewFeedback:
			target = &o.EmailNewFeedback
		case TypeNewComment:
			target = &o.EmailNewComment
		case TypeNewVote:
			target = &o.EmailNewVote
		case TypeStatusChange:
			target = &o.EmailStatusChange
		}
	}
	if target != nil {
		*target = value
	}
}
