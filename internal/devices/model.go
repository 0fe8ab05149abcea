package devices

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Platform tags the operating environment of a push endpoint.
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
	PlatformWeb     Platform = "web"
)

const (
	maxIdentifierLength = 190
	maxTokenLength      = 512
)

var (
	// ErrInvalidUserID indicates that the owning user identifier is empty or too long.
	ErrInvalidUserID = errors.New("devices: invalid user id")
	// ErrInvalidEndpointID indicates that an endpoint identifier is empty or too long.
	ErrInvalidEndpointID = errors.New("devices: invalid endpoint id")
	// ErrInvalidToken indicates that a provider token is empty or too long.
	ErrInvalidToken = errors.New("devices: invalid token")
	// ErrInvalidPlatform indicates an unsupported platform tag.
	ErrInvalidPlatform = errors.New("devices: invalid platform")
	// ErrEndpointNotFound indicates that no endpoint matched the lookup.
	ErrEndpointNotFound = errors.New("devices: endpoint not found")
)

// ParsePlatform normalizes and validates a platform tag.
func ParsePlatform(raw string) (Platform, error) {
	switch Platform(strings.ToLower(strings.TrimSpace(raw))) {
	case PlatformIOS:
		return PlatformIOS, nil
	case PlatformAndroid:
		return PlatformAndroid, nil
	case PlatformWeb:
		return PlatformWeb, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPlatform, raw)
	}
}

// Endpoint is one registered push destination. Tokens are unique across all
// users; re-registering a token reactivates its existing row.
type Endpoint struct {
	ID         string     `gorm:"column:id;primaryKey;size:190"`
	UserID     string     `gorm:"column:user_id;size:190;not null;index:idx_device_endpoints_user_active,priority:1"`
	Token      string     `gorm:"column:token;size:512;not null;uniqueIndex:idx_device_endpoints_token"`
	Platform   Platform   `gorm:"column:platform;size:16;not null"`
	Active     bool       `gorm:"column:active;not null;index:idx_device_endpoints_user_active,priority:2"`
	LastUsedAt *time.Time `gorm:"column:last_used_at"`
	CreatedAt  time.Time  `gorm:"column:created_at;not null"`
	UpdatedAt  time.Time  `gorm:"column:updated_at;not null"`
}

// TableName binds the model to device_endpoints.
func (Endpoint) TableName() string {
	return "device_endpoints"
}

func validateIdentifier(raw string, limit int, sentinel error) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", sentinel)
	}
	if len(trimmed) > limit {
		return "", fmt.Errorf("%w: exceeds %d characters", sentinel, limit)
	}
	return trimmed, nil
}
