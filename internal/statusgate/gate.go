package statusgate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/featureboard/internal/preferences"
	"github.com/MarcoPoloResearchLab/featureboard/internal/serviceerror"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Feedback statuses a project can gate on.
const (
	StatusPending    = "pending"
	StatusApproved   = "approved"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusRejected   = "rejected"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidProjectID indicates that a project identifier is empty or too long.
	ErrInvalidProjectID = errors.New("statusgate: invalid project id")
	// ErrUnknownStatus indicates a status outside the known feedback lifecycle.
	ErrUnknownStatus = errors.New("statusgate: unknown status")

	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// KnownStatuses lists the feedback lifecycle in order.
func KnownStatuses() []string {
	return []string{StatusPending, StatusApproved, StatusInProgress, StatusCompleted, StatusRejected}
}

// NormalizeStatus lower-cases and validates a status value.
func NormalizeStatus(raw string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	for _, known := range KnownStatuses() {
		if normalized == known {
			return normalized, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStatus, raw)
}

// ProjectStatus is one member of a project's gate set.
type ProjectStatus struct {
	ProjectID string    `gorm:"column:project_id;primaryKey;size:190"`
	Status    string    `gorm:"column:status;primaryKey;size:32"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

// TableName binds the model to project_status_gates.
func (ProjectStatus) TableName() string {
	return "project_status_gates"
}

// ServiceError carries a stable "<operation>.<reason>" code.
type ServiceError = serviceerror.Error

const (
	opGateNew      = "statusgate.new"
	opSetStatuses  = "statusgate.set_statuses"
	opStatuses     = "statusgate.statuses"
	opIsEligible   = "statusgate.is_status_eligible"
	reasonDatabase = "missing_database"
	reasonProject  = "invalid_project_id"
	reasonStatus   = "invalid_status"
	reasonChannel  = "invalid_channel"
	reasonQuery    = "query_failed"
	reasonReplace  = "replace_failed"

	queryProjectID = "project_id = ?"
)

func newServiceError(operation, reason string, cause error) error {
	return serviceerror.New(operation, reason, cause)
}

// Config describes the dependencies of the gate.
type Config struct {
	Database *gorm.DB
	// ApplyToPush extends the gate to the push channel. Off by default, in
	// which case every status transition is push-eligible.
	ApplyToPush bool
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Gate decides whether a feedback status transition is deliverable on a channel.
type Gate struct {
	db          *gorm.DB
	applyToPush bool
	clock       func() time.Time
	logger      *zap.Logger
}

// New constructs a Gate.
func New(cfg Config) (*Gate, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opGateNew, reasonDatabase, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Gate{db: cfg.Database, applyToPush: cfg.ApplyToPush, clock: clock, logger: logger}, nil
}

// SetStatuses replaces the project's gate set. Duplicates collapse; an empty
// input clears the gate.
func (g *Gate) SetStatuses(ctx context.Context, projectID string, statuses []string) ([]string, error) {
	normalizedProjectID, err := normalizeProjectID(projectID)
	if err != nil {
		return nil, newServiceError(opSetStatuses, reasonProject, err)
	}
	unique := make(map[string]struct{}, len(statuses))
	for _, raw := range statuses {
		status, err := NormalizeStatus(raw)
		if err != nil {
			return nil, newServiceError(opSetStatuses, reasonStatus, err)
		}
		unique[status] = struct{}{}
	}
	normalized := make([]string, 0, len(unique))
	for status := range unique {
		normalized = append(normalized, status)
	}
	sortByLifecycle(normalized)

	now := g.clock().UTC()
	err = g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where(queryProjectID, normalizedProjectID).Delete(&ProjectStatus{}).Error; err != nil {
			return err
		}
		if len(normalized) == 0 {
			return nil
		}
		rows := make([]ProjectStatus, 0, len(normalized))
		for _, status := range normalized {
			rows = append(rows, ProjectStatus{ProjectID: normalizedProjectID, Status: status, CreatedAt: now})
		}
		return tx.Create(&rows).Error
	})
	if err != nil {
		g.logError(opSetStatuses, reasonReplace, err, zap.String("project_id", normalizedProjectID))
		return nil, newServiceError(opSetStatuses, reasonReplace, err)
	}
	return normalized, nil
}

// Statuses returns the project's gate set in lifecycle order. An unconfigured
// project has an empty set.
func (g *Gate) Statuses(ctx context.Context, projectID string) ([]string, error) {
	normalizedProjectID, err := normalizeProjectID(projectID)
	if err != nil {
		return nil, newServiceError(opStatuses, reasonProject, err)
	}
	var rows []ProjectStatus
	if err := g.db.WithContext(ctx).Where(queryProjectID, normalizedProjectID).Find(&rows).Error; err != nil {
		g.logError(opStatuses, reasonQuery, err, zap.String("project_id", normalizedProjectID))
		return nil, newServiceError(opStatuses, reasonQuery, err)
	}
	statuses := make([]string, 0, len(rows))
	for _, row := range rows {
		statuses = append(statuses, row.Status)
	}
	sortByLifecycle(statuses)
	return statuses, nil
}

// IsStatusEligible reports whether a transition to newStatus may be delivered
// on channel. Email requires membership in the project's set. Push passes
// unless the gate is configured to apply to push as well.
func (g *Gate) IsStatusEligible(ctx context.Context, projectID, newStatus string, channel preferences.Channel) (bool, error) {
	switch channel {
	case preferences.ChannelEmail:
	case preferences.ChannelPush:
		if !g.applyToPush {
			return true, nil
		}
	default:
		return false, newServiceError(opIsEligible, reasonChannel, fmt.Errorf("%w: %q", preferences.ErrInvalidChannel, channel))
	}

	normalizedProjectID, err := normalizeProjectID(projectID)
	if err != nil {
		return false, newServiceError(opIsEligible, reasonProject, err)
	}
	status, err := NormalizeStatus(newStatus)
	if err != nil {
		return false, nil
	}

	var count int64
	if err := g.db.WithContext(ctx).
		Model(&ProjectStatus{}).
		Where("project_id = ? AND status = ?", normalizedProjectID, status).
		Count(&count).Error; err != nil {
		g.logError(opIsEligible, reasonQuery, err, zap.String("project_id", normalizedProjectID))
		return false, newServiceError(opIsEligible, reasonQuery, err)
	}
	return count > 0, nil
}

func normalizeProjectID(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidProjectID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidProjectID, maxIdentifierLength)
	}
	return trimmed, nil
}

func sortByLifecycle(statuses []string) {
	rank := make(map[string]int, len(KnownStatuses()))
	for index, status := range KnownStatuses() {
		rank[status] = index
	}
	sort.Slice(statuses, func(i, j int) bool {
		return rank[statuses[i]] < rank[statuses[j]]
	})
}

func (g *Gate) logError(operation, reason string, err error, fields ...zap.Field) {
	serviceerror.Log(g.logger, "status gate error", operation, reason, err, fields...)
}
