package preferences

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/featureboard/internal/serviceerror"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// ServiceError carries a stable "<operation>.<reason>" code.
type ServiceError = serviceerror.Error

const (
	opStoreNew         = "preferences.store.new"
	opProfile          = "preferences.profile"
	opSaveProfile      = "preferences.save_profile"
	opOverride         = "preferences.override"
	opSaveOverride     = "preferences.save_override"
	opClearOverride    = "preferences.clear_override"
	opResolveEffective = "preferences.resolve_effective"

	reasonMissingDatabase = "missing_database"
	reasonInvalidUser     = "invalid_user_id"
	reasonInvalidProject  = "invalid_project_id"
	reasonInvalidChannel  = "invalid_channel"
	reasonInvalidType     = "invalid_type"
	reasonQueryFailed     = "query_failed"
	reasonUpsertFailed    = "upsert_failed"
	reasonDeleteFailed    = "delete_failed"

	fieldUserID    = "user_id"
	fieldProjectID = "project_id"
	queryUserID    = "user_id = ?"
	queryUserProj  = "user_id = ? AND project_id = ?"
)

func newServiceError(operation, reason string, cause error) error {
	return serviceerror.New(operation, reason, cause)
}

// StoreConfig describes the dependencies of the preference store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store persists profiles and project overrides and resolves effective
// permissions from them.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, reasonMissingDatabase, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		db:     cfg.Database,
		clock:  clock,
		logger: logger,
	}, nil
}

// Profile returns the user's stored profile, or the defaults when none exists.
func (s *Store) Profile(ctx context.Context, userID string) (Profile, error) {
	if s.db == nil {
		return Profile{}, newServiceError(opProfile, reasonMissingDatabase, errMissingDatabase)
	}
	normalizedUserID, err := validateIdentifier(userID, ErrInvalidUserID)
	if err != nil {
		return Profile{}, newServiceError(opProfile, reasonInvalidUser, err)
	}

	var profile Profile
	err = s.db.WithContext(ctx).Where(queryUserID, normalizedUserID).Take(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return DefaultProfile(normalizedUserID), nil
	}
	if err != nil {
		s.logError(opProfile, reasonQueryFailed, err, zap.String(fieldUserID, normalizedUserID))
		return Profile{}, newServiceError(opProfile, reasonQueryFailed, err)
	}
	return profile, nil
}

// SaveProfile inserts or replaces the user's profile.
func (s *Store) SaveProfile(ctx context.Context, profile Profile) (Profile, error) {
	if s.db == nil {
		return Profile{}, newServiceError(opSaveProfile, reasonMissingDatabase, errMissingDatabase)
	}
	normalizedUserID, err := validateIdentifier(profile.UserID, ErrInvalidUserID)
	if err != nil {
		return Profile{}, newServiceError(opSaveProfile, reasonInvalidUser, err)
	}
	profile.UserID = normalizedUserID
	profile.UpdatedAt = s.clock().UTC()

	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: fieldUserID}},
			UpdateAll: true,
		}).
		Create(&profile).Error; err != nil {
		s.logError(opSaveProfile, reasonUpsertFailed, err, zap.String(fieldUserID, normalizedUserID))
		return Profile{}, newServiceError(opSaveProfile, reasonUpsertFailed, err)
	}
	return profile, nil
}

// Override returns the user's override for the project and whether one exists.
func (s *Store) Override(ctx context.Context, userID, projectID string) (Override, bool, error) {
	if s.db == nil {
		return Override{}, false, newServiceError(opOverride, reasonMissingDatabase, errMissingDatabase)
	}
	normalizedUserID, normalizedProjectID, err := validatePair(opOverride, userID, projectID)
	if err != nil {
		return Override{}, false, err
	}

	var override Override
	err = s.db.WithContext(ctx).
		Where(queryUserProj, normalizedUserID, normalizedProjectID).
		Take(&override).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Override{}, false, nil
	}
	if err != nil {
		s.logError(opOverride, reasonQueryFailed, err,
			zap.String(fieldUserID, normalizedUserID),
			zap.String(fieldProjectID, normalizedProjectID))
		return Override{}, false, newServiceError(opOverride, reasonQueryFailed, err)
	}
	return override, true, nil
}

// SaveOverride creates the override row on first customization and replaces
// it afterwards. Rows stay unique per (user, project).
func (s *Store) SaveOverride(ctx context.Context, override Override) (Override, error) {
	if s.db == nil {
		return Override{}, newServiceError(opSaveOverride, reasonMissingDatabase, errMissingDatabase)
	}
	normalizedUserID, normalizedProjectID, err := validatePair(opSaveOverride, override.UserID, override.ProjectID)
	if err != nil {
		return Override{}, err
	}
	override.UserID = normalizedUserID
	override.ProjectID = normalizedProjectID
	override.UpdatedAt = s.clock().UTC()

	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: fieldUserID}, {Name: fieldProjectID}},
			UpdateAll: true,
		}).
		Create(&override).Error; err != nil {
		s.logError(opSaveOverride, reasonUpsertFailed, err,
			zap.String(fieldUserID, normalizedUserID),
			zap.String(fieldProjectID, normalizedProjectID))
		return Override{}, newServiceError(opSaveOverride, reasonUpsertFailed, err)
	}
	return override, nil
}

// ClearOverride removes the override so the project inherits the profile again.
func (s *Store) ClearOverride(ctx context.Context, userID, projectID string) error {
	if s.db == nil {
		return newServiceError(opClearOverride, reasonMissingDatabase, errMissingDatabase)
	}
	normalizedUserID, normalizedProjectID, err := validatePair(opClearOverride, userID, projectID)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).
		Where(queryUserProj, normalizedUserID, normalizedProjectID).
		Delete(&Override{}).Error; err != nil {
		s.logError(opClearOverride, reasonDeleteFailed, err,
			zap.String(fieldUserID, normalizedUserID),
			zap.String(fieldProjectID, normalizedProjectID))
		return newServiceError(opClearOverride, reasonDeleteFailed, err)
	}
	return nil
}

// Snapshot captures the user's profile and project override as one immutable value.
func (s *Store) Snapshot(ctx context.Context, userID, projectID string) (Snapshot, error) {
	profile, err := s.Profile(ctx, userID)
	if err != nil {
		return Snapshot{}, err
	}
	override, found, err := s.Override(ctx, userID, projectID)
	if err != nil {
		return Snapshot{}, err
	}
	if !found {
		return NewSnapshot(profile, nil), nil
	}
	return NewSnapshot(profile, &override), nil
}

// ResolveEffective answers whether the user wants notifications of the given
// type on the given channel for the project.
func (s *Store) ResolveEffective(ctx context.Context, userID, projectID string, channel Channel, notificationType NotificationType) (bool, error) {
	if _, err := ParseChannel(string(channel)); err != nil {
		return false, newServiceError(opResolveEffective, reasonInvalidChannel, err)
	}
	if _, err := ParseNotificationType(string(notificationType)); err != nil {
		return false, newServiceError(opResolveEffective, reasonInvalidType, err)
	}
	snapshot, err := s.Snapshot(ctx, userID, projectID)
	if err != nil {
		return false, err
	}
	return snapshot.Effective(channel, notificationType), nil
}

func validatePair(operation, userID, projectID string) (string, string, error) {
	normalizedUserID, err := validateIdentifier(userID, ErrInvalidUserID)
	if err != nil {
		return "", "", newServiceError(operation, reasonInvalidUser, err)
	}
	normalizedProjectID, err := validateIdentifier(projectID, ErrInvalidProjectID)
	if err != nil {
		return "", "", newServiceError(operation, reasonInvalidProject, err)
	}
	return normalizedUserID, normalizedProjectID, nil
}

func (s *Store) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	serviceerror.Log(s.loggerOrDefault(), "preference store error", operation, reason, err, fields...)
}
