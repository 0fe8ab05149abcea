package devices

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/featureboard/internal/ids"
	"github.com/MarcoPoloResearchLab/featureboard/internal/serviceerror"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a stable "<operation>.<reason>" code.
type ServiceError = serviceerror.Error

const (
	opRegistryNew = "devices.registry.new"
	opRegister    = "devices.register"
	opUnregister  = "devices.unregister"
	opDeactivate  = "devices.deactivate"
	opListActive  = "devices.list_active"
	opMarkUsed    = "devices.mark_used"

	reasonMissingDatabase   = "missing_database"
	reasonMissingIDProvider = "missing_id_provider"
	reasonInvalidUser       = "invalid_user_id"
	reasonInvalidEndpoint   = "invalid_endpoint_id"
	reasonInvalidToken      = "invalid_token"
	reasonInvalidPlatform   = "invalid_platform"
	reasonIDGeneration      = "id_generation_failed"
	reasonUpsertFailed      = "upsert_failed"
	reasonQueryFailed       = "query_failed"
	reasonUpdateFailed      = "update_failed"
	reasonNotFound          = "not_found"

	columnID         = "id"
	columnUserID     = "user_id"
	columnToken      = "token"
	columnPlatform   = "platform"
	columnActive     = "active"
	columnLastUsedAt = "last_used_at"
	columnUpdatedAt  = "updated_at"
)

func newServiceError(operation, reason string, cause error) error {
	return serviceerror.New(operation, reason, cause)
}

// RegistryConfig describes the dependencies of the device registry.
type RegistryConfig struct {
	Database   *gorm.DB
	IDProvider ids.Provider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Registry tracks push endpoints per user.
type Registry struct {
	db     *gorm.DB
	ids    ids.Provider
	clock  func() time.Time
	logger *zap.Logger
}

// NewRegistry constructs a Registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opRegistryNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opRegistryNew, reasonMissingIDProvider, errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Registry{
		db:     cfg.Database,
		ids:    cfg.IDProvider,
		clock:  clock,
		logger: logger,
	}, nil
}

// Register records the token for the user. A token seen before keeps its row
// and is reactivated, moved to the new owner and re-tagged with the platform.
func (r *Registry) Register(ctx context.Context, userID, token, platform string) (Endpoint, error) {
	normalizedUserID, err := validateIdentifier(userID, maxIdentifierLength, ErrInvalidUserID)
	if err != nil {
		return Endpoint{}, newServiceError(opRegister, reasonInvalidUser, err)
	}
	normalizedToken, err := validateIdentifier(token, maxTokenLength, ErrInvalidToken)
	if err != nil {
		return Endpoint{}, newServiceError(opRegister, reasonInvalidToken, err)
	}
	normalizedPlatform, err := ParsePlatform(platform)
	if err != nil {
		return Endpoint{}, newServiceError(opRegister, reasonInvalidPlatform, err)
	}
	endpointID, err := r.ids.NewID()
	if err != nil {
		return Endpoint{}, newServiceError(opRegister, reasonIDGeneration, err)
	}

	now := r.clock().UTC()
	candidate := Endpoint{
		ID:        endpointID,
		UserID:    normalizedUserID,
		Token:     normalizedToken,
		Platform:  normalizedPlatform,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	var stored Endpoint
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: columnToken}},
			DoUpdates: clause.AssignmentColumns([]string{columnUserID, columnPlatform, columnActive, columnUpdatedAt}),
		}).Create(&candidate).Error; err != nil {
			return err
		}
		return tx.Where(columnToken+" = ?", normalizedToken).Take(&stored).Error
	})
	if err != nil {
		r.logError(opRegister, reasonUpsertFailed, err, zap.String(columnUserID, normalizedUserID))
		return Endpoint{}, newServiceError(opRegister, reasonUpsertFailed, err)
	}
	return stored, nil
}

// Unregister deactivates the user's endpoint carrying token. The row is kept
// so a later registration of the same token reactivates it.
func (r *Registry) Unregister(ctx context.Context, userID, token string) error {
	normalizedUserID, err := validateIdentifier(userID, maxIdentifierLength, ErrInvalidUserID)
	if err != nil {
		return newServiceError(opUnregister, reasonInvalidUser, err)
	}
	normalizedToken, err := validateIdentifier(token, maxTokenLength, ErrInvalidToken)
	if err != nil {
		return newServiceError(opUnregister, reasonInvalidToken, err)
	}

	var endpoint Endpoint
	err = r.db.WithContext(ctx).
		Where(columnUserID+" = ? AND "+columnToken+" = ?", normalizedUserID, normalizedToken).
		Take(&endpoint).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return newServiceError(opUnregister, reasonNotFound, ErrEndpointNotFound)
	}
	if err != nil {
		r.logError(opUnregister, reasonQueryFailed, err, zap.String(columnUserID, normalizedUserID))
		return newServiceError(opUnregister, reasonQueryFailed, err)
	}
	if _, err := r.deactivate(ctx, endpoint.ID); err != nil {
		r.logError(opUnregister, reasonUpdateFailed, err, zap.String("endpoint_id", endpoint.ID))
		return newServiceError(opUnregister, reasonUpdateFailed, err)
	}
	return nil
}

// Deactivate marks the endpoint inactive. It reports whether the call changed
// state; deactivating an inactive endpoint is a no-op.
func (r *Registry) Deactivate(ctx context.Context, endpointID string) (bool, error) {
	normalizedID, err := validateIdentifier(endpointID, maxIdentifierLength, ErrInvalidEndpointID)
	if err != nil {
		return false, newServiceError(opDeactivate, reasonInvalidEndpoint, err)
	}
	changed, err := r.deactivate(ctx, normalizedID)
	if err != nil {
		r.logError(opDeactivate, reasonUpdateFailed, err, zap.String("endpoint_id", normalizedID))
		return false, newServiceError(opDeactivate, reasonUpdateFailed, err)
	}
	return changed, nil
}

func (r *Registry) deactivate(ctx context.Context, endpointID string) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&Endpoint{}).
		Where(columnID+" = ? AND "+columnActive+" = ?", endpointID, true).
		Updates(map[string]any{
			columnActive:    false,
			columnUpdatedAt: r.clock().UTC(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// ListActive returns the user's active endpoints, oldest registration first.
func (r *Registry) ListActive(ctx context.Context, userID string) ([]Endpoint, error) {
	normalizedUserID, err := validateIdentifier(userID, maxIdentifierLength, ErrInvalidUserID)
	if err != nil {
		return nil, newServiceError(opListActive, reasonInvalidUser, err)
	}
	var endpoints []Endpoint
	if err := r.db.WithContext(ctx).
		Where(columnUserID+" = ? AND "+columnActive+" = ?", normalizedUserID, true).
		Order("created_at ASC").
		Order("id ASC").
		Find(&endpoints).Error; err != nil {
		r.logError(opListActive, reasonQueryFailed, err, zap.String(columnUserID, normalizedUserID))
		return nil, newServiceError(opListActive, reasonQueryFailed, err)
	}
	return endpoints, nil
}

// MarkUsed stamps the endpoint's last successful delivery time.
func (r *Registry) MarkUsed(ctx context.Context, endpointID string) error {
	normalizedID, err := validateIdentifier(endpointID, maxIdentifierLength, ErrInvalidEndpointID)
	if err != nil {
		return newServiceError(opMarkUsed, reasonInvalidEndpoint, err)
	}
	now := r.clock().UTC()
	if err := r.db.WithContext(ctx).
		Model(&Endpoint{}).
		Where(columnID+" = ?", normalizedID).
		Updates(map[string]any{
			columnLastUsedAt: now,
			columnUpdatedAt:  now,
		}).Error; err != nil {
		r.logError(opMarkUsed, reasonUpdateFailed, err, zap.String("endpoint_id", normalizedID))
		return newServiceError(opMarkUsed, reasonUpdateFailed, err)
	}
	return nil
}

func (r *Registry) logError(operation, reason string, err error, fields ...zap.Field) {
	serviceerror.Log(r.logger, "device registry error", operation, reason, err, fields...)
}
