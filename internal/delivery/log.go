package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/featureboard/internal/ids"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxErrorDetailLength = 1024

var (
	errMissingDatabase   = errors.New("delivery: database handle is required")
	errMissingIDProvider = errors.New("delivery: id provider is required")
)

// LogConfig describes the dependencies of the delivery log.
type LogConfig struct {
	Database   *gorm.DB
	IDProvider ids.Provider
	Logger     *zap.Logger
}

// Log is an insert-only sink of delivery records. Nothing on the delivery
// path reads it back.
type Log struct {
	db     *gorm.DB
	ids    ids.Provider
	logger *zap.Logger
}

// NewLog constructs a Log.
func NewLog(cfg LogConfig) (*Log, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{db: cfg.Database, ids: cfg.IDProvider, logger: logger}, nil
}

// Append inserts the record, assigning an id when it has none. Errors are
// logged and returned; callers are not expected to act on them.
func (l *Log) Append(ctx context.Context, record Record) error {
	if record.ID == "" {
		identifier, err := l.ids.NewID()
		if err != nil {
			l.logFailure(record, err)
			return fmt.Errorf("delivery: id generation: %w", err)
		}
		record.ID = identifier
	}
	record.ErrorDetail = truncateDetail(record.ErrorDetail)
	if err := l.db.WithContext(ctx).Create(&record).Error; err != nil {
		l.logFailure(record, err)
		return fmt.Errorf("delivery: append: %w", err)
	}
	return nil
}

func (l *Log) logFailure(record Record, err error) {
	l.logger.Error("delivery record append failed",
		zap.String("operation", "delivery.append"),
		zap.String("recipient_user_id", record.RecipientUserID),
		zap.String("channel", string(record.Channel)),
		zap.String("outcome", string(record.Outcome)),
		zap.Error(err),
	)
}

// truncateDetail caps the detail at maxErrorDetailLength bytes without
// splitting a character. Postgres rejects invalid UTF-8 in text columns.
func truncateDetail(detail string) string {
	if len(detail) > maxErrorDetailLength {
		cut := maxErrorDetailLength
		for cut > 0 && !utf8.RuneStart(detail[cut]) {
			cut--
		}
		detail = detail[:cut]
	}
	return strings.ToValidUTF8(detail, "")
}
