package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/charterlabs/eventcore/pkg/db"
	"github.com/charterlabs/eventcore/pkg/db/models"
	eventerrors "github.com/charterlabs/eventcore/pkg/errors"
)

// Outcome reports how a claim attempt resolved.
type Outcome string

const (
	// OutcomeClaimed means this call inserted the record; the caller owns
	// the position and may acknowledge it.
	OutcomeClaimed Outcome = "claimed"
	// OutcomeAlreadyProcessed means another attempt recorded the position
	// first. The caller must not repeat side effects.
	OutcomeAlreadyProcessed Outcome = "already_processed"
)

// Claim carries everything needed to record one handling attempt.
type Claim struct {
	SubscriberName string
	StreamName     string
	StreamPosition string
	EventID        string
	EventType      string
	Status         models.DedupStatus
	FailureReason  *string
	TenantID       *string
	Metadata       json.RawMessage
}

func (c Claim) validate() error {
	switch {
	case c.SubscriberName == "":
		return eventerrors.New(eventerrors.CodeValidation, "subscriber name is required")
	case c.StreamPosition == "":
		return eventerrors.New(eventerrors.CodeValidation, "stream position is required")
	case c.EventID == "":
		return eventerrors.New(eventerrors.CodeValidation, "event id is required")
	case c.EventType == "":
		return eventerrors.New(eventerrors.CodeValidation, "event type is required")
	}
	switch c.Status {
	case models.DedupStatusSucceeded, models.DedupStatusFailedPermanent:
	default:
		return eventerrors.New(eventerrors.CodeValidation, fmt.Sprintf("unknown dedup status %q", c.Status))
	}
	if c.Status == models.DedupStatusFailedPermanent && c.FailureReason == nil {
		return eventerrors.New(eventerrors.CodeValidation, "failure reason is required for failed_permanent")
	}
	return nil
}

// Store is the durable processed-position ledger.
type Store interface {
	TryClaim(ctx context.Context, claim Claim) (Outcome, error)
	IsProcessed(ctx context.Context, subscriber, position string) (bool, error)
	Find(ctx context.Context, subscriber, position string) (*models.DedupRecord, error)
	ListFailed(ctx context.Context, subscriber string, limit int) ([]models.DedupRecord, error)
}

// GormStore implements Store on the shared relational database. Uniqueness
// is enforced by the database index, not by application-level checks, so
// concurrent claimers race safely.
type GormStore struct {
	db *gorm.DB
}

var _ Store = (*GormStore)(nil)

// NewGormStore wires the store against an established database client.
func NewGormStore(client *db.Client) (*GormStore, error) {
	if client == nil {
		return nil, errors.New("db client is required")
	}
	return &GormStore{db: client.DB()}, nil
}

// TryClaim inserts the record for (subscriber, position) if none exists.
// The insert and the existence check are a single atomic statement; a
// conflicting row, whether pre-existing or inserted by a concurrent racer,
// resolves to OutcomeAlreadyProcessed.
func (s *GormStore) TryClaim(ctx context.Context, claim Claim) (Outcome, error) {
	if err := claim.validate(); err != nil {
		return "", err
	}

	record := models.DedupRecord{
		ID:             uuid.New(),
		SubscriberName: claim.SubscriberName,
		StreamName:     claim.StreamName,
		StreamPosition: claim.StreamPosition,
		EventID:        claim.EventID,
		EventType:      claim.EventType,
		Status:         claim.Status,
		FailureReason:  claim.FailureReason,
		TenantID:       claim.TenantID,
		Metadata:       claim.Metadata,
	}

	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "subscriber_name"}, {Name: "stream_position"}},
			DoNothing: true,
		}).
		Create(&record)
	if result.Error != nil {
		if db.IsUniqueViolation(result.Error, "ux_dedup_records_subscriber_position") {
			return OutcomeAlreadyProcessed, nil
		}
		return "", eventerrors.Wrap(eventerrors.CodeDependency, result.Error, "claiming stream position")
	}
	if result.RowsAffected == 0 {
		return OutcomeAlreadyProcessed, nil
	}
	return OutcomeClaimed, nil
}

// IsProcessed reports whether the subscriber already recorded the position.
func (s *GormStore) IsProcessed(ctx context.Context, subscriber, position string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.DedupRecord{}).
		Where("subscriber_name = ? AND stream_position = ?", subscriber, position).
		Count(&count).Error
	if err != nil {
		return false, eventerrors.Wrap(eventerrors.CodeDependency, err, "checking processed position")
	}
	return count > 0, nil
}

// Find returns the recorded attempt for the position, or nil when none exists.
func (s *GormStore) Find(ctx context.Context, subscriber, position string) (*models.DedupRecord, error) {
	var record models.DedupRecord
	err := s.db.WithContext(ctx).
		Where("subscriber_name = ? AND stream_position = ?", subscriber, position).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, eventerrors.Wrap(eventerrors.CodeDependency, err, "loading dedup record")
	}
	return &record, nil
}

// ListFailed returns the subscriber's permanently failed positions, newest
// first, for poison-message audits.
func (s *GormStore) ListFailed(ctx context.Context, subscriber string, limit int) ([]models.DedupRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []models.DedupRecord
	err := s.db.WithContext(ctx).
		Where("subscriber_name = ? AND status = ?", subscriber, models.DedupStatusFailedPermanent).
		Order("processed_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, eventerrors.Wrap(eventerrors.CodeDependency, err, "listing failed records")
	}
	return rows, nil
}
