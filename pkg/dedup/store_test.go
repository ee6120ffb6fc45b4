package dedup

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/charterlabs/eventcore/pkg/db/models"
	eventerrors "github.com/charterlabs/eventcore/pkg/errors"
)

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		SkipDefaultTransaction: true,
	})
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(&models.DedupRecord{}))
	return &GormStore{db: conn}
}

func successClaim(subscriber, position string) Claim {
	return Claim{
		SubscriberName: subscriber,
		StreamName:     "orders",
		StreamPosition: position,
		EventID:        uuid.NewString(),
		EventType:      "ORDER_CREATED",
		Status:         models.DedupStatusSucceeded,
	}
}

func TestTryClaimInsertsRecord(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	outcome, err := store.TryClaim(ctx, successClaim("billing", "10-0"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeClaimed, outcome)

	record, err := store.Find(ctx, "billing", "10-0")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.True(t, record.Succeeded())
	assert.NotEqual(t, uuid.Nil, record.ID)
	assert.False(t, record.ProcessedAt.IsZero())
}

func TestTryClaimSecondAttemptAlreadyProcessed(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.TryClaim(ctx, successClaim("billing", "10-0"))
	require.NoError(t, err)

	outcome, err := store.TryClaim(ctx, successClaim("billing", "10-0"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyProcessed, outcome)

	var count int64
	require.NoError(t, store.db.Model(&models.DedupRecord{}).Count(&count).Error)
	assert.EqualValues(t, 1, count, "duplicate claim must not insert a second row")
}

func TestTryClaimSubscribersAreIndependent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.TryClaim(ctx, successClaim("billing", "10-0"))
	require.NoError(t, err)

	outcome, err := store.TryClaim(ctx, successClaim("shipping", "10-0"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeClaimed, outcome, "same position under another subscriber must claim")
}

func TestTryClaimValidatesInput(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		claim Claim
	}{
		{"missing subscriber", Claim{StreamPosition: "1-0", EventID: "e", EventType: "T", Status: models.DedupStatusSucceeded}},
		{"missing position", Claim{SubscriberName: "s", EventID: "e", EventType: "T", Status: models.DedupStatusSucceeded}},
		{"missing event id", Claim{SubscriberName: "s", StreamPosition: "1-0", EventType: "T", Status: models.DedupStatusSucceeded}},
		{"missing event type", Claim{SubscriberName: "s", StreamPosition: "1-0", EventID: "e", Status: models.DedupStatusSucceeded}},
		{"unknown status", Claim{SubscriberName: "s", StreamPosition: "1-0", EventID: "e", EventType: "T", Status: "retrying"}},
		{"failure without reason", Claim{SubscriberName: "s", StreamPosition: "1-0", EventID: "e", EventType: "T", Status: models.DedupStatusFailedPermanent}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := store.TryClaim(ctx, tc.claim)
			require.Error(t, err)
			typed := eventerrors.As(err)
			require.NotNil(t, typed)
			assert.Equal(t, eventerrors.CodeValidation, typed.Code())
		})
	}
}

func TestTryClaimRecordsPermanentFailure(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	reason := "payload field 'amount' missing"
	claim := successClaim("billing", "20-0")
	claim.Status = models.DedupStatusFailedPermanent
	claim.FailureReason = &reason

	outcome, err := store.TryClaim(ctx, claim)
	require.NoError(t, err)
	assert.Equal(t, OutcomeClaimed, outcome)

	failed, err := store.ListFailed(ctx, "billing", 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.False(t, failed[0].Succeeded())
	require.NotNil(t, failed[0].FailureReason)
	assert.Equal(t, reason, *failed[0].FailureReason)
}

func TestIsProcessed(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	processed, err := store.IsProcessed(ctx, "billing", "30-0")
	require.NoError(t, err)
	assert.False(t, processed, "unclaimed position must not read as processed")

	_, err = store.TryClaim(ctx, successClaim("billing", "30-0"))
	require.NoError(t, err)

	processed, err = store.IsProcessed(ctx, "billing", "30-0")
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestFindReturnsNilWhenAbsent(t *testing.T) {
	store := newTestStore(t)

	record, err := store.Find(context.Background(), "billing", "99-0")
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestListFailedSkipsSucceeded(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.TryClaim(ctx, successClaim("billing", "40-0"))
	require.NoError(t, err)

	failed, err := store.ListFailed(ctx, "billing", 10)
	require.NoError(t, err)
	assert.Empty(t, failed)
}

func TestNewGormStoreRequiresClient(t *testing.T) {
	_, err := NewGormStore(nil)
	require.Error(t, err)
}
