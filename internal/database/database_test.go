package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"saas-fulfillment/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func TestSubscriptionRepo_InsertAndGet(t *testing.T) {
	ctx := context.Background()
	repo := NewSubscriptionRepo(newTestDB(t))

	sub := &models.Subscription{ExternalID: "S1", PlanID: "P1", Quantity: 1, State: models.StatePendingActivation}
	require.NoError(t, repo.Insert(ctx, sub))
	assert.Equal(t, int64(1), sub.Version)

	got, err := repo.GetByExternalID(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, models.StatePendingActivation, got.State)

	_, err = repo.GetByExternalID(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrRecordNotFound)
}

func TestSubscriptionRepo_InsertDuplicate(t *testing.T) {
	ctx := context.Background()
	repo := NewSubscriptionRepo(newTestDB(t))

	require.NoError(t, repo.Insert(ctx, &models.Subscription{ExternalID: "S1", State: models.StateActive}))
	err := repo.Insert(ctx, &models.Subscription{ExternalID: "S1", State: models.StateActive})
	assert.ErrorIs(t, err, models.ErrDuplicate)
}

func TestSubscriptionRepo_UpdateWithVersionCheck(t *testing.T) {
	ctx := context.Background()
	repo := NewSubscriptionRepo(newTestDB(t))

	require.NoError(t, repo.Insert(ctx, &models.Subscription{ExternalID: "S1", PlanID: "P1", State: models.StateActive}))

	first, err := repo.GetByExternalID(ctx, "S1")
	require.NoError(t, err)
	second, err := repo.GetByExternalID(ctx, "S1")
	require.NoError(t, err)

	first.PlanID = "P2"
	require.NoError(t, repo.UpdateWithVersionCheck(ctx, first))
	assert.Equal(t, int64(2), first.Version)

	second.PlanID = "P3"
	err = repo.UpdateWithVersionCheck(ctx, second)
	assert.ErrorIs(t, err, models.ErrVersionConflict)

	got, err := repo.GetByExternalID(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, "P2", got.PlanID)
	assert.Equal(t, int64(2), got.Version)
}

func TestSubscriptionRepo_UpdateNeverChangesExternalID(t *testing.T) {
	ctx := context.Background()
	repo := NewSubscriptionRepo(newTestDB(t))

	require.NoError(t, repo.Insert(ctx, &models.Subscription{ExternalID: "S1", State: models.StateActive}))
	sub, err := repo.GetByExternalID(ctx, "S1")
	require.NoError(t, err)

	sub.ExternalID = "S2"
	sub.State = models.StateSuspended
	require.NoError(t, repo.UpdateWithVersionCheck(ctx, sub))

	got, err := repo.GetByExternalID(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, models.StateSuspended, got.State)
}

func TestSubscriptionRepo_ListByState(t *testing.T) {
	ctx := context.Background()
	repo := NewSubscriptionRepo(newTestDB(t))

	require.NoError(t, repo.Insert(ctx, &models.Subscription{ExternalID: "A", State: models.StateActive}))
	require.NoError(t, repo.Insert(ctx, &models.Subscription{ExternalID: "B", State: models.StateSuspended}))
	require.NoError(t, repo.Insert(ctx, &models.Subscription{ExternalID: "C", State: models.StateActive}))

	active, err := repo.ListByState(ctx, models.StateActive, 10)
	require.NoError(t, err)
	assert.Len(t, active, 2)

	all, err := repo.ListByState(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestAuditRepo_TerminalKeyIsUnique(t *testing.T) {
	ctx := context.Background()
	repo := NewAuditRepo(newTestDB(t))

	failed := models.NewAuditEntry("N1", models.OutcomeFailed)
	failed.OccurredAt = time.Now()
	require.NoError(t, repo.Append(ctx, failed))

	_, err := repo.FindByKey(ctx, "N1")
	assert.ErrorIs(t, err, models.ErrRecordNotFound)

	applied := models.NewAuditEntry("N1", models.OutcomeApplied)
	applied.ExternalID = "S1"
	require.NoError(t, repo.Append(ctx, applied))

	found, err := repo.FindByKey(ctx, "N1")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeApplied, found.Outcome)

	err = repo.Append(ctx, models.NewAuditEntry("N1", models.OutcomeApplied))
	assert.ErrorIs(t, err, models.ErrDuplicate)

	// unauthenticated rejections carry no terminal key and never collide
	require.NoError(t, repo.Append(ctx, models.NewAuditEntry("", models.OutcomeRejected)))
	require.NoError(t, repo.Append(ctx, models.NewAuditEntry("", models.OutcomeRejected)))
}

func TestAuditRepo_ListByExternalID(t *testing.T) {
	ctx := context.Background()
	repo := NewAuditRepo(newTestDB(t))

	for _, key := range []string{"N1", "N2", "N3"} {
		e := models.NewAuditEntry(key, models.OutcomeApplied)
		e.ExternalID = "S1"
		require.NoError(t, repo.Append(ctx, e))
	}
	other := models.NewAuditEntry("N4", models.OutcomeApplied)
	other.ExternalID = "S2"
	require.NoError(t, repo.Append(ctx, other))

	entries, err := repo.ListByExternalID(ctx, "S1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "N3", entries[0].IdempotencyKey)
}

func TestPlanRepo_MappingAndPlans(t *testing.T) {
	ctx := context.Background()
	repo := NewPlanRepo(newTestDB(t))

	require.NoError(t, repo.UpsertOffer(ctx, &models.Offer{OfferID: "O1", DisplayName: "Offer"}))
	require.NoError(t, repo.UpsertPlans(ctx, "O1", []models.Plan{{PlanID: "P1"}, {PlanID: "P2", DisplayName: "Pro"}}))
	require.NoError(t, repo.UpsertPlans(ctx, "O1", []models.Plan{{PlanID: "P2", DisplayName: "Pro v2"}}))

	plans, err := repo.ListPlans(ctx, "O1")
	require.NoError(t, err)
	require.Len(t, plans, 2)

	p2, err := repo.GetPlan(ctx, "O1", "P2")
	require.NoError(t, err)
	assert.Equal(t, "Pro v2", p2.DisplayName)

	_, err = repo.GetPlan(ctx, "O2", "P2")
	assert.ErrorIs(t, err, models.ErrRecordNotFound)

	allowed, err := repo.IsActionAllowed(ctx, "P2", models.ActionChangePlan)
	require.NoError(t, err)
	assert.True(t, allowed)

	require.NoError(t, repo.SaveMapping(ctx, &models.PlanEventMapping{
		PlanID: "P2", Action: models.ActionChangePlan, Enabled: false, NotifyEmails: "ops@example.com, billing@example.com",
	}))

	allowed, err = repo.IsActionAllowed(ctx, "P2", models.ActionChangePlan)
	require.NoError(t, err)
	assert.False(t, allowed)

	emails, err := repo.NotifyEmails(ctx, "P2", models.ActionChangePlan)
	require.NoError(t, err)
	assert.Equal(t, []string{"ops@example.com", "billing@example.com"}, emails)
}
