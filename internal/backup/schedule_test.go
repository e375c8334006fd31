package backup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"posadmin/backend/internal/domain"
	"posadmin/backend/internal/store"
)

func TestNextRunUsesCalendarArithmetic(t *testing.T) {
	from := time.Date(2026, 1, 31, 10, 0, 0, 0, time.UTC)

	assert.Equal(t, time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC), NextRun(from, domain.FrequencyDaily))
	assert.Equal(t, time.Date(2026, 2, 7, 10, 0, 0, 0, time.UTC), NextRun(from, domain.FrequencyWeekly))
	assert.Equal(t, time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC), NextRun(from, domain.FrequencyMonthly))
}

func TestRetain(t *testing.T) {
	policy := domain.RetentionPolicy{Daily: 7, Weekly: 4, Monthly: 6}
	day := 24 * time.Hour

	tests := []struct {
		age  int
		auto bool
		kept bool
	}{
		{1, true, true},
		{10, true, true},
		{40, true, true},
		{200, true, false},
		{1, false, true},
		{10, false, false},
		{40, false, false},
	}
	for _, tt := range tests {
		typ := domain.BackupManual
		if tt.auto {
			typ = domain.BackupAuto
		}
		assert.Equal(t, tt.kept, Retain(policy, typ, time.Duration(tt.age)*day), "age %d auto %v", tt.age, tt.auto)
	}
}

func TestCleanupOldBackups(t *testing.T) {
	ctx := context.Background()
	_, e, clock := newTestEngine(t, Options{})
	policy := domain.RetentionPolicy{Daily: 7, Weekly: 4, Monthly: 6}

	old, err := e.CreateBackup(ctx, domain.BackupAuto)
	require.NoError(t, err)
	clock.Advance(200 * 24 * time.Hour)
	recent, err := e.CreateBackup(ctx, domain.BackupManual)
	require.NoError(t, err)

	now := clock.Now()
	for _, age := range []int{1, 10, 40, 200} {
		require.NoError(t, e.AddHistoryEntry(ctx, domain.BackupHistoryEntry{
			Timestamp: now.Add(-time.Duration(age) * 24 * time.Hour),
			Type:      domain.BackupAuto,
			Status:    domain.BackupSucceeded,
		}))
	}
	require.NoError(t, e.AddHistoryEntry(ctx, domain.BackupHistoryEntry{
		Timestamp: now.Add(-10 * 24 * time.Hour),
		Type:      domain.BackupManual,
		Status:    domain.BackupSucceeded,
	}))

	removed, err := e.CleanupOldBackups(ctx, policy)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	history, err := e.History(ctx)
	require.NoError(t, err)
	require.Len(t, history.Entries, 3)
	assert.Equal(t, now.Add(-24*time.Hour), history.Entries[0].Timestamp)

	stored, err := e.ListStoredBackups(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, recent.ID, stored[0].Metadata.ID)
	assert.NotEqual(t, old.ID, stored[0].Metadata.ID)
}

func TestCleanupOldBackupsMixedTypes(t *testing.T) {
	ctx := context.Background()
	_, e, clock := newTestEngine(t, Options{})
	now := clock.Now()

	entries := []struct {
		age int
		typ domain.BackupType
	}{
		{1, domain.BackupManual},
		{10, domain.BackupManual},
		{40, domain.BackupAuto},
		{200, domain.BackupManual},
	}
	for _, en := range entries {
		require.NoError(t, e.AddHistoryEntry(ctx, domain.BackupHistoryEntry{
			Timestamp: now.Add(-time.Duration(en.age) * 24 * time.Hour),
			Type:      en.typ,
			Status:    domain.BackupSucceeded,
		}))
	}

	removed, err := e.CleanupOldBackups(ctx, domain.RetentionPolicy{Daily: 7, Weekly: 4, Monthly: 6})
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	history, err := e.History(ctx)
	require.NoError(t, err)
	require.Len(t, history.Entries, 2)
	assert.Equal(t, now.Add(-24*time.Hour), history.Entries[0].Timestamp)
	assert.Equal(t, domain.BackupManual, history.Entries[0].Type)
	assert.Equal(t, now.Add(-40*24*time.Hour), history.Entries[1].Timestamp)
	assert.Equal(t, domain.BackupAuto, history.Entries[1].Type)
}

func TestHistoryIsCapped(t *testing.T) {
	ctx := context.Background()
	_, e, clock := newTestEngine(t, Options{})

	for range MaxHistoryEntries + 5 {
		clock.Advance(time.Minute)
		require.NoError(t, e.AddHistoryEntry(ctx, domain.BackupHistoryEntry{
			Type:   domain.BackupManual,
			Status: domain.BackupSucceeded,
			Size:   10,
		}))
	}

	history, err := e.History(ctx)
	require.NoError(t, err)
	assert.Len(t, history.Entries, MaxHistoryEntries)
	assert.Equal(t, MaxHistoryEntries, history.TotalBackups)
	assert.Equal(t, int64(10*MaxHistoryEntries), history.TotalSize)
	require.NotNil(t, history.LastBackup)
	assert.Equal(t, clock.Now(), *history.LastBackup)
	assert.True(t, history.Entries[0].Timestamp.After(history.Entries[1].Timestamp))
}

func TestAutoBackupSchedule(t *testing.T) {
	ctx := context.Background()
	_, e, clock := newTestEngine(t, Options{})

	settings, err := e.AutoBackupSettings(ctx)
	require.NoError(t, err)
	assert.False(t, settings.Enabled)
	assert.Equal(t, domain.FrequencyDaily, settings.Frequency)

	enabled := true
	weekly := domain.FrequencyWeekly
	settings, err = e.SetAutoBackupSettings(ctx, domain.AutoBackupSettingsUpdate{Enabled: &enabled, Frequency: &weekly})
	require.NoError(t, err)
	require.NotNil(t, settings.NextScheduledBackup)
	assert.Equal(t, clock.Now().AddDate(0, 0, 7), *settings.NextScheduledBackup)

	due, err := e.NeedsBackup(ctx)
	require.NoError(t, err)
	assert.False(t, due)

	clock.Advance(8 * 24 * time.Hour)
	due, err = e.NeedsBackup(ctx)
	require.NoError(t, err)
	assert.True(t, due)

	e.tick(ctx)

	stored, err := e.ListStoredBackups(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, domain.BackupAuto, stored[0].Metadata.Type)

	settings, err = e.AutoBackupSettings(ctx)
	require.NoError(t, err)
	require.NotNil(t, settings.LastAutoBackup)
	assert.Equal(t, clock.Now(), *settings.LastAutoBackup)
	assert.Equal(t, clock.Now().AddDate(0, 0, 7), *settings.NextScheduledBackup)

	notes, err := e.Notifications(ctx)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, domain.NotifySuccess, notes[0].Type)

	held, err := e.InProgress(ctx)
	require.NoError(t, err)
	assert.False(t, held)
}

func TestSetAutoBackupSettingsRejectsUnknownFrequency(t *testing.T) {
	_, e, _ := newTestEngine(t, Options{})
	hourly := domain.BackupFrequency("hourly")
	_, err := e.SetAutoBackupSettings(context.Background(), domain.AutoBackupSettingsUpdate{Frequency: &hourly})
	require.Error(t, err)
}

func TestPerformAutoBackupRespectsInProgressFlag(t *testing.T) {
	ctx := context.Background()
	db, e, clock := newTestEngine(t, Options{})

	require.NoError(t, db.Write(ctx, store.KeyBackupInProgress, inProgressFlag{Since: clock.Now()}))
	_, err := e.PerformAutoBackup(ctx)
	require.ErrorIs(t, err, ErrBackupInProgress)

	stored, err := e.ListStoredBackups(ctx)
	require.NoError(t, err)
	assert.Empty(t, stored)

	// a flag left behind by a crashed process eventually expires
	clock.Advance(time.Hour)
	meta, err := e.PerformAutoBackup(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.BackupAuto, meta.Type)

	history, err := e.History(ctx)
	require.NoError(t, err)
	require.Len(t, history.Entries, 1)
	assert.Equal(t, domain.BackupSucceeded, history.Entries[0].Status)
}

func TestFailedAutoBackupIsRecorded(t *testing.T) {
	ctx := context.Background()
	db, e, _ := newTestEngine(t, Options{})

	// an unreadable products document makes the snapshot fail
	require.NoError(t, db.Substrate().Set(ctx, store.KeyProducts, `{"revision":1,"records":"oops"}`))
	db.Invalidate(store.KeyProducts)

	_, err := e.PerformAutoBackup(ctx)
	require.Error(t, err)

	history, err := e.History(ctx)
	require.NoError(t, err)
	require.Len(t, history.Entries, 1)
	assert.Equal(t, domain.BackupFailed, history.Entries[0].Status)
	assert.NotEmpty(t, history.Entries[0].Error)

	notes, err := e.Notifications(ctx)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, domain.NotifyError, notes[0].Type)

	held, err := e.InProgress(ctx)
	require.NoError(t, err)
	assert.False(t, held)
}
