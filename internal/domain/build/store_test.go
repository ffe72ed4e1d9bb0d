package build

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestStatusIsTerminal(t *testing.T) {
	assert.True(t, StatusSucceeded.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusRunning.IsTerminal())
}

func TestStoreSetAndGet(t *testing.T) {
	store := NewStore()
	store.Set(&Record{BuildID: "b1", ProjectID: "p1", Status: StatusPending})

	got := store.Get("b1")
	require.NotNil(t, got)
	assert.Equal(t, StatusPending, got.Status)
}

func TestStoreGetMissingReturnsNil(t *testing.T) {
	store := NewStore()
	assert.Nil(t, store.Get("missing"))
}

func TestStoreUpdateAppliesUnderLock(t *testing.T) {
	store := NewStore()
	store.Set(&Record{BuildID: "b1", Status: StatusPending})

	updated := store.Update("b1", func(r *Record) {
		r.Status = StatusRunning
		r.Commit = strPtr("abc123")
	})
	require.NotNil(t, updated)
	assert.Equal(t, StatusRunning, updated.Status)
	require.NotNil(t, updated.Commit)
	assert.Equal(t, "abc123", *updated.Commit)
}

func TestStoreUpdateMissingReturnsNil(t *testing.T) {
	store := NewStore()
	updated := store.Update("missing", func(r *Record) { r.Status = StatusRunning })
	assert.Nil(t, updated)
}

func TestStoreDelete(t *testing.T) {
	store := NewStore()
	store.Set(&Record{BuildID: "b1"})
	store.Delete("b1")
	assert.Nil(t, store.Get("b1"))
}

func TestLatestForProjectPicksMostRecentStartedAt(t *testing.T) {
	store := NewStore()
	older := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	store.Set(&Record{BuildID: "b1", ProjectID: "p1", StartedAt: &older})
	store.Set(&Record{BuildID: "b2", ProjectID: "p1", StartedAt: &newer})
	store.Set(&Record{BuildID: "b3", ProjectID: "other"})

	latest := store.LatestForProject("p1")
	require.NotNil(t, latest)
	assert.Equal(t, "b2", latest.BuildID)
}

func TestLatestForProjectNoBuildsReturnsNil(t *testing.T) {
	store := NewStore()
	assert.Nil(t, store.LatestForProject("missing"))
}

func TestToDTOFormatsTimestamps(t *testing.T) {
	started := time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC)
	record := &Record{
		BuildID:   "b1",
		ProjectID: "p1",
		Status:    StatusSucceeded,
		StartedAt: &started,
		Errors:    []string{},
		Warnings:  []string{},
	}
	dto := record.ToDTO()
	require.NotNil(t, dto.StartedAt)
	assert.Equal(t, started.Format(time.RFC3339), *dto.StartedAt)
	assert.Nil(t, dto.FinishedAt)
}
