package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validBatch() Batch {
	now := time.Date(2024, 5, 20, 8, 30, 0, 0, time.UTC)
	items := []WorkItem{
		{ID: "a", Priority: 1, Title: "t1", Content: "c1", ScheduledAt: "09:05", CollectedAt: now, MediaStatus: MediaNone, Delivery: DeliveryPending},
		{ID: "b", Priority: 2, Title: "t2", Content: "c2", ScheduledAt: "11:05", CollectedAt: now, MediaStatus: MediaNone, Delivery: DeliveryPending},
	}
	return Batch{Date: "2024-05-20", CollectedAt: now, Total: 2, Items: items}
}

func TestBatchValidate(t *testing.T) {
	require.NoError(t, validBatch().Validate())
}

func TestBatchValidateCountMismatch(t *testing.T) {
	b := validBatch()
	b.Total = 3
	assert.ErrorContains(t, b.Validate(), "declared count")
}

func TestBatchValidateDuplicateID(t *testing.T) {
	b := validBatch()
	b.Items[1].ID = "a"
	assert.ErrorContains(t, b.Validate(), "duplicate item id")
}

func TestBatchValidateDuplicatePriority(t *testing.T) {
	b := validBatch()
	b.Items[1].Priority = 1
	assert.ErrorContains(t, b.Validate(), "duplicate priority")
}

func TestBatchValidateBadSlot(t *testing.T) {
	b := validBatch()
	b.Items[0].ScheduledAt = "25:99"
	assert.ErrorContains(t, b.Validate(), "bad scheduled time")
}

func TestDueAt(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Moscow")
	require.NoError(t, err)

	it := WorkItem{ID: "a", ScheduledAt: "09:05"}
	at, err := it.DueAt("2024-05-20", loc)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 20, 9, 5, 0, 0, loc), at)
}
