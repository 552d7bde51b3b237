package publisher

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"newsflow/internal/domain"
	"newsflow/internal/ledger"
	"newsflow/internal/retry"
	"newsflow/internal/store"
)

const testDate = "2024-05-20"

type fakeDeliverer struct {
	sent []string // message text in call order
	err  error
}

func (f *fakeDeliverer) Send(ctx context.Context, text string, photo []byte) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, text)
	return nil
}

type fixture struct {
	loop    *Loop
	store   *store.Store
	ledger  *ledger.Ledger
	deliver *fakeDeliverer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	st, err := store.New(filepath.Join(dir, "batches"))
	require.NoError(t, err)
	led, err := ledger.New(filepath.Join(dir, "history.jsonl"), 7*24*time.Hour)
	require.NoError(t, err)
	d := &fakeDeliverer{}
	loop := New(st, led, d, time.UTC, time.Second, 3, retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond})
	return &fixture{loop: loop, store: st, ledger: led, deliver: d}
}

type itemSpec struct {
	priority int
	slot     string
}

func (f *fixture) seed(t *testing.T, specs ...itemSpec) {
	t.Helper()
	now := time.Date(2024, 5, 20, 8, 30, 0, 0, time.UTC)
	items := make([]domain.WorkItem, len(specs))
	for i, sp := range specs {
		items[i] = domain.WorkItem{
			ID:          fmt.Sprintf("itm_%d", sp.priority),
			Priority:    sp.priority,
			Title:       fmt.Sprintf("headline %d", sp.priority),
			Content:     fmt.Sprintf("body of item %d", sp.priority),
			Sources:     []string{"https://example.org"},
			ScheduledAt: sp.slot,
			CollectedAt: now,
			MediaStatus: domain.MediaNone,
			Delivery:    domain.DeliveryPending,
		}
	}
	b := domain.Batch{Date: testDate, CollectedAt: now, Total: len(items), Items: items}
	require.NoError(t, f.store.Create(context.Background(), testDate, b))
}

func at(hhmm string) time.Time {
	tm, _ := time.Parse("2006-01-02 15:04", testDate+" "+hhmm)
	return tm.UTC()
}

func (f *fixture) item(t *testing.T, id string) domain.WorkItem {
	t.Helper()
	b, err := f.store.Load(testDate)
	require.NoError(t, err)
	it, ok := b.Item(id)
	require.True(t, ok)
	return it
}

func TestTickDeliversInPriorityOrder(t *testing.T) {
	f := newFixture(t)
	// Stored out of priority order on purpose.
	f.seed(t, itemSpec{3, "11:00"}, itemSpec{1, "09:00"}, itemSpec{2, "10:00"})

	res, err := f.loop.Tick(context.Background(), at("23:00"))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Due)
	assert.Equal(t, 3, res.Delivered)

	require.Len(t, f.deliver.sent, 3)
	assert.Contains(t, f.deliver.sent[0], "headline 1")
	assert.Contains(t, f.deliver.sent[1], "headline 2")
	assert.Contains(t, f.deliver.sent[2], "headline 3")
}

func TestTickPartialDay(t *testing.T) {
	f := newFixture(t)
	f.seed(t, itemSpec{1, "09:00"}, itemSpec{2, "10:00"}, itemSpec{3, "11:00"})

	res, err := f.loop.Tick(context.Background(), at("10:30"))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Due)
	assert.Equal(t, 2, res.Delivered)
	require.Len(t, f.deliver.sent, 2)

	assert.Equal(t, domain.DeliveryDelivered, f.item(t, "itm_1").Delivery)
	assert.Equal(t, domain.DeliveryDelivered, f.item(t, "itm_2").Delivery)
	assert.Equal(t, domain.DeliveryPending, f.item(t, "itm_3").Delivery)

	for _, id := range []string{"itm_1", "itm_2"} {
		it := f.item(t, id)
		seen, err := f.ledger.WasDelivered(context.Background(), time.Now(), domain.Fingerprint(it.Title, it.Content))
		require.NoError(t, err)
		assert.True(t, seen)
	}
	it3 := f.item(t, "itm_3")
	seen, err := f.ledger.WasDelivered(context.Background(), time.Now(), domain.Fingerprint(it3.Title, it3.Content))
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestTickWithoutBatchWaits(t *testing.T) {
	f := newFixture(t)
	res, err := f.loop.Tick(context.Background(), at("12:00"))
	require.NoError(t, err)
	assert.Zero(t, res.Due)
	assert.Empty(t, f.deliver.sent)
}

func TestTickSuppressesAlreadyDeliveredFingerprint(t *testing.T) {
	f := newFixture(t)
	f.seed(t, itemSpec{1, "09:00"})

	// The send succeeded before a crash, but the status update never
	// persisted: the ledger knows, the batch file does not.
	it := f.item(t, "itm_1")
	require.NoError(t, f.ledger.Record(context.Background(), domain.DeliveryRecord{
		ItemID:      it.ID,
		BatchDate:   testDate,
		DeliveredAt: time.Now(),
		Fingerprint: domain.Fingerprint(it.Title, it.Content),
	}))

	res, err := f.loop.Tick(context.Background(), at("10:00"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Empty(t, f.deliver.sent, "a recorded fingerprint must never be resent")
	assert.Equal(t, domain.DeliveryDelivered, f.item(t, "itm_1").Delivery)
}

func TestRestartReproducesPartition(t *testing.T) {
	f := newFixture(t)
	f.seed(t, itemSpec{1, "09:00"}, itemSpec{2, "10:00"}, itemSpec{3, "11:00"})

	_, err := f.loop.Tick(context.Background(), at("10:30"))
	require.NoError(t, err)

	// "Restart": a fresh loop over the same on-disk state.
	loop2 := New(f.store, f.ledger, f.deliver, time.UTC, time.Second, 3, retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond})
	res, err := loop2.Tick(context.Background(), at("10:31"))
	require.NoError(t, err)
	assert.Zero(t, res.Due, "delivered items must not become due again")
	assert.Len(t, f.deliver.sent, 2)
}

func TestTransientFailureRetriesAcrossTicks(t *testing.T) {
	f := newFixture(t)
	f.seed(t, itemSpec{1, "09:00"})
	f.deliver.err = errors.New("channel unreachable")

	for i := 0; i < 2; i++ {
		_, err := f.loop.Tick(context.Background(), at("10:00"))
		require.NoError(t, err)
		it := f.item(t, "itm_1")
		assert.Equal(t, domain.DeliveryPending, it.Delivery)
		assert.Equal(t, i+1, it.Attempts)
	}

	// Third exhausted tick hits the total-attempts bound.
	res, err := f.loop.Tick(context.Background(), at("10:00"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	it := f.item(t, "itm_1")
	assert.Equal(t, domain.DeliveryFailed, it.Delivery)
	assert.Equal(t, 3, it.Attempts)

	// Once failed it is skipped on later ticks.
	res, err = f.loop.Tick(context.Background(), at("11:00"))
	require.NoError(t, err)
	assert.Zero(t, res.Due)
}

func TestPermanentFailureFailsImmediately(t *testing.T) {
	f := newFixture(t)
	f.seed(t, itemSpec{1, "09:00"})
	f.deliver.err = retry.Permanent(errors.New("duplicate rejected by channel"))

	res, err := f.loop.Tick(context.Background(), at("10:00"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	it := f.item(t, "itm_1")
	assert.Equal(t, domain.DeliveryFailed, it.Delivery)
	assert.Equal(t, 1, it.Attempts)
}

func TestForcePublishIgnoresSlot(t *testing.T) {
	f := newFixture(t)
	f.seed(t, itemSpec{1, "23:59"})

	require.NoError(t, f.loop.ForcePublish(context.Background(), testDate, "itm_1"))
	assert.Len(t, f.deliver.sent, 1)
	assert.Equal(t, domain.DeliveryDelivered, f.item(t, "itm_1").Delivery)
}

func TestForcePublishRejectsNonPending(t *testing.T) {
	f := newFixture(t)
	f.seed(t, itemSpec{1, "09:00"})

	require.NoError(t, f.loop.ForcePublish(context.Background(), testDate, "itm_1"))
	err := f.loop.ForcePublish(context.Background(), testDate, "itm_1")
	assert.ErrorContains(t, err, "not pending")
}

func TestForcePublishUnknownItem(t *testing.T) {
	f := newFixture(t)
	f.seed(t, itemSpec{1, "09:00"})
	err := f.loop.ForcePublish(context.Background(), testDate, "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestBatchStatus(t *testing.T) {
	f := newFixture(t)
	f.seed(t, itemSpec{1, "09:00"}, itemSpec{2, "10:00"}, itemSpec{3, "11:00"})

	_, err := f.loop.Tick(context.Background(), at("09:30"))
	require.NoError(t, err)

	st, err := f.loop.BatchStatus(testDate)
	require.NoError(t, err)
	assert.True(t, st.Exists)
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 1, st.Delivered)
	assert.Equal(t, 2, st.Pending)
	assert.Equal(t, "itm_2", st.NextID)
	require.NotNil(t, st.NextDue)
	assert.Equal(t, at("10:00"), st.NextDue.UTC())
}

func TestBatchStatusMissingDay(t *testing.T) {
	f := newFixture(t)
	st, err := f.loop.BatchStatus(testDate)
	require.NoError(t, err)
	assert.False(t, st.Exists)
}

func TestFormatMessage(t *testing.T) {
	it := domain.WorkItem{
		Title:   "Tax Code Amended",
		Content: "Parliament passed the bill.",
		Sources: []string{"https://a.example", "https://b.example"},
	}
	msg := formatMessage(it)
	assert.Contains(t, msg, "📜 Tax Code Amended")
	assert.Contains(t, msg, "Parliament passed the bill.")
	assert.Contains(t, msg, "🔗 https://a.example")
	assert.Contains(t, msg, "🔗 https://b.example")
}
