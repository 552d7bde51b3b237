package collector

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"newsflow/internal/config"
	"newsflow/internal/domain"
	"newsflow/internal/retry"
	"newsflow/internal/source"
	"newsflow/internal/store"
)

const testDate = "2024-05-20"

type fakeSource struct {
	items []source.Item
	err   error
	calls int
}

func (f *fakeSource) Collect(ctx context.Context, count int, prompt string) ([]source.Item, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.items, nil
}

type fakeMedia struct {
	failFor map[int]bool // by priority (1-based call order)
	calls   int
}

func (f *fakeMedia) Generate(ctx context.Context, prompt string) ([]byte, error) {
	f.calls++
	for prio := range f.failFor {
		if strings.Contains(prompt, titleFor(prio)) {
			return nil, retry.Permanent(errors.New("image model refused"))
		}
	}
	return []byte("png-bytes"), nil
}

func titleFor(prio int) string { return fmt.Sprintf("headline %d", prio) }

func rawItems(n int) []source.Item {
	items := make([]source.Item, n)
	for i := range items {
		items[i] = source.Item{
			Title:   titleFor(i + 1),
			Content: longText(300),
			Sources: []string{"https://example.org/law"},
		}
	}
	return items
}

func longText(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = 'a'
	}
	return string(b)
}

func testConfig(n int) config.CollectionConfig {
	return config.CollectionConfig{
		Time:           "08:30",
		BatchSize:      n,
		Slots:          []string{"09:05", "11:05", "13:05", "15:10", "17:05", "19:00", "21:05"},
		MinContentLen:  200,
		MaxContentLen:  3500,
		Prompt:         "collect",
		GenerateImages: true,
		MediaWorkers:   3,
	}
}

func newStage(t *testing.T, src SourceClient, media MediaClient, n int) (*Stage, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.New(filepath.Join(dir, "batches"))
	require.NoError(t, err)
	policy := retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond}
	return New(st, src, media, testConfig(n), policy, filepath.Join(dir, "images")), st
}

func TestRunCommitsFullBatch(t *testing.T) {
	src := &fakeSource{items: rawItems(3)}
	stage, st := newStage(t, src, &fakeMedia{}, 3)

	res, err := stage.Run(context.Background(), testDate)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Items)
	assert.False(t, res.AlreadyCollected)

	batch, err := st.Load(testDate)
	require.NoError(t, err)
	assert.Equal(t, 3, batch.Total)
	assert.Equal(t, "09:05", batch.Items[0].ScheduledAt)
	assert.Equal(t, "11:05", batch.Items[1].ScheduledAt)
	assert.Equal(t, 1, batch.Items[0].Priority)
	for _, it := range batch.Items {
		assert.Equal(t, domain.DeliveryPending, it.Delivery)
		assert.Equal(t, domain.MediaDone, it.MediaStatus)
		assert.FileExists(t, it.MediaPath)
	}
}

func TestRunIsNoOpWhenAlreadyCollected(t *testing.T) {
	src := &fakeSource{items: rawItems(3)}
	stage, _ := newStage(t, src, &fakeMedia{}, 3)

	_, err := stage.Run(context.Background(), testDate)
	require.NoError(t, err)

	res, err := stage.Run(context.Background(), testDate)
	require.NoError(t, err)
	assert.True(t, res.AlreadyCollected)
	assert.Equal(t, 1, src.calls, "source must not be called again")
}

func TestRunAbortsOnValidationFailure(t *testing.T) {
	items := rawItems(3)
	items[1].Sources = nil
	src := &fakeSource{items: items}
	stage, st := newStage(t, src, &fakeMedia{}, 3)

	_, err := stage.Run(context.Background(), testDate)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)

	_, err = st.Load(testDate)
	assert.ErrorIs(t, err, store.ErrNotFound, "no partial batch may be committed")
}

func TestRunAbortsOnShortBatch(t *testing.T) {
	src := &fakeSource{items: rawItems(2)}
	stage, st := newStage(t, src, &fakeMedia{}, 3)

	_, err := stage.Run(context.Background(), testDate)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)

	_, err = st.Load(testDate)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRunDegradesOnMediaFailure(t *testing.T) {
	src := &fakeSource{items: rawItems(7)}
	media := &fakeMedia{failFor: map[int]bool{4: true}}
	stage, st := newStage(t, src, media, 7)

	res, err := stage.Run(context.Background(), testDate)
	require.NoError(t, err)
	assert.Equal(t, 7, res.Items)
	assert.Equal(t, 1, res.MediaFailed)

	batch, err := st.Load(testDate)
	require.NoError(t, err)
	for _, it := range batch.Items {
		if it.Priority == 4 {
			assert.Equal(t, domain.MediaFailed, it.MediaStatus)
			assert.Empty(t, it.MediaPath)
			assert.NotEmpty(t, it.MediaError)
		} else {
			assert.Equal(t, domain.MediaDone, it.MediaStatus)
		}
	}
}

func TestRunSurfacesSourceExhaustion(t *testing.T) {
	src := &fakeSource{err: errors.New("rate limited")}
	stage, st := newStage(t, src, &fakeMedia{}, 3)

	_, err := stage.Run(context.Background(), testDate)
	var ex *retry.ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, 2, src.calls)

	_, err = st.Load(testDate)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMediaGenerationSkippedWhenDisabled(t *testing.T) {
	src := &fakeSource{items: rawItems(3)}
	media := &fakeMedia{}
	dir := t.TempDir()
	st, err := store.New(filepath.Join(dir, "batches"))
	require.NoError(t, err)
	cfg := testConfig(3)
	cfg.GenerateImages = false
	stage := New(st, src, media, cfg, retry.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond}, filepath.Join(dir, "images"))

	_, err = stage.Run(context.Background(), testDate)
	require.NoError(t, err)
	assert.Equal(t, 0, media.calls)

	batch, err := st.Load(testDate)
	require.NoError(t, err)
	for _, it := range batch.Items {
		assert.Equal(t, domain.MediaNone, it.MediaStatus)
	}
	// images dir stays empty
	entries, _ := os.ReadDir(filepath.Join(dir, "images"))
	assert.Empty(t, entries)
}
