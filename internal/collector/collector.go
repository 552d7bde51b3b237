package collector

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"newsflow/internal/config"
	"newsflow/internal/domain"
	"newsflow/internal/retry"
	"newsflow/internal/source"
	"newsflow/internal/store"
)

// SourceClient produces the day's raw items.
type SourceClient interface {
	Collect(ctx context.Context, count int, prompt string) ([]source.Item, error)
}

// MediaClient generates one image per item.
type MediaClient interface {
	Generate(ctx context.Context, prompt string) ([]byte, error)
}

// ValidationError aborts a collection run without committing anything.
type ValidationError struct {
	Index  int
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("item %d failed validation: %s", e.Index+1, e.Reason)
}

// Result summarizes one collection run.
type Result struct {
	Date             string `json:"date"`
	Items            int    `json:"items"`
	MediaFailed      int    `json:"media_failed"`
	AlreadyCollected bool   `json:"already_collected"`
}

// Stage runs the daily collection: request a full batch from the
// source, validate it whole, generate media per item, commit once.
type Stage struct {
	store  *store.Store
	source SourceClient
	media  MediaClient
	cfg    config.CollectionConfig
	policy retry.Policy
	imgDir string
}

// New wires the collection stage. imagesDir receives one subdirectory
// per batch date.
func New(st *store.Store, src SourceClient, media MediaClient, cfg config.CollectionConfig, policy retry.Policy, imagesDir string) *Stage {
	return &Stage{store: st, source: src, media: media, cfg: cfg, policy: policy, imgDir: imagesDir}
}

// Run collects the batch for date. Re-running for a date that already
// has a batch is a no-op reported as already collected. A validation
// failure aborts the run with no partial batch on disk; a per-item
// media failure degrades that item only.
func (s *Stage) Run(ctx context.Context, date string) (Result, error) {
	if _, err := s.store.Load(date); err == nil {
		log.Info().Str("date", date).Msg("batch already collected")
		return Result{Date: date, AlreadyCollected: true}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return Result{}, err
	}

	log.Info().Str("date", date).Int("count", s.cfg.BatchSize).Msg("requesting batch from source")
	var raw []source.Item
	err := retry.Do(ctx, "collect", s.policy, func(ctx context.Context) error {
		var err error
		raw, err = s.source.Collect(ctx, s.cfg.BatchSize, s.cfg.Prompt)
		return err
	})
	if err != nil {
		return Result{}, fmt.Errorf("collection request: %w", err)
	}

	if err := s.validate(raw); err != nil {
		return Result{}, err
	}

	batch := s.buildBatch(date, raw)
	if s.cfg.GenerateImages && s.media != nil {
		s.generateMedia(ctx, &batch)
	}

	if err := s.store.Create(ctx, date, batch); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			// Lost a race with a concurrent run for the same date.
			log.Warn().Str("date", date).Msg("batch appeared during collection")
			return Result{Date: date, AlreadyCollected: true}, nil
		}
		return Result{}, fmt.Errorf("commit batch: %w", err)
	}

	failed := 0
	for _, it := range batch.Items {
		if it.MediaStatus == domain.MediaFailed {
			failed++
		}
	}
	log.Info().Str("date", date).Int("items", len(batch.Items)).Int("media_failed", failed).Msg("batch committed")
	return Result{Date: date, Items: len(batch.Items), MediaFailed: failed}, nil
}

// validate applies the all-or-nothing content checks. A half-valid
// batch would corrupt the day's schedule, so the first bad item aborts.
func (s *Stage) validate(items []source.Item) error {
	if len(items) != s.cfg.BatchSize {
		return &ValidationError{Index: len(items), Reason: fmt.Sprintf("source returned %d items, want %d", len(items), s.cfg.BatchSize)}
	}
	for i, it := range items {
		switch {
		case it.Title == "":
			return &ValidationError{Index: i, Reason: "empty title"}
		case len(it.Content) < s.cfg.MinContentLen:
			return &ValidationError{Index: i, Reason: fmt.Sprintf("content shorter than %d", s.cfg.MinContentLen)}
		case len(it.Content) > s.cfg.MaxContentLen:
			return &ValidationError{Index: i, Reason: fmt.Sprintf("content longer than %d", s.cfg.MaxContentLen)}
		case len(it.Sources) == 0:
			return &ValidationError{Index: i, Reason: "no source references"}
		}
	}
	return nil
}

// buildBatch turns raw items into work items: priority by source order,
// time slot by priority, fresh ids.
func (s *Stage) buildBatch(date string, raw []source.Item) domain.Batch {
	now := time.Now().UTC()
	items := make([]domain.WorkItem, len(raw))
	for i, r := range raw {
		slot := s.cfg.Slots[len(s.cfg.Slots)-1]
		if i < len(s.cfg.Slots) {
			slot = s.cfg.Slots[i]
		}
		items[i] = domain.WorkItem{
			ID:          "itm_" + uuid.NewString(),
			Priority:    i + 1,
			Title:       r.Title,
			Content:     r.Content,
			Sources:     r.Sources,
			ScheduledAt: slot,
			CollectedAt: now,
			MediaStatus: domain.MediaNone,
			Delivery:    domain.DeliveryPending,
		}
	}
	return domain.Batch{Date: date, CollectedAt: now, Total: len(items), Items: items}
}

// generateMedia fans out one image request per item over a bounded
// pool. Each goroutine writes only its own index, so no extra locking
// is needed. Failures mark the item and move on.
func (s *Stage) generateMedia(ctx context.Context, batch *domain.Batch) {
	workers := s.cfg.MediaWorkers
	if workers < 1 {
		workers = 1
	}
	wp := workerpool.New(workers)
	for i := range batch.Items {
		i := i
		wp.Submit(func() {
			item := &batch.Items[i]
			img, err := s.generateOne(ctx, *item)
			if err != nil {
				log.Warn().Err(err).Str("item", item.ID).Msg("media generation failed, item ships without image")
				item.MediaStatus = domain.MediaFailed
				item.MediaError = err.Error()
				return
			}
			path, err := s.writeImage(batch.Date, item.ID, img)
			if err != nil {
				log.Warn().Err(err).Str("item", item.ID).Msg("could not persist image")
				item.MediaStatus = domain.MediaFailed
				item.MediaError = err.Error()
				return
			}
			item.MediaStatus = domain.MediaDone
			item.MediaPath = path
		})
	}
	wp.StopWait()
}

func (s *Stage) generateOne(ctx context.Context, item domain.WorkItem) ([]byte, error) {
	prompt := fmt.Sprintf("Editorial illustration, no text, for the news item: %s", item.Title)
	var img []byte
	err := retry.Do(ctx, "media "+item.ID, s.policy, func(ctx context.Context) error {
		var err error
		img, err = s.media.Generate(ctx, prompt)
		return err
	})
	return img, err
}

func (s *Stage) writeImage(date, itemID string, img []byte) (string, error) {
	dir := filepath.Join(s.imgDir, date)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create images dir: %w", err)
	}
	path := filepath.Join(dir, itemID+".png")
	if err := os.WriteFile(path, img, 0o644); err != nil {
		return "", fmt.Errorf("write image: %w", err)
	}
	return path, nil
}
