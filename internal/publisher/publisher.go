package publisher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"newsflow/internal/domain"
	"newsflow/internal/ledger"
	"newsflow/internal/retry"
	"newsflow/internal/store"
)

// Deliverer pushes one formatted message, with optional media, to the
// channel.
type Deliverer interface {
	Send(ctx context.Context, text string, photo []byte) error
}

// TickResult reports what one evaluation cycle did.
type TickResult struct {
	Date      string `json:"date"`
	Due       int    `json:"due"`
	Delivered int    `json:"delivered"`
	Failed    int    `json:"failed"`
	Skipped   int    `json:"skipped"` // suppressed as already-delivered duplicates
}

// Status summarizes one batch for the operator surface.
type Status struct {
	Date      string     `json:"date"`
	Exists    bool       `json:"exists"`
	Total     int        `json:"total"`
	Delivered int        `json:"delivered"`
	Pending   int        `json:"pending"`
	Failed    int        `json:"failed"`
	NextDue   *time.Time `json:"next_due,omitempty"`
	NextID    string     `json:"next_id,omitempty"`
}

// Loop drives timed release of stored items. It keeps no in-memory
// schedule: every tick re-derives due items from persisted state, so a
// restart at any point reproduces the same pending/delivered boundary.
type Loop struct {
	store       *store.Store
	ledger      *ledger.Ledger
	deliver     Deliverer
	loc         *time.Location
	tickEvery   time.Duration
	maxAttempts int // total delivery attempts per item, across ticks
	policy      retry.Policy

	now func() time.Time
}

// New wires the publication loop. maxAttempts bounds total attempts per
// item across all ticks; policy bounds one delivery call.
func New(st *store.Store, led *ledger.Ledger, d Deliverer, loc *time.Location, tickEvery time.Duration, maxAttempts int, policy retry.Policy) *Loop {
	return &Loop{
		store:       st,
		ledger:      led,
		deliver:     d,
		loc:         loc,
		tickEvery:   tickEvery,
		maxAttempts: maxAttempts,
		policy:      policy,
		now:         time.Now,
	}
}

// Run ticks until ctx is cancelled. Tick errors are logged, never
// fatal; the next tick re-reads everything from disk anyway.
func (l *Loop) Run(ctx context.Context) {
	t := time.NewTicker(l.tickEvery)
	defer t.Stop()

	log.Info().Dur("interval", l.tickEvery).Str("tz", l.loc.String()).Msg("publication loop started")
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if _, err := l.Tick(ctx, now); err != nil {
				log.Error().Err(err).Msg("tick failed")
			}
		}
	}
}

// Tick loads today's batch and delivers every due pending item in
// ascending priority order, one at a time. A day with no batch is not
// an error; the loop just waits.
func (l *Loop) Tick(ctx context.Context, now time.Time) (TickResult, error) {
	now = now.In(l.loc)
	date := now.Format("2006-01-02")
	res := TickResult{Date: date}

	batch, err := l.store.Load(date)
	if errors.Is(err, store.ErrNotFound) {
		return res, nil
	}
	if err != nil {
		return res, err
	}

	due, err := dueItems(batch, now, l.loc)
	if err != nil {
		return res, err
	}
	res.Due = len(due)

	for _, item := range due {
		outcome, err := l.publishItem(ctx, date, item)
		if err != nil {
			log.Error().Err(err).Str("item", item.ID).Msg("publish failed")
			res.Failed++
			continue
		}
		switch outcome {
		case outcomeDelivered:
			res.Delivered++
		case outcomeSuppressed:
			res.Skipped++
		case outcomeFailed:
			res.Failed++
		}
	}
	return res, nil
}

// dueItems picks pending items whose slot has passed, sorted by
// ascending priority so a gap (process down across several slots) still
// releases them in priority order.
func dueItems(batch domain.Batch, now time.Time, loc *time.Location) ([]domain.WorkItem, error) {
	var due []domain.WorkItem
	for _, it := range batch.Items {
		if it.Delivery != domain.DeliveryPending {
			continue
		}
		at, err := it.DueAt(batch.Date, loc)
		if err != nil {
			return nil, err
		}
		if !at.After(now) {
			due = append(due, it)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].Priority < due[j].Priority })
	return due, nil
}

type outcome int

const (
	outcomeDelivered outcome = iota
	outcomeSuppressed
	outcomeFailed
	outcomeRetryLater
)

// publishItem performs the ledger-guarded delivery of one item and
// records the result in the store.
func (l *Loop) publishItem(ctx context.Context, date string, item domain.WorkItem) (outcome, error) {
	fp := domain.Fingerprint(item.Title, item.Content)

	seen, err := l.ledger.WasDelivered(ctx, l.now(), fp)
	if err != nil {
		return outcomeFailed, err
	}
	if seen {
		// Either the same content resurfaced under a new id, or a crash
		// landed between the send and the status update. Both resolve
		// the same way: mark delivered, never resend.
		log.Info().Str("item", item.ID).Msg("fingerprint already delivered, suppressing resend")
		if err := l.markDelivered(ctx, date, item.ID); err != nil {
			return outcomeFailed, err
		}
		return outcomeSuppressed, nil
	}

	text := formatMessage(item)
	photo := l.loadPhoto(item)

	log.Info().Str("item", item.ID).Int("priority", item.Priority).Str("slot", item.ScheduledAt).Msg("delivering item")
	sendErr := retry.Do(ctx, "deliver "+item.ID, l.policy, func(ctx context.Context) error {
		return l.deliver.Send(ctx, text, photo)
	})

	if sendErr == nil {
		// Ledger first: if the process dies before the store update, the
		// next tick suppresses the resend via the fingerprint.
		rec := domain.DeliveryRecord{
			ItemID:      item.ID,
			BatchDate:   date,
			DeliveredAt: l.now(),
			Fingerprint: fp,
			Preview:     domain.Preview(item.Title+" "+item.Content, 100),
		}
		if err := l.ledger.Record(ctx, rec); err != nil {
			return outcomeFailed, fmt.Errorf("record delivery: %w", err)
		}
		if err := l.markDelivered(ctx, date, item.ID); err != nil {
			return outcomeFailed, err
		}
		return outcomeDelivered, nil
	}

	attempts := item.Attempts + 1
	if retry.IsPermanent(sendErr) || attempts >= l.maxAttempts {
		log.Error().Err(sendErr).Str("item", item.ID).Int("attempts", attempts).Msg("item failed permanently")
		_, err := l.store.UpdateItem(ctx, date, item.ID, func(w *domain.WorkItem) error {
			w.Attempts = attempts
			w.Delivery = domain.DeliveryFailed
			return nil
		})
		if err != nil {
			return outcomeFailed, err
		}
		return outcomeFailed, nil
	}

	// Transient exhaustion inside this tick: bump the counter and leave
	// the item pending for a later tick.
	log.Warn().Err(sendErr).Str("item", item.ID).Int("attempts", attempts).Msg("delivery failed, will retry on a later tick")
	_, err = l.store.UpdateItem(ctx, date, item.ID, func(w *domain.WorkItem) error {
		w.Attempts = attempts
		return nil
	})
	if err != nil {
		return outcomeFailed, err
	}
	return outcomeRetryLater, nil
}

func (l *Loop) markDelivered(ctx context.Context, date, itemID string) error {
	_, err := l.store.UpdateItem(ctx, date, itemID, func(w *domain.WorkItem) error {
		w.Delivery = domain.DeliveryDelivered
		w.Attempts++
		at := l.now()
		w.DeliveredAt = &at
		return nil
	})
	return err
}

func (l *Loop) loadPhoto(item domain.WorkItem) []byte {
	if item.MediaStatus != domain.MediaDone || item.MediaPath == "" {
		return nil
	}
	img, err := os.ReadFile(item.MediaPath)
	if err != nil {
		log.Warn().Err(err).Str("item", item.ID).Msg("image unavailable, sending text only")
		return nil
	}
	return img
}

// ForcePublish delivers one specific item now, regardless of its slot.
// Operator surface; the ledger guard still applies.
func (l *Loop) ForcePublish(ctx context.Context, date, itemID string) error {
	batch, err := l.store.Load(date)
	if err != nil {
		return err
	}
	item, ok := batch.Item(itemID)
	if !ok {
		return fmt.Errorf("item %s: %w", itemID, store.ErrNotFound)
	}
	if item.Delivery != domain.DeliveryPending {
		return fmt.Errorf("item %s is %s, not pending", itemID, item.Delivery)
	}
	out, err := l.publishItem(ctx, date, item)
	if err != nil {
		return err
	}
	if out == outcomeFailed || out == outcomeRetryLater {
		return fmt.Errorf("item %s was not delivered", itemID)
	}
	return nil
}

// BatchStatus reports the batch summary for date.
func (l *Loop) BatchStatus(date string) (Status, error) {
	st := Status{Date: date}
	batch, err := l.store.Load(date)
	if errors.Is(err, store.ErrNotFound) {
		return st, nil
	}
	if err != nil {
		return st, err
	}
	st.Exists = true
	st.Total = batch.Total

	var nextDue *time.Time
	var nextID string
	for _, it := range batch.Items {
		switch it.Delivery {
		case domain.DeliveryDelivered:
			st.Delivered++
		case domain.DeliveryFailed:
			st.Failed++
		default:
			st.Pending++
			at, err := it.DueAt(batch.Date, l.loc)
			if err != nil {
				continue
			}
			if nextDue == nil || at.Before(*nextDue) {
				nextDue = &at
				nextID = it.ID
			}
		}
	}
	st.NextDue = nextDue
	st.NextID = nextID
	return st, nil
}

// formatMessage renders one item the way the channel expects it: title
// line, body, then the source links.
func formatMessage(item domain.WorkItem) string {
	var b strings.Builder
	title := strings.TrimSpace(item.Title)
	if !strings.HasPrefix(title, "📜") {
		b.WriteString("📜 ")
	}
	b.WriteString(title)
	b.WriteString("\n\n")
	b.WriteString(strings.TrimSpace(item.Content))
	if len(item.Sources) > 0 {
		b.WriteString("\n\n")
		for i, src := range item.Sources {
			if i > 0 {
				b.WriteByte('\n')
			}
			b.WriteString("🔗 ")
			b.WriteString(src)
		}
	}
	return b.String()
}
