package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog/log"

	"newsflow/internal/domain"
)

var (
	// ErrNotFound means no batch exists for the date (or the item id is
	// absent from the batch).
	ErrNotFound = errors.New("batch not found")
	// ErrAlreadyExists means a batch for the date is already on disk.
	ErrAlreadyExists = errors.New("batch already exists")
	// ErrConflict means the per-date lock could not be acquired in time.
	ErrConflict = errors.New("batch is locked by another writer")
)

// CorruptBatchError is returned when an on-disk batch fails schema or
// invariant validation. The underlying file is left untouched.
type CorruptBatchError struct {
	Date   string
	Reason string
}

func (e *CorruptBatchError) Error() string {
	return fmt.Sprintf("corrupt batch %s: %s", e.Date, e.Reason)
}

const (
	filePattern   = "batch_%s.json"
	filePrefix    = "batch_"
	lockRetryWait = 100 * time.Millisecond
)

// Store owns the on-disk representation of daily batches: one JSON file
// per calendar date, written atomically, serialized across processes by
// a cooperative file lock scoped to the date.
type Store struct {
	dir      string
	lockWait time.Duration
}

// New creates a store rooted at dir. The directory is created if
// missing.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{dir: dir, lockWait: 10 * time.Second}, nil
}

func (s *Store) path(date string) string {
	return filepath.Join(s.dir, fmt.Sprintf(filePattern, date))
}

func (s *Store) lockPath(date string) string {
	return s.path(date) + ".lock"
}

// Load reads and validates the batch for date. It returns ErrNotFound
// when no file exists and a CorruptBatchError when the file does not
// decode into a valid batch.
func (s *Store) Load(date string) (domain.Batch, error) {
	raw, err := os.ReadFile(s.path(date))
	if errors.Is(err, os.ErrNotExist) {
		return domain.Batch{}, ErrNotFound
	}
	if err != nil {
		return domain.Batch{}, fmt.Errorf("read batch %s: %w", date, err)
	}
	return decode(date, raw)
}

func decode(date string, raw []byte) (domain.Batch, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var b domain.Batch
	if err := dec.Decode(&b); err != nil {
		return domain.Batch{}, &CorruptBatchError{Date: date, Reason: err.Error()}
	}
	if b.Date != date {
		return domain.Batch{}, &CorruptBatchError{Date: date, Reason: fmt.Sprintf("file holds batch for %s", b.Date)}
	}
	if err := b.Validate(); err != nil {
		return domain.Batch{}, &CorruptBatchError{Date: date, Reason: err.Error()}
	}
	return b, nil
}

// Create persists a new batch for date. It fails with ErrAlreadyExists
// if a batch file is already present, leaving the existing file
// unmodified.
func (s *Store) Create(ctx context.Context, date string, b domain.Batch) error {
	if b.Date != date {
		return fmt.Errorf("batch date %s does not match %s", b.Date, date)
	}
	if err := b.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	unlock, err := s.lock(ctx, date)
	if err != nil {
		return err
	}
	defer unlock()

	if _, err := os.Stat(s.path(date)); err == nil {
		return ErrAlreadyExists
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat batch %s: %w", date, err)
	}
	return s.writeAtomic(date, b)
}

// UpdateItem applies mutate to one item under the date's lock. The
// current on-disk state is reloaded inside the critical section, never
// a cached copy, so concurrent writers cannot lose updates. The mutated
// batch is re-validated before it replaces the file.
func (s *Store) UpdateItem(ctx context.Context, date, itemID string, mutate func(*domain.WorkItem) error) (domain.Batch, error) {
	unlock, err := s.lock(ctx, date)
	if err != nil {
		return domain.Batch{}, err
	}
	defer unlock()

	b, err := s.Load(date)
	if err != nil {
		return domain.Batch{}, err
	}

	idx := -1
	for i := range b.Items {
		if b.Items[i].ID == itemID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return domain.Batch{}, fmt.Errorf("item %s: %w", itemID, ErrNotFound)
	}

	prev := b.Items[idx]
	if err := mutate(&b.Items[idx]); err != nil {
		return domain.Batch{}, err
	}
	if err := checkTransition(prev, b.Items[idx]); err != nil {
		return domain.Batch{}, err
	}
	if err := b.Validate(); err != nil {
		return domain.Batch{}, fmt.Errorf("mutation broke batch invariants: %w", err)
	}
	if err := s.writeAtomic(date, b); err != nil {
		return domain.Batch{}, err
	}
	return b, nil
}

func checkTransition(prev, next domain.WorkItem) error {
	if prev.Delivery != domain.DeliveryPending && next.Delivery != prev.Delivery {
		return fmt.Errorf("item %s: illegal transition %s -> %s", prev.ID, prev.Delivery, next.Delivery)
	}
	if next.Attempts < prev.Attempts {
		return fmt.Errorf("item %s: attempt count went backwards (%d -> %d)", prev.ID, prev.Attempts, next.Attempts)
	}
	return nil
}

// writeAtomic builds the full new file in a temporary location and
// renames it over the old one, so readers see either the old or the new
// complete version.
func (s *Store) writeAtomic(date string, b domain.Batch) error {
	tmp, err := os.CreateTemp(s.dir, fmt.Sprintf(".%s.*.tmp", date))
	if err != nil {
		return fmt.Errorf("create temp batch: %w", err)
	}
	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("encode batch %s: %w", date, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("sync batch %s: %w", date, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp batch: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(date)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace batch %s: %w", date, err)
	}
	return nil
}

// lock takes the cooperative per-date file lock, waiting up to lockWait.
func (s *Store) lock(ctx context.Context, date string) (func(), error) {
	fl := flock.New(s.lockPath(date))
	ctx, cancel := context.WithTimeout(ctx, s.lockWait)
	locked, err := fl.TryLockContext(ctx, lockRetryWait)
	cancel()
	if err != nil || !locked {
		if err == nil || errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("lock batch %s: %w", date, err)
	}
	return func() {
		if err := fl.Unlock(); err != nil {
			log.Warn().Err(err).Str("date", date).Msg("release batch lock")
		}
	}, nil
}

// Prune removes the oldest batch files beyond keep. Batches are audit
// history, so only the trailing window is retained.
func (s *Store) Prune(keep int) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read store dir: %w", err)
	}
	var dates []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		dates = append(dates, strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), ".json"))
	}
	if len(dates) <= keep {
		return 0, nil
	}
	sort.Strings(dates)
	removed := 0
	for _, date := range dates[:len(dates)-keep] {
		if err := os.Remove(s.path(date)); err != nil {
			log.Warn().Err(err).Str("date", date).Msg("prune batch file")
			continue
		}
		removed++
	}
	return removed, nil
}
