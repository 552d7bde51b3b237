package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog/log"

	"newsflow/internal/domain"
)

// ErrConflict means the ledger lock could not be acquired in time.
var ErrConflict = errors.New("ledger is locked by another writer")

const lockRetryWait = 100 * time.Millisecond

// Ledger is the append-only record of delivered content fingerprints.
// It is consulted before every send and appended after every successful
// send, which closes the crash window between a delivery succeeding
// upstream and the batch status update persisting.
type Ledger struct {
	path     string
	window   time.Duration
	lockWait time.Duration
}

// New opens (or lazily creates) the ledger file at path. Records older
// than window are ignored by lookups and removed by Prune.
func New(path string, window time.Duration) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	return &Ledger{path: path, window: window, lockWait: 10 * time.Second}, nil
}

// WasDelivered reports whether a record with the fingerprint exists
// inside the retention window.
func (l *Ledger) WasDelivered(ctx context.Context, now time.Time, fingerprint string) (bool, error) {
	unlock, err := l.lock(ctx)
	if err != nil {
		return false, err
	}
	defer unlock()
	return l.contains(now, fingerprint)
}

// Record appends a delivery record. Recording an already-present
// fingerprint is a no-op, not an error.
func (l *Ledger) Record(ctx context.Context, rec domain.DeliveryRecord) error {
	if rec.Fingerprint == "" {
		return fmt.Errorf("record without fingerprint")
	}
	unlock, err := l.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	seen, err := l.contains(rec.DeliveredAt, rec.Fingerprint)
	if err != nil {
		return err
	}
	if seen {
		log.Debug().Str("fingerprint", rec.Fingerprint).Msg("ledger record already present")
		return nil
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append ledger: %w", err)
	}
	return f.Sync()
}

// Prune rewrites the ledger keeping only records inside the window.
// The rewrite is atomic: a temp file replaces the old one.
func (l *Ledger) Prune(ctx context.Context, now time.Time) (int, error) {
	unlock, err := l.lock(ctx)
	if err != nil {
		return 0, err
	}
	defer unlock()

	records, err := l.scan()
	if err != nil {
		return 0, err
	}
	cutoff := now.Add(-l.window)
	kept := records[:0]
	for _, r := range records {
		if r.DeliveredAt.After(cutoff) {
			kept = append(kept, r)
		}
	}
	dropped := len(records) - len(kept)
	if dropped == 0 {
		return 0, nil
	}

	tmp, err := os.CreateTemp(filepath.Dir(l.path), ".ledger.*.tmp")
	if err != nil {
		return 0, fmt.Errorf("create temp ledger: %w", err)
	}
	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	for _, r := range kept {
		if err := enc.Encode(r); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return 0, fmt.Errorf("encode record: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("flush ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("close temp ledger: %w", err)
	}
	if err := os.Rename(tmp.Name(), l.path); err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("replace ledger: %w", err)
	}
	return dropped, nil
}

func (l *Ledger) contains(now time.Time, fingerprint string) (bool, error) {
	records, err := l.scan()
	if err != nil {
		return false, err
	}
	cutoff := now.Add(-l.window)
	for _, r := range records {
		if r.Fingerprint == fingerprint && r.DeliveredAt.After(cutoff) {
			return true, nil
		}
	}
	return false, nil
}

func (l *Ledger) scan() ([]domain.DeliveryRecord, error) {
	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	var records []domain.DeliveryRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var r domain.DeliveryRecord
		if err := json.Unmarshal(line, &r); err != nil {
			// A torn trailing line from a crash is skipped, never fatal.
			log.Warn().Err(err).Msg("skip malformed ledger line")
			continue
		}
		records = append(records, r)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan ledger: %w", err)
	}
	return records, nil
}

func (l *Ledger) lock(ctx context.Context) (func(), error) {
	fl := flock.New(l.path + ".lock")
	ctx, cancel := context.WithTimeout(ctx, l.lockWait)
	locked, err := fl.TryLockContext(ctx, lockRetryWait)
	cancel()
	if err != nil || !locked {
		if err == nil || errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("lock ledger: %w", err)
	}
	return func() {
		if err := fl.Unlock(); err != nil {
			log.Warn().Err(err).Msg("release ledger lock")
		}
	}, nil
}
