package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/akrylysov/pogreb"
	ethCommon "github.com/ethereum/go-ethereum/common"

	"github.com/oasisprotocol/govkeeper/log"
)

const pogrebModuleName = "journal_pogreb"

type pogrebJournal struct {
	db     *pogreb.DB
	path   string
	logger *log.Logger

	// Serializes read-modify-write updates.
	mu sync.Mutex
}

var _ Journal = (*pogrebJournal)(nil)

// OpenPogreb opens, or creates, a file-backed journal at path.
func OpenPogreb(path string, logger *log.Logger) (Journal, error) {
	logger = logger.WithModule(pogrebModuleName).With("path", path)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}
	// Pogreb backs up its indices into <name>.bac on every unclean start;
	// drop the older generations so the names cannot grow unbounded.
	if matches, err := filepath.Glob(filepath.Join(path, "*.bac.bac")); err == nil {
		for _, f := range matches {
			if err := os.Remove(f); err != nil {
				logger.Warn("failed to delete backed-up pogreb index file", "file", f, "err", err)
			}
		}
	}

	db, err := pogreb.Open(path, &pogreb.Options{BackgroundSyncInterval: -1})
	if err != nil {
		return nil, fmt.Errorf("opening pogreb journal: %w", err)
	}
	logger.Info(fmt.Sprintf("journal has %d entries", db.Count()))
	return &pogrebJournal{db: db, path: path, logger: logger}, nil
}

func (j *pogrebJournal) get(id ethCommon.Hash) (*Entry, error) {
	raw, err := j.db.Get(id.Bytes())
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, ErrNotFound
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("unmarshalling entry %s: %w", id.Hex(), err)
	}
	return &e, nil
}

func (j *pogrebJournal) put(e *Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return j.db.Put(e.ID.Bytes(), raw)
}

// Record implements Journal.
func (j *pogrebJournal) Record(ctx context.Context, e *Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	now := time.Now().UTC()
	stored := *e
	stored.CreatedAt, stored.UpdatedAt = now, now
	switch prev, err := j.get(e.ID); {
	case err == nil:
		stored.CreatedAt = prev.CreatedAt
	case !errors.Is(err, ErrNotFound):
		return err
	}
	if err := j.put(&stored); err != nil {
		return err
	}
	return j.db.Sync()
}

// Get implements Journal.
func (j *pogrebJournal) Get(ctx context.Context, id ethCommon.Hash) (*Entry, error) {
	return j.get(id)
}

// List implements Journal.
func (j *pogrebJournal) List(ctx context.Context, status Status) ([]*Entry, error) {
	entries := []*Entry{}
	it := j.db.Items()
	for {
		key, raw, err := it.Next()
		if errors.Is(err, pogreb.ErrIterationDone) {
			break
		}
		if err != nil {
			return nil, err
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			j.logger.Warn("skipping undecodable journal entry", "key", ethCommon.BytesToHash(key).Hex(), "err", err)
			continue
		}
		if status == "" || e.Status == status {
			entries = append(entries, &e)
		}
	}
	sortEntries(entries)
	return entries, nil
}

func sortEntries(entries []*Entry) {
	sort.SliceStable(entries, func(a, b int) bool {
		if !entries[a].ReadyAt.Equal(entries[b].ReadyAt) {
			return entries[a].ReadyAt.Before(entries[b].ReadyAt)
		}
		return entries[a].ID.Hex() < entries[b].ID.Hex()
	})
}

func (j *pogrebJournal) update(id ethCommon.Hash, f func(e *Entry)) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	e, err := j.get(id)
	if err != nil {
		return err
	}
	f(e)
	e.UpdatedAt = time.Now().UTC()
	if err := j.put(e); err != nil {
		return err
	}
	return j.db.Sync()
}

// MarkDone implements Journal.
func (j *pogrebJournal) MarkDone(ctx context.Context, id ethCommon.Hash, executeTx *ethCommon.Hash) error {
	return j.update(id, func(e *Entry) {
		e.Status = StatusDone
		e.FailureReason = ""
		if executeTx != nil {
			e.ExecuteTx = executeTx
		}
	})
}

// MarkClosed implements Journal.
func (j *pogrebJournal) MarkClosed(ctx context.Context, id ethCommon.Hash) error {
	return j.update(id, func(e *Entry) {
		e.Status = StatusClosed
		e.FailureReason = ""
	})
}

// MarkFailed implements Journal.
func (j *pogrebJournal) MarkFailed(ctx context.Context, id ethCommon.Hash, reason string) error {
	return j.update(id, func(e *Entry) {
		e.Status = StatusFailed
		e.FailureReason = reason
	})
}

// Reopen implements Journal.
func (j *pogrebJournal) Reopen(ctx context.Context, id ethCommon.Hash) error {
	return j.update(id, func(e *Entry) {
		e.Status = StatusOpen
		e.FailureReason = ""
	})
}

// Close implements Journal.
func (j *pogrebJournal) Close() error {
	j.logger.Info("closing journal")
	return j.db.Close()
}
