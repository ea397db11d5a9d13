package history

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"

	"github.com/conductline/conduct/store"
	"github.com/conductline/conduct/types"
	"github.com/conductline/conduct/utils"
)

const (
	historyPathPrefix = "/history/"
	// seqKeyWidth keeps store keys lexically ordered by sequence number.
	seqKeyWidth = "%010d"
)

func historyPath(runID string) string {
	return historyPathPrefix + runID
}

/**
 * Log is the append-only audit record of every state transition in a
 * run, ordered by a per-run monotonically increasing sequence number
 * rather than wall-clock time so ordering stays well-defined under
 * clock skew. Entries are never mutated after write; the planner
 * replays them to rebuild readiness state after a crash and the
 * administrative UI reads them through the same query surface.
 */
type Log struct {
	store store.Store

	// seqMu serializes sequence assignment per process; cross-process
	// writers for one run are already serialized by task ownership.
	seqMu   sync.Mutex
	lastSeq map[string]uint64
}

func NewLog(s store.Store) *Log {
	return &Log{store: s, lastSeq: make(map[string]uint64)}
}

// Append assigns the next sequence number and persists the entry.
// The entry's At timestamp is advisory; Seq is authoritative.
func (l *Log) Append(ctx context.Context, entry *types.HistoryEntry) error {
	if entry.RunID == "" {
		return errors.BadRequestf("history entry has no run id")
	}
	if entry.At.IsZero() {
		entry.At = time.Now()
	}

	seq, err := l.nextSeq(ctx, entry.RunID)
	if err != nil {
		return errors.Trace(err)
	}
	entry.Seq = seq

	b, err := utils.Serialize(entry)
	if err != nil {
		return errors.Trace(err)
	}
	key := fmt.Sprintf(seqKeyWidth, entry.Seq)
	if err := l.store.Set(ctx, historyPath(entry.RunID), key, b); err != nil {
		return errors.Trace(err)
	}
	return nil
}

func (l *Log) nextSeq(ctx context.Context, runID string) (uint64, error) {
	l.seqMu.Lock()
	defer l.seqMu.Unlock()

	last, known := l.lastSeq[runID]
	if !known {
		persisted, err := l.maxPersistedSeq(ctx, runID)
		if err != nil {
			return 0, errors.Trace(err)
		}
		last = persisted
	}
	last++
	l.lastSeq[runID] = last
	return last, nil
}

func (l *Log) maxPersistedSeq(ctx context.Context, runID string) (uint64, error) {
	var max uint64
	err := l.store.List(ctx, historyPath(runID), func(key string) bool {
		var seq uint64
		if _, err := fmt.Sscanf(key, seqKeyWidth, &seq); err != nil {
			log.Errorf("history %s has malformed key %q", runID, key)
			return true
		}
		if seq > max {
			max = seq
		}
		return true
	})
	return max, errors.Trace(err)
}

// Entries returns the run's full log in sequence order.
func (l *Log) Entries(ctx context.Context, runID string) ([]*types.HistoryEntry, error) {
	var entries []*types.HistoryEntry
	path := historyPath(runID)

	err := l.store.List(ctx, path, func(key string) bool {
		b, err := l.store.Get(ctx, path, key)
		if err != nil {
			log.Errorf("load history %s %s from store failed: %v", runID, key, err)
			return true
		}
		entry := &types.HistoryEntry{}
		if err := utils.Unserialize(b, entry); err != nil {
			log.Errorf("unserialize history %s %s failed: %v", runID, key, err)
			return true
		}
		entries = append(entries, entry)
		return true
	})
	if err != nil {
		return nil, errors.Trace(err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
	return entries, nil
}

// Forget drops the in-process sequence cache for a finished run.
func (l *Log) Forget(runID string) {
	l.seqMu.Lock()
	defer l.seqMu.Unlock()

	delete(l.lastSeq, runID)
}
