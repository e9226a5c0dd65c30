package runstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketRuns    = []byte("runs")
	bucketItems   = []byte("items")
	bucketDue     = []byte("due_index")
	bucketArchive = []byte("archive")
)

// Store is the durable source of truth for runs and work items, backed
// by BoltDB. Both the poll loop and the dispatch workers read and write
// through it; nothing is cached in memory across a resume.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the store at path.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketRuns, bucketItems, bucketDue, bucketArchive} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateRun persists a run and its full work item set in one
// transaction. Every item starts pending and lands in the due index.
func (s *Store) CreateRun(ctx context.Context, run *Run, items []*WorkItem) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		runData, err := json.Marshal(run)
		if err != nil {
			return fmt.Errorf("failed to marshal run: %w", err)
		}
		if err := tx.Bucket(bucketRuns).Put([]byte(run.ID), runData); err != nil {
			return fmt.Errorf("failed to store run: %w", err)
		}

		itemBucket := tx.Bucket(bucketItems)
		dueBucket := tx.Bucket(bucketDue)
		for _, item := range items {
			data, err := json.Marshal(item)
			if err != nil {
				return fmt.Errorf("failed to marshal item %s: %w", item.ID, err)
			}
			if err := itemBucket.Put([]byte(item.ID), data); err != nil {
				return fmt.Errorf("failed to store item %s: %w", item.ID, err)
			}
			if err := dueBucket.Put(dueKey(item), []byte(item.ID)); err != nil {
				return fmt.Errorf("failed to index item %s: %w", item.ID, err)
			}
		}
		return nil
	})
}

// GetRun retrieves a run by ID. Returns nil, nil when missing.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	var run *Run
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRuns).Get([]byte(id))
		if data == nil {
			return nil
		}
		run = &Run{}
		return json.Unmarshal(data, run)
	})
	return run, err
}

// ListRuns returns all runs, newest first.
func (s *Store) ListRuns(ctx context.Context) ([]*Run, error) {
	var runs []*Run
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRuns).ForEach(func(k, v []byte) error {
			var run Run
			if err := json.Unmarshal(v, &run); err != nil {
				return nil // skip invalid entries
			}
			runs = append(runs, &run)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(runs)-1; i < j; i, j = i+1, j-1 {
		runs[i], runs[j] = runs[j], runs[i]
	}
	return runs, nil
}

// NonTerminalRuns returns runs that are still planning or running.
func (s *Store) NonTerminalRuns(ctx context.Context) ([]*Run, error) {
	runs, err := s.ListRuns(ctx)
	if err != nil {
		return nil, err
	}
	active := runs[:0]
	for _, run := range runs {
		if !run.Status.Terminal() {
			active = append(active, run)
		}
	}
	return active, nil
}

// UpdateRunStatus transitions a run. Terminal states are immutable; a
// transition out of completed or cancelled is rejected.
func (s *Store) UpdateRunStatus(ctx context.Context, id string, status RunStatus) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketRuns)
		data := bucket.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("run not found: %s", id)
		}
		var run Run
		if err := json.Unmarshal(data, &run); err != nil {
			return fmt.Errorf("failed to unmarshal run: %w", err)
		}
		if run.Status.Terminal() && run.Status != status {
			return fmt.Errorf("run %s is %s and cannot transition to %s", id, run.Status, status)
		}
		run.Status = status
		run.UpdatedAt = time.Now()

		updated, err := json.Marshal(&run)
		if err != nil {
			return fmt.Errorf("failed to marshal run: %w", err)
		}
		return bucket.Put([]byte(id), updated)
	})
}

// GetItem retrieves a work item by ID. Returns nil, nil when missing.
func (s *Store) GetItem(ctx context.Context, id string) (*WorkItem, error) {
	var item *WorkItem
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketItems).Get([]byte(id))
		if data == nil {
			return nil
		}
		item = &WorkItem{}
		return json.Unmarshal(data, item)
	})
	return item, err
}

// LoadItems returns every work item of a run with its original target
// instant and status, exactly as persisted.
func (s *Store) LoadItems(ctx context.Context, runID string) ([]*WorkItem, error) {
	var items []*WorkItem
	prefix := []byte(runID + ":")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketItems).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var item WorkItem
			if err := json.Unmarshal(v, &item); err != nil {
				continue
			}
			items = append(items, &item)
		}
		return nil
	})
	return items, err
}

// UpsertItem persists a work item, refreshing the due index: pending
// items are indexed by target instant, everything else is unindexed.
func (s *Store) UpsertItem(ctx context.Context, item *WorkItem) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		item.UpdatedAt = time.Now()
		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("failed to marshal item: %w", err)
		}
		if err := tx.Bucket(bucketItems).Put([]byte(item.ID), data); err != nil {
			return fmt.Errorf("failed to store item: %w", err)
		}

		dueBucket := tx.Bucket(bucketDue)
		if item.Status == StatusPending {
			return dueBucket.Put(dueKey(item), []byte(item.ID))
		}
		return dueBucket.Delete(dueKey(item))
	})
}

// ClaimDue returns up to limit items of a run whose target instant has
// arrived, atomically flipping them pending -> due inside the same
// transaction. An item claimed here can never be handed to a second
// worker: the index entry is removed before the transaction commits.
func (s *Store) ClaimDue(ctx context.Context, runID string, now time.Time, limit int) ([]*WorkItem, error) {
	var claimed []*WorkItem
	prefix := []byte(runID + "/")
	cutoff := dueKeyAt(runID, now.Add(time.Nanosecond)) // inclusive of now

	err := s.db.Update(func(tx *bolt.Tx) error {
		itemBucket := tx.Bucket(bucketItems)
		dueBucket := tx.Bucket(bucketDue)
		c := dueBucket.Cursor()

		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if bytes.Compare(k, cutoff) >= 0 {
				break // remaining entries are in the future
			}

			data := itemBucket.Get(v)
			if data == nil {
				c.Delete()
				continue
			}
			var item WorkItem
			if err := json.Unmarshal(data, &item); err != nil {
				continue
			}
			if item.Status != StatusPending {
				// Stale index entry left by an earlier status change.
				c.Delete()
				continue
			}

			item.Status = StatusDue
			item.UpdatedAt = time.Now()
			updated, err := json.Marshal(&item)
			if err != nil {
				return err
			}
			if err := itemBucket.Put(v, updated); err != nil {
				return err
			}
			if err := c.Delete(); err != nil {
				return err
			}

			claimed = append(claimed, &item)
			if limit > 0 && len(claimed) >= limit {
				break
			}
		}
		return nil
	})
	return claimed, err
}

// MarkInFlight transitions an item from due to in_flight, refusing any
// other starting state. A worker that raced a cancellation past the
// claim therefore cannot revive an item already marked skipped; it sees
// false and drops the work.
func (s *Store) MarkInFlight(ctx context.Context, itemID string) (bool, error) {
	applied := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		itemBucket := tx.Bucket(bucketItems)
		data := itemBucket.Get([]byte(itemID))
		if data == nil {
			return fmt.Errorf("item not found: %s", itemID)
		}
		var item WorkItem
		if err := json.Unmarshal(data, &item); err != nil {
			return fmt.Errorf("failed to unmarshal item: %w", err)
		}
		if item.Status != StatusDue {
			return nil
		}

		item.Status = StatusInFlight
		item.UpdatedAt = time.Now()
		updated, err := json.Marshal(&item)
		if err != nil {
			return fmt.Errorf("failed to marshal item: %w", err)
		}
		if err := itemBucket.Put([]byte(itemID), updated); err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

// ResetInFlight flips items a prior process left in flight back to
// pending so they are re-attempted after a resume. Conservative: a
// crash mid-send may already have delivered, so this accepts a possible
// duplicate over a silent drop.
func (s *Store) ResetInFlight(ctx context.Context, runID string) (int, error) {
	return s.rewriteItems(runID, func(item *WorkItem) bool {
		if item.Status != StatusInFlight && item.Status != StatusDue {
			return false
		}
		item.Status = StatusPending
		return true
	})
}

// FailInterrupted marks items a prior process left in flight as failed
// instead of re-attempting them. Used when duplicates are worse than
// drops and the transport does not deduplicate on the item key.
func (s *Store) FailInterrupted(ctx context.Context, runID string) (int, error) {
	return s.rewriteItems(runID, func(item *WorkItem) bool {
		switch item.Status {
		case StatusInFlight:
			// May or may not have reached the transport; without a
			// deduplicating transport this is recorded as failed.
			item.Status = StatusFailed
			item.LastError = "dispatch interrupted by process exit"
			return true
		case StatusDue:
			// Claimed but never handed to a worker; safe to re-queue.
			item.Status = StatusPending
			return true
		}
		return false
	})
}

// SkipQueued marks every pending and due item of a run as skipped.
// In-flight items are untouched; cancellation lets them finish.
func (s *Store) SkipQueued(ctx context.Context, runID string) (int, error) {
	return s.rewriteItems(runID, func(item *WorkItem) bool {
		if item.Status != StatusPending && item.Status != StatusDue {
			return false
		}
		item.Status = StatusSkipped
		return true
	})
}

// RetryItem re-enqueues a failed item as pending, clearing its error.
func (s *Store) RetryItem(ctx context.Context, itemID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		itemBucket := tx.Bucket(bucketItems)
		data := itemBucket.Get([]byte(itemID))
		if data == nil {
			return fmt.Errorf("item not found: %s", itemID)
		}
		var item WorkItem
		if err := json.Unmarshal(data, &item); err != nil {
			return fmt.Errorf("failed to unmarshal item: %w", err)
		}
		if item.Status != StatusFailed {
			return fmt.Errorf("item %s is %s, only failed items can be retried", itemID, item.Status)
		}

		item.Status = StatusPending
		item.Attempts = 0
		item.LastError = ""
		item.UpdatedAt = time.Now()

		updated, err := json.Marshal(&item)
		if err != nil {
			return fmt.Errorf("failed to marshal item: %w", err)
		}
		if err := itemBucket.Put([]byte(itemID), updated); err != nil {
			return err
		}
		return tx.Bucket(bucketDue).Put(dueKey(&item), []byte(item.ID))
	})
}

// Stats counts a run's items by status.
func (s *Store) Stats(ctx context.Context, runID string) (*RunStats, error) {
	stats := &RunStats{}
	prefix := []byte(runID + ":")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketItems).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var item WorkItem
			if err := json.Unmarshal(v, &item); err != nil {
				continue
			}
			stats.Total++
			switch item.Status {
			case StatusPending:
				stats.Pending++
			case StatusDue:
				stats.Due++
			case StatusInFlight:
				stats.InFlight++
			case StatusSent:
				stats.Sent++
			case StatusFailed:
				stats.Failed++
			case StatusSkipped:
				stats.Skipped++
			}
		}
		return nil
	})
	return stats, err
}

// ArchiveTerminalRuns moves the work items of completed or cancelled
// runs older than maxAge into the archive bucket. The run record itself
// stays; items are archived, never deleted, so history survives.
func (s *Store) ArchiveTerminalRuns(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-maxAge)
	archived := 0

	runs, err := s.ListRuns(ctx)
	if err != nil {
		return 0, err
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		itemBucket := tx.Bucket(bucketItems)
		archiveBucket := tx.Bucket(bucketArchive)

		for _, run := range runs {
			if !run.Status.Terminal() || run.UpdatedAt.After(cutoff) {
				continue
			}

			prefix := []byte(run.ID + ":")
			var keys [][]byte
			c := itemBucket.Cursor()
			for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
				if err := archiveBucket.Put(k, v); err != nil {
					return err
				}
				keys = append(keys, append([]byte{}, k...))
			}
			for _, k := range keys {
				if err := itemBucket.Delete(k); err != nil {
					return err
				}
				archived++
			}
		}
		return nil
	})
	return archived, err
}

// ArchivedItems returns the archived work items of a run.
func (s *Store) ArchivedItems(ctx context.Context, runID string) ([]*WorkItem, error) {
	var items []*WorkItem
	prefix := []byte(runID + ":")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketArchive).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var item WorkItem
			if err := json.Unmarshal(v, &item); err != nil {
				continue
			}
			items = append(items, &item)
		}
		return nil
	})
	return items, err
}

// rewriteItems applies mutate to every item of a run, persisting those
// it changes, all in one transaction. Index entries follow the status.
func (s *Store) rewriteItems(runID string, mutate func(*WorkItem) bool) (int, error) {
	changed := 0
	prefix := []byte(runID + ":")
	err := s.db.Update(func(tx *bolt.Tx) error {
		itemBucket := tx.Bucket(bucketItems)
		dueBucket := tx.Bucket(bucketDue)

		type pendingWrite struct {
			key  []byte
			data []byte
			item WorkItem
		}
		var writes []pendingWrite

		c := itemBucket.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var item WorkItem
			if err := json.Unmarshal(v, &item); err != nil {
				continue
			}
			if !mutate(&item) {
				continue
			}
			item.UpdatedAt = time.Now()
			data, err := json.Marshal(&item)
			if err != nil {
				return err
			}
			writes = append(writes, pendingWrite{key: append([]byte{}, k...), data: data, item: item})
		}

		for _, w := range writes {
			if err := itemBucket.Put(w.key, w.data); err != nil {
				return err
			}
			if w.item.Status == StatusPending {
				if err := dueBucket.Put(dueKey(&w.item), []byte(w.item.ID)); err != nil {
					return err
				}
			} else {
				if err := dueBucket.Delete(dueKey(&w.item)); err != nil {
					return err
				}
			}
			changed++
		}
		return nil
	})
	return changed, err
}

// dueKey builds a per-run, time-sorted index key. Fixed-width nanosecond
// encoding keeps lexical and chronological order identical.
func dueKey(item *WorkItem) []byte {
	return []byte(fmt.Sprintf("%s/%020d/%s", item.RunID, item.TargetAt.UnixNano(), item.ID))
}

func dueKeyAt(runID string, t time.Time) []byte {
	return []byte(fmt.Sprintf("%s/%020d/", runID, t.UnixNano()))
}
