package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// This file is the store's surface for the sync coordinator: the pending
// op queue, the persisted logical clock, and remote-write application.

// PendingOps returns the queued synced-scope mutations in local commit
// order. At most one op exists per key.
func (s *Store) PendingOps(ctx context.Context) ([]SyncOp, error) {
	rows, err := s.db.db.QueryContext(ctx, `
		SELECT key, value, deleted, lamport, writer
		FROM pending_sync ORDER BY lamport;`)
	if err != nil {
		return nil, fmt.Errorf("read pending sync ops: %w", err)
	}
	defer rows.Close()

	var ops []SyncOp
	for rows.Next() {
		var (
			op      SyncOp
			value   []byte
			deleted int
		)
		if err := rows.Scan(&op.Key, &value, &deleted, &op.Lamport, &op.Writer); err != nil {
			return nil, fmt.Errorf("scan pending sync op: %w", err)
		}
		op.Deleted = deleted != 0
		if !op.Deleted {
			op.Value = json.RawMessage(value)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// PendingFor returns the queued op for one key, or nil.
func (s *Store) PendingFor(ctx context.Context, key string) (*SyncOp, error) {
	var (
		op      SyncOp
		value   []byte
		deleted int
	)
	err := s.db.db.QueryRowContext(ctx, `
		SELECT key, value, deleted, lamport, writer
		FROM pending_sync WHERE key = ?;`, key).
		Scan(&op.Key, &value, &deleted, &op.Lamport, &op.Writer)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read pending sync op for %s: %w", key, err)
	}
	op.Deleted = deleted != 0
	if !op.Deleted {
		op.Value = json.RawMessage(value)
	}
	return &op, nil
}

// AckPending removes a pushed op from the queue. The lamport guard keeps
// an op requeued by a newer local write from being acknowledged away.
func (s *Store) AckPending(ctx context.Context, key string, lamport uint64) error {
	err := retryOnBusy(ctx, busyMaxRetries, func() error {
		_, err := s.db.db.ExecContext(ctx,
			`DELETE FROM pending_sync WHERE key = ? AND lamport <= ?;`, key, lamport)
		return err
	})
	if err != nil {
		return fmt.Errorf("ack pending sync op for %s: %w", key, err)
	}
	if s.metrics != nil {
		s.metrics.SyncPendingOps.Add(ctx, -1)
	}
	return nil
}

// DiscardPending drops a queued op whose write lost conflict resolution.
func (s *Store) DiscardPending(ctx context.Context, key string, lamport uint64) error {
	return s.AckPending(ctx, key, lamport)
}

// BumpPendingAttempts records a failed push attempt for a key.
func (s *Store) BumpPendingAttempts(ctx context.Context, key string) error {
	err := retryOnBusy(ctx, busyMaxRetries, func() error {
		_, err := s.db.db.ExecContext(ctx,
			`UPDATE pending_sync SET attempts = attempts + 1 WHERE key = ?;`, key)
		return err
	})
	if err != nil {
		return fmt.Errorf("bump attempts for %s: %w", key, err)
	}
	return nil
}

// WitnessClock advances the persisted logical clock past an observed
// remote timestamp, so subsequent local writes sort after it.
func (s *Store) WitnessClock(ctx context.Context, observed uint64) error {
	err := retryOnBusy(ctx, busyMaxRetries, func() error {
		_, err := s.db.db.ExecContext(ctx,
			`UPDATE sync_clock SET counter = MAX(counter, ?) WHERE id = 1;`, observed)
		return err
	})
	if err != nil {
		return fmt.Errorf("witness sync clock: %w", err)
	}
	return nil
}

// ApplyRemote applies a remote op under last-write-wins. The op is
// applied only when its (lamport, writer) pair sorts after the local
// entry's; otherwise the local value stands and nothing is emitted. An
// applied op emits a remote-cause ChangeRecord reflecting the final
// value. Remote writes are never quota-checked: the remote replica
// already accepted them.
func (s *Store) ApplyRemote(ctx context.Context, op SyncOp) (bool, error) {
	lock := s.keyLock(ScopeSynced, op.Key)
	lock.Lock()
	record, applied, err := s.applyRemoteLocked(ctx, op)
	lock.Unlock()
	if err != nil || !applied {
		return false, err
	}
	s.emit(*record, false)
	return true, nil
}

func (s *Store) applyRemoteLocked(ctx context.Context, op SyncOp) (*ChangeRecord, bool, error) {
	current, err := s.db.readEntry(ctx, ScopeSynced, op.Key)
	if err != nil {
		return nil, false, err
	}

	var (
		version  int64 = 1
		oldValue json.RawMessage
		oldSize  int64
	)
	if current != nil {
		if !remoteWins(op, current) {
			return nil, false, nil
		}
		version = current.Version + 1
		if current.Value != nil {
			oldValue = current.Value
			oldSize = int64(len(op.Key) + len(current.Value))
		}
	}

	var value []byte
	if !op.Deleted {
		value = op.Value
	}
	if err := s.db.writeRemote(ctx, op.Key, value, op.Deleted, version, op.Lamport, op.Writer); err != nil {
		return nil, false, err
	}
	if err := s.WitnessClock(ctx, op.Lamport); err != nil {
		return nil, false, err
	}

	var newSize int64
	if !op.Deleted {
		newSize = int64(len(op.Key) + len(op.Value))
	}
	s.mu.Lock()
	s.usage[ScopeSynced] = s.usage[ScopeSynced] - oldSize + newSize
	s.mu.Unlock()

	return &ChangeRecord{
		Key:      op.Key,
		Scope:    ScopeSynced,
		OldValue: oldValue,
		NewValue: json.RawMessage(value),
		Cause:    CauseRemote,
	}, true, nil
}

// remoteWins orders two writes to the same key. Higher logical timestamp
// wins; equal timestamps fall back to the writer ID, so every replica
// resolves the same conflict the same way.
func remoteWins(op SyncOp, current *Entry) bool {
	if op.Lamport != current.Lamport {
		return op.Lamport > current.Lamport
	}
	return op.Writer > current.LastWriter
}

// writeRemote commits a remote write without touching the pending queue.
func (h *dbHandle) writeRemote(ctx context.Context, key string, value []byte, deleted bool, version int64, lamport uint64, writer string) error {
	return retryOnBusy(ctx, busyMaxRetries, func() error {
		_, err := h.db.ExecContext(ctx, `
			INSERT INTO entries (scope, key, value, deleted, version, lamport, last_writer, updated_at)
			VALUES ('synced', ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(scope, key) DO UPDATE SET
				value = excluded.value,
				deleted = excluded.deleted,
				version = excluded.version,
				lamport = excluded.lamport,
				last_writer = excluded.last_writer,
				updated_at = CURRENT_TIMESTAMP;`,
			key, value, boolInt(deleted), version, lamport, writer)
		if err != nil {
			return fmt.Errorf("apply remote write for %s: %w", key, err)
		}
		return nil
	})
}
