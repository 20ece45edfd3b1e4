// Package store is the durable key-value store backing both visibility
// scopes: local (device-only) and synced (propagated across devices).
// Writes are atomic per key, versioned, quota-checked, and produce exactly
// one change record per commit. Synced-scope mutations are additionally
// queued for the sync coordinator, in the same transaction as the write.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/basket/extcore/internal/capability"
	"github.com/basket/extcore/internal/otel"
)

// Scope is the visibility class of a stored key.
type Scope string

const (
	ScopeLocal  Scope = "local"
	ScopeSynced Scope = "synced"
)

// Cause says whether a change originated in this process or arrived from
// a remote replica via the sync coordinator.
type Cause string

const (
	CauseLocal  Cause = "local"
	CauseRemote Cause = "remote"
)

// Default capacity ceilings, in bytes of key plus encoded value. The
// synced scope is smaller because every byte propagates across devices.
const (
	DefaultLocalQuota  = 5 * 1024 * 1024
	DefaultSyncedQuota = 100 * 1024
)

var (
	// ErrAbsent is returned by Get for a key with no committed value.
	ErrAbsent = errors.New("key absent")

	// ErrQuotaExceeded is returned by Set when the write would push the
	// scope past its capacity ceiling. Nothing is evicted; the write is
	// refused and prior data stays intact.
	ErrQuotaExceeded = errors.New("scope quota exceeded")
)

// ChangeRecord describes one committed write. Emitted exactly once per
// commit to every listener registered on the scope at commit time.
type ChangeRecord struct {
	Key      string
	Scope    Scope
	OldValue json.RawMessage // nil if the key was absent
	NewValue json.RawMessage // nil for a removal
	Cause    Cause
}

// Entry is a stored record with its conflict-resolution metadata.
type Entry struct {
	Key        string
	Value      json.RawMessage
	Scope      Scope
	Version    int64
	Lamport    uint64
	LastWriter string
}

// SyncOp is a queued synced-scope mutation awaiting remote
// reconciliation. Ops collapse per key: only the latest survives.
type SyncOp struct {
	Key     string
	Value   json.RawMessage // nil when Deleted
	Deleted bool
	Lamport uint64
	Writer  string
}

// Subscription is an active change listener. Records arrive on Ch until
// Unlisten; the channel itself stays open so an in-flight emit never
// races a close. Re-subscribing restarts the stream.
type Subscription struct {
	id     int
	scope  Scope
	filter func(ChangeRecord) bool
	ch     chan ChangeRecord
	done   chan struct{}
}

// Ch returns the channel change records are delivered on.
func (s *Subscription) Ch() <-chan ChangeRecord {
	return s.ch
}

const listenerBuffer = 128

// Options configures Open.
type Options struct {
	Gate        capability.Checker // nil disables gating (tests)
	Logger      *slog.Logger
	Metrics     *otel.Metrics // nil disables instrumentation
	LocalQuota  int64         // zero uses DefaultLocalQuota
	SyncedQuota int64         // zero uses DefaultSyncedQuota
}

// Store is the two-scope key-value store.
type Store struct {
	db       *dbHandle
	gate     capability.Checker
	logger   *slog.Logger
	metrics  *otel.Metrics
	quotas   map[Scope]int64
	writerID string

	mu        sync.Mutex
	locks     map[string]*sync.Mutex // per scope+key; unrelated keys never contend
	usage     map[Scope]int64
	listeners map[Scope]map[int]*Subscription
	nextSub   int
}

// Open opens (creating if needed) the store database at path.
func Open(path string, opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	localQuota := opts.LocalQuota
	if localQuota <= 0 {
		localQuota = DefaultLocalQuota
	}
	syncedQuota := opts.SyncedQuota
	if syncedQuota <= 0 {
		syncedQuota = DefaultSyncedQuota
	}

	db, writerID, err := openDB(path)
	if err != nil {
		return nil, err
	}

	s := &Store{
		db:       db,
		gate:     opts.Gate,
		logger:   logger,
		metrics:  opts.Metrics,
		writerID: writerID,
		quotas: map[Scope]int64{
			ScopeLocal:  localQuota,
			ScopeSynced: syncedQuota,
		},
		locks:     make(map[string]*sync.Mutex),
		usage:     make(map[Scope]int64),
		listeners: map[Scope]map[int]*Subscription{
			ScopeLocal:  {},
			ScopeSynced: {},
		},
	}
	if err := s.loadUsage(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// WriterID is the stable identity of this installation, used as the
// tiebreaker in conflict resolution and recorded as lastWriter on remote
// replicas.
func (s *Store) WriterID() string {
	return s.writerID
}

func validScope(scope Scope) error {
	switch scope {
	case ScopeLocal, ScopeSynced:
		return nil
	}
	return fmt.Errorf("unknown scope %q", scope)
}

func (s *Store) checkGate(scope Scope) error {
	if scope != ScopeSynced || s.gate == nil {
		return nil
	}
	if s.gate.Check(capability.StorageSync) != capability.Granted {
		return fmt.Errorf("%w: %s", capability.ErrCapabilityDenied, capability.StorageSync)
	}
	return nil
}

func (s *Store) keyLock(scope Scope, key string) *sync.Mutex {
	id := string(scope) + "\x00" + key
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[id] = lock
	}
	return lock
}

// Get returns the committed value for key in scope, or ErrAbsent.
func (s *Store) Get(ctx context.Context, key string, scope Scope) (json.RawMessage, error) {
	if err := validScope(scope); err != nil {
		return nil, err
	}
	if err := s.checkGate(scope); err != nil {
		return nil, err
	}
	entry, err := s.db.readEntry(ctx, scope, key)
	if err != nil {
		return nil, err
	}
	if entry == nil || entry.Value == nil {
		return nil, fmt.Errorf("%w: %s", ErrAbsent, key)
	}
	return entry.Value, nil
}

// GetEntry returns the full entry including version metadata.
func (s *Store) GetEntry(ctx context.Context, key string, scope Scope) (*Entry, error) {
	if err := validScope(scope); err != nil {
		return nil, err
	}
	if err := s.checkGate(scope); err != nil {
		return nil, err
	}
	entry, err := s.db.readEntry(ctx, scope, key)
	if err != nil {
		return nil, err
	}
	if entry == nil || entry.Value == nil {
		return nil, fmt.Errorf("%w: %s", ErrAbsent, key)
	}
	return entry, nil
}

// Set commits value under key in scope. The write is atomic per key, the
// per-key version strictly increases, and every listener registered on
// the scope receives exactly one ChangeRecord before Set returns. A
// synced-scope write also enqueues a pending sync op in the same
// transaction; remote reconciliation never delays the local commit.
func (s *Store) Set(ctx context.Context, key string, scope Scope, value any, writer string) error {
	if err := validScope(scope); err != nil {
		return err
	}
	if key == "" {
		return fmt.Errorf("empty key")
	}
	if err := s.checkGate(scope); err != nil {
		return err
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode value for %q: %w", key, err)
	}

	lock := s.keyLock(scope, key)
	lock.Lock()
	record, err := s.commitSet(ctx, key, scope, encoded, writer)
	lock.Unlock()
	if err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.StoreWrites.Add(ctx, 1)
	}
	s.emit(*record, true)
	return nil
}

func (s *Store) commitSet(ctx context.Context, key string, scope Scope, encoded []byte, writer string) (*ChangeRecord, error) {
	old, err := s.db.readEntry(ctx, scope, key)
	if err != nil {
		return nil, err
	}

	var oldSize int64
	var oldValue json.RawMessage
	version := int64(1)
	if old != nil {
		version = old.Version + 1
		if old.Value != nil {
			oldSize = int64(len(key) + len(old.Value))
			oldValue = old.Value
		}
	}
	newSize := int64(len(key) + len(encoded))

	// Reserve the projected usage while holding the lock, so concurrent
	// writes to other keys cannot both pass the check and jointly breach
	// the ceiling. The reservation rolls back if the commit fails.
	s.mu.Lock()
	projected := s.usage[scope] - oldSize + newSize
	quota := s.quotas[scope]
	if projected > quota {
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.QuotaRejects.Add(ctx, 1)
		}
		return nil, fmt.Errorf("%w: %s scope at %d/%d bytes", ErrQuotaExceeded, scope, projected, quota)
	}
	s.usage[scope] = projected
	s.mu.Unlock()

	if scope == ScopeSynced {
		_, err = s.db.writeSynced(ctx, key, encoded, false, version)
	} else {
		err = s.db.writeLocal(ctx, scope, key, encoded, false, version, writer)
	}
	if err != nil {
		s.mu.Lock()
		s.usage[scope] += oldSize - newSize
		s.mu.Unlock()
		return nil, err
	}

	if s.metrics != nil && scope == ScopeSynced {
		s.metrics.SyncPendingOps.Add(ctx, 1)
	}
	return &ChangeRecord{
		Key:      key,
		Scope:    scope,
		OldValue: oldValue,
		NewValue: encoded,
		Cause:    CauseLocal,
	}, nil
}

// Remove deletes key from scope. Removing an absent key is a no-op and
// emits nothing. A synced-scope removal leaves a tombstone so the version
// counter keeps increasing and the deletion propagates.
func (s *Store) Remove(ctx context.Context, key string, scope Scope, writer string) error {
	if err := validScope(scope); err != nil {
		return err
	}
	if err := s.checkGate(scope); err != nil {
		return err
	}

	lock := s.keyLock(scope, key)
	lock.Lock()
	record, err := s.commitRemove(ctx, key, scope, writer)
	lock.Unlock()
	if err != nil || record == nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.StoreWrites.Add(ctx, 1)
	}
	s.emit(*record, true)
	return nil
}

func (s *Store) commitRemove(ctx context.Context, key string, scope Scope, writer string) (*ChangeRecord, error) {
	old, err := s.db.readEntry(ctx, scope, key)
	if err != nil {
		return nil, err
	}
	if old == nil || old.Value == nil {
		return nil, nil
	}

	version := old.Version + 1
	if scope == ScopeSynced {
		if _, err := s.db.writeSynced(ctx, key, nil, true, version); err != nil {
			return nil, err
		}
	} else {
		if err := s.db.writeLocal(ctx, scope, key, nil, true, version, writer); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	s.usage[scope] -= int64(len(key) + len(old.Value))
	s.mu.Unlock()

	if s.metrics != nil && scope == ScopeSynced {
		s.metrics.SyncPendingOps.Add(ctx, 1)
	}
	return &ChangeRecord{
		Key:      key,
		Scope:    scope,
		OldValue: old.Value,
		NewValue: nil,
		Cause:    CauseLocal,
	}, nil
}

// Clear removes every key in scope, emitting one ChangeRecord per
// removed key.
func (s *Store) Clear(ctx context.Context, scope Scope, writer string) error {
	if err := validScope(scope); err != nil {
		return err
	}
	if err := s.checkGate(scope); err != nil {
		return err
	}
	keys, err := s.db.liveKeys(ctx, scope)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := s.Remove(ctx, key, scope, writer); err != nil {
			return fmt.Errorf("clear %s/%s: %w", scope, key, err)
		}
	}
	return nil
}

// Listen registers a change listener for a scope. A nil filter receives
// every record. Local-origin records are delivered before the originating
// Set returns; listeners must drain their channel promptly.
func (s *Store) Listen(scope Scope, filter func(ChangeRecord) bool) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSub++
	sub := &Subscription{
		id:     s.nextSub,
		scope:  scope,
		filter: filter,
		ch:     make(chan ChangeRecord, listenerBuffer),
		done:   make(chan struct{}),
	}
	s.listeners[scope][sub.id] = sub
	return sub
}

// Unlisten removes a subscription and releases any write blocked on its
// channel. The channel is left open for the garbage collector; closing
// it here could race a concurrent emit. Idempotent.
func (s *Store) Unlisten(sub *Subscription) {
	if sub == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.listeners[sub.scope][sub.id]; ok {
		delete(s.listeners[sub.scope], sub.id)
		close(sub.done)
	}
}

// emit fans a record out to the scope's listeners. Local-origin records
// block until accepted so callers observe delivery before their write
// returns; remote-origin records are best-effort.
func (s *Store) emit(record ChangeRecord, blocking bool) {
	s.mu.Lock()
	subs := make([]*Subscription, 0, len(s.listeners[record.Scope]))
	for _, sub := range s.listeners[record.Scope] {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		if sub.filter != nil && !sub.filter(record) {
			continue
		}
		if blocking {
			// A blocked send must still yield to Unlisten, or an
			// unsubscribing listener would wedge the writer.
			select {
			case sub.ch <- record:
			case <-sub.done:
			}
		} else {
			select {
			case sub.ch <- record:
			case <-sub.done:
			default:
				s.logger.Warn("change record dropped, listener backlogged",
					"key", record.Key, "scope", record.Scope)
			}
		}
	}
}

// Usage returns the current byte usage for a scope.
func (s *Store) Usage(scope Scope) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage[scope]
}

func (s *Store) loadUsage(ctx context.Context) error {
	usage, err := s.db.scopeUsage(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.usage = usage
	s.mu.Unlock()
	return nil
}
