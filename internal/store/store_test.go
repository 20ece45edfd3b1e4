package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/extcore/internal/capability"
)

func newTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.db")
	s, err := Open(path, opts)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustSet(t *testing.T, s *Store, key string, scope Scope, value any) {
	t.Helper()
	if err := s.Set(context.Background(), key, scope, value, "test"); err != nil {
		t.Fatalf("Set(%s) error = %v", key, err)
	}
}

func TestStore_SetThenGet(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	mustSet(t, s, "color", ScopeLocal, "blue")

	got, err := s.Get(ctx, "color", ScopeLocal)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != `"blue"` {
		t.Fatalf("Get() = %s, want %q", got, `"blue"`)
	}
}

func TestStore_GetAbsent(t *testing.T) {
	s := newTestStore(t, Options{})
	if _, err := s.Get(context.Background(), "missing", ScopeLocal); !errors.Is(err, ErrAbsent) {
		t.Fatalf("Get(missing) error = %v, want ErrAbsent", err)
	}
}

func TestStore_GetAfterRemove(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	mustSet(t, s, "color", ScopeLocal, "blue")
	if err := s.Remove(ctx, "color", ScopeLocal, "test"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := s.Get(ctx, "color", ScopeLocal); !errors.Is(err, ErrAbsent) {
		t.Fatalf("Get after Remove error = %v, want ErrAbsent", err)
	}
}

func TestStore_VersionSurvivesRemove(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	mustSet(t, s, "color", ScopeSynced, "blue")
	if err := s.Remove(ctx, "color", ScopeSynced, "test"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	mustSet(t, s, "color", ScopeSynced, "green")

	entry, err := s.GetEntry(ctx, "color", ScopeSynced)
	if err != nil {
		t.Fatalf("GetEntry() error = %v", err)
	}
	if entry.Version != 3 {
		t.Fatalf("Version = %d, want 3 (set, remove, set)", entry.Version)
	}
}

func TestStore_QuotaRejectKeepsPriorData(t *testing.T) {
	s := newTestStore(t, Options{SyncedQuota: 64})
	ctx := context.Background()

	mustSet(t, s, "small", ScopeSynced, "ok")

	big := make([]byte, 256)
	err := s.Set(ctx, "big", ScopeSynced, string(big), "test")
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("Set(big) error = %v, want ErrQuotaExceeded", err)
	}

	if _, err := s.Get(ctx, "small", ScopeSynced); err != nil {
		t.Fatalf("prior key lost after quota reject: %v", err)
	}
	if _, err := s.Get(ctx, "big", ScopeSynced); !errors.Is(err, ErrAbsent) {
		t.Fatalf("rejected key visible: err = %v, want ErrAbsent", err)
	}
}

func TestStore_QuotasAreIndependent(t *testing.T) {
	s := newTestStore(t, Options{SyncedQuota: 32, LocalQuota: 4096})
	ctx := context.Background()

	payload := string(make([]byte, 128))
	if err := s.Set(ctx, "k", ScopeSynced, payload, "test"); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("synced Set error = %v, want ErrQuotaExceeded", err)
	}
	if err := s.Set(ctx, "k", ScopeLocal, payload, "test"); err != nil {
		t.Fatalf("local Set error = %v, want nil", err)
	}
}

func TestStore_ChangeRecordPerCommit(t *testing.T) {
	s := newTestStore(t, Options{})
	sub := s.Listen(ScopeLocal, nil)
	defer s.Unlisten(sub)

	mustSet(t, s, "color", ScopeLocal, "blue")
	mustSet(t, s, "color", ScopeLocal, "green")

	// Local-origin records are delivered before Set returns.
	first := <-sub.Ch()
	if first.OldValue != nil || string(first.NewValue) != `"blue"` {
		t.Fatalf("first record = %+v, want absent -> blue", first)
	}
	if first.Cause != CauseLocal {
		t.Fatalf("Cause = %s, want %s", first.Cause, CauseLocal)
	}
	second := <-sub.Ch()
	if string(second.OldValue) != `"blue"` || string(second.NewValue) != `"green"` {
		t.Fatalf("second record = %+v, want blue -> green", second)
	}

	select {
	case extra := <-sub.Ch():
		t.Fatalf("unexpected extra record: %+v", extra)
	default:
	}
}

func TestStore_ListenerFilter(t *testing.T) {
	s := newTestStore(t, Options{})
	sub := s.Listen(ScopeLocal, func(r ChangeRecord) bool { return r.Key == "wanted" })
	defer s.Unlisten(sub)

	mustSet(t, s, "other", ScopeLocal, 1)
	mustSet(t, s, "wanted", ScopeLocal, 2)

	rec := <-sub.Ch()
	if rec.Key != "wanted" {
		t.Fatalf("record key = %s, want wanted", rec.Key)
	}
}

func TestStore_UnlistenReleasesBlockedWriter(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()
	sub := s.Listen(ScopeLocal, nil)

	// Fill the subscription's buffer without draining it.
	for i := 0; i < listenerBuffer; i++ {
		mustSet(t, s, "k", ScopeLocal, i)
	}

	// The next write parks on the full channel.
	done := make(chan error, 1)
	go func() { done <- s.Set(ctx, "k", ScopeLocal, "overflow", "test") }()
	select {
	case err := <-done:
		t.Fatalf("Set returned with a full, undrained listener: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	// Unsubscribing must release the writer, not crash it.
	s.Unlisten(sub)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Set after Unlisten error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Set still blocked after Unlisten")
	}

	s.Unlisten(sub) // idempotent
	mustSet(t, s, "k", ScopeLocal, "after")
}

func TestStore_ConcurrentSetsRespectQuota(t *testing.T) {
	s := newTestStore(t, Options{LocalQuota: 300})
	ctx := context.Background()
	payload := strings.Repeat("x", 100) // 104 bytes per entry with a 2-byte key

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		rejects   int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.Set(ctx, fmt.Sprintf("k%d", i), ScopeLocal, payload, "test")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrQuotaExceeded):
				rejects++
			default:
				t.Errorf("Set(k%d) error = %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	// Exactly two entries fit under the ceiling, no matter how the
	// writers interleave.
	if successes != 2 || rejects != 6 {
		t.Fatalf("successes = %d, rejects = %d, want 2 and 6", successes, rejects)
	}
	if got := s.Usage(ScopeLocal); got > 300 {
		t.Fatalf("Usage = %d, exceeds quota 300", got)
	}
}

func TestStore_RemoveAbsentIsNoOp(t *testing.T) {
	s := newTestStore(t, Options{})
	sub := s.Listen(ScopeLocal, nil)
	defer s.Unlisten(sub)

	if err := s.Remove(context.Background(), "ghost", ScopeLocal, "test"); err != nil {
		t.Fatalf("Remove(absent) error = %v", err)
	}
	select {
	case rec := <-sub.Ch():
		t.Fatalf("no-op remove emitted record: %+v", rec)
	default:
	}
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	ctx := context.Background()

	s, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	mustSet(t, s, "color", ScopeSynced, "blue")
	writerID := s.WriterID()
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	s2, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer s2.Close()

	got, err := s2.Get(ctx, "color", ScopeSynced)
	if err != nil {
		t.Fatalf("Get after reopen error = %v", err)
	}
	if string(got) != `"blue"` {
		t.Fatalf("Get after reopen = %s, want %q", got, `"blue"`)
	}
	if s2.WriterID() != writerID {
		t.Fatalf("WriterID changed across reopen: %s != %s", s2.WriterID(), writerID)
	}

	ops, err := s2.PendingOps(ctx)
	if err != nil {
		t.Fatalf("PendingOps() error = %v", err)
	}
	if len(ops) != 1 {
		t.Fatalf("pending ops after reopen = %d, want 1", len(ops))
	}
}

func TestStore_PendingOpsCollapsePerKey(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	mustSet(t, s, "color", ScopeSynced, "red")
	mustSet(t, s, "color", ScopeSynced, "green")
	mustSet(t, s, "color", ScopeSynced, "blue")
	mustSet(t, s, "size", ScopeSynced, 10)

	ops, err := s.PendingOps(ctx)
	if err != nil {
		t.Fatalf("PendingOps() error = %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("pending ops = %d, want 2 (collapsed per key)", len(ops))
	}
	if ops[0].Key != "color" || string(ops[0].Value) != `"blue"` {
		t.Fatalf("collapsed op = %+v, want latest color value", ops[0])
	}
}

func TestStore_AckPendingLamportGuard(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	mustSet(t, s, "color", ScopeSynced, "red")
	ops, err := s.PendingOps(ctx)
	if err != nil || len(ops) != 1 {
		t.Fatalf("PendingOps() = %v, %v", ops, err)
	}
	stale := ops[0].Lamport

	// A newer write lands between push and ack.
	mustSet(t, s, "color", ScopeSynced, "green")

	if err := s.AckPending(ctx, "color", stale); err != nil {
		t.Fatalf("AckPending() error = %v", err)
	}
	ops, err = s.PendingOps(ctx)
	if err != nil {
		t.Fatalf("PendingOps() error = %v", err)
	}
	if len(ops) != 1 || string(ops[0].Value) != `"green"` {
		t.Fatalf("newer op lost to stale ack: %+v", ops)
	}
}

func TestStore_ApplyRemoteLastWriteWins(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()
	sub := s.Listen(ScopeSynced, nil)
	defer s.Unlisten(sub)

	mustSet(t, s, "color", ScopeSynced, "local")
	<-sub.Ch()

	entry, err := s.GetEntry(ctx, "color", ScopeSynced)
	if err != nil {
		t.Fatalf("GetEntry() error = %v", err)
	}

	// Older remote write loses; local value stands, nothing is emitted.
	applied, err := s.ApplyRemote(ctx, SyncOp{
		Key: "color", Value: []byte(`"stale"`), Lamport: entry.Lamport - 1, Writer: "zz-remote",
	})
	if err != nil {
		t.Fatalf("ApplyRemote(stale) error = %v", err)
	}
	if applied {
		t.Fatal("stale remote write applied, want rejected")
	}

	// Newer remote write wins and emits a remote-cause record.
	applied, err = s.ApplyRemote(ctx, SyncOp{
		Key: "color", Value: []byte(`"remote"`), Lamport: entry.Lamport + 5, Writer: "zz-remote",
	})
	if err != nil {
		t.Fatalf("ApplyRemote(newer) error = %v", err)
	}
	if !applied {
		t.Fatal("newer remote write rejected, want applied")
	}
	rec := <-sub.Ch()
	if rec.Cause != CauseRemote || string(rec.NewValue) != `"remote"` {
		t.Fatalf("remote record = %+v", rec)
	}

	got, err := s.Get(ctx, "color", ScopeSynced)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != `"remote"` {
		t.Fatalf("final value = %s, want %q", got, `"remote"`)
	}

	// The witnessed timestamp pushes the local clock forward.
	mustSet(t, s, "color", ScopeSynced, "after")
	entry, err = s.GetEntry(ctx, "color", ScopeSynced)
	if err != nil {
		t.Fatalf("GetEntry() error = %v", err)
	}
	if entry.Lamport <= 6 {
		t.Fatalf("Lamport after witnessed remote = %d, want > 6", entry.Lamport)
	}
}

func TestStore_ApplyRemoteEqualTimestampsTieBreakOnWriter(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	op := SyncOp{Key: "k", Value: []byte(`"a"`), Lamport: 7, Writer: "writer-b"}
	if applied, err := s.ApplyRemote(ctx, op); err != nil || !applied {
		t.Fatalf("ApplyRemote(first) = %v, %v", applied, err)
	}

	// Same timestamp, lower writer ID: loses deterministically.
	lower := SyncOp{Key: "k", Value: []byte(`"b"`), Lamport: 7, Writer: "writer-a"}
	if applied, err := s.ApplyRemote(ctx, lower); err != nil || applied {
		t.Fatalf("ApplyRemote(lower writer) = %v, %v, want rejected", applied, err)
	}

	// Same timestamp, higher writer ID: wins.
	higher := SyncOp{Key: "k", Value: []byte(`"c"`), Lamport: 7, Writer: "writer-z"}
	if applied, err := s.ApplyRemote(ctx, higher); err != nil || !applied {
		t.Fatalf("ApplyRemote(higher writer) = %v, %v, want applied", applied, err)
	}
}

func TestStore_ApplyRemoteDeletion(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	mustSet(t, s, "color", ScopeSynced, "blue")
	entry, err := s.GetEntry(ctx, "color", ScopeSynced)
	if err != nil {
		t.Fatalf("GetEntry() error = %v", err)
	}

	applied, err := s.ApplyRemote(ctx, SyncOp{
		Key: "color", Deleted: true, Lamport: entry.Lamport + 1, Writer: "zz-remote",
	})
	if err != nil || !applied {
		t.Fatalf("ApplyRemote(delete) = %v, %v", applied, err)
	}
	if _, err := s.Get(ctx, "color", ScopeSynced); !errors.Is(err, ErrAbsent) {
		t.Fatalf("Get after remote delete error = %v, want ErrAbsent", err)
	}
}

type denyAllGate struct{}

func (denyAllGate) Check(name string) capability.Decision { return capability.Denied }

func TestStore_SyncedScopeRequiresCapability(t *testing.T) {
	s := newTestStore(t, Options{Gate: denyAllGate{}})
	ctx := context.Background()

	if err := s.Set(ctx, "k", ScopeSynced, "v", "test"); !errors.Is(err, capability.ErrCapabilityDenied) {
		t.Fatalf("synced Set error = %v, want ErrCapabilityDenied", err)
	}
	if _, err := s.Get(ctx, "k", ScopeSynced); !errors.Is(err, capability.ErrCapabilityDenied) {
		t.Fatalf("synced Get error = %v, want ErrCapabilityDenied", err)
	}
}

func TestStore_ClearEmitsPerKey(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()
	sub := s.Listen(ScopeLocal, nil)
	defer s.Unlisten(sub)

	mustSet(t, s, "a", ScopeLocal, 1)
	mustSet(t, s, "b", ScopeLocal, 2)
	<-sub.Ch()
	<-sub.Ch()

	if err := s.Clear(ctx, ScopeLocal, "test"); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	removed := map[string]bool{}
	for i := 0; i < 2; i++ {
		rec := <-sub.Ch()
		if rec.NewValue != nil {
			t.Fatalf("clear record has NewValue: %+v", rec)
		}
		removed[rec.Key] = true
	}
	if !removed["a"] || !removed["b"] {
		t.Fatalf("clear records = %v, want a and b", removed)
	}
	if s.Usage(ScopeLocal) != 0 {
		t.Fatalf("Usage after clear = %d, want 0", s.Usage(ScopeLocal))
	}
}
