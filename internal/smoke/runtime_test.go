// Package smoke wires the full runtime together in-process and runs the
// canonical extension scenarios end to end.
package smoke

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/extcore/internal/bus"
	"github.com/basket/extcore/internal/capability"
	"github.com/basket/extcore/internal/manifest"
	"github.com/basket/extcore/internal/registry"
	"github.com/basket/extcore/internal/store"
	"github.com/basket/extcore/internal/syncer"
)

const testManifest = `{
	"name": "color-picker",
	"version": "0.1.0",
	"capabilities": ["messaging", "storage", "storage.sync"],
	"optional_capabilities": ["tabs"],
	"background": {"entry": "background.js"},
	"content_scripts": [
		{"matches": ["https://*.example.com/*"], "entry": "content.js"}
	]
}`

type runtime struct {
	reg   *registry.Registry
	bus   *bus.Bus
	store *store.Store
	gate  *capability.Gate
	mf    *manifest.Manifest
}

func newRuntime(t *testing.T, prompter capability.Prompter) *runtime {
	t.Helper()
	dir := t.TempDir()

	mf, err := manifest.Parse([]byte(testManifest))
	if err != nil {
		t.Fatalf("parse manifest: %v", err)
	}
	gate, err := capability.New(mf.Capabilities, mf.OptionalCapabilities,
		prompter, filepath.Join(dir, "grants.yaml"), nil)
	if err != nil {
		t.Fatalf("build gate: %v", err)
	}
	st, err := store.Open(filepath.Join(dir, "extcore.db"), store.Options{Gate: gate})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	reg := registry.New(nil)
	return &runtime{
		reg:   reg,
		bus:   bus.New(bus.Config{Registry: reg, Gate: gate, DefaultTimeout: 5 * time.Second}),
		store: st,
		gate:  gate,
		mf:    mf,
	}
}

func (rt *runtime) activate(t *testing.T, c registry.Context, handler bus.Handler) registry.Context {
	t.Helper()
	got, err := rt.reg.Register(c)
	if err != nil {
		t.Fatalf("register %s: %v", c.Kind, err)
	}
	if handler != nil {
		if err := rt.bus.Subscribe(got.InstanceID, handler); err != nil {
			t.Fatalf("subscribe %s: %v", c.Kind, err)
		}
	}
	if err := rt.reg.Activate(got.InstanceID); err != nil {
		t.Fatalf("activate %s: %v", c.Kind, err)
	}
	return got
}

// The canonical round trip: a popup asks the background to change the
// color, the background persists it to the synced scope and replies, and
// the new value is durable and queued for sync.
func TestSmoke_ChangeColorRoundTrip(t *testing.T) {
	rt := newRuntime(t, nil)
	ctx := context.Background()

	var bgID string
	bg := rt.activate(t, registry.Context{Kind: registry.KindBackground},
		func(hctx context.Context, msg bus.Message) {
			if msg.Kind != bus.KindRequest {
				return
			}
			color, _ := msg.Payload.(string)
			if err := rt.store.Set(hctx, "savedColor", store.ScopeSynced, color, bgID); err != nil {
				_ = rt.bus.Reply(bgID, msg, "error: "+err.Error())
				return
			}
			_ = rt.bus.Reply(bgID, msg, "ok")
		})
	bgID = bg.InstanceID

	ui := rt.activate(t, registry.Context{Kind: registry.KindUI, SurfaceID: "popup-1"}, nil)

	resp, err := rt.bus.Send(ctx, bus.NewRequest(ui.InstanceID, registry.Background(), "teal"))
	if err != nil {
		t.Fatalf("Send(changeColor) error = %v", err)
	}
	if resp.Payload != "ok" {
		t.Fatalf("response = %v, want ok", resp.Payload)
	}

	got, err := rt.store.Get(ctx, "savedColor", store.ScopeSynced)
	if err != nil {
		t.Fatalf("Get(savedColor) error = %v", err)
	}
	if string(got) != `"teal"` {
		t.Fatalf("savedColor = %s, want %q", got, `"teal"`)
	}

	ops, err := rt.store.PendingOps(ctx)
	if err != nil {
		t.Fatalf("PendingOps() error = %v", err)
	}
	if len(ops) != 1 || ops[0].Key != "savedColor" {
		t.Fatalf("pending ops = %+v, want one savedColor op", ops)
	}
}

// A page context learns about the color change through the store's
// change feed rather than a direct message.
func TestSmoke_PageObservesChangeViaListener(t *testing.T) {
	rt := newRuntime(t, nil)
	ctx := context.Background()

	sub := rt.store.Listen(store.ScopeSynced, func(r store.ChangeRecord) bool {
		return r.Key == "savedColor"
	})
	defer rt.store.Unlisten(sub)

	if err := rt.store.Set(ctx, "savedColor", store.ScopeSynced, "plum", "bg"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	rec := <-sub.Ch()
	if string(rec.NewValue) != `"plum"` || rec.Cause != store.CauseLocal {
		t.Fatalf("record = %+v", rec)
	}
}

type recordingRemote struct {
	mu     sync.Mutex
	pushed []store.SyncOp
}

func (r *recordingRemote) Push(ctx context.Context, op store.SyncOp) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushed = append(r.pushed, op)
	return nil
}

func (r *recordingRemote) Pull(ctx context.Context) ([]store.SyncOp, error) { return nil, nil }

func (r *recordingRemote) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pushed)
}

// The saved color reaches the replica and a remote update from another
// device flows back into the local store.
func TestSmoke_SyncedColorPropagates(t *testing.T) {
	rt := newRuntime(t, nil)
	ctx := context.Background()

	remote := &recordingRemote{}
	coord, err := syncer.New(syncer.Config{Store: rt.store, Remote: remote})
	if err != nil {
		t.Fatalf("syncer.New() error = %v", err)
	}

	if err := rt.store.Set(ctx, "savedColor", store.ScopeSynced, "teal", "bg"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := coord.Drain(ctx); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if remote.count() != 1 {
		t.Fatalf("pushed = %d, want 1", remote.count())
	}

	entry, err := rt.store.GetEntry(ctx, "savedColor", store.ScopeSynced)
	if err != nil {
		t.Fatalf("GetEntry() error = %v", err)
	}
	if err := coord.ApplyInbound(ctx, store.SyncOp{
		Key:     "savedColor",
		Value:   []byte(`"crimson"`),
		Lamport: entry.Lamport + 1,
		Writer:  "other-device",
	}); err != nil {
		t.Fatalf("ApplyInbound() error = %v", err)
	}

	got, err := rt.store.Get(ctx, "savedColor", store.ScopeSynced)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != `"crimson"` {
		t.Fatalf("savedColor = %s, want remote value", got)
	}
}

// Optional capability flow: denied until granted through a prompt, then
// usable, then revoked externally.
func TestSmoke_OptionalTabsCapabilityLifecycle(t *testing.T) {
	prompts := 0
	rt := newRuntime(t, capability.PrompterFunc(func(ctx context.Context, name string) (bool, error) {
		prompts++
		return true, nil
	}))
	ctx := context.Background()

	if rt.gate.Check(capability.Tabs) != capability.Denied {
		t.Fatal("tabs granted before any prompt")
	}

	decision, err := rt.gate.RequestOptional(ctx, capability.Tabs)
	if err != nil {
		t.Fatalf("RequestOptional() error = %v", err)
	}
	if decision != capability.Granted || prompts != 1 {
		t.Fatalf("decision = %v, prompts = %d", decision, prompts)
	}
	if rt.gate.Check(capability.Tabs) != capability.Granted {
		t.Fatal("tabs not granted after prompt")
	}

	// Repeat request answers from recorded state, no second prompt.
	if _, err := rt.gate.RequestOptional(ctx, capability.Tabs); err != nil {
		t.Fatalf("RequestOptional() again error = %v", err)
	}
	if prompts != 1 {
		t.Fatalf("prompts = %d, want 1", prompts)
	}

	if err := rt.gate.Revoke(capability.Tabs); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	if rt.gate.Check(capability.Tabs) != capability.Denied {
		t.Fatal("tabs still granted after revocation")
	}
}

// A popup that closes mid-request surfaces as unreachable to the caller,
// and a late reply from the background is discarded without error.
func TestSmoke_PopupClosesMidFlight(t *testing.T) {
	rt := newRuntime(t, nil)
	ctx := context.Background()

	requests := make(chan bus.Message, 1)
	var bgID string
	bg := rt.activate(t, registry.Context{Kind: registry.KindBackground},
		func(hctx context.Context, msg bus.Message) {
			if msg.Kind == bus.KindRequest {
				requests <- msg
			}
		})
	bgID = bg.InstanceID

	ui := rt.activate(t, registry.Context{Kind: registry.KindUI, SurfaceID: "popup-1"}, nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := rt.bus.Send(ctx, bus.NewRequest(ui.InstanceID, registry.Background(), "ping"))
		errCh <- err
	}()

	req := <-requests
	rt.reg.Deregister(bg.InstanceID)

	if err := <-errCh; !errors.Is(err, bus.ErrUnreachable) {
		t.Fatalf("Send() error = %v, want ErrUnreachable", err)
	}
	// The stale reply lands after the failure and is dropped silently.
	if err := rt.bus.Reply(bgID, req, "too late"); err != nil {
		t.Fatalf("late Reply() error = %v, want silent discard", err)
	}
}

// Content script match rules route a URL to the right scripts.
func TestSmoke_ManifestRoutesContentScripts(t *testing.T) {
	rt := newRuntime(t, nil)

	scripts := rt.mf.ScriptsFor("https://app.example.com/settings")
	if len(scripts) != 1 || scripts[0].Entry != "content.js" {
		t.Fatalf("ScriptsFor() = %+v", scripts)
	}
	if got := rt.mf.ScriptsFor("https://elsewhere.net/"); len(got) != 0 {
		t.Fatalf("ScriptsFor(elsewhere) = %+v, want none", got)
	}
}
