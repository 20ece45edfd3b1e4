package capability

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Prompter surfaces a user decision for an optional capability. The host
// platform provides the implementation; the gate guarantees it is asked at
// most once per name until the grant is revoked.
type Prompter interface {
	Prompt(ctx context.Context, name string) (bool, error)
}

// PrompterFunc adapts a function to the Prompter interface.
type PrompterFunc func(ctx context.Context, name string) (bool, error)

func (f PrompterFunc) Prompt(ctx context.Context, name string) (bool, error) {
	return f(ctx, name)
}

// Gate evaluates capability checks. Declared capabilities are granted at
// startup and cached for the process lifetime. Optional capabilities are
// read fresh on every check because revocation can happen externally at
// any time (the grants file is watched and reloaded).
type Gate struct {
	declared map[string]struct{} // immutable after New

	mu        sync.RWMutex
	optional  map[string]GrantState
	prompting map[string]chan struct{} // in-flight prompts per name

	prompter   Prompter
	grantsPath string // empty = no persistence
	logger     *slog.Logger
}

// New builds a Gate from the manifest's declared and optional capability
// lists. Previously persisted optional grants are loaded from grantsPath.
func New(declared, optional []string, prompter Prompter, grantsPath string, logger *slog.Logger) (*Gate, error) {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gate{
		declared:   make(map[string]struct{}, len(declared)),
		optional:   make(map[string]GrantState, len(optional)),
		prompting:  make(map[string]chan struct{}),
		prompter:   prompter,
		grantsPath: grantsPath,
		logger:     logger,
	}
	for _, name := range declared {
		name = strings.ToLower(strings.TrimSpace(name))
		if err := ValidateName(name); err != nil {
			return nil, fmt.Errorf("declared capability: %w", err)
		}
		g.declared[name] = struct{}{}
	}
	for _, name := range optional {
		name = strings.ToLower(strings.TrimSpace(name))
		if err := ValidateName(name); err != nil {
			return nil, fmt.Errorf("optional capability: %w", err)
		}
		if _, dup := g.declared[name]; dup {
			return nil, fmt.Errorf("capability %q both declared and optional", name)
		}
		g.optional[name] = GrantUnasked
	}
	if grantsPath != "" {
		if err := g.reloadGrants(); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// Check evaluates a capability name. Declared names answer from the
// startup cache; optional names answer from current grant state, never a
// cached copy of a previous call.
func (g *Gate) Check(name string) Decision {
	name = strings.ToLower(strings.TrimSpace(name))
	if _, ok := g.declared[name]; ok {
		return Granted
	}
	g.mu.RLock()
	state, ok := g.optional[name]
	g.mu.RUnlock()
	if ok && state == GrantGranted {
		return Granted
	}
	return Denied
}

// State reports the grant state of an optional capability.
func (g *Gate) State(name string) (GrantState, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	g.mu.RLock()
	defer g.mu.RUnlock()
	state, ok := g.optional[name]
	return state, ok
}

// RequestOptional drives a user decision for an optional capability.
// An already-decided name returns its recorded decision without
// re-prompting; an unasked name prompts exactly once, even under
// concurrent requests. Revocation resets the name to unasked, after
// which it may be asked again.
func (g *Gate) RequestOptional(ctx context.Context, name string) (Decision, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if _, ok := g.declared[name]; ok {
		return Granted, nil
	}

	for {
		g.mu.Lock()
		state, known := g.optional[name]
		if !known {
			g.mu.Unlock()
			return Denied, fmt.Errorf("capability %q not in optional set", name)
		}
		switch state {
		case GrantGranted:
			g.mu.Unlock()
			return Granted, nil
		case GrantDenied:
			g.mu.Unlock()
			return Denied, nil
		}
		// Unasked. If another request is already prompting, wait for it.
		if done, inFlight := g.prompting[name]; inFlight {
			g.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return Denied, ctx.Err()
			}
		}
		done := make(chan struct{})
		g.prompting[name] = done
		g.mu.Unlock()

		granted, err := g.prompt(ctx, name)

		g.mu.Lock()
		delete(g.prompting, name)
		close(done)
		if err != nil {
			g.mu.Unlock()
			return Denied, err
		}
		if granted {
			g.optional[name] = GrantGranted
		} else {
			g.optional[name] = GrantDenied
		}
		persistErr := g.persistGrantsLocked()
		g.mu.Unlock()

		if persistErr != nil {
			g.logger.Warn("failed to persist capability grants", "error", persistErr)
		}
		g.logger.Info("optional capability decided", "capability", name, "granted", granted)
		if granted {
			return Granted, nil
		}
		return Denied, nil
	}
}

func (g *Gate) prompt(ctx context.Context, name string) (bool, error) {
	if g.prompter == nil {
		return false, nil
	}
	granted, err := g.prompter.Prompt(ctx, name)
	if err != nil {
		return false, fmt.Errorf("prompt for %q: %w", name, err)
	}
	return granted, nil
}

// Revoke withdraws an optional grant, returning the name to unasked so a
// later RequestOptional may prompt again. Used by the grants watcher and
// by host-initiated revocation.
func (g *Gate) Revoke(name string) error {
	name = strings.ToLower(strings.TrimSpace(name))
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.optional[name]; !ok {
		return fmt.Errorf("capability %q not in optional set", name)
	}
	g.optional[name] = GrantUnasked
	if err := g.persistGrantsLocked(); err != nil {
		return err
	}
	g.logger.Info("optional capability revoked", "capability", name)
	return nil
}

// grantsFile is the persisted optional-grant map.
type grantsFile struct {
	Grants map[string]GrantState `yaml:"grants"`
}

// reloadGrants replaces optional grant states from the grants file.
// Names absent from the file revert to unasked; unknown names are ignored.
func (g *Gate) reloadGrants() error {
	data, err := os.ReadFile(g.grantsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read grants: %w", err)
	}
	var gf grantsFile
	if err := yaml.Unmarshal(data, &gf); err != nil {
		return fmt.Errorf("parse grants: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for name := range g.optional {
		state, ok := gf.Grants[name]
		if !ok {
			g.optional[name] = GrantUnasked
			continue
		}
		switch state {
		case GrantGranted, GrantDenied, GrantUnasked:
			g.optional[name] = state
		default:
			g.logger.Warn("ignoring invalid grant state", "capability", name, "state", state)
		}
	}
	return nil
}

func (g *Gate) persistGrantsLocked() error {
	if g.grantsPath == "" {
		return nil
	}
	gf := grantsFile{Grants: make(map[string]GrantState, len(g.optional))}
	for name, state := range g.optional {
		if state != GrantUnasked {
			gf.Grants[name] = state
		}
	}
	out, err := yaml.Marshal(&gf)
	if err != nil {
		return fmt.Errorf("marshal grants: %w", err)
	}
	return os.WriteFile(g.grantsPath, out, 0o644)
}
