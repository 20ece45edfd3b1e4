// Command extd runs the extension runtime daemon: it loads the manifest,
// opens the store, starts the message bus, and keeps the synced scope
// reconciled with the configured replica until interrupted.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"

	"github.com/basket/extcore/internal/bus"
	"github.com/basket/extcore/internal/capability"
	"github.com/basket/extcore/internal/config"
	"github.com/basket/extcore/internal/manifest"
	"github.com/basket/extcore/internal/otel"
	"github.com/basket/extcore/internal/registry"
	"github.com/basket/extcore/internal/store"
	"github.com/basket/extcore/internal/syncer"
	"github.com/basket/extcore/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "extd:", err)
		os.Exit(1)
	}
}

func run() error {
	homeDir := flag.String("home", "", "runtime home directory (default ~/.extcore)")
	quiet := flag.Bool("quiet", false, "log to file only, not stdout")
	flag.Parse()

	cfg, err := config.Load(*homeDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return fmt.Errorf("create home dir: %w", err)
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, *quiet)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := otel.Init(ctx, cfg.Otel)
	if err != nil {
		return err
	}
	defer func() { _ = provider.Shutdown(context.Background()) }()
	metrics, err := otel.NewMetrics(provider.Meter)
	if err != nil {
		return err
	}

	mf, err := manifest.Load(cfg.ManifestPath)
	if err != nil {
		return err
	}
	logger.Info("manifest loaded", "name", mf.Name, "version", mf.Version,
		"capabilities", len(mf.Capabilities), "optional", len(mf.OptionalCapabilities))

	gate, err := capability.New(mf.Capabilities, mf.OptionalCapabilities,
		newPrompter(), cfg.GrantsPath, logger)
	if err != nil {
		return err
	}
	if err := gate.WatchGrants(ctx, logger); err != nil {
		logger.Warn("grants watcher unavailable, external revocation disabled", "error", err)
	}

	st, err := store.Open(cfg.Store.Path, store.Options{
		Gate:        gate,
		Logger:      logger,
		Metrics:     metrics,
		LocalQuota:  cfg.Store.LocalQuotaBytes,
		SyncedQuota: cfg.Store.SyncedQuotaBytes,
	})
	if err != nil {
		return err
	}
	defer st.Close()
	logger.Info("store opened", "path", cfg.Store.Path, "writer_id", st.WriterID())

	reg := registry.New(logger)
	msgBus := bus.New(bus.Config{
		Registry:       reg,
		Gate:           gate,
		Logger:         logger,
		Metrics:        metrics,
		DefaultTimeout: cfg.RequestTimeout(),
		InboxBuffer:    cfg.Bus.InboxBuffer,
	})

	if mf.Background != nil {
		bg, err := reg.Register(registry.Context{Kind: registry.KindBackground})
		if err != nil {
			return err
		}
		// Answer pings out of the box; extension logic attaches richer
		// handlers through the bus API.
		handler := func(hctx context.Context, msg bus.Message) {
			logger.Debug("background message", "id", msg.ID, "kind", msg.Kind, "from", msg.From)
			if msg.Kind == bus.KindRequest {
				if err := msgBus.Reply(bg.InstanceID, msg, msg.Payload); err != nil {
					logger.Warn("background reply failed", "id", msg.ID, "error", err)
				}
			}
		}
		if err := msgBus.Subscribe(bg.InstanceID, handler); err != nil {
			return err
		}
		if err := reg.Activate(bg.InstanceID); err != nil {
			return err
		}
		logger.Info("background context active",
			"instance_id", bg.InstanceID, "entry", mf.Background.Entry)
	}

	var coord *syncer.Coordinator
	if cfg.Sync.Enabled {
		remote := syncer.NewWSRemote(cfg.Sync.URL, st.WriterID(), logger)
		defer remote.Close()
		coord, err = syncer.New(syncer.Config{
			Store:       st,
			Remote:      remote,
			Gate:        gate,
			Logger:      logger,
			Metrics:     metrics,
			Schedule:    cfg.Sync.Schedule,
			MaxAttempts: cfg.Sync.MaxAttempts,
		})
		if err != nil {
			return err
		}
		coord.Start(ctx)
		defer coord.Stop()
	}

	err = config.Watch(ctx, cfg.HomeDir, logger, func(next config.Config) {
		// Quotas and timeouts bind at startup; the reload only affects
		// settings read on demand. Logged so operators see what applied.
		logger.Info("runtime config updated", "log_level", next.LogLevel)
	})
	if err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	}

	logger.Info("extd ready", "home", cfg.HomeDir, "sync", cfg.Sync.Enabled)
	<-ctx.Done()
	logger.Info("shutdown signal received")
	return nil
}

// newPrompter builds the optional-capability prompter: interactive on a
// terminal, deny-by-default otherwise. A denied decision is recorded and
// never re-asked until revoked.
func newPrompter() capability.Prompter {
	if !isatty.IsTerminal(os.Stdin.Fd()) {
		return capability.PrompterFunc(func(ctx context.Context, name string) (bool, error) {
			return false, nil
		})
	}
	reader := bufio.NewReader(os.Stdin)
	return capability.PrompterFunc(func(ctx context.Context, name string) (bool, error) {
		fmt.Printf("Allow optional capability %q? [y/N]: ", name)
		line, err := reader.ReadString('\n')
		if err != nil {
			return false, err
		}
		answer := strings.ToLower(strings.TrimSpace(line))
		return answer == "y" || answer == "yes", nil
	})
}
