package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lazypower/spiralmem/internal/bus"
	"github.com/lazypower/spiralmem/internal/config"
	"github.com/lazypower/spiralmem/internal/engine"
	"github.com/lazypower/spiralmem/internal/journal"
	"github.com/lazypower/spiralmem/internal/server"
	"github.com/lazypower/spiralmem/internal/store"
	"github.com/spf13/cobra"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP inspection API over an in-memory store",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Listen port (overrides config)")
}

// runtimeDeps is the wired store stack shared by serve and recall.
type runtimeDeps struct {
	cfg     config.Config
	bus     *bus.Bus
	store   *store.Store
	engine  *engine.Engine
	journal *journal.DB
}

func (d *runtimeDeps) Close() {
	d.engine.Stop()
	if d.journal != nil {
		d.journal.Detach(d.bus)
		d.journal.Close()
	}
}

// buildRuntime wires bus, store, engine and (optionally) journal from cfg.
func buildRuntime(cfg config.Config, withJournal bool) (*runtimeDeps, error) {
	b := bus.New()

	var jr *journal.DB
	if withJournal && cfg.Journal.Path != "" {
		var err error
		jr, err = journal.Open(cfg.Journal.Path)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		jr.Attach(b)
	}

	st, err := store.New(cfg.StoreConfig(), b)
	if err != nil {
		if jr != nil {
			jr.Close()
		}
		return nil, err
	}

	eng := engine.New(st, b, engine.Config{
		Interval:  cfg.Maintenance.Interval,
		Prefilter: cfg.Maintenance.Prefilter,
	})
	return &runtimeDeps{cfg: cfg, bus: b, store: st, engine: eng, journal: jr}, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if servePort > 0 {
		cfg.Server.Port = servePort
	}

	deps, err := buildRuntime(cfg, true)
	if err != nil {
		return err
	}
	defer deps.Close()

	deps.engine.StartMaintenance()

	srv := server.New(deps.engine, deps.journal, VersionString())
	addr := cfg.ListenAddr()

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "spiralmem serving on %s\n", addr)
		fmt.Fprintf(os.Stderr, "  capacity: %d, step: %g, threshold: %g\n",
			cfg.Store.Capacity, cfg.Store.Step, cfg.Store.Threshold)
		if deps.journal != nil {
			fmt.Fprintf(os.Stderr, "  journal: %s\n", deps.journal.Path)
		}
		if cfg.Maintenance.Interval > 0 {
			fmt.Fprintf(os.Stderr, "  maintenance: every %s\n", cfg.Maintenance.Interval)
		}
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-done:
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
	fmt.Fprintln(os.Stderr, "\nshutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return httpServer.Shutdown(ctx)
}
