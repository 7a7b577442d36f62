package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/EchoPBX/echopbx-kernel/internal/audit"
	"github.com/EchoPBX/echopbx-kernel/internal/builtin"
	"github.com/EchoPBX/echopbx-kernel/internal/config"
	"github.com/EchoPBX/echopbx-kernel/internal/events"
	"github.com/EchoPBX/echopbx-kernel/internal/httpserver"
	"github.com/EchoPBX/echopbx-kernel/internal/loader"
	"github.com/EchoPBX/echopbx-kernel/internal/logging"
	"github.com/EchoPBX/echopbx-kernel/internal/plugins"
	"github.com/EchoPBX/echopbx-kernel/internal/reloader"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the kernel and its HTTP API",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, path, err := loadConfig()
	if err != nil {
		return err
	}

	logger := logging.New(logging.Cfg{
		Level: cfg.Logging.Level,
		JSON:  cfg.Logging.JSON,
	})
	defer logger.Sync()

	fmt.Fprintln(cmd.OutOrStdout(), banner(path))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	busOpts := []events.Option{
		events.WithLogger(logger),
		events.WithLogCapacity(cfg.Events.LogCapacity),
		events.WithMaxDepth(cfg.Events.MaxDepth),
	}
	var srvOpts []httpserver.Option
	if cfg.Events.AuditDB != "" {
		store, err := audit.Open(cfg.Events.AuditDB)
		if err != nil {
			return err
		}
		defer store.Close()
		busOpts = append(busOpts, events.WithSink(store))
		srvOpts = append(srvOpts, httpserver.WithAudit(store))
		logger.Info("audit log enabled", zap.String("db", store.Path()))
	}
	bus := events.NewBus(busOpts...)

	mgr := plugins.NewManager(cfg, logger, bus, loader.New(logger, cfg.Plugins.Dir))
	if err := builtin.RegisterAll(mgr, cfg.Plugins.Builtin); err != nil {
		return err
	}
	if cfg.Plugins.Manifest != "" {
		n, err := mgr.LoadManifest(ctx, cfg.Plugins.Manifest)
		if err != nil {
			logger.Warn("plugin manifest not loaded", zap.String("path", cfg.Plugins.Manifest), zap.Error(err))
		} else {
			logger.Info("plugin manifest loaded", zap.Int("plugins", n))
		}
	}

	srv := httpserver.New(cfg, logger, mgr, srvOpts...)

	if cfg.Plugins.Watch {
		w, err := reloader.NewWatcher(logger, cfg.Plugins.Dir, func(ctx context.Context, p string) {
			if n := mgr.ReloadSource(ctx, p); n > 0 {
				logger.Info("plugins hot reloaded", zap.String("path", p), zap.Int("instances", n))
			}
		})
		if err != nil {
			return err
		}
		if err := w.Start(ctx); err != nil {
			logger.Warn("plugin watcher not started", zap.Error(err))
		}
		defer w.Stop()
	}

	// Hot reload con SIGHUP
	reloader.OnSIGHUP(ctx, func() {
		newCfg, err := config.Load(path)
		if err != nil {
			logger.Warn("config reload failed", zap.Error(err))
			return
		}
		srv.Reload(newCfg)
		if newCfg.Plugins.Manifest != "" {
			mgr.Reload(ctx, newCfg.Plugins.Manifest)
		}
		logger.Info("reloaded config and plugins")
	})

	addr := fmt.Sprintf("%s:%d", cfg.HTTP.Bind, cfg.HTTP.Port)
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listening", zap.String("addr", addr), zap.Bool("tls", cfg.HTTP.TLS.Enabled))
		var err error
		if cfg.HTTP.TLS.Enabled {
			err = httpSrv.ListenAndServeTLS(cfg.HTTP.TLS.Cert, cfg.HTTP.TLS.Key)
		} else {
			err = httpSrv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error("http server failed", zap.Error(err))
		mgr.Shutdown()
		return err
	}

	logger.Info("shutting down...")
	ctxTimeout, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = httpSrv.Shutdown(ctxTimeout)
	mgr.Shutdown()
	logger.Info("bye")
	return nil
}
