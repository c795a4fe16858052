package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/astromechza/counter-sync/internal/config"
	"github.com/astromechza/counter-sync/internal/log"
	"github.com/astromechza/counter-sync/pkg/remote"
	"github.com/astromechza/counter-sync/pkg/store"
	"github.com/astromechza/counter-sync/pkg/viz"
)

var myName = filepath.Base(os.Args[0])

func main() {
	if err := mainInner(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	_ = godotenv.Load()

	configFlag := flag.String("config", "", "path to a yaml config file")
	addrFlag := flag.String("addr", "", "the address to listen on")
	backendFlag := flag.String("backend", "", "memory|sqlite|redis|automerge|datastore")
	logLevelFlag := flag.String("log-level", "", "debug|info|warn|error")
	flag.Parse()

	cfg, err := config.ReadYAML(*configFlag)
	if err != nil {
		return err
	}
	if err := cfg.LoadEnvironmentVariables(); err != nil {
		return err
	}
	if *addrFlag != "" {
		cfg.Addr = *addrFlag
	}
	if *backendFlag != "" {
		cfg.Store.Backend = *backendFlag
	}
	if *logLevelFlag != "" {
		cfg.LogLevel = *logLevelFlag
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	zl, err := log.NewLogger(log.WithLogLevel(cfg.LogLevel), log.WithApp(myName))
	if err != nil {
		return err
	}
	defer zl.Sync()
	logger := zl.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.Store, cfg.Counters, zl)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Errorw("failed to close store", zap.Error(err))
		}
	}()

	srv := remote.NewServer(st, remote.WithServerLogger(zl), remote.WithIdempotencyTTL(cfg.IdempotencyTTL))
	httpServer := &http.Server{Addr: cfg.Addr, Handler: srv.Handler()}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		logger.Infow("listening", "addr", cfg.Addr, "backend", cfg.Store.Backend, "counters", cfg.Counters)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server listen failed: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		logger.Infow("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	if err := eg.Wait(); err != nil {
		return err
	}

	if am, ok := st.(*store.Automerge); ok {
		renderHistory(am, cfg, logger)
	}
	return nil
}

func renderHistory(am *store.Automerge, cfg config.Config, logger *zap.SugaredLogger) {
	dir := cfg.RenderHistory
	if dir == "" {
		dir = os.TempDir()
	}
	doc, err := am.History()
	if err != nil {
		logger.Errorw("failed to fork history", zap.Error(err))
		return
	}
	for _, name := range cfg.Counters {
		out := filepath.Join(dir, name+".svg")
		if err := viz.RenderCounterToSvg(doc, name, out); err != nil {
			logger.Errorw("failed to render", "counter", name, zap.Error(err))
			continue
		}
		logger.Infow("rendered", "counter", name, "path", "file://"+out)
	}
}
