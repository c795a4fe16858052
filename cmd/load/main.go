package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	vh "github.com/tckz/vegetahelper"
	vegeta "github.com/tsenart/vegeta/v12/lib"
	"go.uber.org/zap"

	"github.com/astromechza/counter-sync/internal/config"
	"github.com/astromechza/counter-sync/internal/log"
	"github.com/astromechza/counter-sync/pkg/remote"
	"github.com/astromechza/counter-sync/pkg/store"
)

var (
	myName  = filepath.Base(os.Args[0])
	version string
)

var (
	optRate = &vh.RateFlag{
		Rate: &vegeta.Rate{
			Freq: 30,
			Per:  1 * time.Second,
		}}
	optDuration = flag.Duration("duration", 10*time.Second, "Duration of the test [0 = forever]")
	optWorkers  = flag.Uint64("workers", vegeta.DefaultWorkers, "Number of workers")
	optLogLevel = flag.String("log-level", "info", "info|warn|error")
	optAddr     = flag.String("addr", "", "server address; empty adjusts the configured store in-process")
	optConfig   = flag.String("config", "", "path to a yaml config file, used when --addr is empty")
	optCounter  = flag.String("counter", "client", "counter to adjust")
	optDelta    = flag.Int64("delta", 1, "delta applied by every hit")
)

func main() {
	if err := mainInner(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	_ = godotenv.Load()
	flag.Var(optRate, "rate", "Number of requests per time unit")
	flag.Parse()

	zl, err := log.NewLogger(log.WithLogLevel(*optLogLevel), log.WithApp(myName))
	if err != nil {
		return err
	}
	defer zl.Sync()
	logger := zl.Sugar()
	logger.Infof("ver=%s, args=%s", version, os.Args)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, closeFn, err := openService(ctx, zl)
	if err != nil {
		return err
	}
	defer closeFn()

	initial, err := svc.FetchCurrent(ctx, *optCounter)
	if err != nil {
		return fmt.Errorf("failed to read initial value: %w", err)
	}

	var applied int64
	atk := vh.NewAttacker(func(ctx context.Context) (*vh.HitResult, error) {
		if _, err := svc.ApplyDelta(ctx, *optCounter, *optDelta); err != nil {
			return nil, err
		}
		atomic.AddInt64(&applied, 1)
		return nil, nil
	}, vh.WithWorkers(*optWorkers))
	res := atk.Attack(ctx, *optRate.Rate, *optDuration, "adjust")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	var metrics vegeta.Metrics
loop:
	for {
		select {
		case s := <-sig:
			logger.Infof("Received signal: %s", s)
			cancel()
			// keep loop until 'res' is closed.
		case r, ok := <-res:
			if !ok {
				break loop
			}
			metrics.Add(r)
		}
	}
	metrics.Close()
	if err := vegeta.NewTextReporter(&metrics).Report(os.Stdout); err != nil {
		logger.Errorw("failed to report", zap.Error(err))
	}

	final, err := svc.FetchCurrent(context.Background(), *optCounter)
	if err != nil {
		return fmt.Errorf("failed to read final value: %w", err)
	}
	hits := atomic.LoadInt64(&applied)
	expected := initial + hits*(*optDelta)
	logger.Infow("verified", "counter", *optCounter, "initial", initial, "applied", hits, "final", final, "expected", expected)
	if final != expected {
		return fmt.Errorf("counter %q ended at %d, expected %d: concurrent writers or lost updates", *optCounter, final, expected)
	}
	return nil
}

// openService targets the server at --addr, or the configured store directly.
func openService(ctx context.Context, zl *zap.Logger) (remote.Service, func(), error) {
	if *optAddr != "" {
		c, err := remote.NewClient("http://" + *optAddr)
		if err != nil {
			return nil, nil, err
		}
		return c, func() {}, nil
	}
	cfg, err := config.ReadYAML(*optConfig)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.LoadEnvironmentVariables(); err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	st, err := store.Open(ctx, cfg.Store, cfg.Counters, zl)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open store: %w", err)
	}
	return remote.NewLocal(st, remote.WithLocalLogger(zl)), func() {
		if err := st.Close(); err != nil {
			zl.Error("failed to close store", zap.Error(err))
		}
	}, nil
}
