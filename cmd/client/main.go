package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/astromechza/counter-sync/internal/log"
	"github.com/astromechza/counter-sync/pkg/debounce"
	"github.com/astromechza/counter-sync/pkg/reconcile"
	"github.com/astromechza/counter-sync/pkg/remote"
	"github.com/astromechza/counter-sync/pkg/store"
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

	addrFlag := flag.String("addr", "127.0.0.1:8080", "the server address")
	counterFlag := flag.String("counter", "client", "the counter every session reconciles")
	policiesFlag := flag.String("policies", strings.Join(reconcile.PolicyNames, ","), "comma separated sessions to mount: "+strings.Join(reconcile.PolicyNames, "|"))
	quietFlag := flag.Duration("quiet", reconcile.DefaultQuiet, "quiet period of the debounced session")
	syncEveryFlag := flag.Duration("sync-every", 5*time.Second, "how often the manual session presses sync")
	durationFlag := flag.Duration("duration", 0, "stop after this long [0 = until signalled]")
	recordFlag := flag.String("record", "", "create a record with this name before starting")
	logLevelFlag := flag.String("log-level", "info", "debug|info|warn|error")
	flag.Parse()

	zl, err := log.NewLogger(log.WithLogLevel(*logLevelFlag), log.WithApp(myName))
	if err != nil {
		return err
	}
	defer zl.Sync()
	logger := zl.Sugar()

	policies := make([]reconcile.Policy, 0, len(reconcile.PolicyNames))
	for _, name := range strings.Split(*policiesFlag, ",") {
		p, err := reconcile.ParsePolicy(name, *quietFlag)
		if err != nil {
			return err
		}
		policies = append(policies, p)
	}

	client, err := remote.NewClient("http://" + *addrFlag)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *durationFlag > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *durationFlag)
		defer cancel()
	}

	if err := showRecords(ctx, client, *recordFlag, logger); err != nil {
		return err
	}

	scheduler := debounce.New()
	defer scheduler.Stop()
	sessions := make([]*reconcile.Session, 0, len(policies))
	var manual *reconcile.Session
	defer func() {
		for _, s := range sessions {
			s.Close()
		}
	}()
	for _, p := range policies {
		b := reconcile.MountBoundary(client, *counterFlag, p,
			reconcile.WithLogger(zl),
			reconcile.WithScheduler(scheduler),
			reconcile.WithCallTimeout(5*time.Second),
			reconcile.WithOnChange(func(st reconcile.State) {
				logger.Infow("state", "strategy", st.Strategy, "local", st.Local, "synced", st.Synced, "pending", st.Pending, "dirty", st.Dirty, "can_sync", st.CanSync, "err", st.Err)
			}),
		)
		s, err := b.Load(ctx)
		if err != nil {
			st := b.StateOr(reconcile.State{Strategy: p.Name, Counter: *counterFlag})
			logger.Errorw("failed to mount session", "strategy", st.Strategy, "counter", st.Counter, "status", b.Status().String(), zap.Error(st.Err))
			continue
		}
		sessions = append(sessions, s)
		if p.Trigger == reconcile.TriggerManual {
			manual = s
		}
	}
	if len(sessions) == 0 {
		return errors.New("no session could be mounted")
	}

	eg, ctx := errgroup.WithContext(ctx)
	for _, s := range sessions {
		s := s
		eg.Go(func() error {
			incrementRandomly(ctx, s, logger)
			return nil
		})
	}
	eg.Go(func() error {
		if manual == nil {
			return nil
		}
		t := time.NewTicker(*syncEveryFlag)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				if err := manual.Sync(); err != nil && !errors.Is(err, reconcile.ErrNothingToSync) {
					logger.Infow("manual sync skipped", zap.Error(err))
				}
			case <-ctx.Done():
				return nil
			}
		}
	})
	eg.Go(func() error {
		err := client.Watch(ctx, *counterFlag, func(u remote.Update) {
			logger.Infow("watched", "counter", u.Name, "value", u.Value)
		})
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			logger.Warnw("watch ended", zap.Error(err))
		}
		return nil
	})
	_ = eg.Wait()

	for _, s := range sessions {
		s.Wait()
		st := s.State()
		logger.Infow("final", "strategy", st.Strategy, "local", st.Local, "synced", st.Synced, "dirty", st.Dirty)
	}
	return nil
}

func incrementRandomly(ctx context.Context, s *reconcile.Session, logger *zap.SugaredLogger) {
	for {
		t := time.NewTimer(time.Second + time.Duration(rand.Intn(4000))*time.Millisecond)
		select {
		case <-t.C:
			if err := s.Increment(); err != nil {
				logger.Infow("increment rejected", "strategy", s.State().Strategy, zap.Error(err))
			}
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
}

func showRecords(ctx context.Context, client *remote.Client, create string, logger *zap.SugaredLogger) error {
	if create != "" {
		rec, err := client.CreateRecord(ctx, create)
		if err != nil {
			return fmt.Errorf("failed to create record: %w", err)
		}
		logger.Infow("created record", "id", rec.ID, "name", rec.Name)
	}
	recs, err := client.ListRecords(ctx)
	if err != nil {
		return fmt.Errorf("failed to list records: %w", err)
	}
	for _, line := range lo.Map(recs, func(r store.Record, _ int) string {
		return fmt.Sprintf("#%d %s (%s)", r.ID, r.Name, humanize.Time(r.CreatedAt))
	}) {
		logger.Infow("record", "record", line)
	}
	return nil
}
