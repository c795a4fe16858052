package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/automerge/automerge-go"
	"go.uber.org/zap"

	"github.com/astromechza/counter-sync/internal/log"
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
	counterFlag := flag.String("counter", "client", "the counter whose history to print")
	svgFlag := flag.String("svg", "", "also render the counter history graph to this svg file")
	logLevelFlag := flag.String("log-level", "info", "debug|info|warn|error")
	flag.Parse()
	if flag.NArg() != 1 {
		return fmt.Errorf("expected one position argument: the automerge store file to read")
	}

	zl, err := log.NewLogger(log.WithLogLevel(*logLevelFlag), log.WithApp(myName))
	if err != nil {
		return err
	}
	defer zl.Sync()
	logger := zl.Sugar()

	raw, err := os.ReadFile(flag.Arg(0))
	if err != nil {
		return fmt.Errorf("failed to read input file: %w", err)
	}
	doc, err := automerge.Load(raw)
	if err != nil {
		return fmt.Errorf("failed to load doc: %w", err)
	}
	logger.Infow("loaded doc", "contents", doc.RootMap().GoString(), "heads", doc.Heads())

	counters, err := doc.Path("counters").Map().Keys()
	if err != nil {
		return fmt.Errorf("failed to list counters: %w", err)
	}
	for _, name := range counters {
		v, err := doc.Path("counters", name).Counter().Get()
		if err != nil {
			logger.Warnw("not a counter", "name", name, zap.Error(err))
			continue
		}
		logger.Infow("counter", "name", name, "value", v)
	}

	points, err := viz.History(doc, "counters", *counterFlag)
	if err != nil {
		return err
	}
	for i, p := range points {
		logger.Infow("change", "i", fmt.Sprintf("%4d", i), "hash", p.Hash, "actor", p.Actor, "seq", p.Seq, "message", p.Message, "deps", p.Deps, "value", p.Value)
	}

	if *svgFlag != "" {
		if err := viz.RenderCounterToSvg(doc, *counterFlag, *svgFlag); err != nil {
			return err
		}
		logger.Infow("rendered history", "counter", *counterFlag, "svg", *svgFlag)
	}
	return nil
}
