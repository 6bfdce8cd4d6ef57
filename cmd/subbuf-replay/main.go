// subbuf-replay runs a recorded trace of sub-buffer requests against a host-memory allocator and
// prints the resulting allocator statistics.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/alecthomas/kingpin/v2"
	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/vkngwrapper/subbuf/internal/replay"
	"github.com/vkngwrapper/subbuf/memutils"
)

type replayCommand struct {
	traceFile string
	json      bool
	detailed  bool
	verify    bool
	logLevel  string
}

func (cmd *replayCommand) run(_ *kingpin.ParseContext) error {
	var level slog.Level
	err := level.UnmarshalText([]byte(cmd.logLevel))
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	f, err := os.Open(cmd.traceFile)
	if err != nil {
		return errors.Wrap(err, "failed to open trace")
	}
	defer func() { _ = f.Close() }()

	trace, err := replay.Parse(f)
	if err != nil {
		return errors.Wrapf(err, "failed to parse %s", cmd.traceFile)
	}

	replayer, err := replay.New(logger, trace, replay.Options{Verify: cmd.verify})
	if err != nil {
		return err
	}

	err = replayer.Run()
	if err != nil {
		return errors.CombineErrors(err, replayer.Close())
	}

	if cmd.json || cmd.detailed {
		fmt.Println(replayer.Allocator().BuildStatsString(cmd.detailed))
	} else {
		printStats(len(trace.Ops), replayer.LiveCount(), replayer.Statistics())
	}

	return replayer.Close()
}

func printStats(opCount, liveCount int, stats memutils.DetailedStatistics) {
	fmt.Printf("Replayed %d ops, %d sub-buffers live\n", opCount, liveCount)
	fmt.Printf("\t%s\n", stats.Statistics)
	fmt.Printf("\tunused: %s in %d ranges\n", humanize.IBytes(uint64(stats.UnusedBytes())), stats.UnusedRangeCount)

	if stats.AllocationCount > 0 {
		fmt.Printf("\tsub-buffer sizes: min %s, max %s\n",
			humanize.IBytes(uint64(stats.AllocationSizeMin)),
			humanize.IBytes(uint64(stats.AllocationSizeMax)),
		)
	}
	if stats.UnusedRangeCount > 0 {
		fmt.Printf("\tunused range sizes: min %s, max %s\n",
			humanize.IBytes(uint64(stats.UnusedRangeSizeMin)),
			humanize.IBytes(uint64(stats.UnusedRangeSizeMax)),
		)
	}
}

func main() {
	app := kingpin.New("subbuf-replay", "Replay a trace of sub-buffer requests and print allocator statistics.")

	cmd := &replayCommand{}
	app.Arg("trace", "YAML trace file").Required().ExistingFileVar(&cmd.traceFile)
	app.Flag("json", "Print statistics as json").BoolVar(&cmd.json)
	app.Flag("detailed", "Print statistics as json, including every free and used range").BoolVar(&cmd.detailed)
	app.Flag("verify", "Check that growing sub-buffers preserves their contents").Default("true").BoolVar(&cmd.verify)
	app.Flag("log-level", "Log level").Default("warn").EnumVar(&cmd.logLevel, "debug", "info", "warn", "error")
	app.Action(cmd.run)

	kingpin.MustParse(app.Parse(os.Args[1:]))
}
