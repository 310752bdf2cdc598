package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"trapdump/internal/capture"
	"trapdump/internal/fault"
	"trapdump/internal/kdb"
	"trapdump/internal/klog"
	"trapdump/internal/ui"
)

var reportCmd = &cobra.Command{
	Use:   "report <capture>...",
	Short: "Replay captured traps through the fault reporter",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runReport,
}

func init() {
	reportCmd.Flags().Int("jobs", 0, "captures replayed concurrently (0 = GOMAXPROCS)")
	reportCmd.Flags().Int("max-depth", 0, "stack walk bound (0 = [walk].max_depth)")
	reportCmd.Flags().String("debugger", "", "run the kdb debugger with commands from this file (\"-\" for stdin)")
	reportCmd.Flags().String("ui", "auto", "progress UI (auto|on|off)")
	reportCmd.Flags().Bool("timings", false, "print per-phase timings")
	reportCmd.Flags().Bool("grouped", true, "write each report as one block instead of interleaving lines")
}

type replayOptions struct {
	jobs     int
	maxDepth int
	grouped  bool
	debugger *kdb.Debugger
	progress chan<- ui.Event
}

type replayResult struct {
	path   string
	name   string
	result fault.Result
	exits  int
	err    error
}

func runReport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	jobs, _ := flags.GetInt("jobs")
	maxDepth, _ := flags.GetInt("max-depth")
	dbgPath, _ := flags.GetString("debugger")
	uiFlag, _ := flags.GetString("ui")
	timings, _ := flags.GetBool("timings")
	grouped, _ := flags.GetBool("grouped")

	view, err := parseProgressView(uiFlag)
	if err != nil {
		return err
	}
	if !flags.Changed("jobs") {
		jobs = cfg.Jobs()
	}
	if maxDepth <= 0 {
		maxDepth = cfg.MaxDepth()
	}
	timings = timings || cfg.Report.Timings

	opts := replayOptions{jobs: jobs, maxDepth: maxDepth, grouped: grouped}
	if dbgPath != "" {
		d, closeIn, err := openDebugger(cmd, dbgPath)
		if err != nil {
			return err
		}
		defer closeIn()
		d.SetMaxDepth(maxDepth)
		opts.debugger = d
		// Scripts are consumed in capture order.
		opts.jobs = 1
	}
	useUI := view.resolve(os.Stdout, opts.debugger != nil)

	sink, ring, cleanup, err := setupLogging(cmd, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	var results []replayResult
	if useUI {
		// The view owns the terminal: stderr lines are held back until it
		// exits.
		target := sink
		var held *klog.BufferSink
		if cfg.Log.Output == "" || cfg.Log.Output == "-" {
			held = klog.NewBufferSink(sink.Level())
			target = held
		}
		ctx := klog.WithSink(cmd.Context(), target)
		results, err = runReplayWithUI(ctx, "replaying captures", args, func(ch chan<- ui.Event) []replayResult {
			o := opts
			o.progress = ch
			return replayCaptures(ctx, target, args, o)
		})
		if held != nil {
			held.Replay(sink)
		}
		if err != nil {
			return err
		}
	} else {
		ctx := klog.WithSink(cmd.Context(), sink)
		results = replayCaptures(ctx, sink, args, opts)
	}

	out := cmd.OutOrStdout()
	if ring != nil && cfg.Log.Mode == "ring" {
		kc, _ := cfg.Sink()
		if err := ring.Dump(out, kc.Format); err != nil {
			return err
		}
	}
	printSummary(out, results, timings)

	failed := 0
	for _, r := range results {
		if r.err != nil {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d captures failed", failed, len(results))
	}
	return nil
}

func openDebugger(cmd *cobra.Command, path string) (*kdb.Debugger, func(), error) {
	if path == "-" {
		interactive := isTerminal(os.Stdin)
		return kdb.NewDebugger(cmd.InOrStdin(), cmd.OutOrStdout(), interactive), func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open debugger script: %w", err)
	}
	closeFn := func() {
		if err := f.Close(); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "debugger: close error: %v\n", err) //nolint:errcheck
		}
	}
	return kdb.NewDebugger(f, cmd.OutOrStdout(), false), closeFn, nil
}

// replayCaptures replays every capture into sink, at most opts.jobs at a
// time. A capture that fails to load does not stop the others.
func replayCaptures(ctx context.Context, sink klog.Sink, paths []string, opts replayOptions) []replayResult {
	results := make([]replayResult, len(paths))
	for i, p := range paths {
		results[i] = replayResult{path: p, err: context.Canceled}
	}
	if len(paths) == 0 {
		return results
	}
	jobs := opts.jobs
	if jobs <= 0 {
		jobs = runtime.GOMAXPROCS(0)
	}

	var emitMu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(min(jobs, len(paths)))
	for i, path := range paths {
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			results[i] = replayOne(gctx, sink, &emitMu, path, opts)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for i := range results {
			if errors.Is(results[i].err, context.Canceled) {
				results[i].err = err
			}
		}
	}
	return results
}

func replayOne(ctx context.Context, sink klog.Sink, emitMu *sync.Mutex, path string, opts replayOptions) replayResult {
	res := replayResult{path: path}
	notify := func(ev ui.Event) {
		if opts.progress != nil {
			ev.Capture = path
			opts.progress <- ev
		}
	}

	f, err := capture.Load(path)
	if err != nil {
		res.err = err
		notify(ui.Event{Status: ui.StatusError})
		return res
	}
	res.name = f.Name
	env := capture.NewEnvironment(f)

	target := sink
	var buf *klog.BufferSink
	if opts.grouped {
		buf = klog.NewBufferSink(sink.Level())
		target = buf
	}
	var dbg fault.Debugger
	if opts.debugger != nil {
		dbg = opts.debugger.Attach(env.Mem, env.Pager)
	}
	rep := env.Reporter(target, dbg, opts.maxDepth)
	if opts.progress != nil {
		rep.Progress = ui.PhaseSink{Capture: path, Ch: opts.progress}
	}

	res.result = env.Replay(ctx, rep)
	res.exits = env.Terminator.Exits()

	if buf != nil {
		emitMu.Lock()
		sink.Emit(&klog.Line{Level: klog.LevelInfo, CPU: -1, Text: fmt.Sprintf("==> %s <==", path)})
		buf.Replay(sink)
		emitMu.Unlock()
	}

	if res.result.Outcome == fault.OutcomeIntercepted {
		notify(ui.Event{Status: ui.StatusIntercepted})
	} else {
		notify(ui.Event{Status: ui.StatusDone})
	}
	return res
}

func printSummary(out io.Writer, results []replayResult, timings bool) {
	okStyle := color.New(color.FgGreen)
	warnStyle := color.New(color.FgYellow)
	errStyle := color.New(color.FgRed, color.Bold)

	for _, r := range results {
		if r.err != nil {
			fmt.Fprintf(out, "%s: %s\n", r.path, errStyle.Sprint(r.err.Error())) //nolint:errcheck
			continue
		}
		style := okStyle
		if r.result.Outcome == fault.OutcomeIntercepted {
			style = warnStyle
		}
		fmt.Fprintf(out, "%s: %s, %d frames (%s)\n", //nolint:errcheck
			r.path, style.Sprint(r.result.Outcome), r.result.Frames, r.result.Stop)
		if timings {
			printPhaseTimings(out, r.result)
		}
	}
}
