package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"tryon-relay/src/comfy"
	"tryon-relay/src/config"
	"tryon-relay/src/inputs"
	"tryon-relay/src/job"
	"tryon-relay/src/jobgraph"
	"tryon-relay/src/notification"
	"tryon-relay/src/panel"
	"tryon-relay/src/relay"
	"tryon-relay/src/runpod"
	"tryon-relay/src/runtimeinit"
	"tryon-relay/src/screenshot"
	"tryon-relay/src/submit"
	"tryon-relay/src/tracker"
)

const capturePrefix = "capture:"

type cliOptions struct {
	person     string
	cloth      string
	outDir     string
	jsonOutput bool
	verbose    bool
	backend    string
	transport  string
	template   string
	apiKeyPath string
	timeout    time.Duration
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	return runWithArgs(os.Args)
}

func runWithArgs(args []string) error {
	if len(args) == 0 {
		args = []string{"tryon"}
	}
	opts := &cliOptions{}
	cmd := newRootCmd(opts)
	cmd.SetArgs(args[1:])
	return cmd.Execute()
}

func newRootCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tryon",
		Short: "Run a virtual try-on job for a person and a clothing image",
		Long: `Submits a person image and a clothing image to the configured inference
endpoint, follows the job until it finishes and saves the resulting images.

Image sources: a file path, "-" for stdin, "clipboard", a data URL, or
"capture:WxH+X+Y" to capture that screen region. Ctrl+C cancels the job.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithOptions(cmd.Context(), *opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVar(&opts.person, "person", "", "Person image source")
	cmd.Flags().StringVar(&opts.cloth, "cloth", "", "Clothing image source")
	cmd.Flags().StringVarP(&opts.outDir, "out", "o", ".", "Directory for result images")
	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "Output results as JSON")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "Verbose output to stderr")
	cmd.Flags().StringVar(&opts.backend, "backend", "", "Endpoint kind: runpod or comfy (overrides BACKEND)")
	cmd.Flags().StringVar(&opts.transport, "transport", "", "Progress transport: poll or stream (overrides TRANSPORT)")
	cmd.Flags().StringVar(&opts.template, "template", "", "Workflow template file, JSON or YAML (overrides TEMPLATE_PATH)")
	cmd.Flags().StringVar(&opts.apiKeyPath, "api-key-path", "", "Path to API key file (highest precedence)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "Give up and cancel the job after this long (0 waits forever)")
	_ = cmd.MarkFlagRequired("person")
	_ = cmd.MarkFlagRequired("cloth")

	return cmd
}

// Result is the --json output.
type Result struct {
	State    string   `json:"state"`
	Message  string   `json:"message"`
	Images   []string `json:"images"`
	Duration float64  `json:"duration_seconds"`
}

// fetcher resolves server-side artifacts.
type fetcher interface {
	Fetch(ctx context.Context, ref job.ArtifactRef) ([]byte, error)
}

type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	panel   *panel.Panel
	tracker *tracker.Tracker
	fetch   fetcher
	console panel.View
	frames  chan panel.Frame
	closers []func()
}

func runWithOptions(ctx context.Context, opts cliOptions, stdout, stderr io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, logger, err := runtimeinit.Bootstrap(runtimeinit.Options{
		LoadOptions: config.LoadOptions{
			APIKeyPathOverride: opts.apiKeyPath,
			BackendOverride:    opts.backend,
			TransportOverride:  opts.transport,
			TemplateOverride:   opts.template,
		},
		Verbose:       opts.verbose,
		NeedClipboard: opts.person == inputs.SourceClipboard || opts.cloth == inputs.SourceClipboard,
	})
	if err != nil {
		return err
	}

	var console panel.View
	if !opts.jsonOutput && !opts.verbose {
		console = notification.NewConsole(stderr)
	}
	a, err := newApp(cfg, logger, console)
	if err != nil {
		return err
	}
	defer a.close()

	start := time.Now()
	final, err := a.run(ctx, opts)
	if err != nil {
		return err
	}
	paths, err := a.save(ctx, opts.outDir, final.Artifacts)
	if err != nil {
		return err
	}
	if err := outputResult(stdout, final, paths, time.Since(start), opts.jsonOutput); err != nil {
		return err
	}
	if final.State != tracker.StateCompleted {
		return fmt.Errorf("job %s", final.State)
	}
	return nil
}

func newApp(cfg *config.Config, logger zerolog.Logger, console panel.View) (*app, error) {
	template := jobgraph.Default()
	if cfg.TemplatePath != "" {
		t, err := jobgraph.Load(cfg.TemplatePath)
		if err != nil {
			return nil, err
		}
		template = t
	}

	a := &app{cfg: cfg, logger: logger, console: console, frames: make(chan panel.Frame, 64)}

	var (
		backend  submit.Backend
		tb       tracker.Backend
		streamer tracker.Streamer
	)
	switch cfg.Backend {
	case config.BackendComfy:
		c, err := comfy.NewClient(comfy.Options{
			BaseURL:        cfg.ComfyBaseURL,
			OutputNode:     cfg.ComfyOutputNode,
			Logger:         &logger,
			RequestTimeout: cfg.RequestTimeout,
		})
		if err != nil {
			return nil, err
		}
		backend, tb, streamer, a.fetch = c, c, c, c
		a.closers = append(a.closers, func() { _ = c.Close() })
	default:
		c, err := runpod.NewClient(runpod.Options{
			BaseURL:        cfg.RunpodBaseURL,
			APIKey:         cfg.APIKey,
			Logger:         &logger,
			RequestTimeout: cfg.RequestTimeout,
		})
		if err != nil {
			return nil, err
		}
		backend, tb = c, c
	}

	sub := submit.New(backend,
		submit.WithBindings(jobgraph.Bindings{PersonNode: cfg.PersonNode, ClothNode: cfg.ClothNode}),
		submit.WithLogger(logger),
	)

	a.panel = panel.New(panel.ViewFunc(a.render), panel.WithLogger(logger))
	transport := tracker.TransportPoll
	if cfg.Transport == config.TransportStream {
		transport = tracker.TransportStream
	}
	a.tracker = tracker.New(sub, tb, tracker.Options{
		Template:  template,
		Interval:  cfg.PollInterval,
		Transport: transport,
		Streamer:  streamer,
		Notifier:  a.panel,
		Logger:    &logger,
	})
	a.panel.Attach(a.tracker)
	a.closers = append(a.closers, a.tracker.Close, a.panel.Close)
	return a, nil
}

// render forwards frames to the run loop and the console.
func (a *app) render(fr panel.Frame) {
	a.logger.Info().Stringer("state", fr.State).Bool("loading", fr.Loading).Msg(fr.Message)
	if a.console != nil {
		a.console.Render(fr)
	}
	select {
	case a.frames <- fr:
	default:
	}
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// run fills both slots, submits and waits for a terminal snapshot. An
// interrupt or the timeout cancels the job instead of abandoning it.
func (a *app) run(ctx context.Context, opts cliOptions) (tracker.Snapshot, error) {
	if err := a.loadInputs(ctx, opts); err != nil {
		return tracker.Snapshot{}, err
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(runCtx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var timeout <-chan time.Time
	if opts.timeout > 0 {
		timer := time.NewTimer(opts.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-sigCh:
			a.logger.Warn().Msg("interrupted, cancelling job")
		case <-timeout:
			a.logger.Warn().Dur("timeout", opts.timeout).Msg("timed out, cancelling job")
		}
		cancelCtx, cancel := context.WithTimeout(context.Background(), a.cfg.RequestTimeout)
		defer cancel()
		if err := a.panel.Stop(cancelCtx); err != nil {
			a.logger.Warn().Err(err).Msg("cancel failed")
		}
		stop()
		return nil
	})

	var final tracker.Snapshot
	g.Go(func() error {
		defer stop()
		if err := a.panel.Generate(gctx); err != nil {
			return err
		}
		for {
			snap := a.tracker.Snapshot()
			if snap.State.Terminal() {
				final = snap
				return nil
			}
			select {
			case <-a.frames:
			case <-gctx.Done():
				final = a.tracker.Snapshot()
				return gctx.Err()
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return tracker.Snapshot{}, err
	}
	return final, nil
}

func (a *app) loadInputs(ctx context.Context, opts cliOptions) error {
	var (
		loader  inputs.Loader
		regions []screenshot.Region
		targets []relay.Target
	)
	for _, slot := range []struct {
		target relay.Target
		spec   string
	}{{relay.TargetPerson, opts.person}, {relay.TargetCloth, opts.cloth}} {
		if strings.HasPrefix(slot.spec, capturePrefix) {
			r, err := parseRegion(strings.TrimPrefix(slot.spec, capturePrefix))
			if err != nil {
				return fmt.Errorf("%s image: %w", slot.target, err)
			}
			regions = append(regions, r)
			targets = append(targets, slot.target)
			continue
		}
		data, err := loader.Load(slot.spec)
		if err != nil {
			return fmt.Errorf("%s image: %w", slot.target, err)
		}
		a.panel.SetInput(slot.target, data)
	}
	if len(targets) == 0 {
		return nil
	}
	return a.capture(ctx, targets, regions)
}

// capture runs the relay: the panel requests, the surface rasterizes the
// queued regions one session at a time.
func (a *app) capture(ctx context.Context, targets []relay.Target, regions []screenshot.Region) error {
	d := relay.NewDispatcher(relay.WithDispatcherLogger(a.logger))
	defer d.Shutdown()

	sel := &queueSelector{regions: make(chan screenshot.Region, len(regions))}
	surface, err := relay.NewSurface(d, "surface", sel, screenshot.Screen{},
		relay.WithSettleDelay(a.cfg.CaptureSettle),
		relay.WithSurfaceLogger(a.logger),
	)
	if err != nil {
		return err
	}
	defer surface.Close()
	if err := a.panel.ConnectRelay(d, "panel"); err != nil {
		return err
	}
	defer a.panel.Close()

	for i, target := range targets {
		sel.regions <- regions[i]
		if err := a.panel.Capture(target); err != nil {
			return err
		}
		if err := a.waitInput(ctx, target); err != nil {
			return fmt.Errorf("capture %s image at %s: %w", target, regions[i], err)
		}
	}
	return nil
}

func (a *app) waitInput(ctx context.Context, target relay.Target) error {
	deadline := time.NewTimer(10 * time.Second)
	defer deadline.Stop()
	for len(a.panel.Input(target)) == 0 {
		select {
		case <-a.frames:
		case <-deadline.C:
			return errors.New("no image received, see the log for the capture error")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

type queueSelector struct {
	regions chan screenshot.Region
}

func (q *queueSelector) Select(ctx context.Context) (screenshot.Region, error) {
	select {
	case r := <-q.regions:
		return r, nil
	case <-ctx.Done():
		return screenshot.Region{}, ctx.Err()
	}
}

// parseRegion reads WxH+X+Y.
func parseRegion(s string) (screenshot.Region, error) {
	var r screenshot.Region
	if _, err := fmt.Sscanf(s, "%dx%d+%d+%d", &r.Width, &r.Height, &r.X, &r.Y); err != nil {
		return screenshot.Region{}, fmt.Errorf("region %q: want WxH+X+Y", s)
	}
	if r.Empty() {
		return screenshot.Region{}, fmt.Errorf("region %q has no area", s)
	}
	return r, nil
}

func (a *app) save(ctx context.Context, dir string, artifacts []job.ArtifactRef) ([]string, error) {
	if len(artifacts) == 0 {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	var paths []string
	for i, ref := range artifacts {
		data := ref.Data
		if !ref.Inline() {
			if a.fetch == nil || !ref.Remote() {
				a.logger.Warn().Int("index", i).Msg("artifact has no data, skipping")
				continue
			}
			fetched, err := a.fetch.Fetch(ctx, ref)
			if err != nil {
				return paths, fmt.Errorf("fetch %s: %w", ref.Filename, err)
			}
			data = fetched
		}
		path := filepath.Join(dir, filepath.Base(ref.Name(i)))
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return paths, fmt.Errorf("write %s: %w", path, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func outputResult(w io.Writer, snap tracker.Snapshot, paths []string, elapsed time.Duration, jsonOutput bool) error {
	if jsonOutput {
		result := Result{
			State:    snap.State.String(),
			Message:  snap.Message,
			Images:   paths,
			Duration: elapsed.Seconds(),
		}
		if result.Images == nil {
			result.Images = []string{}
		}
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(result); err != nil {
			return fmt.Errorf("failed to encode JSON output: %w", err)
		}
		return nil
	}
	fmt.Fprintln(w, snap.Message)
	for _, p := range paths {
		fmt.Fprintln(w, p)
	}
	return nil
}
