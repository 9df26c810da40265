package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"refframe/internal/agent"
	"refframe/internal/config"
	"refframe/internal/mosaic"
	"refframe/internal/pipeline"
	"refframe/internal/storage"
	"refframe/internal/video"
	"refframe/internal/watch"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe *pipeline.Pipeline) *cobra.Command {
	return NewRoot(pipe, cfg, log, store).command()
}

func (r *Root) command() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "refframe",
		Short: "Refframe builds reference frames from line-scanned retinal video",
		Long: `Refframe reassembles the horizontal strips of a scanning retinal video into a
single reference frame, using the eye-motion trace recorded for the video to
place every strip where it belongs.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newBuildCmd(r))
	rootCmd.AddCommand(newServeCmd(r))
	rootCmd.AddCommand(newWatchCmd(r))
	rootCmd.AddCommand(newRunsCmd(r))
	rootCmd.AddCommand(newConfigCmd(r))
	rootCmd.AddCommand(newToolsCmd(r))
	rootCmd.AddCommand(newVersionCmd(r))

	// Remote commands
	rootCmd.AddCommand(newSubmitCmd(r))
	rootCmd.AddCommand(newCancelCmd(r))

	return rootCmd
}

// verbosityValue lets a flag set mosaic.Verbosity by name.
type verbosityValue struct{ v *mosaic.Verbosity }

func (f verbosityValue) String() string {
	if f.v == nil {
		return ""
	}
	return f.v.String()
}

func (f verbosityValue) Set(s string) error {
	v, err := mosaic.ParseVerbosity(s)
	if err != nil {
		return err
	}
	*f.v = v
	return nil
}

func (f verbosityValue) Type() string { return "level" }

// addOptionFlags binds every build option to fs, using the current values of
// o as defaults.
func addOptionFlags(fs *pflag.FlagSet, o *mosaic.Options) {
	fs.BoolVar(&o.Overwrite, "overwrite", o.Overwrite, "rebuild even when a reference frame already exists")
	fs.Var(verbosityValue{&o.Verbosity}, "verbosity", "progress reporting (none|summary|perFrame)")
	fs.IntVar(&o.SubpixelExponent, "subpixel", o.SubpixelExponent, "sub-pixel exponent; strips are placed on a 2^N finer grid")
	fs.IntVar(&o.NewStripHeight, "strip-height", o.NewStripHeight, "rows per resampled strip")
	fs.IntVar(&o.NewStripWidth, "strip-width", o.NewStripWidth, "columns per strip (0 = full frame width)")
	fs.Float64Var(&o.MinPeakThreshold, "min-peak", o.MinPeakThreshold, "minimum correlation peak for a usable sample (0-1)")
	fs.Float64Var(&o.MaxMotionThreshold, "max-motion", o.MaxMotionThreshold, "maximum motion between strips as a fraction of frame size (0-1)")
	fs.IntVar(&o.TrimTop, "trim-top", o.TrimTop, "rows to drop from the top of each frame")
	fs.IntVar(&o.TrimBottom, "trim-bottom", o.TrimBottom, "rows to drop from the bottom of each frame")
	fs.BoolVar(&o.EnhanceStrips, "enhance", o.EnhanceStrips, "contrast-stretch each strip before placing it")
	fs.BoolVar(&o.StabilizedVideo, "stabilized-video", o.StabilizedVideo, "also write a stabilized video next to the reference frame")
	fs.IntSliceVar(&o.BadFrames, "bad-frames", o.BadFrames, "frame indices to leave out")
	fs.Uint64Var(&o.NoiseSeed, "seed", o.NoiseSeed, "seed for the noise used to fill uncovered pixels")
}

// addRemoteFlags binds the connection settings for a refframe server.
func addRemoteFlags(fs *pflag.FlagSet, c *agent.Config, defaultAddr string, usage string) {
	fs.StringVarP(&c.ServerAddress, "server", "s", defaultAddr, usage)
	fs.BoolVar(&c.Insecure, "insecure", true, "connect without TLS")
	fs.StringVar(&c.CACertPath, "tls-ca", "", "CA certificate used to verify the server")
	fs.StringVar(&c.TLSCertPath, "tls-cert", "", "client certificate")
	fs.StringVar(&c.TLSKeyPath, "tls-key", "", "client key")
}

// grpcTarget turns a listen address such as ":9090" into one a client can dial.
func grpcTarget(listen string) string {
	if strings.HasPrefix(listen, ":") {
		return "localhost" + listen
	}
	return listen
}

func newBuildCmd(root *Root) *cobra.Command {
	var (
		videoPath string
		output    string
	)
	opts := root.cfg.Mosaic.Options.Clone()

	cmd := &cobra.Command{
		Use:   "build <trace>",
		Short: "Build a reference frame from an eye-motion trace",
		Long: `Build a reference frame from an eye-motion trace and the video it was measured on.

The video path is read from the trace unless --video is given. The reference
frame is written to the configured output directory as <name>_ref.png unless
--output is given. An existing reference frame is reused unless
--overwrite is set.

Examples:
  # Build with the configured defaults
  refframe build /data/subject01/eye01.trace.json

  # Sub-pixel placement, thinner strips, and a stabilized video
  refframe build eye01.trace.json --subpixel 2 --strip-height 2 --stabilized-video

  # Skip frames known to contain blinks
  refframe build eye01.trace.json --bad-frames 12,13,14 --overwrite`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.Validate(); err != nil {
				return err
			}

			root.log.Info("build command parsed",
				"trace", args[0],
				"video", videoPath,
				"output", output,
				"subpixel_exponent", opts.SubpixelExponent,
				"strip_height", opts.NewStripHeight,
				"overwrite", opts.Overwrite,
			)

			job := pipeline.Job{
				ID:        pipeline.NewJobID(),
				TracePath: args[0],
				VideoPath: videoPath,
				Output:    output,
				Options:   opts,
			}
			res, err := root.enqueueAndWait(cmd.Context(), job)
			if err != nil {
				return err
			}
			root.printResult(res)
			return nil
		},
	}

	cmd.Flags().StringVar(&videoPath, "video", "", "video to read instead of the one named in the trace")
	cmd.Flags().StringVarP(&output, "output", "o", "", "reference frame path (default <output dir>/<trace name>_ref.png)")
	addOptionFlags(cmd.Flags(), &opts)

	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	opts := serveOptions{
		Addr:     root.cfg.Server.Addr,
		GRPCAddr: root.cfg.Server.GRPCAddr,
		WatchDir: root.cfg.Paths.WatchDir,
	}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the gRPC service",
		Long: `Start an HTTP server for submitting and inspecting runs, plus the gRPC service
used by remote clients. With --watch, traces dropped into the directory are
built automatically.

Examples:
  # HTTP on :8080, gRPC on :9090
  refframe serve

  # Also build every trace copied into /data/incoming
  refframe serve --watch /data/incoming --scan-existing`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			root.log.Info("starting server",
				"addr", opts.Addr,
				"grpc_addr", opts.GRPCAddr,
				"watch_dir", opts.WatchDir,
			)
			return root.serveFn(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", opts.Addr, "HTTP listen address (host:port)")
	cmd.Flags().StringVar(&opts.GRPCAddr, "grpc-addr", opts.GRPCAddr, "gRPC listen address, empty to disable")
	cmd.Flags().StringVar(&opts.WatchDir, "watch", opts.WatchDir, "directory to watch for new traces")
	cmd.Flags().BoolVar(&opts.ScanExisting, "scan-existing", false, "also build traces already in the watch directory")

	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	var (
		remote agent.Config
		settle time.Duration
		scan   bool
	)

	cmd := &cobra.Command{
		Use:   "watch [directory]",
		Short: "Build reference frames for traces as they appear",
		Long: `Watch a directory for *.trace.json files and build a reference frame for each
one once it has stopped changing. Runs are processed locally unless --server
names a refframe server, in which case traces are submitted to it.

Examples:
  refframe watch /data/incoming
  refframe watch /data/incoming --server recon01:9090`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := root.cfg.Paths.WatchDir
			if len(args) > 0 {
				dir = args[0]
			}
			if dir == "" {
				return errors.New("watch requires a directory argument or paths.watch_dir")
			}
			ctx := cmd.Context()

			var (
				submit watch.SubmitFunc
				follow func(ctx context.Context) error
			)
			if remote.ServerAddress != "" {
				client, err := root.dial(remote)
				if err != nil {
					return err
				}
				defer client.Close()
				submit = client.SubmitTrace
				follow = func(ctx context.Context) error {
					err := client.WatchResults(ctx, func(res agent.RunResult) error {
						root.printRemoteResult(res)
						return nil
					})
					if err == nil && ctx.Err() == nil {
						return errors.New("server closed the result stream")
					}
					return err
				}
			} else {
				if root.pipeline == nil {
					return errNoPipeline
				}
				resCh, unsubscribe := root.pipeline.Subscribe()
				defer unsubscribe()
				submit = root.submitLocal
				follow = func(ctx context.Context) error {
					return root.printResults(ctx, resCh)
				}
			}

			w, err := watch.New(dir, submit, watch.Options{Settle: settle, ScanExisting: scan}, root.log)
			if err != nil {
				return err
			}
			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return w.Run(ctx) })
			g.Go(func() error { return follow(ctx) })
			return g.Wait()
		},
	}

	addRemoteFlags(cmd.Flags(), &remote, "", "submit to this gRPC server instead of building locally")
	cmd.Flags().DurationVar(&settle, "settle", watch.DefaultSettle, "how long a trace must stay unchanged before it is built")
	cmd.Flags().BoolVar(&scan, "scan-existing", false, "also build traces already in the directory")

	return cmd
}

func newRunsCmd(root *Root) *cobra.Command {
	var (
		remote agent.Config
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				runs []storage.RunRecord
				err  error
			)
			if remote.ServerAddress != "" {
				client, dialErr := root.dial(remote)
				if dialErr != nil {
					return dialErr
				}
				defer client.Close()
				runs, err = client.ListRuns(cmd.Context(), limit)
			} else {
				if root.store == nil {
					return errNoStore
				}
				runs, err = root.store.RecentRuns(limit)
			}
			if err != nil {
				return err
			}
			root.printRuns(runs)
			return nil
		},
	}

	addRemoteFlags(cmd.Flags(), &remote, "", "list runs of this gRPC server instead of the local database")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs to show")

	return cmd
}

func newSubmitCmd(root *Root) *cobra.Command {
	var (
		remote    agent.Config
		videoPath string
		output    string
	)
	opts := root.cfg.Mosaic.Options.Clone()

	cmd := &cobra.Command{
		Use:   "submit <trace>",
		Short: "Queue a trace on a refframe server",
		Long: `Queue a trace on a refframe server and print the run ID. Paths are resolved on
the server. Options not given on the command line take this machine's
configured defaults.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.Validate(); err != nil {
				return err
			}
			client, err := root.dial(remote)
			if err != nil {
				return err
			}
			defer client.Close()

			id, err := client.Submit(cmd.Context(), pipeline.Job{
				TracePath: args[0],
				VideoPath: videoPath,
				Output:    output,
				Options:   opts,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(root.out, id)
			return nil
		},
	}

	addRemoteFlags(cmd.Flags(), &remote, grpcTarget(root.cfg.Server.GRPCAddr), "gRPC server address")
	cmd.Flags().StringVar(&videoPath, "video", "", "video to read instead of the one named in the trace")
	cmd.Flags().StringVarP(&output, "output", "o", "", "reference frame path on the server")
	addOptionFlags(cmd.Flags(), &opts)

	return cmd
}

func newCancelCmd(root *Root) *cobra.Command {
	var remote agent.Config

	cmd := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a queued or running run on a refframe server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := root.dial(remote)
			if err != nil {
				return err
			}
			defer client.Close()
			if err := client.Cancel(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(root.out, "canceled %s\n", args[0])
			return nil
		},
	}

	addRemoteFlags(cmd.Flags(), &remote, grpcTarget(root.cfg.Server.GRPCAddr), "gRPC server address")
	return cmd
}

func newToolsCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "Show which video decoders are available",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			statuses := video.CheckTools(cmd.Context(), video.Options{
				FFmpeg:  root.cfg.Processing.FFmpeg,
				FFprobe: root.cfg.Processing.FFprobe,
			})
			tw := tabwriter.NewWriter(root.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TOOL\tSTATUS\tPATH\tVERSION")
			missing := 0
			for _, st := range statuses {
				state := "available"
				if !st.Available {
					state = "missing"
					missing++
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", st.Name, state, st.Path, st.Version)
			}
			tw.Flush()
			if missing > 0 {
				fmt.Fprintln(root.out, "\nvideo files need ffmpeg and ffprobe; image sequence directories work without them")
			}
			return nil
		},
	}
}

func (r *Root) printResults(ctx context.Context, resCh <-chan pipeline.Result) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case res, ok := <-resCh:
			if !ok {
				return errors.New("pipeline stopped")
			}
			r.printResult(res)
		}
	}
}

func (r *Root) printResult(res pipeline.Result) {
	if res.Error != nil {
		fmt.Fprintf(r.out, "run %s %s: %v\n", res.Job.ID, res.Status, res.Error)
		return
	}
	fmt.Fprintf(r.out, "run %s %s\n", res.Job.ID, res.Status)
	if out, ok := res.Meta["output"]; ok {
		fmt.Fprintf(r.out, "  reference frame:  %v\n", out)
	}
	if w, ok := res.Meta["width"]; ok {
		fmt.Fprintf(r.out, "  size:             %vx%v\n", w, res.Meta["height"])
	}
	if n, ok := res.Meta["usable_samples"]; ok {
		fmt.Fprintf(r.out, "  usable samples:   %v of %v\n", n, res.Meta["samples"])
	}
	if n, ok := res.Meta["strips_placed"]; ok {
		fmt.Fprintf(r.out, "  strips placed:    %v\n", n)
	}
	if p, ok := res.Meta["stabilized_video"]; ok {
		fmt.Fprintf(r.out, "  stabilized video: %v\n", p)
	}
	if p, ok := res.Meta["quality_plot"]; ok {
		fmt.Fprintf(r.out, "  quality plot:     %v\n", p)
	}
}

func (r *Root) printRemoteResult(res agent.RunResult) {
	if res.Error != "" {
		fmt.Fprintf(r.out, "run %s %s: %s\n", res.ID, res.Status, res.Error)
		return
	}
	fmt.Fprintf(r.out, "run %s %s %s\n", res.ID, res.Status, res.Output)
}

func (r *Root) printRuns(runs []storage.RunRecord) {
	if len(runs) == 0 {
		fmt.Fprintln(r.out, "no runs")
		return
	}
	tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tTRACE\tOUTPUT\tCREATED\tTOOK")
	for _, run := range runs {
		took := "-"
		if run.StartedAt != nil && run.CompletedAt != nil {
			took = run.CompletedAt.Sub(*run.StartedAt).Round(time.Millisecond).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			run.ID, run.Status, run.TracePath, run.OutputPath, humanize.Time(run.CreatedAt), took)
	}
	tw.Flush()
}
