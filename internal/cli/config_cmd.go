package cli

import (
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"refframe/internal/config"
)

// Version is the reported build version.
var Version = "v0.1.0-dev"

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
		Long:  "Show, locate, or validate the refframe configuration",
	}

	var asJSON bool
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if asJSON {
				return root.configJSON()
			}
			root.configShow()
			return nil
		},
	}
	showCmd.Flags().BoolVar(&asJSON, "json", false, "print the full configuration as JSON")

	pathCmd := &cobra.Command{
		Use:   "path",
		Short: "Print the configuration file location",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(root.out, config.Path())
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.cfg.Validate(); err != nil {
				return err
			}
			root.log.Info("configuration validation", "status", "valid")
			fmt.Fprintln(root.out, "configuration is valid")
			return nil
		},
	}

	cmd.AddCommand(showCmd, pathCmd, validateCmd)
	return cmd
}

func (r *Root) configShow() {
	c := r.cfg
	o := c.Mosaic.Options
	fmt.Fprintf(r.out, "Config file: %s\n", config.Path())
	fmt.Fprintf(r.out, "\nPaths:\n")
	fmt.Fprintf(r.out, "  Default output: %s\n", c.Paths.DefaultOutput)
	fmt.Fprintf(r.out, "  Database:       %s\n", c.Paths.DatabasePath)
	fmt.Fprintf(r.out, "  Watch dir:      %s\n", c.Paths.WatchDir)
	fmt.Fprintf(r.out, "\nProcessing:\n")
	fmt.Fprintf(r.out, "  Parallel jobs:  %d\n", c.Processing.ParallelJobs)
	fmt.Fprintf(r.out, "  Queue size:     %d\n", c.Processing.QueueSize)
	fmt.Fprintf(r.out, "  Temp directory: %s\n", c.Processing.TempDir)
	fmt.Fprintf(r.out, "  ffmpeg:         %s\n", c.Processing.FFmpeg)
	fmt.Fprintf(r.out, "\nMosaic defaults:\n")
	fmt.Fprintf(r.out, "  Subpixel exponent: %d\n", o.SubpixelExponent)
	fmt.Fprintf(r.out, "  Strip height:      %d\n", o.NewStripHeight)
	fmt.Fprintf(r.out, "  Strip width:       %d\n", o.NewStripWidth)
	fmt.Fprintf(r.out, "  Min peak:          %g\n", o.MinPeakThreshold)
	fmt.Fprintf(r.out, "  Max motion:        %g\n", o.MaxMotionThreshold)
	fmt.Fprintf(r.out, "  Trim:              %d top, %d bottom\n", o.TrimTop, o.TrimBottom)
	fmt.Fprintf(r.out, "  Enhance strips:    %t\n", o.EnhanceStrips)
	fmt.Fprintf(r.out, "  Stabilized video:  %t (%g fps)\n", o.StabilizedVideo, c.Mosaic.StabilizedFPS)
	fmt.Fprintf(r.out, "\nServer:\n")
	fmt.Fprintf(r.out, "  HTTP: %s\n", c.Server.Addr)
	fmt.Fprintf(r.out, "  gRPC: %s\n", c.Server.GRPCAddr)
	fmt.Fprintf(r.out, "\nLogging: %s (%s)\n", c.Logging.Level, c.Logging.Format)
}

func (r *Root) configJSON() error {
	data, err := json.MarshalIndent(r.cfg, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(r.out, string(data))
	return err
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(root.out, "refframe %s\n", Version)
			fmt.Fprintf(root.out, "Built with Go %s\n", runtime.Version())
		},
	}
}
