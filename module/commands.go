package main

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/module"
	"go.viam.com/rdk/services/generic"

	landmarklocalizer "github.com/viam-modules/landmark-localizer"
	"github.com/viam-modules/landmark-localizer/config"
	"github.com/viam-modules/landmark-localizer/diagnostics"
	"github.com/viam-modules/landmark-localizer/replay"
)

const closeTimeout = 5 * time.Second

type runOptions struct {
	configPath        string
	inputPath         string
	outputPath        string
	diagnostics       bool
	telemetryInterval time.Duration
}

func newRootCommand(logger logging.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "landmark-localizer <socket path>",
		Short:         "Correct a vehicle pose from fiducial landmark detections",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serveModule(cmd.Context(), args[0], logger)
		},
	}
	root.AddCommand(newRunCommand(logger), newValidateCommand(logger), newVersionCommand())
	return root
}

// serveModule runs the localizer as a module listening on socketPath until ctx is done.
func serveModule(ctx context.Context, socketPath string, logger logging.Logger) error {
	logger.Infow(landmarklocalizer.Model.String(), "version", Version, "git_rev", GitRevision)

	localizerModule, err := module.NewModule(ctx, socketPath, logger)
	if err != nil {
		return err
	}
	if err := localizerModule.AddModelFromRegistry(ctx, generic.API, landmarklocalizer.Model); err != nil {
		return err
	}

	err = localizerModule.Start(ctx)
	defer localizerModule.Close(ctx)
	if err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

func newRunCommand(logger logging.Logger) *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Replay recorded events through the localizer and write fused poses as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts, logger)
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "parameter file (YAML)")
	flags.StringVarP(&opts.inputPath, "input", "i", "-", "recorded events, - for stdin")
	flags.StringVarP(&opts.outputPath, "output", "o", "-", "fused poses, - for stdout")
	flags.BoolVar(&opts.diagnostics, "diagnostics", false, "also write one diagnostics line per frame")
	flags.DurationVar(&opts.telemetryInterval, "telemetry-interval", 0, "log spans and metrics at this interval, 0 disables")
	//nolint:errcheck
	cmd.MarkFlagRequired("config")
	return cmd
}

func run(cmd *cobra.Command, opts runOptions, logger logging.Logger) (err error) {
	ctx := cmd.Context()

	if opts.telemetryInterval > 0 {
		exporter, err := diagnostics.SetupTelemetry(opts.telemetryInterval)
		if err != nil {
			return err
		}
		defer exporter.Stop()
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}

	in, closeIn, err := openInput(opts.inputPath, cmd.InOrStdin())
	if err != nil {
		return err
	}
	defer func() { err = multierr.Combine(err, closeIn()) }()

	out, closeOut, err := openOutput(opts.outputPath, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer func() { err = multierr.Combine(err, closeOut()) }()

	writer := replay.NewWriter(out, logger)
	var reporter diagnostics.Reporter
	if opts.diagnostics {
		reporter = writer
	}

	loc, err := landmarklocalizer.New(ctx, *cfg, logger, writer, reporter)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		err = multierr.Combine(err, loc.Close(closeCtx))
	}()

	summary, err := replay.Run(ctx, replay.NewDecoder(in, logger), loc, logger)
	if err != nil {
		return err
	}
	logger.Infow("replay complete",
		"events", summary.Events,
		"frames", summary.Frames,
		"detections", summary.Detections,
		"accepted", summary.Accepted,
	)
	return nil
}

func newValidateCommand(logger logging.Logger) *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a parameter file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger.Infow("parameter file is valid",
				"path", configPath,
				"target_tag_ids", cfg.TargetTagIDs,
				"landmark_map", cfg.LandmarkMap,
			)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "parameter file (YAML)")
	//nolint:errcheck
	cmd.MarkFlagRequired("config")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		RunE: func(cmd *cobra.Command, args []string) error {
			version := Version
			if GitRevision != "" {
				version += " (" + GitRevision + ")"
			}
			_, err := io.WriteString(cmd.OutOrStdout(), version+"\n")
			return err
		},
	}
}

func openInput(path string, stdin io.Reader) (io.Reader, func() error, error) {
	if path == "-" {
		return stdin, func() error { return nil }, nil
	}
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.Wrap(err, "error opening input")
	}
	return f, f.Close, nil
}

func openOutput(path string, stdout io.Writer) (io.Writer, func() error, error) {
	if path == "-" {
		return stdout, func() error { return nil }, nil
	}
	//nolint:gosec
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, errors.Wrap(err, "error creating output")
	}
	return f, f.Close, nil
}
