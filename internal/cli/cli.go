package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"panoforge/internal/config"
	"panoforge/internal/fsutil"
	"panoforge/internal/pipeline"
	"panoforge/internal/server"
	"panoforge/internal/staging"
	"panoforge/internal/stitch"
	"panoforge/internal/storage"
	"panoforge/internal/watch"
)

const version = "1.0.0-dev"

type pipelineClient interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

type serverFunc func(ctx context.Context) error
type watchFunc func(ctx context.Context, root, outDir string, settle time.Duration) error

// Root wires CLI commands to the pipeline. The serve and watch entry
// points are function fields so tests can substitute them.
type Root struct {
	pipeline pipelineClient
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Store
	serveFn  serverFunc
	watchFn  watchFunc
}

// NewRoot constructs the CLI dispatcher.
func NewRoot(pl *pipeline.Pipeline, cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	r := &Root{
		pipeline: pl,
		cfg:      cfg,
		log:      logger,
		store:    store,
	}
	r.serveFn = func(ctx context.Context) error {
		stage, err := staging.New(cfg.Processing.TempDir, cfg.Upload.MaxFileSize, cfg.Upload.AllowedExtensions, logger)
		if err != nil {
			return err
		}
		return server.NewServer(cfg, store, pl, stage, logger).Start(ctx)
	}
	r.watchFn = func(ctx context.Context, root, outDir string, settle time.Duration) error {
		w, err := watch.New(root, outDir, settle, pl, logger)
		if err != nil {
			return err
		}
		return w.Run(ctx)
	}
	return r
}

// NewRootCmd creates the root Cobra command.
func NewRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "panoforge",
		Short: "Panoforge assembles 360° panoramas from overlapping photos",
		Long: `Panoforge stitches overlapping photo sets into spherical panoramas
projected onto a 2:1 equirectangular canvas. It runs as a one-shot CLI,
an HTTP service, or a hot-folder daemon.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newStitchCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func newStitchCmd(root *Root) *cobra.Command {
	var (
		quality    string
		format     string
		resolution string
	)

	cmd := &cobra.Command{
		Use:   "stitch <input_directory> [output_path]",
		Short: "Stitch a directory of photos into one panorama",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := args[0]
			output := ""
			if len(args) > 1 {
				output = args[1]
			}
			return root.cmdStitch(cmd.Context(), input, output, quality, format, resolution)
		},
	}

	cmd.Flags().StringVar(&quality, "quality", "medium", "preprocess quality tier (low, medium, high)")
	cmd.Flags().StringVar(&format, "format", "jpg", "output format (jpg, png)")
	cmd.Flags().StringVar(&resolution, "resolution", "2K", "equirectangular width (2K, 4K, 8K)")

	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP panorama service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.serveFn(cmd.Context())
		},
	}
}

func newWatchCmd(root *Root) *cobra.Command {
	var (
		outDir string
		settle time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch <hot_folder>",
		Short: "Watch a hot folder and stitch each settled shot set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.watchFn(cmd.Context(), args[0], outDir, settle)
		},
	}

	cmd.Flags().StringVar(&outDir, "output-dir", "", "directory for finished panoramas (default: next to each set)")
	cmd.Flags().DurationVar(&settle, "settle", 3*time.Second, "quiet period before a shot set is considered complete")

	return cmd
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or initialize configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the active configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow(cmd.OutOrStdout())
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configInit(cmd.OutOrStdout())
		},
	})
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "Panoforge v%s\n", version)
			fmt.Fprintf(cmd.OutOrStdout(), "Built with Go %s\n", runtime.Version())
			fmt.Fprintf(cmd.OutOrStdout(), "Preferred engine: %s\n", root.cfg.Stitch.Engine.Preferred)
		},
	}
}

func (r *Root) cmdStitch(ctx context.Context, input, output, quality, format, resolution string) error {
	if _, err := stitch.ParseQuality(quality); err != nil {
		return err
	}
	fmtTier, err := stitch.ParseFormat(format)
	if err != nil {
		return err
	}
	if _, err := stitch.ParseResolution(resolution); err != nil {
		return err
	}

	images, err := fsutil.ListImages(input)
	if err != nil {
		return fmt.Errorf("could not scan %s: %w", input, err)
	}
	if len(images) < 2 {
		return fmt.Errorf("%s contains %d images; at least 2 are required", input, len(images))
	}

	if output == "" {
		output = filepath.Join(input, "panorama_360."+string(fmtTier))
	}

	job := pipeline.Job{
		ID:     pipeline.NewID(pipeline.JobPanorama),
		Type:   pipeline.JobPanorama,
		Inputs: images,
		Output: output,
		Options: map[string]any{
			"quality":    quality,
			"format":     format,
			"resolution": resolution,
		},
	}

	r.log.Info("stitching", "input", input, "images", len(images), "output", output)
	if err := r.enqueueAndWait(ctx, job); err != nil {
		return err
	}
	fmt.Printf("Panorama written to %s\n", output)
	return nil
}

// enqueueAndWait submits a job and blocks until its result arrives.
func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) error {
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()

	if err := r.pipeline.Submit(job); err != nil {
		return err
	}
	r.log.Info("job queued", "type", job.Type, "id", job.ID)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return fmt.Errorf("pipeline stopped before completion")
			}
			if res.Job.ID == job.ID {
				return res.Error
			}
		}
	}
}

func (r *Root) configShow(w io.Writer) error {
	cfgPath := os.Getenv("PANOFORGE_CONFIG")
	if cfgPath == "" {
		cfgPath = "(default) ~/.config/panoforge/config.json"
	}
	fmt.Fprintf(w, "Config file: %s\n\n", cfgPath)

	data, err := json.MarshalIndent(r.cfg, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s\n", data)
	return nil
}

func (r *Root) configInit(w io.Writer) error {
	path, err := config.DefaultPath()
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config already exists at %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(config.Default(), "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(w, "Wrote default config to %s\n", path)
	return nil
}
