package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"rubric/internal/bootstrap"
	"rubric/internal/modules/datasets/dto"
	"rubric/internal/platform/config"
	"rubric/internal/platform/logging"
	"rubric/internal/platform/tracing"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type globalFlags struct {
	dataDir     string
	configPath  string
	output      string
	dumpMetrics bool
	trace       bool
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:           "rubric",
		Short:         "Dataset registry backed by a search index",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.dataDir, "data-dir", ".", "data directory")
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "config file (default <data-dir>/rubric.yaml)")
	root.PersistentFlags().StringVarP(&flags.output, "output", "o", "text", "output format: text|yaml|json")
	root.PersistentFlags().BoolVar(&flags.dumpMetrics, "metrics", false, "print index metrics to stderr on exit")
	root.PersistentFlags().BoolVar(&flags.trace, "trace", false, "write index spans to stderr")

	root.AddCommand(newDatasetCmd(flags))
	root.AddCommand(newIndexCmd(flags))
	return root
}

// withApp builds the application for one command run and tears it down
// afterwards.
func withApp(cmd *cobra.Command, flags *globalFlags, fn func(context.Context, *bootstrap.App) error) error {
	configPath := flags.configPath
	if configPath == "" {
		configPath = filepath.Join(flags.dataDir, "rubric.yaml")
	}
	cfg, err := config.Load(flags.dataDir, configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if flags.trace {
		provider, err := tracing.Setup("rubric", cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = provider.Shutdown(shutdownCtx)
		}()
	}

	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()

	runErr := fn(ctx, app)
	if flags.dumpMetrics {
		if err := writeMetrics(cmd.ErrOrStderr(), app.Metrics); err != nil && runErr == nil {
			runErr = err
		}
	}
	return runErr
}

func newDatasetCmd(flags *globalFlags) *cobra.Command {
	dataset := &cobra.Command{Use: "dataset", Short: "Dataset commands"}

	var owner, task string
	var tags map[string]string
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a dataset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, app *bootstrap.App) error {
				out, err := app.DatasetsCLI.Create(ctx, args[0], owner, task, tags)
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), flags.output, out)
			})
		},
	}
	create.Flags().StringVar(&owner, "owner", "", "dataset owner (optional)")
	create.Flags().StringVar(&task, "task", "text_classification", "task: text_classification|token_classification|text2text")
	create.Flags().StringToStringVar(&tags, "tag", nil, "tags as key=value")

	var showOwner string
	show := &cobra.Command{
		Use:   "show <name>",
		Short: "Show a dataset by name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, app *bootstrap.App) error {
				out, err := app.DatasetsCLI.Show(ctx, args[0], showOwner)
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), flags.output, out)
			})
		},
	}
	show.Flags().StringVar(&showOwner, "owner", "", "owner hint")

	var owners []string
	list := &cobra.Command{
		Use:   "list",
		Short: "List datasets",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, flags, func(ctx context.Context, app *bootstrap.App) error {
				out, err := app.DatasetsCLI.List(ctx, owners)
				if err != nil {
					return err
				}
				if flags.output == "text" && len(out) == 0 {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), "no datasets")
					return nil
				}
				return renderList(cmd.OutOrStdout(), flags.output, out)
			})
		},
	}
	list.Flags().StringSliceVar(&owners, "owner", nil, "only datasets owned by these owners")

	var updateTags, updateMeta map[string]string
	update := &cobra.Command{
		Use:   "update <name>",
		Short: "Merge tags and metadata into a dataset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			metadata := make(map[string]any, len(updateMeta))
			for k, v := range updateMeta {
				metadata[k] = v
			}
			return withApp(cmd, flags, func(ctx context.Context, app *bootstrap.App) error {
				out, err := app.DatasetsCLI.Update(ctx, args[0], updateTags, metadata)
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), flags.output, out)
			})
		},
	}
	update.Flags().StringToStringVar(&updateTags, "tag", nil, "tags as key=value")
	update.Flags().StringToStringVar(&updateMeta, "meta", nil, "metadata as key=value")

	remove := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a dataset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, app *bootstrap.App) error {
				if err := app.DatasetsCLI.Delete(ctx, args[0]); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return nil
			})
		},
	}

	dataset.AddCommand(create, show, list, update, remove)
	return dataset
}

func newIndexCmd(flags *globalFlags) *cobra.Command {
	index := &cobra.Command{Use: "index", Short: "Index maintenance"}
	index.AddCommand(&cobra.Command{
		Use:   "refresh",
		Short: "Make every write visible to lookups",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, flags, func(ctx context.Context, app *bootstrap.App) error {
				if err := app.DatasetsCLI.Refresh(ctx); err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "refreshed")
				return nil
			})
		},
	})
	return index
}

func render(w io.Writer, format string, out dto.DatasetOutput) error {
	switch format {
	case "text":
		owner := out.Owner
		if owner == "" {
			owner = "-"
		}
		_, _ = fmt.Fprintf(w, "name: %s\nowner: %s\ntask: %s\nid: %s\ncreated: %s\nupdated: %s\nversion: %d\n",
			out.Name, owner, out.Task, out.ID,
			out.CreatedAt.Format(time.RFC3339), out.LastUpdated.Format(time.RFC3339), out.Version)
		for _, k := range sortedKeys(out.Tags) {
			_, _ = fmt.Fprintf(w, "tag: %s=%s\n", k, out.Tags[k])
		}
		return nil
	default:
		return encode(w, format, out)
	}
}

func renderList(w io.Writer, format string, out []dto.DatasetOutput) error {
	if format != "text" {
		return encode(w, format, out)
	}
	for _, d := range out {
		owner := d.Owner
		if owner == "" {
			owner = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.Name, owner, d.Task, d.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

func encode(w io.Writer, format string, v any) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unsupported output format %q", format)
	}
}

// writeMetrics dumps registry in the Prometheus text exposition format.
func writeMetrics(w io.Writer, registry *prometheus.Registry) error {
	families, err := registry.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, family := range families {
		if err := enc.Encode(family); err != nil {
			return fmt.Errorf("encode metrics: %w", err)
		}
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
