package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/clock/system"
	"github.com/JakeFAU/catalog-harvester/internal/config"
	"github.com/JakeFAU/catalog-harvester/internal/harvest"
	"github.com/JakeFAU/catalog-harvester/internal/id/uuid"
	"github.com/JakeFAU/catalog-harvester/internal/logging"
	"github.com/JakeFAU/catalog-harvester/internal/telemetry"
)

const (
	serviceName     = "catalog-harvester"
	shutdownTimeout = 10 * time.Second
)

// flagBindings maps harvest flags onto config keys.
var flagBindings = map[string]string{
	"tag":         "harvest.tag",
	"root":        "harvest.root_path",
	"strategy":    "harvest.strategy",
	"concurrency": "harvest.max_concurrency",
	"site":        "harvest.site_base",
	"status-addr": "status.addr",
}

// newHarvestCmd creates the 'harvest' subcommand.
func newHarvestCmd(v *viper.Viper, cfgFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "harvest",
		Short: "Harvests every item listed under a tag",
		Long: `Checks that the site is reachable, creates the job root directory,
enumerates the tag's index pages and their items, and writes about.txt and
result.txt for every item. Item failures are reported in the summary; the
command fails only when the job is aborted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHarvest(cmd, v, *cfgFile)
		},
	}

	flags := cmd.Flags()
	flags.String("tag", "", "catalog tag to harvest")
	flags.String("root", "", "job root directory (default <tag>_<date>_<strategy>)")
	flags.String("strategy", "", "execution strategy: sequential, cooperative, pool or hybrid")
	flags.Int("concurrency", 0, "maximum simultaneous requests")
	flags.String("site", "", "site base URL")
	flags.String("status-addr", "", "serve the status API on this address")
	return cmd
}

func runHarvest(cmd *cobra.Command, v *viper.Viper, cfgFile string) error {
	for name, key := range flagBindings {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	cfg, err := config.LoadWith(v, cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := telemetry.InitTracerProvider(ctx, serviceName, Version)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tp.Shutdown(sctx); err != nil {
			logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	services, err := newApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := services.Close(sctx); err != nil {
			logger.Warn("service shutdown failed", zap.Error(err))
		}
	}()

	jobID, err := uuid.New().NewID()
	if err != nil {
		return fmt.Errorf("generate job id: %w", err)
	}
	job := cfg.Job(jobID, system.New().Now())
	orch, err := services.NewOrchestrator(job)
	if err != nil {
		return fmt.Errorf("build orchestrator: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	status, err := services.StartStatusServer(orch, cancel)
	if err != nil {
		return err
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer scancel()
		if err := status.Shutdown(sctx); err != nil {
			logger.Warn("status server shutdown failed", zap.Error(err))
		}
	}()

	runCtx, span := telemetry.StartJobSpan(runCtx, job.ID, cfg.Harvest.Strategy)
	summary, runErr := orch.Run(runCtx)
	span.End()

	rctx, rcancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer rcancel()
	if err := services.RecordJob(rctx, summary); err != nil {
		logger.Warn("record job failed", zap.String("job_id", job.ID), zap.Error(err))
	}

	printSummary(cmd.OutOrStdout(), job.RootPath, summary)
	if runErr != nil {
		return fmt.Errorf("harvest aborted (%s): %w", summary.AbortKind, runErr)
	}
	return nil
}

func printSummary(w io.Writer, root string, s harvest.Summary) {
	fmt.Fprintf(w, "%s: %d pages, %d items, %d succeeded, %d failed", root, s.Pages, s.Discovered, s.Succeeded, s.Failed)
	if s.Skipped > 0 {
		fmt.Fprintf(w, ", %d skipped", s.Skipped)
	}
	fmt.Fprintln(w)
	for _, f := range s.Failures {
		fmt.Fprintf(w, "  %s [%s]: %v\n", f.Name, f.Kind, f.Err)
	}
	fmt.Fprintf(w, "Done in %s\n", s.Elapsed.Round(time.Millisecond))
}
