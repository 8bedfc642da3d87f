package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/spiderexpress/spiderexpress-go/spider"
	"github.com/spiderexpress/spiderexpress-go/spider/emit"
	"github.com/spiderexpress/spiderexpress-go/spider/store"
)

var startCmd = &cobra.Command{
	Use:   "start <config-path>",
	Short: "Run a crawl to completion",
	Long: "start loads the project configuration, bootstraps or resumes the seed\n" +
		"queue and runs (gather, sample) iterations until the iteration budget\n" +
		"is reached or the frontier stays empty. SIGINT stops cleanly between\n" +
		"batches; the next start resumes from the last committed iteration.",
	Args: exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := spider.LoadConfig(args[0])
		if err != nil {
			return err
		}

		registry, err := buildRegistry()
		if err != nil {
			return err
		}

		st, err := store.Open(cfg.DBURL, cfg.DBSchema, cfg.LayerSchemas())
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()

		engine, err := spider.New(cfg, st, registry,
			spider.WithEmitter(emit.NewLogEmitter(os.Stderr, jsonLogs)),
			spider.WithMetrics(spider.NewMetrics(prometheus.DefaultRegisterer)),
		)
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		fmt.Fprintln(os.Stderr, headerStyle.Render("spiderexpress")+" "+dimStyle.Render(cfg.String()))
		err = engine.Run(ctx)
		if errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, dimStyle.Render(
				fmt.Sprintf("interrupted at iteration %d; start again to resume", engine.Iteration())))
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stderr, headerStyle.Render("done")+" "+dimStyle.Render(
			fmt.Sprintf("%d iterations", engine.Iteration())))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(startCmd)
}
