package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"ForumScanner/internal/app"
	"ForumScanner/internal/config"
	"ForumScanner/internal/logging"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "forumscanner",
		Short:         "Crawl forum threads and rebuild quote-based reply trees",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.PersistentFlags().String("config", "", "path to YAML config (default $FORUM_SCANNER_CONFIG)")

	cmd.AddCommand(
		newCrawlCmd(),
		newTreeCmd(),
		newScheduleCmd(),
	)
	return cmd
}

func newCrawlCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Discover threads and ingest posts of every unfinished thread",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer application.Close()

			withTrees, _ := cmd.Flags().GetBool("trees")
			summary, err := application.Crawl(cmd.Context(), withTrees)
			fmt.Fprintln(cmd.OutOrStdout(), summary.String())
			return err
		},
	}
	cmd.Flags().Bool("trees", false, "rebuild reply trees after the crawl")
	return cmd
}

func newTreeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tree [thread-id...]",
		Short: "Rebuild reply trees from stored posts",
		RunE: func(cmd *cobra.Command, args []string) error {
			all, _ := cmd.Flags().GetBool("all")
			printTrees, _ := cmd.Flags().GetBool("print")

			ids, err := parseThreadIDs(args)
			if err != nil {
				return err
			}
			if len(ids) == 0 && !all {
				return errors.New("pass thread ids or --all")
			}
			if all {
				ids = nil
			}

			application, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer application.Close()

			if err := application.BuildTrees(cmd.Context(), ids); err != nil {
				return err
			}
			if !printTrees {
				return nil
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			for _, id := range ids {
				tree, err := application.ReplyTree(cmd.Context(), id)
				if err != nil {
					return err
				}
				if err := enc.Encode(tree); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().Bool("all", false, "rebuild every thread with stored posts")
	cmd.Flags().Bool("print", false, "print the rebuilt trees as JSON (explicit ids only)")
	return cmd
}

func newScheduleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "Resume crawls on the configured cron expression until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer application.Close()

			return application.Schedule(cmd.Context())
		},
	}
}

func openApp(cmd *cobra.Command) (*app.Application, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg := config.Load(path)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	return app.New(cmd.Context(), cfg, logger)
}

func parseThreadIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid thread id %q", arg)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
