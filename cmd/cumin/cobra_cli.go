// Command cumin — target-selection query engine and parallel command
// executor.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/freitascorp/cumin/pkg/command"
	"github.com/freitascorp/cumin/pkg/config"
	"github.com/freitascorp/cumin/pkg/executor"
	"github.com/freitascorp/cumin/pkg/history"
	"github.com/freitascorp/cumin/pkg/nodeset"
	"github.com/freitascorp/cumin/pkg/target"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "cumin",
		Short: "cumin — target-selection query engine and parallel command executor",
		Long: `cumin resolves a target-selection query against one or more backends
(direct host/group expressions, known_hosts, PuppetDB, OpenStack) and
fans a list of commands out across the resulting hosts, synchronously
or asynchronously, with a configurable success threshold.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newRunCmd(),
		newQueryCmd(),
		newHistoryCmd(),
		newVersionCmd(),
	)

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			printVersion()
		},
	}
}

func newQueryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query <query>",
		Short: "Resolve a target-selection query and print the matching hosts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			resolver, err := buildResolver(cfg, getConfigPath())
			if err != nil {
				return err
			}
			ns, err := resolver.Resolve(context.Background(), args[0])
			if err != nil {
				return err
			}
			for _, h := range ns.Hosts() {
				fmt.Println(h)
			}
			return nil
		},
	}
	return cmd
}

func newRunCmd() *cobra.Command {
	var (
		flagCommands         []string
		flagMode             string
		flagBatchSize        string
		flagBatchSleep       time.Duration
		flagTimeout          time.Duration
		flagGlobalTimeout    time.Duration
		flagSuccessThreshold string
		flagIgnoreExitCodes  bool
		flagOutput           string
		flagDryRun           bool
		flagAskPass          bool
	)

	cmd := &cobra.Command{
		Use:   "run <query>",
		Short: "Execute one or more commands across a resolved query's hosts",
		Long: `Resolve <query> against the configured backends and run every -x
command across the result.

Examples:
  cumin run "D{web[1-3].example.com}" -x "uptime"
  cumin run "D{host1 or host2}" -x "systemctl restart nginx" --mode async --success-threshold 80%`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			resolver, err := buildResolver(cfg, getConfigPath())
			if err != nil {
				return err
			}
			ns, err := resolver.Resolve(context.Background(), args[0])
			if err != nil {
				return err
			}

			dryRun := flagDryRun || len(flagCommands) == 0
			if dryRun {
				for _, h := range ns.Hosts() {
					fmt.Println(h)
				}
				return nil
			}

			batchOpt, err := batchSizeOption(flagBatchSize)
			if err != nil {
				return err
			}
			var opts []target.Option
			if batchOpt != nil {
				opts = append(opts, batchOpt)
			}
			opts = append(opts, target.WithBatchSleep(flagBatchSleep))
			tgt, err := target.New(ns, opts...)
			if err != nil {
				return err
			}

			commands, err := buildCommands(flagCommands, flagTimeout, flagIgnoreExitCodes)
			if err != nil {
				return err
			}

			threshold, err := successThreshold(flagSuccessThreshold)
			if err != nil {
				return err
			}

			mode := executor.ModeSync
			if flagMode == "async" {
				mode = executor.ModeAsync
			}

			reporter, err := reporterFor(flagOutput)
			if err != nil {
				return err
			}

			var sshPassword string
			if flagAskPass {
				sshPassword, err = promptPassword()
				if err != nil {
					return err
				}
			}
			tr, err := buildTransport(cfg, sshPassword)
			if err != nil {
				return err
			}

			logger := newStderrLogger()
			ex := executor.New(tr, reporter, logger)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt)
			go func() {
				<-sig
				cancel()
			}()

			started := time.Now()
			exitCode, err := ex.Run(ctx, tgt, commands, executor.Config{
				Mode:             mode,
				SuccessThreshold: threshold,
				Fanout:           cfg.ClusterShell.Fanout,
				GlobalTimeout:    flagGlobalTimeout,
			})
			if err != nil {
				return err
			}

			recordRun(cfg, logger, args[0], commands, mode, ns, ex, started, exitCode)

			os.Exit(exitCode)
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&flagCommands, "command", "x", nil, "Command to execute (repeatable)")
	cmd.Flags().StringVar(&flagMode, "mode", "sync", "Execution mode: sync or async")
	cmd.Flags().StringVar(&flagBatchSize, "batch-size", "", "Sliding-window size: an integer, or a percentage like 50%")
	cmd.Flags().DurationVar(&flagBatchSleep, "batch-sleep", 0, "Delay between successive host starts")
	cmd.Flags().DurationVar(&flagTimeout, "timeout", 0, "Per-command timeout (default: none)")
	cmd.Flags().DurationVar(&flagGlobalTimeout, "global-timeout", 0, "Timeout for the whole run")
	cmd.Flags().StringVar(&flagSuccessThreshold, "success-threshold", "", "Minimum success share: 0-1 or a percentage (default 100%)")
	cmd.Flags().BoolVar(&flagIgnoreExitCodes, "ignore-exit-codes", false, "Accept every exit code as success")
	cmd.Flags().StringVar(&flagOutput, "output", "grouped", "Output format: grouped, text, json, quiet")
	cmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "Print the resolved hosts without executing")
	cmd.Flags().BoolVar(&flagAskPass, "ask-pass", false, "Prompt for an SSH password instead of key auth")

	return cmd
}

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect past runs recorded by the execution history store",
	}
	cmd.AddCommand(newHistoryListCmd(), newHistoryShowCmd())
	return cmd
}

func newHistoryListCmd() *cobra.Command {
	var flagRequester string
	var flagLimit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := buildHistoryStore(cfg, newStderrLogger())
			if err != nil {
				return err
			}
			defer store.Close()

			recs, err := store.ListExecutions(context.Background(), history.ListOptions{
				Requester: flagRequester,
				Limit:     flagLimit,
			})
			if err != nil {
				return err
			}
			for _, rec := range recs {
				fmt.Printf("%s\t%s\t%s\t%d hosts\texit %d\n", rec.ID, rec.StartedAt.Format(time.RFC3339), rec.Query, rec.NodeCount, rec.ExitCode)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&flagRequester, "requester", "", "Filter by requester")
	cmd.Flags().IntVar(&flagLimit, "limit", 20, "Maximum runs to list")
	return cmd
}

func newHistoryShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one recorded run in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := buildHistoryStore(cfg, newStderrLogger())
			if err != nil {
				return err
			}
			defer store.Close()

			rec, err := store.GetExecution(context.Background(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("query:      %s\n", rec.Query)
			fmt.Printf("commands:   %s\n", strings.Join(rec.Commands, "; "))
			fmt.Printf("mode:       %s\n", rec.Mode)
			fmt.Printf("requester:  %s\n", rec.Requester)
			fmt.Printf("started:    %s\n", rec.StartedAt.Format(time.RFC3339))
			fmt.Printf("finished:   %s\n", rec.FinishedAt.Format(time.RFC3339))
			fmt.Printf("exit code:  %d\n", rec.ExitCode)
			for _, hr := range rec.HostResults {
				fmt.Printf("  %s: %s\n", hr.Host, hr.State)
			}
			return nil
		},
	}
}

// buildCommands turns the -x flag values into command.Commands sharing
// the same --timeout and --ignore-exit-codes settings.
func buildCommands(texts []string, timeout time.Duration, ignoreExitCodes bool) ([]command.Command, error) {
	cmds := make([]command.Command, 0, len(texts))
	for _, text := range texts {
		c, err := command.New(text)
		if err != nil {
			return nil, err
		}
		if timeout > 0 {
			c = c.WithTimeout(timeout)
		}
		if ignoreExitCodes {
			c = c.WithOkCodes()
		}
		cmds = append(cmds, c)
	}
	return cmds, nil
}

// recordRun persists an ExecutionRecord if a history store is
// configured; failures to do so are logged, never fatal to the run.
func recordRun(cfg *config.Config, logger *slog.Logger, queryStr string, commands []command.Command, mode executor.Mode, ns nodeset.NodeSet, ex *executor.Executor, started time.Time, exitCode int) {
	store, err := buildHistoryStore(cfg, logger)
	if err != nil {
		logger.Warn("history store unavailable, run not recorded", "error", err)
		return
	}
	defer store.Close()

	hosts := ns.Hosts()
	results := make([]history.HostResult, 0, len(hosts))
	for _, h := range hosts {
		results = append(results, history.HostResult{Host: h, State: ex.State(h)})
	}

	texts := make([]string, 0, len(commands))
	for _, c := range commands {
		texts = append(texts, c.Text)
	}

	requester := os.Getenv("USER")

	rec := &history.ExecutionRecord{
		ID:          uuid.NewString(),
		Query:       queryStr,
		NodeCount:   len(hosts),
		Commands:    texts,
		Mode:        mode,
		Requester:   requester,
		StartedAt:   started,
		FinishedAt:  time.Now(),
		HostResults: results,
		ExitCode:    exitCode,
	}

	if err := store.RecordExecution(context.Background(), rec); err != nil {
		logger.Warn("failed to record execution history", "error", err)
	}
}
