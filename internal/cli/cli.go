// ============================================================================
// hive-exec CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands for running nodes and operating a coordinator
//
// Command Structure:
//   hive                           # Root command
//   ├── run                        # Start a node
//   │   └── --mode                 # standalone | coordinator | worker
//   ├── enqueue                    # Submit jobs from a JSON file
//   │   └── --file, -f
//   ├── status                     # Jobs and workers of a coordinator
//   ├── abort <job-id>             # Abort a job
//   ├── snapshot <job-id>          # Request a snapshot of a running job
//   ├── modules                    # Resolve the modules this binary can run
//   ├── --config, -c               # YAML config file (defaults when empty)
//   └── --version
//
// Configuration (YAML, every field optional):
//   worker:        id, name, max_jobs, heartbeat_interval, abort_timeout,
//                  snapshot_dir, module_dir
//   coordinator:   listen, data_dir, heartbeat_timeout, liveness_interval,
//                  max_attempts
//   communicator:  address, call_timeout, max_retries, retry_backoff
//   metrics:       enabled, port
//   log:           level, json
//
// enqueue job file:
//   [
//     {
//       "id": "rs-1",                       # optional, a uuid is assigned
//       "entry": "randomsearch.run",
//       "modules": [{"name": "Algorithms.RandomSearch", "version": "3.3"}],
//       "payload": {"function": "sphere", "dimensions": 4, "iterations": 10000}
//     }
//   ]
//
// Operator commands talk to communicator.address over gRPC.
//
// Signal Handling:
//   run stops on SIGINT or SIGTERM: the worker tears down its contexts, the
//   RPC server drains calls in flight, the coordinator closes its store.
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/hive-exec/internal/log"
	"github.com/ChuLiYu/hive-exec/internal/module"
	"github.com/ChuLiYu/hive-exec/internal/rpc"
	"github.com/ChuLiYu/hive-exec/pkg/types"
)

// Version is reported by --version
var Version = "1.0.0"

const callTimeout = 10 * time.Second

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "hive",
		Short: "hive: distributed execution of optimization jobs",
		Long: `hive runs optimization jobs on a pool of workers:
- a coordinator queues jobs and hands them to workers
- workers resolve the modules a job needs and run it in its own context
- running jobs can be aborted or snapshotted from the command line`,
		Version:      Version,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildEnqueueCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildControlCommand("abort", "Abort a job", rpc.OpAbort))
	rootCmd.AddCommand(buildControlCommand("snapshot", "Request a snapshot of a running job", rpc.OpSnapshot))
	rootCmd.AddCommand(buildModulesCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	var mode string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a hive node",
		Long:  "Start a node in standalone, coordinator, or worker mode",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := parseMode(mode)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if err := log.Init(cfg.logConfig()); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runNode(ctx, cfg, m)
		},
	}

	cmd.Flags().StringVar(&mode, "mode", string(ModeStandalone), "node mode: standalone, coordinator, worker")
	return cmd
}

// runNode runs a node until ctx is done
func runNode(ctx context.Context, cfg *Config, mode Mode) error {
	n, err := newNode(cfg, mode)
	if err != nil {
		return err
	}
	if err := n.start(); err != nil {
		n.stop()
		return err
	}

	<-ctx.Done()
	n.logger.Info().Msg("Received shutdown signal, stopping gracefully")
	n.stop()
	return nil
}

// ============================================================================
// Operator commands
// ============================================================================

func dialCoordinator() (*rpc.Client, error) {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return rpc.Dial(cfg.Communicator.Address)
}

func buildEnqueueCommand() *cobra.Command {
	var jobFile string

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue jobs from a JSON file",
		Long:  "Read job definitions from a JSON file and submit them to the coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			if jobFile == "" {
				return fmt.Errorf("job file is required (use --file or -f)")
			}
			jobs, err := readJobFile(jobFile)
			if err != nil {
				return err
			}
			client, err := dialCoordinator()
			if err != nil {
				return err
			}
			defer client.Close()
			return enqueueJobs(cmd.Context(), client, jobs, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&jobFile, "file", "f", "", "JSON file containing job definitions")
	cmd.MarkFlagRequired("file")
	return cmd
}

type jobInput struct {
	ID      string            `json:"id"`
	Entry   string            `json:"entry"`
	Modules []types.ModuleRef `json:"modules"`
	Payload json.RawMessage   `json:"payload"`
}

func readJobFile(path string) ([]types.Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}

	var inputs []jobInput
	if err := json.Unmarshal(data, &inputs); err != nil {
		return nil, fmt.Errorf("failed to parse job file: %w", err)
	}

	jobs := make([]types.Job, 0, len(inputs))
	for i, in := range inputs {
		if in.Entry == "" {
			return nil, fmt.Errorf("job %d in %s has no entry", i, path)
		}
		jobs = append(jobs, types.Job{
			ID:      types.JobID(in.ID),
			Entry:   in.Entry,
			Modules: in.Modules,
			Payload: []byte(in.Payload),
		})
	}
	return jobs, nil
}

// enqueueJobs submits every job; a rejected job does not stop the rest
func enqueueJobs(ctx context.Context, client *rpc.Client, jobs []types.Job, out io.Writer) error {
	submitted := 0
	for _, job := range jobs {
		callCtx, cancel := context.WithTimeout(ctx, callTimeout)
		id, err := client.SubmitJob(callCtx, job)
		cancel()
		if err != nil {
			fmt.Fprintf(out, "failed to submit job %s: %v\n", job.ID, err)
			continue
		}
		fmt.Fprintf(out, "submitted %s (%s)\n", id, job.Entry)
		submitted++
	}

	fmt.Fprintf(out, "%d/%d jobs submitted\n", submitted, len(jobs))
	if submitted < len(jobs) {
		return fmt.Errorf("%d job(s) rejected", len(jobs)-submitted)
	}
	return nil
}

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show coordinator status",
		Long:  "Display the jobs and workers known to the coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialCoordinator()
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), callTimeout)
			defer cancel()
			st, err := client.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get status: %w", err)
			}
			printStatus(cmd.OutOrStdout(), st, time.Now())
			return nil
		},
	}
}

var statusOrder = []types.JobStatus{
	types.StatusWaiting, types.StatusCalculating, types.StatusFinished, types.StatusAborted, types.StatusFailed,
}

func printStatus(out io.Writer, st *rpc.StatusResponse, now time.Time) {
	stats := st.Stats()
	counts := make([]string, 0, len(statusOrder))
	for _, s := range statusOrder {
		counts = append(counts, fmt.Sprintf("%s %d", s, stats[s]))
	}
	fmt.Fprintf(out, "Jobs: %d (%s)\n\n", len(st.Jobs), strings.Join(counts, ", "))

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "JOB\tENTRY\tSTATUS\tPROGRESS\tWORKER\tATTEMPT\tERROR")
	for _, job := range st.Jobs {
		errText := job.Error
		if job.ErrorKind != types.ErrorNone {
			errText = fmt.Sprintf("%s: %s", job.ErrorKind, job.Error)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%.1f%%\t%s\t%d\t%s\n",
			job.ID, job.Entry, job.Status, job.Progress, job.WorkerID, job.Attempt, errText)
	}
	w.Flush()

	fmt.Fprintf(out, "\nWorkers: %d\n\n", len(st.Workers))
	w = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "WORKER\tNAME\tONLINE\tJOBS\tCORES\tLAST HEARTBEAT")
	for _, r := range st.Workers {
		fmt.Fprintf(w, "%s\t%s\t%t\t%d/%d\t%d\t%s ago\n",
			r.ID, r.Name, r.Online, r.JobCount, r.MaxJobs, r.Cores, r.HeartbeatAge(now).Round(time.Second))
	}
	w.Flush()
}

func buildControlCommand(use, short, op string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <job-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialCoordinator()
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), callTimeout)
			defer cancel()

			id := types.JobID(args[0])
			if op == rpc.OpAbort {
				err = client.AbortJob(ctx, id)
			} else {
				err = client.RequestSnapshot(ctx, id)
			}
			if err != nil {
				return fmt.Errorf("%s %s: %w", use, id, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s requested for %s\n", use, id)
			return nil
		},
	}
}

// ============================================================================
// modules
// ============================================================================

func buildModulesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "modules",
		Short: "List the modules this worker can load",
		Long:  "Discover and resolve the bundled modules and those under worker.module_dir",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return listModules(cmd.OutOrStdout(), newPipeline(cfg.Worker.ModuleDir))
		},
	}
}

func listModules(out io.Writer, pipeline *module.Pipeline) error {
	result, err := pipeline.Refresh()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "MODULE\tVERSION\tSTATE\tPROVIDES\tREASON")
	for _, d := range result.Enabled {
		provides := append([]string(nil), d.Provides...)
		sort.Strings(provides)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t\n", d.Name, d.Version, d.State, strings.Join(provides, ","))
	}
	for _, d := range result.Disabled {
		fmt.Fprintf(w, "%s\t%s\t%s\t\t%v\n", d.Name, d.Version, d.State, d.Reason)
	}
	w.Flush()

	if report := pipeline.Report(); report != nil {
		for _, merr := range report.Errors {
			fmt.Fprintf(out, "rejected: %v\n", merr)
		}
	}

	order := make([]string, 0, len(result.LoadOrder))
	for _, d := range result.LoadOrder {
		order = append(order, d.ID())
	}
	fmt.Fprintf(out, "load order: %s\n", strings.Join(order, " -> "))
	return nil
}
