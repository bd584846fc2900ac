// ============================================================================
// lattice-dispatch CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands that plan, run and inspect dispatches
//
// Command Structure:
//   lattice-dispatch                 # Root command
//   ├── dispatch -f <file>           # Plan a lattice file and run it
//   │   └── --plan-only              # Store the dispatch without running it
//   ├── redispatch <dispatch-id>     # Run a stored dispatch again
//   ├── status [dispatch-id]         # List dispatches or show one
//   ├── cancel <dispatch-id>         # Request cancellation
//   ├── worker --listen <addr>       # Serve local functions over gRPC
//   └── --config, -c                 # Config file (default configs/default.yaml)
//
// Lattice files:
//   .yaml / .yml / .json / .hcl, see internal/lattice.
//
// Process supervision:
//   dispatch, redispatch and worker run their main task and the metrics
//   server in one errgroup; SIGINT/SIGTERM cancel the root context.
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ChuLiYu/lattice-dispatch/internal/executor"
	"github.com/ChuLiYu/lattice-dispatch/internal/lattice"
	"github.com/ChuLiYu/lattice-dispatch/internal/server"
	"github.com/ChuLiYu/lattice-dispatch/internal/store"
	"github.com/ChuLiYu/lattice-dispatch/pkg/types"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// ErrDispatchFailed the dispatch ended in a status other than COMPLETED.
var ErrDispatchFailed = errors.New("dispatch did not complete")

const defaultConfigPath = "configs/default.yaml"

type rootOptions struct {
	configFile string
	cfg        *Config
}

func BuildCLI() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "lattice-dispatch",
		Short: "lattice-dispatch: a DAG workflow dispatcher",
		Long: `lattice-dispatch runs workflows (lattices) of tasks (electrons) with:
- dependency-aware parallel submission
- pluggable local and gRPC executors
- nested sublattice dispatches
- journaled or Badger-backed result storage`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(opts.configFile, cmd.Flags().Changed("config"))
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Log, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			opts.cfg = cfg
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", defaultConfigPath, "config file path")

	rootCmd.AddCommand(buildDispatchCommand(opts))
	rootCmd.AddCommand(buildRedispatchCommand(opts))
	rootCmd.AddCommand(buildStatusCommand(opts))
	rootCmd.AddCommand(buildCancelCommand(opts))
	rootCmd.AddCommand(buildWorkerCommand(opts))

	return rootCmd
}

// ============================================================================
// dispatch / redispatch
// ============================================================================

func buildDispatchCommand(opts *rootOptions) *cobra.Command {
	var file string
	var planOnly bool

	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Plan a lattice file and run it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDispatch(cmd.Context(), cmd.OutOrStdout(), opts.cfg, file, planOnly)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "lattice file (.yaml, .json or .hcl)")
	cmd.Flags().BoolVar(&planOnly, "plan-only", false, "store the dispatch without running it")
	cmd.MarkFlagRequired("file")
	return cmd
}

func runDispatch(ctx context.Context, out io.Writer, cfg *Config, file string, planOnly bool) error {
	spec, err := lattice.Load(file)
	if err != nil {
		return err
	}

	a, err := newApp(cfg, filepath.Dir(file))
	if err != nil {
		return err
	}
	defer a.Close()

	id, err := a.dispatcher.Plan(ctx, spec)
	if err != nil {
		return fmt.Errorf("failed to plan %s: %w", file, err)
	}
	fmt.Fprintf(out, "dispatch_id: %s\n", id)

	if planOnly {
		return a.store.PersistResult(ctx, id)
	}
	return a.run(ctx, out, id)
}

func buildRedispatchCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "redispatch <dispatch-id>",
		Short: "Run a stored dispatch; a completed one is only finalized",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wd, err := os.Getwd()
			if err != nil {
				return err
			}
			a, err := newApp(opts.cfg, wd)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.run(cmd.Context(), cmd.OutOrStdout(), types.DispatchID(args[0]))
		},
	}
}

// run executes id next to the metrics server and prints the outcome.
func (a *app) run(ctx context.Context, out io.Writer, id types.DispatchID) error {
	g, gctx := errgroup.WithContext(ctx)
	metricsCtx, stopMetrics := context.WithCancel(gctx)
	defer stopMetrics()

	var (
		status types.Status
		runErr error
	)
	g.Go(func() error {
		return a.serveMetrics(metricsCtx)
	})
	g.Go(func() error {
		defer stopMetrics()
		h := a.dispatcher.RunDispatch(gctx, id)
		<-h.Done()
		status, runErr = h.Wait(context.Background())
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	if status != "" {
		if err := printDispatch(ctx, out, a.store, id); err != nil {
			return err
		}
	}
	if runErr != nil {
		return runErr
	}
	if status != types.StatusCompleted {
		return fmt.Errorf("%w: %s ended %s", ErrDispatchFailed, id, status)
	}
	return nil
}

// ============================================================================
// status / cancel
// ============================================================================

func buildStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status [dispatch-id]",
		Short: "Show dispatch status",
		Long:  "Without arguments list every stored dispatch; with an id show its nodes and result",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore(opts.cfg.Store)
			if err != nil {
				return err
			}
			defer s.Close()

			if len(args) == 1 {
				return printDispatch(cmd.Context(), cmd.OutOrStdout(), s, types.DispatchID(args[0]))
			}
			return printDispatchList(cmd.Context(), cmd.OutOrStdout(), s)
		},
	}
}

func buildCancelCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <dispatch-id>",
		Short: "Request cancellation of a dispatch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts.cfg, ".")
			if err != nil {
				return err
			}
			defer a.Close()

			id := types.DispatchID(args[0])
			if _, err := a.store.GetDispatch(cmd.Context(), id); err != nil {
				return err
			}
			if err := a.dispatcher.CancelWorkflow(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancellation requested for %s; running tasks are not interrupted\n", id)
			return nil
		},
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}

func printDispatch(ctx context.Context, out io.Writer, s store.Store, id types.DispatchID) error {
	d, err := s.GetDispatch(ctx, id)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "dispatch:  %s\n", d.ID)
	fmt.Fprintf(out, "name:      %s\n", d.Name)
	fmt.Fprintf(out, "status:    %s\n", d.Status)
	fmt.Fprintf(out, "root:      %s\n", d.RootID)
	if d.IsSubdispatch() {
		fmt.Fprintf(out, "parent:    %s node %d\n", d.ParentID, d.ParentNodeID)
	}
	fmt.Fprintf(out, "started:   %s\n", formatTime(d.StartTime))
	fmt.Fprintf(out, "ended:     %s\n", formatTime(d.EndTime))
	fmt.Fprintf(out, "completed: %d/%d\n", d.CompletedElectronNum, d.NumNodes)
	if d.Error != "" {
		fmt.Fprintf(out, "error:\n%s\n", d.Error)
	}
	if d.Result != nil {
		fmt.Fprintf(out, "result:    %s\n", d.Result)
	}
	fmt.Fprintln(out)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NODE\tNAME\tSTATUS\tEXECUTOR\tOUTPUT\tERROR")
	for i := 0; i < d.NumNodes; i++ {
		n, err := s.GetNode(ctx, id, types.NodeID(i))
		if err != nil {
			return err
		}
		output := string(n.Output)
		if n.SubDispatchID != "" {
			output += " (sub " + string(n.SubDispatchID) + ")"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", n.ID, n.Name, n.Status, n.Executor, output, firstLine(n.Error))
	}
	return tw.Flush()
}

func printDispatchList(ctx context.Context, out io.Writer, s store.Store) error {
	ds, err := s.ListDispatches(ctx)
	if err != nil {
		return err
	}
	if len(ds) == 0 {
		fmt.Fprintln(out, "no dispatches")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DISPATCH\tNAME\tSTATUS\tCOMPLETED\tPARENT\tCREATED")
	for _, d := range ds {
		parent := "-"
		if d.IsSubdispatch() {
			parent = string(d.ParentID)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\t%s\n", d.ID, d.Name, d.Status, d.CompletedElectronNum, d.NumNodes, parent, d.CreatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

// ============================================================================
// worker
// ============================================================================

func buildWorkerCommand(opts *rootOptions) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Serve the local function table to gRPC executors",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), opts.cfg, listen)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", ":50061", "address to listen on")
	return cmd
}

func runWorker(ctx context.Context, cfg *Config, listen string) error {
	wd, err := os.Getwd()
	if err != nil {
		return err
	}
	local, err := executor.NewLocal(localFunctions(wd), cfg.Executors[executor.KindLocal])
	if err != nil {
		return err
	}

	lis, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", listen, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	srv := server.NewServer(local)
	g.Go(func() error {
		return srv.Serve(gctx, lis)
	})
	if cfg.Metrics.Enabled {
		g.Go(func() error {
			return serveWorkerMetrics(gctx, cfg.Metrics.Port)
		})
	}
	err = g.Wait()

	for _, c := range srv.Clients() {
		slog.Info("client summary", "address", c.Address, "calls", c.Calls, "failures", c.Failures)
	}
	return err
}
