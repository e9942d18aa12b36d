package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/brianmichel/planter/internal/config"
	"github.com/brianmichel/planter/internal/events"
	"github.com/brianmichel/planter/internal/ipc"
	"github.com/brianmichel/planter/internal/protocol"
)

var socketPath string

func main() {
	root := &cobra.Command{
		Use:           "planter",
		Short:         "planter — sandboxed command cells",
		Long:          "Thin client for planterd: manages cells, runs jobs, streams logs, and attaches interactive shells.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&socketPath, "socket", "/tmp/planterd.sock", "Daemon socket path")

	root.AddCommand(
		versionCmd(),
		healthCmd(),
		cellCmd(),
		runCmd(),
		statusCmd(),
		killCmd(),
		logsCmd(),
		usageCmd(),
		eventsCmd(),
		shellCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "planter error: %v\n", err)
		os.Exit(1)
	}
}

// dial opens a fresh daemon connection; each CLI invocation uses its own.
func dial() (*ipc.Client, error) {
	c, err := ipc.Connect(socketPath)
	if err != nil {
		return nil, fmt.Errorf("daemon not reachable: %w", err)
	}
	return c, nil
}

// call performs one request and unwraps error responses.
func call(req protocol.Request) (protocol.Response, error) {
	c, err := dial()
	if err != nil {
		return protocol.Response{}, err
	}
	defer c.Close()
	resp, err := c.Call(req)
	if err != nil {
		return protocol.Response{}, err
	}
	if respErr := resp.Err(); respErr != nil {
		return protocol.Response{}, respErr
	}
	return resp, nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show daemon version and protocol",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := call(protocol.Request{Type: protocol.ReqVersion})
			if err != nil {
				return err
			}
			fmt.Printf("daemon:   %s\nprotocol: %d\n", resp.Daemon, resp.Protocol)
			return nil
		},
	}
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check daemon health",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := call(protocol.Request{Type: protocol.ReqHealth})
			if err != nil {
				return err
			}
			fmt.Println(resp.Status)
			return nil
		},
	}
}

func cellCmd() *cobra.Command {
	cell := &cobra.Command{
		Use:   "cell",
		Short: "Manage cells",
	}

	var envFlags []string
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a cell",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env := make(map[string]string)
			for _, kv := range envFlags {
				key, value, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("invalid --env value %q, want KEY=VALUE", kv)
				}
				env[key] = value
			}
			resp, err := call(protocol.Request{
				Type: protocol.ReqCellCreate,
				Spec: &protocol.CellSpec{Name: args[0], Env: env},
			})
			if err != nil {
				return err
			}
			fmt.Printf("created %s (%s)\n", resp.Cell.ID, resp.Cell.Dir)
			return nil
		},
	}
	create.Flags().StringArrayVar(&envFlags, "env", nil, "Cell environment entry KEY=VALUE (repeatable)")

	var forceRemove bool
	remove := &cobra.Command{
		Use:   "rm <cell-id>",
		Short: "Remove a cell",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := call(protocol.Request{
				Type:   protocol.ReqCellRemove,
				CellID: protocol.CellID(args[0]),
				Force:  forceRemove,
			})
			if err != nil {
				return err
			}
			fmt.Printf("removed %s\n", resp.CellID)
			return nil
		},
	}
	remove.Flags().BoolVar(&forceRemove, "force", false, "Kill running jobs and remove anyway")

	cell.AddCommand(create, remove)
	return cell
}

func runCmd() *cobra.Command {
	var cwd string
	var envFlags []string
	cmd := &cobra.Command{
		Use:   "run <cell-id> -- <argv...>",
		Short: "Run a command in a cell",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			env := make(map[string]string)
			for _, kv := range envFlags {
				key, value, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("invalid --env value %q, want KEY=VALUE", kv)
				}
				env[key] = value
			}
			resp, err := call(protocol.Request{
				Type:   protocol.ReqJobRun,
				CellID: protocol.CellID(args[0]),
				Cmd: &protocol.CommandSpec{
					Argv: args[1:],
					Cwd:  cwd,
					Env:  env,
				},
			})
			if err != nil {
				return err
			}
			fmt.Printf("started %s (pid %s)\n", resp.Job.ID, formatPID(resp.Job.PID))
			return nil
		},
	}
	cmd.Flags().StringVar(&cwd, "cwd", "", "Working directory for the command")
	cmd.Flags().StringArrayVar(&envFlags, "env", nil, "Environment entry KEY=VALUE (repeatable)")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show job status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := call(protocol.Request{
				Type:  protocol.ReqJobStatus,
				JobID: protocol.JobID(args[0]),
			})
			if err != nil {
				return err
			}
			printJob(resp.Job)
			return nil
		},
	}
}

func killCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "kill <job-id>",
		Short: "Kill a running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := call(protocol.Request{
				Type:  protocol.ReqJobKill,
				JobID: protocol.JobID(args[0]),
				Force: force,
			})
			if err != nil {
				return err
			}
			fmt.Printf("killed %s with %s\n", resp.JobID, resp.Signal)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Skip TERM and send KILL immediately")
	return cmd
}

func logsCmd() *cobra.Command {
	var stderrFlag, follow bool
	cmd := &cobra.Command{
		Use:   "logs <job-id>",
		Short: "Print job output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stream := protocol.StreamStdout
			if stderrFlag {
				stream = protocol.StreamStderr
			}

			c, err := dial()
			if err != nil {
				return err
			}
			defer c.Close()

			var offset uint64
			for {
				resp, err := c.Call(protocol.Request{
					Type:     protocol.ReqLogsRead,
					JobID:    protocol.JobID(args[0]),
					Stream:   stream,
					Offset:   offset,
					MaxBytes: 64 * 1024,
					Follow:   follow,
					WaitMs:   1000,
				})
				if err != nil {
					return err
				}
				if respErr := resp.Err(); respErr != nil {
					return respErr
				}
				os.Stdout.Write(resp.Data)
				offset += uint64(len(resp.Data))
				if resp.Complete || (!follow && resp.EOF) {
					return nil
				}
				if len(resp.Data) == 0 && !follow {
					return nil
				}
			}
		},
	}
	cmd.Flags().BoolVar(&stderrFlag, "stderr", false, "Read the stderr stream")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep reading until the job finishes")
	return cmd
}

func usageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "usage <job-id>",
		Short: "Sample job resource usage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := call(protocol.Request{
				Type:  protocol.ReqJobUsage,
				JobID: protocol.JobID(args[0]),
			})
			if err != nil {
				return err
			}
			if resp.RSSBytes != nil {
				fmt.Printf("rss: %d bytes\n", *resp.RSSBytes)
			} else {
				fmt.Println("rss: unavailable")
			}
			return nil
		},
	}
}

func eventsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "events [entity]",
		Short: "List lifecycle events from the journal",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			journal, err := events.Open(filepath.Join(config.DefaultStateDir(), "planter.db"))
			if err != nil {
				return err
			}
			defer journal.Close()

			var entries []*events.Entry
			if len(args) == 1 {
				entries, err = journal.ListByEntity(args[0])
			} else {
				entries, err = journal.ListRecent(limit)
			}
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("no events")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tENTITY\tEVENT\tDETAIL")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					e.Timestamp.Local().Format(time.DateTime), e.Entity, e.Event, e.Detail)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum events to list")
	return cmd
}

func printJob(job *protocol.JobInfo) {
	fmt.Printf("job:     %s\ncell:    %s\ncommand: %s\nstatus:  %s\n",
		job.ID, job.CellID, strings.Join(job.Command.Argv, " "), formatJobStatus(job))
	if job.TerminationReason != "" {
		fmt.Printf("reason:  %s\n", job.TerminationReason)
	}
}

func formatJobStatus(job *protocol.JobInfo) string {
	if job.Status.Running() {
		return "running"
	}
	if job.Status.Code != nil {
		return fmt.Sprintf("exited (%d)", *job.Status.Code)
	}
	return "exited"
}

func formatPID(pid *uint32) string {
	if pid == nil {
		return "?"
	}
	return fmt.Sprintf("%d", *pid)
}
