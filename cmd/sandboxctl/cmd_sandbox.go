package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/felixgeelhaar/sandboxgate/internal/sandbox"
	"github.com/spf13/cobra"
)

// exitCodeError carries a remote command's non-zero exit code to main.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("command exited with code %d", e.code)
}

func sandboxPath(id string, rest ...string) string {
	p := "/api/sandboxes/" + url.PathEscape(id)
	if len(rest) > 0 {
		p += "/" + strings.Join(rest, "/")
	}
	return p
}

func statusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check that the daemon is running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			if err := c.health(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Daemon running at %s\n", c.base)
			return nil
		},
	}
}

func listCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sandboxes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			var sessions []sandbox.Session
			if err := c.do(cmd.Context(), http.MethodGet, "/api/sandboxes", nil, &sessions); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(sessions) == 0 {
				fmt.Fprintln(out, "No sandboxes.")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tCOMMANDS\tLAST ACTIVITY")
			for _, s := range sessions {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
					s.ID, s.Name, s.Status, s.Metrics.TotalCommands, s.LastActivity.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
}

func createCmd(opts *rootOptions) *cobra.Command {
	var scriptFile, scriptID string

	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a sandbox and wait until it is running",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"name": args[0]}
			if scriptFile != "" {
				data, err := os.ReadFile(scriptFile)
				if err != nil {
					return fmt.Errorf("read script: %w", err)
				}
				body["startupScript"] = string(data)
			}
			if scriptID != "" {
				body["scriptId"] = scriptID
			}

			c, err := opts.client()
			if err != nil {
				return err
			}
			var sess sandbox.Session
			if err := c.do(cmd.Context(), http.MethodPost, "/api/sandboxes", body, &sess); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t(%dms)\n", sess.ID, sess.Status, sess.Metrics.CreationTimeMs)
			return nil
		},
	}
	cmd.Flags().StringVar(&scriptFile, "script", "", "startup script file to run after creation")
	cmd.Flags().StringVar(&scriptID, "script-id", "", "saved startup script to run after creation")
	return cmd
}

func execCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "exec ID COMMAND...",
		Short: "Run a command and print its output",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			var res sandbox.CommandResult
			body := map[string]string{"command": strings.Join(args[1:], " ")}
			if err := c.do(cmd.Context(), http.MethodPost, sandboxPath(args[0], "execute"), body, &res); err != nil {
				return err
			}

			io.WriteString(cmd.OutOrStdout(), res.Stdout)
			io.WriteString(cmd.ErrOrStderr(), res.Stderr)
			if res.ExitCode != 0 {
				return &exitCodeError{code: res.ExitCode}
			}
			return nil
		},
	}
}

func streamCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stream ID COMMAND...",
		Short: "Run a command and print its output as it arrives",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}

			var result error
			err = c.stream(cmd.Context(), args[0], strings.Join(args[1:], " "), func(ev streamEvent) error {
				switch ev.Event {
				case "done":
					var done struct {
						ExitCode int `json:"exitCode"`
					}
					if err := json.Unmarshal([]byte(ev.Data), &done); err != nil {
						return fmt.Errorf("parse done event: %w", err)
					}
					if done.ExitCode != 0 {
						result = &exitCodeError{code: done.ExitCode}
					}
				case "error":
					var failed struct {
						Error string `json:"error"`
					}
					if err := json.Unmarshal([]byte(ev.Data), &failed); err != nil {
						return fmt.Errorf("parse error event: %w", err)
					}
					result = fmt.Errorf("stream failed: %s", failed.Error)
				default:
					var out struct {
						Stream string `json:"stream"`
						Data   string `json:"data"`
					}
					if err := json.Unmarshal([]byte(ev.Data), &out); err != nil {
						return fmt.Errorf("parse output event: %w", err)
					}
					w := cmd.OutOrStdout()
					if out.Stream == string(sandbox.Stderr) {
						w = cmd.ErrOrStderr()
					}
					io.WriteString(w, out.Data)
				}
				return nil
			})
			if err != nil {
				return err
			}
			return result
		},
	}
}

func pingCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ping ID",
		Short: "Check that a sandbox responds",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			var res sandbox.PingResult
			if err := c.do(cmd.Context(), http.MethodGet, sandboxPath(args[0], "ping"), nil, &res); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%dms)\n", args[0], res.Status, res.PingTimeMs)
			return nil
		},
	}
}

func rmCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "rm ID...",
		Aliases: []string{"delete"},
		Short:   "Delete sandboxes",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			for _, id := range args {
				if err := c.do(cmd.Context(), http.MethodDelete, sandboxPath(id), nil, nil); err != nil {
					return fmt.Errorf("delete %s: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", id)
			}
			return nil
		},
	}
}

func metricsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "metrics [ID]",
		Short: "Show global or per-sandbox metrics",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if len(args) == 0 {
				var m sandbox.GlobalMetrics
				if err := c.do(cmd.Context(), http.MethodGet, "/api/metrics", nil, &m); err != nil {
					return err
				}
				fmt.Fprintln(out, "Sandbox Metrics")
				fmt.Fprintln(out, "===============")
				fmt.Fprintf(out, "Sandboxes:          %d (%d active)\n", m.TotalSandboxes, m.ActiveSandboxes)
				fmt.Fprintf(out, "Avg Creation Time:  %.1fms\n", m.AvgCreationTime)
				fmt.Fprintf(out, "P99 Creation Time:  %dms\n", m.P99CreationTime)
				fmt.Fprintf(out, "Commands:           %d\n", m.TotalCommands)
				fmt.Fprintf(out, "Avg Command Time:   %.1fms\n", m.AvgCommandTime)
				fmt.Fprintf(out, "Success Rate:       %.1f%%\n", m.SuccessRate*100)
				return nil
			}

			var m sandbox.SandboxMetrics
			if err := c.do(cmd.Context(), http.MethodGet, "/api/metrics/"+url.PathEscape(args[0]), nil, &m); err != nil {
				return err
			}
			s := m.Sandbox
			fmt.Fprintf(out, "%s (%s) %s\n", s.Name, s.ID, s.Status)
			fmt.Fprintf(out, "Commands: %d, avg %.1fms, uptime %s\n",
				s.Metrics.TotalCommands, s.Metrics.AvgCommandTimeMs,
				(time.Duration(s.Metrics.UptimeMs) * time.Millisecond).Round(time.Second))
			if len(m.RecentCommands) > 0 {
				fmt.Fprintln(out, "\nRecent Commands")
				fmt.Fprintln(out, "---------------")
				for _, r := range m.RecentCommands {
					fmt.Fprintf(out, "%s  exit=%d  %dms  %s\n",
						r.Timestamp.Format(time.TimeOnly), r.ExitCode, r.ExecutionTimeMs, r.Command)
				}
			}
			return nil
		},
	}
}
