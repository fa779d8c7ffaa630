package main

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"text/tabwriter"

	"github.com/felixgeelhaar/sandboxgate/internal/sandbox"
	"github.com/spf13/cobra"
)

func scriptsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scripts",
		Short: "Manage saved startup scripts",
	}
	cmd.AddCommand(scriptsListCmd(opts), scriptsAddCmd(opts), scriptsRmCmd(opts))
	return cmd
}

func scriptsListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List startup scripts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			var scripts []sandbox.StartupScript
			if err := c.do(cmd.Context(), http.MethodGet, "/api/startup-scripts", nil, &scripts); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(scripts) == 0 {
				fmt.Fprintln(out, "No startup scripts.")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tDESCRIPTION\tLAST USED")
			for _, s := range scripts {
				lastUsed := "never"
				if s.LastUsed != nil {
					lastUsed = s.LastUsed.Format("2006-01-02 15:04")
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.ID, s.Name, s.Description, lastUsed)
			}
			return tw.Flush()
		},
	}
}

func scriptsAddCmd(opts *rootOptions) *cobra.Command {
	var description string

	cmd := &cobra.Command{
		Use:   "add NAME FILE",
		Short: "Save a startup script from a file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("read script: %w", err)
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			body := map[string]string{"name": args[0], "content": string(content), "description": description}
			var script sandbox.StartupScript
			if err := c.do(cmd.Context(), http.MethodPost, "/api/startup-scripts", body, &script); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), script.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "script description")
	return cmd
}

func scriptsRmCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rm ID",
		Short: "Delete a startup script",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			if err := c.do(cmd.Context(), http.MethodDelete, "/api/startup-scripts/"+url.PathEscape(args[0]), nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}
