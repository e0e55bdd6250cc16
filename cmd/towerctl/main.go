// Command towerctl is the CLI client for the tower daemon: list
// workspaces, send addressed messages, and attach to a
// running terminal from a regular shell.
package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "towerctl",
		Short: "CLI client for the tower daemon",
	}
	root.AddCommand(lsCmd(), sendCmd(), attachCmd(), statusCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func lsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List known workspaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := clientFromConfig()
			var resp struct {
				Workspaces []struct {
					Path       string `json:"path"`
					Label      string `json:"label"`
					Active     bool   `json:"active"`
					LastSeenAt string `json:"lastSeenAt"`
				} `json:"workspaces"`
			}
			if err := c.do("GET", "/api/workspaces", nil, &resp); err != nil {
				return err
			}
			if len(resp.Workspaces) == 0 {
				fmt.Println("no known workspaces")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PATH\tLABEL\tACTIVE\tLAST SEEN")
			for _, ws := range resp.Workspaces {
				active := "no"
				if ws.Active {
					active = "yes"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", ws.Path, ws.Label, active, ws.LastSeenAt)
			}
			return w.Flush()
		},
	}
}

func sendCmd() *cobra.Command {
	var from, fromWorkspace string
	var raw, noEnter, interrupt bool

	cmd := &cobra.Command{
		Use:   "send <to> <message>",
		Short: "Send a message to a [project:]agent address",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := clientFromConfig()
			body := map[string]any{
				"to": args[0], "message": args[1],
				"from": from, "fromWorkspace": fromWorkspace,
				"options": map[string]any{"raw": raw, "noEnter": noEnter, "interrupt": interrupt},
			}
			return c.do("POST", "/api/send", body, nil)
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "sender name, used in the formatted message")
	cmd.Flags().StringVar(&fromWorkspace, "workspace", "", "workspace to resolve a project-less address against")
	cmd.Flags().BoolVar(&raw, "raw", false, "skip the [message from ...] formatting")
	cmd.Flags().BoolVar(&noEnter, "no-enter", false, "don't send a trailing carriage return")
	cmd.Flags().BoolVar(&interrupt, "interrupt", false, "send Ctrl-C before the message")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Daemon health",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := clientFromConfig()
			var resp struct {
				UptimeSeconds float64 `json:"uptimeSeconds"`
				Workspaces    int     `json:"workspaces"`
			}
			if err := c.do("GET", "/health", nil, &resp); err != nil {
				return fmt.Errorf("daemon not reachable: %w", err)
			}
			fmt.Printf("uptime: %.0fs\nworkspaces: %d\n", resp.UptimeSeconds, resp.Workspaces)
			return nil
		},
	}
}
