package cli

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"duck-coordinator/pkg/client"
)

const maxQueryTextWidth = 60

func newQueriesCmd(c *client.Client) *cobra.Command {
	var (
		state string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "queries",
		Short: "List queries tracked by the gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := client.ListOptions{State: state}
			if cmd.Flags().Changed("limit") {
				opts.Limit = &limit
			}
			list, err := c.ListQueries(cmd.Context(), opts)
			if err != nil {
				return err
			}

			if isQuiet(cmd) {
				for _, q := range list {
					_, _ = fmt.Fprintln(os.Stdout, q.ID)
				}
				return nil
			}
			if getOutputFormat(cmd) == "json" {
				return PrintJSON(os.Stdout, list)
			}
			rows := make([][]string, len(list))
			for i, q := range list {
				rows[i] = []string{
					q.ID,
					q.State,
					strconv.FormatInt(q.RowsDelivered, 10),
					q.SubmittedAt.Local().Format(time.DateTime),
					truncate(q.Query, maxQueryTextWidth),
				}
			}
			PrintTable(os.Stdout, []string{"id", "state", "rows", "submitted", "query"}, rows)
			return nil
		},
	}

	cmd.Flags().StringVar(&state, "state", "", "Only list queries in this state (QUEUED, RUNNING, FINISHED, FAILED)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of queries to list")

	cmd.AddCommand(newQueryGetCmd(c))
	return cmd
}

func newQueryGetCmd(c *client.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "get <query-id>",
		Short: "Show one query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := c.GetQuery(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if getOutputFormat(cmd) == "json" {
				return PrintJSON(os.Stdout, q)
			}
			fields := map[string]any{
				"id":        q.ID,
				"query":     q.Query,
				"state":     q.State,
				"rows":      q.RowsDelivered,
				"submitted": q.SubmittedAt.Local().Format(time.RFC3339),
				"accessed":  q.LastAccessedAt.Local().Format(time.RFC3339),
			}
			if q.Error != nil {
				fields["error"] = q.Error.Kind + ": " + q.Error.Message
			}
			PrintDetail(os.Stdout, fields)
			return nil
		},
	}
}

func newCancelCmd(c *client.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <query-id>...",
		Short: "Cancel one or more queries",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, id := range args {
				if err := c.KillQuery(cmd.Context(), id); err != nil {
					return fmt.Errorf("cancel %s: %w", id, err)
				}
			}
			if getOutputFormat(cmd) == "json" {
				return PrintJSON(os.Stdout, map[string]any{"status": "ok", "canceled": args})
			}
			if !isQuiet(cmd) {
				for _, id := range args {
					_, _ = fmt.Fprintf(os.Stdout, "Canceled query %s\n", id)
				}
			}
			return nil
		},
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
