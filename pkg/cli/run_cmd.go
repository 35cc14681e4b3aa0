package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"duck-coordinator/pkg/client"
)

// runResult is the json rendering of a finished statement.
type runResult struct {
	ID      string             `json:"id"`
	State   string             `json:"state"`
	Columns []client.Column    `json:"columns"`
	Data    [][]interface{}    `json:"data"`
	Stats   client.QueryStats  `json:"stats"`
	Error   *client.QueryError `json:"error,omitempty"`
}

func newRunCmd(c *client.Client) *cobra.Command {
	var (
		file    string
		timeout time.Duration
		detach  bool
	)

	cmd := &cobra.Command{
		Use:   "run [SQL]",
		Short: "Submit a statement and print its results",
		Long: "Submit a statement and follow it until the last page. The SQL is read from the " +
			"arguments, from --file, or from stdin when the only argument is \"-\".",
		Example: `  duckq run "SELECT 42"
  duckq run -f report.sql -o json
  echo "SELECT 1" | duckq run -`,
		RunE: func(cmd *cobra.Command, args []string) error {
			sql, err := readStatement(cmd.InOrStdin(), file, args)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			if detach {
				res, err := c.Submit(ctx, sql)
				if err != nil {
					return err
				}
				return printSubmitted(cmd, res)
			}

			var (
				columns []client.Column
				rows    [][]interface{}
			)
			res, err := c.Run(ctx, sql, func(page *client.QueryResults) error {
				if columns == nil && len(page.Columns) > 0 {
					columns = page.Columns
				}
				rows = append(rows, page.Data...)
				return nil
			})
			var qe *client.QueryError
			if err != nil && !errors.As(err, &qe) {
				return err
			}
			if printErr := printRun(cmd, res, columns, rows); printErr != nil {
				return printErr
			}
			// A failed query still prints its final page, then exits non-zero.
			return err
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Read the statement from a file")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Cancel the statement if it has not finished after this long")
	cmd.Flags().BoolVar(&detach, "detach", false, "Submit and print the query id without waiting for results")

	return cmd
}

func readStatement(stdin io.Reader, file string, args []string) (string, error) {
	var sql string
	switch {
	case file != "" && len(args) > 0:
		return "", fmt.Errorf("pass the statement either as arguments or with --file, not both")
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("read statement file: %w", err)
		}
		sql = string(data)
	case len(args) == 1 && args[0] == "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read statement from stdin: %w", err)
		}
		sql = string(data)
	default:
		sql = strings.Join(args, " ")
	}
	sql = strings.TrimSpace(sql)
	if sql == "" {
		return "", fmt.Errorf("statement is required")
	}
	return sql, nil
}

func printSubmitted(cmd *cobra.Command, res *client.QueryResults) error {
	if isQuiet(cmd) {
		_, _ = fmt.Fprintln(os.Stdout, res.ID)
		return nil
	}
	if getOutputFormat(cmd) == "json" {
		return PrintJSON(os.Stdout, res)
	}
	PrintDetail(os.Stdout, map[string]any{
		"id":     res.ID,
		"state":  res.Stats.State,
		"info":   res.InfoURI,
		"next":   res.NextURI,
		"cancel": res.CancelURI,
	})
	return nil
}

func printRun(cmd *cobra.Command, res *client.QueryResults, columns []client.Column, rows [][]interface{}) error {
	if isQuiet(cmd) {
		_, _ = fmt.Fprintln(os.Stdout, res.ID)
		return nil
	}
	if getOutputFormat(cmd) == "json" {
		if rows == nil {
			rows = [][]interface{}{}
		}
		return PrintJSON(os.Stdout, runResult{
			ID:      res.ID,
			State:   res.Stats.State,
			Columns: columns,
			Data:    rows,
			Stats:   res.Stats,
			Error:   res.Error,
		})
	}

	names := make([]string, len(columns))
	for i, col := range columns {
		names[i] = col.Name
	}
	cells := make([][]string, len(rows))
	for i, row := range rows {
		cells[i] = make([]string, len(row))
		for j, v := range row {
			cells[i][j] = formatValue(v)
		}
	}
	PrintTable(os.Stdout, names, cells)
	_, _ = fmt.Fprintf(os.Stderr, "(%d rows, query %s %s)\n", len(rows), res.ID, res.Stats.State)
	return nil
}
