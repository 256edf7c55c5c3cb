package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/CaliLuke/go-cypherdb/cypher"
	"github.com/CaliLuke/go-cypherdb/driver"
)

func queryCmd() *cobra.Command {
	var (
		dsn    string
		params []string
	)

	cmd := &cobra.Command{
		Use:   "query [flags] <statement>",
		Short: "Run one statement and print its rows",
		Long: `Run one statement through the driver and print its rows as a table, or its
update counts when it returns no columns. Parameters are YAML values:

  cypherdb query --dsn file:graph.db --param '1={name: Ann, age: 31}' 'CREATE (n:Person {1})'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bound, err := parseParams(params)
			if err != nil {
				return err
			}
			conn, err := driver.Open(dsn)
			if err != nil {
				return err
			}
			defer conn.Close()
			return runQuery(cmd.Context(), cmd.OutOrStdout(), conn, args[0], bound)
		},
	}

	cmd.Flags().StringVar(&dsn, "dsn", "mem:", "Data source: mem:, file:<path> or a server URL")
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "Parameter as <ordinal>=<yaml value>, repeatable")

	return cmd
}

// parseParams turns "n=value" pairs into ordinal parameters.
func parseParams(pairs []string) (map[int]any, error) {
	out := make(map[int]any, len(pairs))
	for _, p := range pairs {
		key, raw, ok := strings.Cut(p, "=")
		if !ok {
			return nil, fmt.Errorf("parameter %q: want <ordinal>=<value>", p)
		}
		n, err := strconv.Atoi(strings.TrimSpace(key))
		if err != nil || n < 1 {
			return nil, fmt.Errorf("parameter %q: ordinal must be a positive integer", p)
		}
		var v any
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("parameter %d: %w", n, err)
		}
		out[n] = v
	}
	return out, nil
}

func runQuery(ctx context.Context, w io.Writer, conn *driver.Conn, text string, params map[int]any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ps, err := conn.PrepareStatement(text)
	if err != nil {
		return err
	}
	defer ps.Close()
	for n, v := range params {
		if err := ps.SetParameter(n, v); err != nil {
			return err
		}
	}
	rs, err := ps.ExecuteQuery(ctx)
	if err != nil {
		return err
	}
	defer rs.Close()

	if rs.ColumnCount() == 0 {
		for rs.Next() {
		}
		if err := rs.Err(); err != nil {
			return err
		}
		printCounts(w, rs.UpdateCount())
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(rs.Columns(), "\t"))
	rows := 0
	for rs.Next() {
		vals, err := rs.Values()
		if err != nil {
			return err
		}
		cells := make([]string, len(vals))
		for i, v := range vals {
			cells[i] = cypher.FormatValue(v)
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
		rows++
	}
	if err := rs.Err(); err != nil {
		return err
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "(%d rows)\n", rows)
	if c := rs.UpdateCount(); c.Total() > 0 || c.LabelsAdded > 0 {
		printCounts(w, c)
	}
	return nil
}

func printCounts(w io.Writer, c driver.UpdateCount) {
	for _, line := range []struct {
		label string
		n     int
	}{
		{"Nodes created", c.NodesCreated},
		{"Nodes deleted", c.NodesDeleted},
		{"Relationships created", c.RelationshipsCreated},
		{"Relationships deleted", c.RelationshipsDeleted},
		{"Properties set", c.PropertiesSet},
		{"Labels added", c.LabelsAdded},
	} {
		if line.n > 0 {
			fmt.Fprintf(w, "%s: %d\n", line.label, line.n)
		}
	}
	if c.Total() == 0 && c.LabelsAdded == 0 {
		fmt.Fprintln(w, "No changes")
	}
}
