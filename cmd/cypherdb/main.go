// Command cypherdb serves a graph over HTTP and runs one-off statements.
//
// Usage:
//
//	cypherdb serve --config cypherdb.yaml [--addr 127.0.0.1:7474] [--data graph.db]
//	cypherdb query --dsn mem: [--param 1=value ...] "<statement>"
//	cypherdb version
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "cypherdb",
		Short:         "Embedded graph database with a Cypher query language",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), queryCmd(), versionCmd())
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "cypherdb %s\n", version)
		},
	}
}
