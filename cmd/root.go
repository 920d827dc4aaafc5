package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/dGrid/cmd/attr"
	"github.com/ValentinKolb/dGrid/cmd/node"
	"github.com/spf13/cobra"
)

const (
	Version = "0.3.0"
)

var (
	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "dgrid",
		Short: "data grid node",
		Long: fmt.Sprintf(`dGrid (v%s)

Replica node of a partitioned in-memory data grid, with admission control
(quiesce / suspend), safe primary recovery and replication back pressure.`, Version),
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of dGrid",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dGrid v%s\n", Version)
		},
	}
)

func init() {
	RootCmd.AddCommand(node.NodeCmd)
	RootCmd.AddCommand(attr.AttributeCommands)
	RootCmd.AddCommand(versionCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
