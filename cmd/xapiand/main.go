package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/xapiand/xapiand/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "xapiand",
	Short: "xapiand - distributed full-text search and document store",
	Long: `xapiand is a distributed document store and full-text search
engine: a gossip-discovered cluster of nodes, each holding a bounded
pool of index shards behind a write-ahead log, replicating lazily via
a pull protocol rather than synchronous consensus on document data.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"xapiand version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().String("data-dir", "", "Override data directory")
	rootCmd.PersistentFlags().String("node-name", "", "Override node name")
	rootCmd.PersistentFlags().String("bind", "", "Override discovery bind address (host:port)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(clusterCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}
