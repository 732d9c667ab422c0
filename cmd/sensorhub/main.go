// SensorHub ingests readings from heterogeneous sensors (serial GPS and IMU,
// Livox lidar bridges, simulated sources), keeps a bounded recent history
// per sensor and serves the freshest values to clients over a websocket
// subscribe/poll protocol.
//
// Usage:
//
//	sensorhub serve -c configs/config.yaml     # run the hub
//	sensorhub validate -c configs/config.yaml  # check config and adapter params
//	sensorhub poll --url ws://host:8080/ws gps1 # websocket test client
//	sensorhub migrate status                    # catalogue schema (up, down, status)
//	sensorhub version                          # build information
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information, set at build time via ldflags.
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// defaultConfigPath is used when neither --config nor SENSORHUB_CONFIG is set.
const defaultConfigPath = "configs/config.yaml"

// configEnv names the environment variable holding the config path.
const configEnv = "SENSORHUB_CONFIG"

var rootCmd = &cobra.Command{
	Use:   "sensorhub",
	Short: "Sensor ingestion hub with a latest-value cache",
	Long: `SensorHub runs one adapter per configured sensor, keeps the most recent
samples of each in a fixed-size ring buffer and streams the freshest values
to websocket clients.

Quick start:
  1. Describe your sensors in configs/config.yaml
  2. Run: sensorhub validate -c configs/config.yaml
  3. Run: sensorhub serve -c configs/config.yaml
  4. Connect to ws://localhost:8080/ws and send {"action":"subscribe","sensor_id":"gps1"}`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func main() {
	Execute()
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "sensorhub %s\n", version)
		fmt.Fprintf(out, "  commit: %s\n", commit)
		fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

// configPath resolves the config file: the flag wins, then SENSORHUB_CONFIG,
// then the default.
func configPath(cmd *cobra.Command) string {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		return path
	}
	if path := os.Getenv(configEnv); path != "" {
		return path
	}
	return defaultConfigPath
}
