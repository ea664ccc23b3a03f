package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

const (
	DefaultBaseDir    = ".keynode"
	DefaultConfigFile = "config.yml"
)

var (
	cfgFile string
	baseDir string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "keynode",
	Short: "Keynode schedules block requests and swaps locations with its peers",
	Long: `Keynode is a node of a location-keyed overlay. It queues block requests
by priority and keeps its position on the keyspace ring converging with the
rest of the network by swapping locations with random peers.`,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// configPath resolves the config file: the --config flag when set, else
// config.yml under the base directory.
func configPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	if baseDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		baseDir = filepath.Join(homeDir, DefaultBaseDir)
	}
	return filepath.Join(baseDir, DefaultConfigFile), nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is <basedir>/config.yml)")
	rootCmd.PersistentFlags().StringVarP(&baseDir, "basedir", "d", "", "base directory (default is ~/.keynode)")
}
