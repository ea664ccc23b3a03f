package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/AlecAivazis/survey/v2"
	"github.com/LumeraProtocol/keynode/client/scheduler"
	"github.com/LumeraProtocol/keynode/keynode/config"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	forceInit bool
)

// initCmd represents the init command
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new keynode",
	Long: `Initialize a new keynode by creating a configuration file.

This command will guide you through an interactive setup process to:
1. Create a config.yml file at ~/.keynode
2. Pick the node identity
3. Configure network settings (listen address, port, bootstrap nodes)
4. Choose the request scheduling policy

Example:
  keynode init
  keynode init --force  # Override existing installation`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := setupBaseDirectory(); err != nil {
			return err
		}

		answers, err := gatherUserInputs()
		if err != nil {
			return err
		}

		if err := createAndSaveConfig(answers); err != nil {
			return err
		}

		printSuccessMessage()
		return nil
	},
}

type initAnswers struct {
	NodeID         string
	ListenAddress  string
	Port           uint16
	BootstrapNodes []string
	PriorityPolicy string
}

// setupBaseDirectory handles base directory creation and validation
func setupBaseDirectory() error {
	if baseDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		baseDir = filepath.Join(homeDir, DefaultBaseDir)
	}

	if _, err := os.Stat(baseDir); err == nil && !forceInit {
		return fmt.Errorf("keynode directory already exists at %s\nUse --force to overwrite or remove the directory manually", baseDir)
	}

	if forceInit {
		path := filepath.Join(baseDir, DefaultConfigFile)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove existing config file: %w", err)
		}
		// the node database holds the old location; a fresh identity starts
		// from a random one
		dbPath := filepath.Join(baseDir, config.DefaultDataDir, config.DefaultNodeDBFile)
		if err := os.Remove(dbPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove existing node database: %w", err)
		}
		fmt.Println("Cleaned up existing config file and node database")
	}

	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return fmt.Errorf("failed to create base directory: %w", err)
	}

	fmt.Printf("BaseDirectory: %s\n", baseDir)
	return nil
}

// gatherUserInputs collects all user inputs through interactive prompts
func gatherUserInputs() (initAnswers, error) {
	var a initAnswers
	var err error

	if a.NodeID, err = promptNodeID(); err != nil {
		return a, fmt.Errorf("failed to read node id: %w", err)
	}
	if a.ListenAddress, a.Port, a.BootstrapNodes, err = promptNetworkConfig(); err != nil {
		return a, fmt.Errorf("failed to configure network settings: %w", err)
	}
	if a.PriorityPolicy, err = promptPriorityPolicy(); err != nil {
		return a, fmt.Errorf("failed to select priority policy: %w", err)
	}
	return a, nil
}

// createAndSaveConfig builds the configuration from defaults plus answers
// and writes it under the base directory.
func createAndSaveConfig(a initAnswers) error {
	path := filepath.Join(baseDir, DefaultConfigFile)
	fmt.Printf("Using config file: %s\n", path)

	cfg := config.Default()
	cfg.Node.ID = a.NodeID
	cfg.Node.DataDir = filepath.Join(baseDir, config.DefaultDataDir)
	cfg.P2P.ListenAddress = a.ListenAddress
	cfg.P2P.Port = a.Port
	cfg.P2P.BootstrapNodes = a.BootstrapNodes
	cfg.Scheduler.PriorityPolicy = a.PriorityPolicy

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirs(); err != nil {
		return fmt.Errorf("failed to create directories: %w", err)
	}
	if err := config.SaveConfig(cfg, path); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	fmt.Printf("\nConfiguration saved to %s\n", path)
	return nil
}

// printSuccessMessage displays the final success message
func printSuccessMessage() {
	fmt.Println("\nYour keynode has been initialized successfully!")
	fmt.Println("You can now start your keynode with:")
	fmt.Println("  keynode start")
}

// Interactive prompt functions
func promptNodeID() (string, error) {
	var id string
	prompt := &survey.Input{
		Message: "Enter node ID:",
		Default: uuid.NewString(),
		Help:    "Identifies this node to its peers. It must be unique in the network.",
	}
	return id, survey.AskOne(prompt, &id, survey.WithValidator(survey.Required))
}

func promptNetworkConfig() (listenAddr string, port uint16, bootstrap []string, err error) {
	listenPrompt := &survey.Input{
		Message: "Enter listen address:",
		Default: config.DefaultListenAddress,
	}
	if err = survey.AskOne(listenPrompt, &listenAddr); err != nil {
		return "", 0, nil, err
	}

	var portStr string
	portPrompt := &survey.Input{
		Message: "Enter p2p port:",
		Default: strconv.Itoa(config.DefaultP2PPort),
	}
	if err = survey.AskOne(portPrompt, &portStr, survey.WithValidator(validatePort)); err != nil {
		return "", 0, nil, err
	}
	p, _ := strconv.ParseUint(portStr, 10, 16)

	var nodes string
	bootstrapPrompt := &survey.Input{
		Message: "Enter bootstrap nodes (comma separated host:port, empty for none):",
		Help:    "Peers dialed at startup. A node without peers never swaps.",
	}
	if err = survey.AskOne(bootstrapPrompt, &nodes); err != nil {
		return "", 0, nil, err
	}
	return listenAddr, uint16(p), splitList(nodes), nil
}

func promptPriorityPolicy() (string, error) {
	var policy string
	prompt := &survey.Select{
		Message: "Choose request priority policy:",
		Options: scheduler.PossiblePolicies(),
		Default: config.DefaultPriorityPolicy,
		Help:    "HARD: always serve the most urgent class first, SOFT: weighted draw across classes",
	}
	return policy, survey.AskOne(prompt, &policy)
}

func validatePort(ans interface{}) error {
	s, _ := ans.(string)
	p, err := strconv.ParseUint(s, 10, 16)
	if err != nil || p == 0 {
		return fmt.Errorf("port must be a number between 1 and 65535")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().BoolVar(&forceInit, "force", false, "Force initialization, overwriting existing configuration")
}
