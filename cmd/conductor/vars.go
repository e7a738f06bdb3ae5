package cli

import (
	"github.com/spf13/cobra"

	"github.com/neboloop/conductor/internal/config"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// Shared CLI flags (used across multiple command files)
var (
	cfgFile string
	verbose bool
)

// ServerConfig holds the loaded configuration (set by main).
var ServerConfig *config.Config

// SetupRootCmd configures the root command with all subcommands and flags.
func SetupRootCmd(c *config.Config) *cobra.Command {
	ServerConfig = c

	rootCmd := &cobra.Command{
		Use:   "conductor",
		Short: "Conductor - browser-delegation orchestrator",
		Long: `Conductor sits between the NeboLoop workspace and a browser execution
agent: it streams the chat protocol, queues AI proposals for approval,
matches goals against recorded skills, and delegates browser automation.

Just type 'conductor' to start the daemon.`,
		Run: func(cmd *cobra.Command, args []string) {
			RunDaemon()
		},
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.conductor/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(SkillsCmd())
	rootCmd.AddCommand(RunsCmd())
	rootCmd.AddCommand(PairCmd())
	rootCmd.AddCommand(VersionCmd())

	return rootCmd
}

// VersionCmd prints the build version.
func VersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the conductor version",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println("conductor " + Version)
		},
	}
}

// loadConfig returns the shared config, honoring --config overrides.
func loadConfig() (*config.Config, error) {
	if cfgFile != "" {
		return config.LoadFrom(cfgFile)
	}
	if ServerConfig != nil {
		return ServerConfig, nil
	}
	return config.Load()
}
