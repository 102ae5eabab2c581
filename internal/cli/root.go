// Package cli provides the command-line interface for minutegraph.
package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/minutegraph/internal/client"
	"github.com/raphaelgruber/minutegraph/internal/config"
	"github.com/raphaelgruber/minutegraph/internal/models"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	verbose   bool
	mode      string
	serverURL string

	cfg       config.Config
	apiClient *client.Client
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "minutegraph",
	Short: "Turn meeting transcripts into briefs, research and an entity graph",
	Long: `Minutegraph turns meeting transcripts into cleaned transcripts, briefs,
strategic questions and narrative research, and keeps a registry of the
people, companies and topics that show up across meetings.

Every command works inside one mode (investing or work). Nothing crosses
modes.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		cfg = config.Load()
		if mode == "" {
			mode = cfg.DefaultMode
		}
		if !slices.Contains(models.Modes(), mode) {
			return fmt.Errorf("unknown mode %q (want one of %v)", mode, models.Modes())
		}

		apiClient = client.New(serverURL, mode)
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVarP(&mode, "mode", "m", "", "mode to work in (default $MINUTEGRAPH_MODE or work)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "API base URL (default $MINUTEGRAPH_SERVER_URL)")

	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(entitiesCmd)
	rootCmd.AddCommand(artifactsCmd)
	rootCmd.AddCommand(workerCmd)
}

