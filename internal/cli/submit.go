package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/minutegraph/internal/client"
	"github.com/raphaelgruber/minutegraph/internal/models"
)

var (
	submitWorkflow   string
	submitTitle      string
	submitSkipReview bool
	submitResearch   []string
	submitOptions    []string
	submitNoWait     bool
)

var submitCmd = &cobra.Command{
	Use:   "submit <transcript-path>",
	Short: "Submit a transcript for processing",
	Long: `Create a job for a transcript. The path is resolved by the worker against
its transcript directory or bucket.

By default the command follows the job until it completes, fails or stops
for entity review. Press Ctrl+C to leave it running in the background.

Examples:
  minutegraph submit calls/2025-03-04-acme.md
  minutegraph submit calls/acme.md --workflow interview --title "Acme intro"
  minutegraph submit calls/acme.md --skip-review --research "Acme Robotics"
  minutegraph submit calls/acme.md --option tone=terse --no-wait`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringVarP(&submitWorkflow, "workflow", "w", models.WorkflowMeeting, "workflow: meeting or interview")
	submitCmd.Flags().StringVarP(&submitTitle, "title", "t", "", "document title")
	submitCmd.Flags().BoolVar(&submitSkipReview, "skip-review", false, "do not pause for entity review")
	submitCmd.Flags().StringSliceVarP(&submitResearch, "research", "r", nil, "entities to research")
	submitCmd.Flags().StringArrayVarP(&submitOptions, "option", "o", nil, "extra generation option as key=value (repeatable)")
	submitCmd.Flags().BoolVar(&submitNoWait, "no-wait", false, "return immediately after creating the job")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	options, err := parseOptions(submitOptions)
	if err != nil {
		return err
	}

	job, err := apiClient.CreateJob(ctx, client.CreateJobInput{
		Workflow:       submitWorkflow,
		TranscriptPath: args[0],
		Config: models.JobConfig{
			Title:            submitTitle,
			Options:          options,
			SkipEntityReview: submitSkipReview,
			ResearchEntities: submitResearch,
		},
	})
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}

	fmt.Printf("Created job %s (%s, %s)\n", job.ID, job.Workflow, apiClient.Mode())
	if submitNoWait {
		return nil
	}
	return RunJobProgress(apiClient, job)
}

// parseOptions turns key=value pairs into a JobConfig options map.
func parseOptions(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	options := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid option %q: want key=value", pair)
		}
		options[key] = value
	}
	return options, nil
}
