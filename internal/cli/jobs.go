package cli

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/minutegraph/internal/models"
)

var (
	jobsStatus []string
	jobsLimit  int
)

var jobsCmd = &cobra.Command{
	Use:   "jobs [job-id]",
	Short: "List or inspect jobs",
	Long: `List the jobs of the current mode or inspect a specific job by ID.

Examples:
  minutegraph jobs                                  # List all jobs
  minutegraph jobs --status failed,awaiting_entity_review
  minutegraph jobs abc123                           # Show details for job abc123
  minutegraph jobs retry abc123
  minutegraph jobs watch abc123`,
	Args: cobra.MaximumNArgs(1),
	RunE: runJobs,
}

var jobsWatchCmd = &cobra.Command{
	Use:   "watch <job-id>",
	Short: "Follow a job until it stops",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		job, err := apiClient.GetJob(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("get job: %w", err)
		}
		return RunJobProgress(apiClient, job)
	},
}

var jobsArtifactsCmd = &cobra.Command{
	Use:   "artifacts <job-id>",
	Short: "List the artifacts a job produced",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobArtifacts,
}

// jobActions maps subcommands onto job transitions.
var jobActions = []struct {
	name  string
	short string
}{
	{"cancel", "Cancel a running job"},
	{"retry", "Re-run a failed job from the start"},
	{"regenerate", "Regenerate a completed job, keeping hand-edited documents"},
	{"resume", "Continue a job after entity review"},
}

func init() {
	jobsCmd.Flags().StringSliceVarP(&jobsStatus, "status", "s", nil, "filter by status")
	jobsCmd.Flags().IntVarP(&jobsLimit, "limit", "n", 50, "max results")

	for _, a := range jobActions {
		jobsCmd.AddCommand(&cobra.Command{
			Use:   a.name + " <job-id>",
			Short: a.short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runJobAction(context.Background(), args[0], a.name)
			},
		})
	}
	jobsCmd.AddCommand(jobsWatchCmd)
	jobsCmd.AddCommand(jobsArtifactsCmd)
}

func runJobs(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	// If job ID provided, show that specific job
	if len(args) == 1 {
		return showJob(ctx, args[0])
	}

	return listJobs(ctx)
}

func listJobs(ctx context.Context) error {
	jobs, err := apiClient.ListJobs(ctx, jobsStatus, jobsLimit)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}

	if len(jobs) == 0 {
		fmt.Println("No jobs found")
		return nil
	}

	fmt.Printf("%-36s %-10s %-24s %-9s %s\n", "ID", "WORKFLOW", "STATUS", "PROGRESS", "CREATED")
	fmt.Println("----------------------------------------------------------------------------------------------------")

	for _, job := range jobs {
		fmt.Printf("%-36s %-10s %-24s %-9s %s\n",
			job.ID, job.Workflow, job.Status, stageLabel(job), job.CreatedAt.Local().Format("01-02 15:04"))
	}

	return nil
}

func showJob(ctx context.Context, id string) error {
	job, err := apiClient.GetJob(ctx, id)
	if err != nil {
		return fmt.Errorf("get job: %w", err)
	}

	fmt.Printf("Job: %s\n", job.ID)
	fmt.Printf("  Mode: %s\n", job.Mode)
	fmt.Printf("  Workflow: %s\n", job.Workflow)
	fmt.Printf("  Transcript: %s\n", job.TranscriptPath)
	fmt.Printf("  Status: %s\n", job.Status)
	fmt.Printf("  Stage: %s (%d%%)\n", stageLabel(*job), job.StageProgress)
	fmt.Printf("  Created: %s\n", job.CreatedAt.Format(time.RFC3339))
	if job.StartedAt != nil {
		fmt.Printf("  Started: %s\n", job.StartedAt.Format(time.RFC3339))
	}
	if job.CompletedAt != nil {
		fmt.Printf("  Completed: %s\n", job.CompletedAt.Format(time.RFC3339))
		if job.StartedAt != nil {
			fmt.Printf("  Duration: %s\n", job.CompletedAt.Sub(*job.StartedAt).Round(time.Second))
		}
	}
	if job.ErrorMessage != "" {
		fmt.Printf("  Error: %s", job.ErrorMessage)
		if job.ErrorKind != "" {
			fmt.Printf(" (%s)", job.ErrorKind)
		}
		fmt.Println()
	}

	if c := job.Config; c.Title != "" || c.SkipEntityReview || len(c.ResearchEntities) > 0 {
		fmt.Println("\nConfig:")
		if c.Title != "" {
			fmt.Printf("  Title: %s\n", c.Title)
		}
		if c.SkipEntityReview {
			fmt.Println("  Entity review: skipped")
		}
		if len(c.ResearchEntities) > 0 {
			fmt.Printf("  Research: %v\n", c.ResearchEntities)
		}
	}
	if r := job.Config.Regeneration; r != nil {
		fmt.Printf("\nRegeneration requested %s, %d edited document(s) kept\n",
			r.RequestedAt.Format(time.RFC3339), len(r.EditedArtifactIDs))
	}

	return nil
}

func runJobAction(ctx context.Context, id, action string) error {
	job, err := apiClient.JobAction(ctx, id, action)
	if err != nil {
		return fmt.Errorf("%s job: %w", action, err)
	}
	fmt.Printf("Job %s is now %s\n", job.ID, job.Status)
	if slices.Contains(models.Runnable, job.Status) {
		fmt.Printf("Use 'minutegraph jobs watch %s' to follow it.\n", job.ID)
	}
	return nil
}

func runJobArtifacts(cmd *cobra.Command, args []string) error {
	artifacts, err := apiClient.ListArtifacts(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("list artifacts: %w", err)
	}
	if len(artifacts) == 0 {
		fmt.Println("No artifacts yet")
		return nil
	}

	fmt.Printf("%-36s %-20s %-8s %s\n", "ID", "TYPE", "EDITED", "TITLE")
	for _, a := range artifacts {
		edited := ""
		if a.Edited() {
			edited = "yes"
		}
		fmt.Printf("%-36s %-20s %-8s %s\n", a.ID, a.Type, edited, a.Title)
	}
	return nil
}

// stageLabel renders a job's position in the pipeline, e.g. "3/6".
func stageLabel(job models.Job) string {
	if job.Status.IsTerminal() || job.Status == models.JobPending || job.Status == models.JobPendingRegeneration {
		return "-"
	}
	return fmt.Sprintf("%d/%d", job.CurrentStage+1, len(models.Stages))
}
