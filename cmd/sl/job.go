package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/zulandar/stageline/internal/models"
	"github.com/zulandar/stageline/internal/pipeline"
	"github.com/zulandar/stageline/internal/queue"
)

func newJobCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Inspect and manage queued jobs",
	}

	cmd.AddCommand(newJobListCmd(g))
	cmd.AddCommand(newJobCreateCmd(g))
	cmd.AddCommand(newJobShowCmd(g))
	cmd.AddCommand(newJobRetryCmd(g))
	return cmd
}

func newJobListCmd(g *globals) *cobra.Command {
	var f queue.Filter

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs of the workspace, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			ws, err := a.EnsureWorkspace(cmd.Context())
			if err != nil {
				return err
			}
			f.WorkspaceID = ws.ID
			jobs, err := a.Queue.List(cmd.Context(), f)
			if err != nil {
				return err
			}
			return g.printList(cmd, jobs, []string{"ID", "TYPE", "STATUS", "ATTEMPT", "PROJECT", "CREATED"}, jobRows(jobs))
		},
	}

	cmd.Flags().StringVar(&f.Status, "status", "", "filter by status")
	cmd.Flags().StringVar(&f.Type, "type", "", "filter by job type")
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "filter by project id")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum number of jobs")
	return cmd
}

func jobRows(jobs []models.Job) [][]string {
	rows := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		attempt := strconv.Itoa(j.Attempt) + "/" + strconv.Itoa(j.MaxAttempts)
		project := j.ProjectID
		if project == "" {
			project = "-"
		}
		rows = append(rows, []string{j.ID, j.Type, j.Status, attempt, project, ago(j.CreatedAt)})
	}
	return rows
}

func newJobCreateCmd(g *globals) *cobra.Command {
	var (
		jobType   string
		projectID string
		input     string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Enqueue a job",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := queue.CreateRequest{ProjectID: projectID, Type: pipeline.JobType(jobType)}
			if input != "" {
				if err := json.Unmarshal([]byte(input), &req.Input); err != nil {
					return fmt.Errorf("invalid --input: %w", err)
				}
			}

			a, err := g.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			ws, err := a.EnsureWorkspace(cmd.Context())
			if err != nil {
				return err
			}
			req.WorkspaceID = ws.ID

			job, err := a.Queue.Create(cmd.Context(), req)
			if err != nil {
				return err
			}
			a.Workers.Trigger(ws.ID)
			if g.jsonOutput() {
				return printJSON(cmd.OutOrStdout(), job)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created job %s (%s)\n", job.ID, job.Type)
			return nil
		},
	}

	cmd.Flags().StringVar(&jobType, "type", "", "job type (required)")
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().StringVar(&input, "input", "", "job input as a JSON object")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func newJobShowCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show a job with its output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			job, err := a.Queue.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), job)
		},
	}
}

func newJobRetryCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Reset a failed job to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			job, err := a.Queue.Retry(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			a.Workers.Trigger(job.WorkspaceID)
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s is %s\n", job.ID, job.Status)
			return nil
		},
	}
}
