package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zulandar/stageline/internal/models"
	"github.com/zulandar/stageline/internal/pipeline"
	"github.com/zulandar/stageline/internal/workflow"
)

func newProjectCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Manage projects and their stages",
	}

	cmd.AddCommand(newProjectListCmd(g))
	cmd.AddCommand(newProjectCreateCmd(g))
	cmd.AddCommand(newProjectShowCmd(g))
	cmd.AddCommand(newProjectTransitionCmd(g))
	cmd.AddCommand(newProjectApproveCmd(g))
	cmd.AddCommand(newProjectHistoryCmd(g))
	return cmd
}

func newProjectListCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects of the workspace",
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
			projects, err := a.Workflow.ListProjects(cmd.Context(), ws.ID)
			if err != nil {
				return err
			}

			rows := make([][]string, 0, len(projects))
			for _, p := range projects {
				rows = append(rows, []string{p.ID, p.Name, p.Stage, p.Status, strconv.Itoa(p.Priority), jobState(p), ago(p.UpdatedAt)})
			}
			return g.printList(cmd, projects, []string{"ID", "NAME", "STAGE", "STATUS", "PRIORITY", "JOBS", "UPDATED"}, rows)
		},
	}
}

func jobState(p models.Project) string {
	if p.ActiveJobStatus == "" {
		return "-"
	}
	return p.ActiveJobStatus
}

func newProjectCreateCmd(g *globals) *cobra.Command {
	var (
		priority int
		stage    string
	)

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a project in the first enabled stage",
		Args:  cobra.MinimumNArgs(1),
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
			p, err := a.Workflow.CreateProject(cmd.Context(), workflow.CreateProjectInput{
				WorkspaceID: ws.ID,
				Name:        strings.Join(args, " "),
				Priority:    priority,
				Stage:       pipeline.StageID(stage),
			}, g.actor())
			if err != nil {
				return err
			}
			if g.jsonOutput() {
				return printJSON(cmd.OutOrStdout(), p)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created project %s %q in stage %s\n", p.ID, p.Name, p.Stage)
			return nil
		},
	}

	cmd.Flags().IntVar(&priority, "priority", 2, "project priority")
	cmd.Flags().StringVar(&stage, "stage", "", "initial stage (default: first enabled stage)")
	return cmd
}

func newProjectShowCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "show <project-id>",
		Short: "Show a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			p, err := a.Workflow.GetProject(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), p)
		},
	}
}

func newProjectTransitionCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "transition <project-id> <stage>",
		Short: "Move a project to another stage",
		Long: `Requests a stage transition. The transition is refused when the target
stage's required documents or approvals are missing; the reasons are listed.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			res, err := a.Workflow.RequestTransition(cmd.Context(), args[0], pipeline.StageID(args[1]), g.actor())
			if err != nil {
				return err
			}
			if g.jsonOutput() {
				return printJSON(cmd.OutOrStdout(), res)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Moved %s -> %s\n", res.From, res.To)
			if len(res.EnqueuedJobs) > 0 {
				fmt.Fprintf(out, "Enqueued %d job(s): %s\n", len(res.EnqueuedJobs), strings.Join(res.EnqueuedJobs, ", "))
			}
			if res.Paused {
				fmt.Fprintln(out, "Automation paused: stage requires a human in the loop")
			}
			return nil
		},
	}
}

func newProjectApproveCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "approve <project-id> <stage>",
		Short: "Record an approval of a project for a stage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			st, err := a.Workflow.Approve(cmd.Context(), args[0], pipeline.StageID(args[1]), g.actor())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Approvals for %s: %d/%d\n", st.Stage, st.Have, st.Need)
			return nil
		},
	}
}

func newProjectHistoryCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "history <project-id>",
		Short: "Show the stage history of a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			entries, err := a.Workflow.History(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(entries))
			for _, h := range entries {
				rows = append(rows, []string{h.Stage, h.TriggeredBy, ago(h.EnteredAt), agoPtr(h.ExitedAt)})
			}
			return g.printList(cmd, entries, []string{"STAGE", "BY", "ENTERED", "EXITED"}, rows)
		},
	}
}
