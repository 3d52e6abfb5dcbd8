package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var replayTask string

var resumeCmd = &cobra.Command{
	Use:   "resume RUN",
	Short: "Continue an interrupted or failed run from its last checkpoint",
	Long: `Continue a run from its last checkpoint. Completed tasks keep their
outputs; every other task runs again with a fresh retry budget.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		name, err := crewOfRun(ctx, args[0])
		if err != nil {
			return err
		}
		a, err := openApp(ctx, name, progress)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.runner.Resume(ctx, args[0])
		if err != nil {
			return err
		}
		return printResult(res)
	},
}

var replayCmd = &cobra.Command{
	Use:   "replay RUN --task ID",
	Short: "Rerun a task and everything downstream of it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		name, err := crewOfRun(ctx, args[0])
		if err != nil {
			return err
		}
		a, err := openApp(ctx, name, progress)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.runner.Replay(ctx, args[0], replayTask)
		if err != nil {
			return err
		}
		return printResult(res)
	},
}

var listLimit int

var listCmd = &cobra.Command{
	Use:   "list [RUN]",
	Short: "List runs, or the tasks of one run",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		_, stores, err := openStores(ctx)
		if err != nil {
			return err
		}
		defer stores.Close()
		runs := stores.Checkpoints

		if len(args) == 0 {
			list, err := runs.ListRuns(ctx, listLimit)
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Println("No runs yet. Start one with 'crew run'.")
				return nil
			}
			fmt.Println(renderRuns(list))
			return nil
		}

		run, err := runs.GetRun(ctx, args[0])
		if err != nil {
			return err
		}
		snaps, err := runs.LoadCheckpoint(ctx, run.ID)
		if err != nil {
			return err
		}
		attempts, err := runs.ListAttempts(ctx, run.ID)
		if err != nil {
			return err
		}
		fmt.Printf("%s %s %s\n", styleTitle.Render("Run "+run.ID), styleMuted.Render(run.Crew), styleStatus(run.Status))
		fmt.Println(renderTasks(snaps, attempts))
		return nil
	},
}

func init() {
	replayCmd.Flags().StringVarP(&replayTask, "task", "t", "", "Task to rerun")
	replayCmd.MarkFlagRequired("task")

	listCmd.Flags().IntVarP(&listLimit, "limit", "n", 20, "Maximum number of runs to show (0 for all)")
}
