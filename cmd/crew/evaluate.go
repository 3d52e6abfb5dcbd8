package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aristath/crew/internal/evaluate"
	"github.com/aristath/crew/internal/orchestrator"
)

var (
	evalIterations int
	evalInputs     map[string]string
	trainFile      string
	testModel      string
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Run a crew repeatedly and save review feedback as agent suggestions",
	Long: `Run the crew -n times and collect every piece of review feedback per
agent role. The result is written to -f; point the crew's training_file at
it and agents will see the suggestions in their instructions.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, crewName, progress)
		if err != nil {
			return err
		}
		defer a.Close()

		data, err := evaluate.Train(ctx, a.runner, evalIterations, evalInputs, trainFile)
		if err != nil {
			return err
		}
		for _, role := range a.crew.Roles() {
			fmt.Printf("%s %s\n", styleTitle.Render(role), styleMuted.Render(fmt.Sprintf("%d suggestions", len(data.Suggestions(role)))))
			for _, s := range data.Suggestions(role) {
				fmt.Println("  - " + s)
			}
		}
		fmt.Printf("\nSaved %d iterations to %s\n", data.Iterations, trainFile)
		return nil
	},
}

var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Run a crew repeatedly and score its outputs",
	Long: `Run the crew -n times and have a model score every completed output
from 1 to 10 against the task's expected output. --model overrides the
manager model used for scoring.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, crewName, progress)
		if err != nil {
			return err
		}
		defer a.Close()

		cfg := *a.cfg
		if testModel != "" {
			cfg.Manager.Model = testModel
		}
		b, err := orchestrator.ManagerBackend(ctx, &cfg, pm)
		if err != nil {
			return fmt.Errorf("create scoring backend: %w", err)
		}
		defer b.Close()

		report, err := evaluate.Test(ctx, a.runner, evalIterations, evalInputs, evaluate.NewModelScorer(b))
		if err != nil {
			return err
		}
		fmt.Println(report.Render())
		fmt.Println(styleMuted.Render(report.Summary()))
		return nil
	},
}

func init() {
	for _, cmd := range []*cobra.Command{trainCmd, testCmd} {
		cmd.Flags().IntVarP(&evalIterations, "iterations", "n", 1, "Number of runs")
		cmd.Flags().StringToStringVarP(&evalInputs, "input", "i", nil, "Task input as name=value (repeatable)")
	}
	trainCmd.Flags().StringVarP(&trainFile, "file", "f", "training.yaml", "Where to write the training artifact")
	testCmd.Flags().StringVar(&testModel, "model", "", "Model used for scoring")
}
