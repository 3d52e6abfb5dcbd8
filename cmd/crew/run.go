package main

import (
	"context"
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/aristath/crew/internal/crew"
)

var (
	runInputs   map[string]string
	runDefaults bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a crew",
	Long: `Run the selected crew (--crew, or default_crew) to completion.

Task descriptions may reference inputs as {name}. Values given with --input
override the crew's defaults; with no --input, you are asked for every
placeholder the tasks use.

Examples:
  crew run
  crew run -c research --input topic="solar storage" --input audience=investors
  crew run --defaults`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		prompt := !cmd.Flags().Changed("input") && !runDefaults
		return runCrew(cmd.Context(), crewName, runInputs, prompt)
	},
}

var kickoffCmd = &cobra.Command{
	Use:   "kickoff NAME",
	Short: "Run the named crew with the given inputs, without prompting",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCrew(cmd.Context(), args[0], runInputs, false)
	},
}

func init() {
	for _, cmd := range []*cobra.Command{runCmd, kickoffCmd} {
		cmd.Flags().StringToStringVarP(&runInputs, "input", "i", nil, "Task input as name=value (repeatable)")
	}
	runCmd.Flags().BoolVar(&runDefaults, "defaults", false, "Use the crew's default inputs without prompting")
}

func runCrew(ctx context.Context, name string, inputs map[string]string, prompt bool) error {
	a, err := openApp(ctx, name, progress)
	if err != nil {
		return err
	}
	defer a.Close()

	if prompt {
		inputs, err = promptInputs(ctx, a.crew)
		if err != nil {
			return err
		}
	}

	res, err := a.runner.Run(ctx, inputs)
	if err != nil {
		return err
	}
	return printResult(res)
}

// promptInputs asks for every placeholder the crew's tasks use, prefilled
// with the crew's defaults.
func promptInputs(ctx context.Context, c *crew.Crew) (map[string]string, error) {
	names := c.Placeholders()
	if len(names) == 0 {
		return nil, nil
	}

	values := make([]string, len(names))
	fields := make([]huh.Field, len(names))
	for i, name := range names {
		values[i] = c.Inputs[name]
		fields[i] = huh.NewInput().
			Title(name).
			Value(&values[i])
	}

	form := huh.NewForm(huh.NewGroup(fields...))
	if err := form.RunWithContext(ctx); err != nil {
		return nil, fmt.Errorf("input form: %w", err)
	}

	inputs := make(map[string]string, len(names))
	for i, name := range names {
		inputs[name] = values[i]
	}
	return inputs, nil
}
