package main

import (
	"github.com/spf13/cobra"
)

// crewName selects the crew for commands that need one. Empty means the
// configured default_crew.
var crewName string

var rootCmd = &cobra.Command{
	Use:   "crew",
	Short: "Multi-agent task orchestration",
	Long: `Crew runs a team of role-bound agents through a graph of dependent tasks.

A manager assigns each task to the best-suited agent, reviews every output
against the task's guardrails and sends rejected work back with feedback.
Agents draw on a shared knowledge base and on memories of earlier runs.

Configuration is read from ~/.crew/config.yaml and .crew/config.yaml;
crews are defined in YAML files registered under "crews".`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&crewName, "crew", "c", "", "Crew name or definition file (default: default_crew)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(kickoffCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(trainCmd)
	rootCmd.AddCommand(testCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(knowledgeCmd)
	rootCmd.AddCommand(serveCmd)
}
