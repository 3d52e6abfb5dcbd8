package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aristath/crew/internal/memory"
)

var (
	resetShort     bool
	resetLong      bool
	resetEntity    bool
	resetKnowledge bool
	resetRuns      bool
	resetAll       bool
)

var resetCmd = &cobra.Command{
	Use:   "reset-memories",
	Short: "Clear stored memories, knowledge or run history",
	Long: `Clear what crews have accumulated.

Examples:
  crew reset-memories --long            # forget earlier run summaries
  crew reset-memories --entity --knowledge
  crew reset-memories --all`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !(resetShort || resetLong || resetEntity || resetKnowledge || resetRuns || resetAll) {
			return errors.New("nothing to reset; pass --short, --long, --entity, --knowledge, --runs or --all")
		}

		ctx := cmd.Context()
		_, stores, err := openStores(ctx)
		if err != nil {
			return err
		}
		defer stores.Close()

		tiers := map[memory.Tier]bool{
			memory.TierShort:  resetShort,
			memory.TierLong:   resetLong,
			memory.TierEntity: resetEntity,
		}
		for _, tier := range memory.Tiers {
			if !tiers[tier] && !resetAll {
				continue
			}
			if err := stores.Memory.Reset(ctx, tier); err != nil {
				return err
			}
			fmt.Printf("Reset %s-term memory\n", tier)
		}

		if resetKnowledge || resetAll {
			if err := stores.Knowledge.ResetAll(ctx); err != nil {
				return err
			}
			fmt.Println("Reset knowledge")
		}
		if resetRuns || resetAll {
			if err := stores.Checkpoints.DeleteRuns(ctx); err != nil {
				return err
			}
			fmt.Println("Deleted run history")
		}
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVarP(&resetShort, "short", "s", false, "Reset short-term memory")
	resetCmd.Flags().BoolVarP(&resetLong, "long", "l", false, "Reset long-term memory")
	resetCmd.Flags().BoolVarP(&resetEntity, "entity", "e", false, "Reset entity memory")
	resetCmd.Flags().BoolVarP(&resetKnowledge, "knowledge", "k", false, "Reset every knowledge namespace")
	resetCmd.Flags().BoolVar(&resetRuns, "runs", false, "Delete run checkpoints and attempt logs")
	resetCmd.Flags().BoolVarP(&resetAll, "all", "a", false, "Reset everything")
}
