package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aristath/crew/internal/config"
	"github.com/aristath/crew/internal/knowledge"
)

var (
	queryNamespaces []string
	queryLimit      int
	queryThreshold  float64
	watchExts       []string
)

var knowledgeCmd = &cobra.Command{
	Use:   "knowledge",
	Short: "Manage the knowledge base agents retrieve from",
	Long: `Knowledge lives in namespaces: crew-<name> is shared by every agent of a
crew, agent-<role> belongs to one role. Sources are files, directories,
CSV/JSON/YAML files, web pages or inline "text:..." snippets.`,
}

var knowledgeAddCmd = &cobra.Command{
	Use:   "add NAMESPACE SOURCE...",
	Short: "Ingest sources into a namespace",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		ns := args[0]
		if err := knowledge.ValidateNamespace(ns); err != nil {
			return err
		}

		var sources []knowledge.Source
		for _, spec := range args[1:] {
			src, err := knowledge.ParseSource(spec)
			if err != nil {
				return err
			}
			sources = append(sources, src)
		}

		_, stores, err := openStores(ctx)
		if err != nil {
			return err
		}
		defer stores.Close()

		report, err := stores.Knowledge.Ingest(ctx, ns, sources...)
		if err != nil {
			return err
		}
		printReport(report)
		return nil
	},
}

var knowledgeRefreshCmd = &cobra.Command{
	Use:   "refresh [NAMESPACE...]",
	Short: "Rebuild namespaces from the selected crew's sources",
	Long: `Clear and re-ingest the crew namespace and every agent namespace of the
selected crew from the sources its definition lists. Name namespaces to
refresh only those.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, stores, err := openStores(ctx)
		if err != nil {
			return err
		}
		defer stores.Close()

		path, err := cfg.CrewPath(crewName)
		if err != nil {
			return err
		}
		file, err := config.LoadCrew(path)
		if err != nil {
			return err
		}

		sources := crewSources(file)
		only := make(map[string]bool)
		for _, ns := range args {
			if _, ok := sources[ns]; !ok {
				return fmt.Errorf("crew %s has no namespace %q", file.Name, ns)
			}
			only[ns] = true
		}

		for ns, srcs := range sources {
			if len(only) > 0 && !only[ns] {
				continue
			}
			stores.Knowledge.Register(ns, srcs...)
			report, err := stores.Knowledge.RefreshIndex(ctx, ns)
			if err != nil {
				return fmt.Errorf("refresh %s: %w", ns, err)
			}
			printReport(report)
		}
		return nil
	},
}

var knowledgeQueryCmd = &cobra.Command{
	Use:   "query TEXT",
	Short: "Search namespaces and print the best matching chunks",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if len(queryNamespaces) == 0 {
			return errors.New("at least one --ns is required")
		}
		cfg, stores, err := openStores(ctx)
		if err != nil {
			return err
		}
		defer stores.Close()

		limit := queryLimit
		if limit == 0 {
			limit = cfg.Knowledge.ResultsLimit
		}
		threshold := queryThreshold
		if !cmd.Flags().Changed("threshold") {
			threshold = cfg.Knowledge.ScoreThreshold
		}

		r := knowledge.NewRetriever(stores.Knowledge, retrieverOptions(limit, threshold))
		results, err := r.Search(ctx, queryNamespaces, strings.Join(args, " "))
		if err != nil {
			return err
		}
		if len(results) == 0 {
			fmt.Println("No matches.")
			return nil
		}
		for i, res := range results {
			fmt.Printf("%s %s\n", styleTitle.Render(fmt.Sprintf("%d. %s", i+1, res.Chunk.DocumentID)),
				styleMuted.Render(fmt.Sprintf("%s  score %.3f", res.Namespace, res.Score)))
			fmt.Println(res.Chunk.Text)
			fmt.Println()
		}
		return nil
	},
}

var knowledgeWatchCmd = &cobra.Command{
	Use:   "watch NAMESPACE DIR",
	Short: "Ingest files into a namespace as they change",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		_, stores, err := openStores(ctx)
		if err != nil {
			return err
		}
		defer stores.Close()

		dir, err := filepath.Abs(args[1])
		if err != nil {
			return err
		}
		w := knowledge.NewWatcher(stores.Knowledge, args[0], dir, watchExts)
		w.OnIngest = printReport
		go func() {
			select {
			case <-w.Ready():
				fmt.Printf("Watching %s for %s (Ctrl+C to stop)\n", dir, args[0])
			case <-ctx.Done():
			}
		}()
		return w.Run(ctx)
	},
}

func init() {
	knowledgeQueryCmd.Flags().StringSliceVar(&queryNamespaces, "ns", nil, "Namespace to search (repeatable, searched in order)")
	knowledgeQueryCmd.Flags().IntVarP(&queryLimit, "limit", "n", 0, "Maximum results (default: knowledge.results_limit)")
	knowledgeQueryCmd.Flags().Float64Var(&queryThreshold, "threshold", 0, "Minimum similarity (default: knowledge.score_threshold)")
	knowledgeWatchCmd.Flags().StringSliceVar(&watchExts, "ext", nil, "File extensions to ingest, e.g. .md,.txt (default: all)")

	knowledgeCmd.AddCommand(knowledgeAddCmd)
	knowledgeCmd.AddCommand(knowledgeRefreshCmd)
	knowledgeCmd.AddCommand(knowledgeQueryCmd)
	knowledgeCmd.AddCommand(knowledgeWatchCmd)
}

// crewSources maps each namespace of a crew to its parsed sources.
// Unparseable entries are reported and skipped.
func crewSources(file *config.CrewFile) map[string][]knowledge.Source {
	out := make(map[string][]knowledge.Source)
	add := func(ns string, specs []string) {
		for _, spec := range specs {
			src, err := knowledge.ParseSource(spec)
			if err != nil {
				fmt.Println(styleFailed.Render("skip ") + styleMuted.Render(err.Error()))
				continue
			}
			out[ns] = append(out[ns], src)
		}
	}
	add(knowledge.CrewNamespace(file.Name), file.Knowledge)
	for _, a := range file.Agents {
		add(knowledge.AgentNamespace(a.Role), a.Knowledge)
	}
	return out
}

func printReport(r *knowledge.IngestReport) {
	if r == nil {
		return
	}
	fmt.Printf("%s %s\n", styleComplete.Render(r.Namespace),
		styleMuted.Render(fmt.Sprintf("%d documents, %d new chunks, %d already indexed", r.Documents, r.Chunks, r.Duplicates)))
	for _, e := range r.Errors {
		fmt.Println("  " + styleFailed.Render("✗ ") + e.Error())
	}
}
