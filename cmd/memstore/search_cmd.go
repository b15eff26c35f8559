package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/memstore-dev/memstore/internal/cli"
	"github.com/memstore-dev/memstore/internal/index"
	"github.com/memstore-dev/memstore/internal/recall"
)

// searchTextCmd is the keyword-only counterpart to recall: always runs in
// recall.ModeText, skipping the embedder entirely.
func searchTextCmd() *cobra.Command {
	var (
		k                int
		namespace, spec  string
		dateFrom, dateTo string
		jsonOut          bool
	)
	cmd := &cobra.Command{
		Use:   "search-text [query]",
		Short: "Keyword (FTS5) search over memories, no embeddings required",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearchText(args[0], k, namespace, spec, dateFrom, dateTo, jsonOut)
		},
	}
	cmd.Flags().IntVar(&k, "k", 10, "Number of results")
	cmd.Flags().StringVar(&namespace, "namespace", "", "Filter by namespace")
	cmd.Flags().StringVar(&spec, "spec", "", "Filter by spec identifier")
	cmd.Flags().StringVar(&dateFrom, "date-from", "", "Only memories on/after this date (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&dateTo, "date-to", "", "Only memories on/before this date")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func runSearchText(query string, k int, namespace, spec, dateFromStr, dateToStr string, jsonOut bool) error {
	from, err := parseDateFlag(dateFromStr)
	if err != nil {
		return err
	}
	to, err := parseDateFlag(dateToStr)
	if err != nil {
		return err
	}

	s, err := openStack(domainFlag())
	if err != nil {
		return err
	}
	defer s.Close()

	filters := recall.Filters{
		Filters:  index.Filters{Namespace: namespace, Spec: spec},
		DateFrom: from,
		DateTo:   to,
	}
	results, err := s.recall.Search(context.Background(), query, k, filters, recall.ModeText)
	if err != nil {
		return err
	}

	if jsonOut {
		data, _ := json.MarshalIndent(results, "", "  ")
		fmt.Println(string(data))
		return nil
	}

	lines := make([]cli.ResultLine, 0, len(results))
	for _, r := range results {
		lines = append(lines, cli.ResultLine{ID: r.Memory.ID, Summary: r.Memory.Summary, Namespace: r.Memory.Namespace, Score: r.Score})
	}
	cli.RecallResults(lines)
	return nil
}
