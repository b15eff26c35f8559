package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/memstore-dev/memstore/internal/cli"
	"github.com/memstore-dev/memstore/internal/config"
	"github.com/memstore-dev/memstore/internal/index"
	"github.com/memstore-dev/memstore/internal/recall"
)

func parseDateFlag(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}

func recallCmd() *cobra.Command {
	var (
		k                             int
		mode, namespace, specFilter   string
		dateFrom, dateTo              string
		minSim                        float64
		crossDomain, jsonOut          bool
	)
	cmd := &cobra.Command{
		Use:   "recall [query]",
		Short: "Search memories with vector, text, or hybrid fusion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecall(args[0], k, mode, namespace, specFilter, dateFrom, dateTo, minSim, crossDomain, jsonOut)
		},
	}
	cmd.Flags().IntVar(&k, "k", 10, "Number of results")
	cmd.Flags().StringVar(&mode, "mode", "hybrid", "vector|text|hybrid")
	cmd.Flags().StringVar(&namespace, "namespace", "", "Filter by namespace")
	cmd.Flags().StringVar(&specFilter, "spec", "", "Filter by spec identifier")
	cmd.Flags().StringVar(&dateFrom, "date-from", "", "Only memories on/after this date (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&dateTo, "date-to", "", "Only memories on/before this date")
	cmd.Flags().Float64Var(&minSim, "min-similarity", 0, "Drop vector hits below this similarity")
	cmd.Flags().BoolVar(&crossDomain, "cross-domain", false, "Search both the project and user stores")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func runRecall(query string, k int, mode, namespace, specFilter, dateFromStr, dateToStr string, minSim float64, crossDomain, jsonOut bool) error {
	from, err := parseDateFlag(dateFromStr)
	if err != nil {
		return err
	}
	to, err := parseDateFlag(dateToStr)
	if err != nil {
		return err
	}

	filters := recall.Filters{
		Filters:       index.Filters{Namespace: namespace, Spec: specFilter},
		MinSimilarity: minSim,
		DateFrom:      from,
		DateTo:        to,
	}

	var results []recall.MemoryResult
	if crossDomain {
		projectStack, err := openStack(config.DomainProject)
		if err != nil {
			return err
		}
		defer projectStack.Close()
		userStack, err := openStack(config.DomainUser)
		if err != nil {
			return err
		}
		defer userStack.Close()

		results, err = recall.CrossDomainSearch(context.Background(),
			[]*recall.Service{projectStack.recall, userStack.recall},
			query, k, filters, recall.Mode(mode))
		if err != nil {
			return err
		}
	} else {
		s, err := openStack(domainFlag())
		if err != nil {
			return err
		}
		defer s.Close()
		results, err = s.recall.Search(context.Background(), query, k, filters, recall.Mode(mode))
		if err != nil {
			return err
		}
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
