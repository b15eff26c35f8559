package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/memstore-dev/memstore/internal/capture"
)

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func captureCmd() *cobra.Command {
	var (
		namespace string
		summary   string
		content   string
		spec      string
		tags      string
		phase     string
		relatesTo string
		commit    string
		jsonOut   bool
	)
	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Record a memory against the current (or given) commit",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStack(domainFlag())
			if err != nil {
				return err
			}
			defer s.Close()

			in := capture.Input{
				Namespace: namespace,
				Summary:   summary,
				Content:   content,
				Spec:      spec,
				Tags:      splitCSV(tags),
				Phase:     phase,
				RelatesTo: splitCSV(relatesTo),
				Commit:    commit,
				Domain:    domainFlag(),
			}
			result, err := s.capture.Capture(context.Background(), in)
			if err != nil {
				return err
			}

			if jsonOut {
				data, _ := json.MarshalIndent(result, "", "  ")
				fmt.Println(string(data))
				return nil
			}

			fmt.Printf("captured %s", result.Memory.ID)
			if !result.Indexed {
				fmt.Printf(" (not indexed yet: %s)", result.Warning)
			}
			fmt.Println()
			return nil
		},
	}
	cmd.Flags().StringVar(&namespace, "namespace", "", "One of the closed namespaces (required)")
	cmd.Flags().StringVar(&summary, "summary", "", "Short summary, 1-100 characters (required)")
	cmd.Flags().StringVar(&content, "content", "", "Memory body (required)")
	cmd.Flags().StringVar(&spec, "spec", "", "Associated spec/ticket identifier")
	cmd.Flags().StringVar(&tags, "tags", "", "Comma-separated tags")
	cmd.Flags().StringVar(&phase, "phase", "", "Workflow phase")
	cmd.Flags().StringVar(&relatesTo, "relates-to", "", "Comma-separated related memory ids")
	cmd.Flags().StringVar(&commit, "commit", "", "Commit to attach to (defaults to HEAD)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	cmd.MarkFlagRequired("namespace")
	cmd.MarkFlagRequired("summary")
	cmd.MarkFlagRequired("content")
	return cmd
}
