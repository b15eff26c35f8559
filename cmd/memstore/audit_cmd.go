package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/memstore-dev/memstore/internal/cli"
	"github.com/memstore-dev/memstore/internal/secrets"
)

func auditLogCmd() *cobra.Command {
	var (
		action    string
		namespace string
		limit     int
		jsonOut   bool
	)
	cmd := &cobra.Command{
		Use:   "audit-log",
		Short: "Show the secrets filter's audit trail",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuditLog(action, namespace, limit, jsonOut)
		},
	}
	cmd.Flags().StringVar(&action, "action", "", "Filter by action: scan, filter, allowlist_add, allowlist_remove")
	cmd.Flags().StringVar(&namespace, "namespace", "", "Filter by namespace")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum entries to show, newest first (0 = unlimited)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func runAuditLog(action, namespace string, limit int, jsonOut bool) error {
	s, err := openStack(domainFlag())
	if err != nil {
		return err
	}
	defer s.Close()

	events, err := s.audit.Read(secrets.AuditFilter{Action: action, Namespace: namespace}, limit)
	if err != nil {
		return err
	}

	if jsonOut {
		data, _ := json.MarshalIndent(events, "", "  ")
		fmt.Println(string(data))
		return nil
	}

	if len(events) == 0 {
		fmt.Printf("  %sno audit entries%s\n", cli.Dim, cli.Reset)
		return nil
	}
	for _, e := range events {
		fmt.Printf("  %s%s%s  %-18s ns=%-15q detections=%-3d %s\n",
			cli.Dim, e.Timestamp, cli.Reset, e.Action, e.Namespace, e.Detections, e.Outcome)
	}
	return nil
}
