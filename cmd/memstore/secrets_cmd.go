package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/memstore-dev/memstore/internal/cli"
	"github.com/memstore-dev/memstore/internal/secrets"
)

// scanSecretsCmd re-scans already-indexed memory content for secrets that
// slipped past capture-time filtering (a policy change, an allowlist entry
// later revoked). --fix rewrites the index's copy in place; the backing
// note is left untouched since ShowNote/AppendNote is append-only, so a
// fixed memory still needs a fresh capture to fully scrub history.
func scanSecretsCmd() *cobra.Command {
	var (
		namespace string
		fix       bool
		dryRun    bool
	)
	cmd := &cobra.Command{
		Use:   "scan-secrets",
		Short: "Re-scan indexed memories for secrets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScanSecrets(namespace, fix, dryRun)
		},
	}
	cmd.Flags().StringVar(&namespace, "namespace", "", "Limit the scan to one namespace")
	cmd.Flags().BoolVar(&fix, "fix", false, "Rewrite the index's copy with the configured strategy applied")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report what --fix would change without applying it")
	return cmd
}

func runScanSecrets(namespace string, fix, dryRun bool) error {
	s, err := openStack(domainFlag())
	if err != nil {
		return err
	}
	defer s.Close()

	ids, err := s.idx.IterAllIDs(string(s.domain), 500)
	if err != nil {
		return err
	}

	policy := secrets.DefaultPolicy()
	policy.DefaultStrategy = secrets.Strategy(s.cfg.Secrets.DefaultStrategy)
	policy.EntropyEnabled = s.cfg.Secrets.EntropyEnabled
	policy.PIIEnabled = s.cfg.Secrets.PIIEnabled
	policy.ConfidenceThreshold = s.cfg.Secrets.ConfidenceThreshold

	flagged := 0
	fixed := 0
	for _, id := range ids {
		m, err := s.idx.Get(id)
		if err != nil || m == nil {
			continue
		}
		if namespace != "" && m.Namespace != namespace {
			continue
		}
		scan := secrets.Scan(m.Summary+"\n\n"+m.Content, policy)
		if !scan.HadSecrets {
			continue
		}
		flagged++
		fmt.Printf("  %s%s%s [%s] %d detection(s)\n", cli.Yellow, m.ID, cli.Reset, m.Namespace, len(scan.Detections))
		for _, d := range scan.Detections {
			fmt.Printf("    %s (confidence %.2f)\n", d.Kind, d.Confidence)
		}

		if !fix || dryRun {
			continue
		}
		fr, err := secrets.Filter(m.Summary+"\n\n"+m.Content, "scan_secrets", m.Namespace, policy, s.allowlist, s.audit)
		if err != nil {
			fmt.Printf("    %s!%s could not rewrite: %v\n", cli.Red, cli.Reset, err)
			continue
		}
		m.Content = fr.Content
		if err := s.idx.Update(*m, nil); err != nil {
			fmt.Printf("    %s!%s update failed: %v\n", cli.Red, cli.Reset, err)
			continue
		}
		fixed++
	}

	fmt.Println()
	if flagged == 0 {
		fmt.Printf("  %sno secrets found%s\n", cli.Dim, cli.Reset)
		return nil
	}
	if fix && !dryRun {
		fmt.Printf("  %d memor%s flagged, %d fixed\n", flagged, plural(flagged), fixed)
	} else {
		fmt.Printf("  %d memor%s flagged\n", flagged, plural(flagged))
	}
	return nil
}

func plural(n int) string {
	if n == 1 {
		return "y"
	}
	return "ies"
}

func secretsAllowlistCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets-allowlist",
		Short: "Manage hashes exempted from the secrets filter",
	}
	cmd.AddCommand(secretsAllowlistAddCmd())
	cmd.AddCommand(secretsAllowlistRemoveCmd())
	cmd.AddCommand(secretsAllowlistListCmd())
	return cmd
}

func secretsAllowlistAddCmd() *cobra.Command {
	var namespace, reason string
	cmd := &cobra.Command{
		Use:   "add <hash>",
		Short: "Allow a detection hash in a namespace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStack(domainFlag())
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.allowlist.Add(args[0], namespace); err != nil {
				return err
			}
			_ = s.audit.Append(secrets.AuditEvent{Action: "allowlist_add", Namespace: namespace, Hash: args[0], Outcome: reason})
			fmt.Printf("  %s✓%s allowlisted %s in %q\n", cli.Green, cli.Reset, args[0], namespace)
			return nil
		},
	}
	cmd.Flags().StringVar(&namespace, "namespace", "", "Namespace the hash is allowed in")
	cmd.Flags().StringVar(&reason, "reason", "", "Why this is a false positive")
	return cmd
}

func secretsAllowlistRemoveCmd() *cobra.Command {
	var namespace string
	cmd := &cobra.Command{
		Use:   "remove <hash>",
		Short: "Revoke an allowlisted hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStack(domainFlag())
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.allowlist.Remove(args[0], namespace); err != nil {
				return err
			}
			_ = s.audit.Append(secrets.AuditEvent{Action: "allowlist_remove", Namespace: namespace, Hash: args[0]})
			fmt.Printf("  %s✓%s removed %s from %q\n", cli.Green, cli.Reset, args[0], namespace)
			return nil
		},
	}
	cmd.Flags().StringVar(&namespace, "namespace", "", "Namespace the hash was allowed in")
	return cmd
}

func secretsAllowlistListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Show every allowlisted hash",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStack(domainFlag())
			if err != nil {
				return err
			}
			defer s.Close()

			byNamespace := s.allowlist.List()
			if len(byNamespace) == 0 {
				fmt.Printf("  %sno allowlisted hashes%s\n", cli.Dim, cli.Reset)
				return nil
			}
			namespaces := make([]string, 0, len(byNamespace))
			for ns := range byNamespace {
				namespaces = append(namespaces, ns)
			}
			sort.Strings(namespaces)
			for _, ns := range namespaces {
				fmt.Printf("  %s[%s]%s\n", cli.Bold, ns, cli.Reset)
				hashes := byNamespace[ns]
				sort.Strings(hashes)
				for _, h := range hashes {
					fmt.Printf("    %s\n", h)
				}
			}
			return nil
		},
	}
}
