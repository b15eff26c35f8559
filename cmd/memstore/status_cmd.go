package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/memstore-dev/memstore/internal/cli"
	"github.com/memstore-dev/memstore/internal/config"
)

func statusCmd() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check index health and embedding connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(verbose)
		},
	}
	cmd.Flags().BoolVar(&verbose, "verbose", false, "Also show audit log and allowlist detail")
	return cmd
}

func runStatus(verbose bool) error {
	passed, failed := 0, 0
	check := func(name, hint string, fn func() (string, error)) {
		detail, err := fn()
		if err != nil {
			fmt.Printf("  %s✗%s %s: %s\n", cli.Red, cli.Reset, name, err)
			if hint != "" {
				fmt.Printf("    → %s\n", hint)
			}
			failed++
			return
		}
		if detail != "" {
			fmt.Printf("  %s✓%s %s (%s)\n", cli.Green, cli.Reset, name, detail)
		} else {
			fmt.Printf("  %s✓%s %s\n", cli.Green, cli.Reset, name)
		}
		passed++
	}

	cli.Header("memstore status")
	fmt.Println()

	s, err := openStack(domainFlag())
	if err != nil {
		return err
	}
	defer s.Close()

	check("Data directory", "run 'memstore init'", func() (string, error) {
		return cli.ShortenHome(s.cfg.Data.Dir), nil
	})

	check("Index", "run 'memstore sync --full' to rebuild", func() (string, error) {
		count, err := s.idx.Count(string(s.domain))
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s memories, schema v%d", cli.FormatNumber(count), s.idx.SchemaVersion()), nil
	})

	check("Integrity", "run 'memstore sync --repair'", func() (string, error) {
		if err := s.idx.IntegrityCheck(); err != nil {
			return "", err
		}
		return "ok", nil
	})

	check("FTS5", "rebuild with 'memstore sync --full' if this stays unavailable", func() (string, error) {
		if s.idx.FTSAvailable() {
			return "available", nil
		}
		return "", fmt.Errorf("not compiled in, falling back to LIKE search")
	})

	check("Embedding provider", "set [embedding] provider in config.toml, or run keyword-only with --mode text", func() (string, error) {
		if s.embedder == nil {
			return "", fmt.Errorf("none configured (keyword search still works)")
		}
		if _, err := s.embedder.Embed("status check"); err != nil {
			return "", fmt.Errorf("not responding: %w", err)
		}
		return fmt.Sprintf("%s (%d dims)", s.embedder.Name(), s.embedder.Dimensions()), nil
	})

	check("Secrets policy", "", func() (string, error) {
		if !s.cfg.Secrets.Enabled {
			return "disabled", nil
		}
		return fmt.Sprintf("default=%s entropy=%v pii=%v", s.cfg.Secrets.DefaultStrategy, s.cfg.Secrets.EntropyEnabled, s.cfg.Secrets.PIIEnabled), nil
	})

	check("Notes ref", "", func() (string, error) {
		return fmt.Sprintf("%s (domain=%s)", s.cfg.Notes.RefPrefix, s.domain), nil
	})

	if verbose {
		fmt.Println()
		cli.Section("audit log")
		info := auditLogInfo(s.cfg)
		fmt.Printf("  %s\n", info)
	}

	fmt.Println()
	if failed > 0 {
		fmt.Printf("  %d check(s) failed, %d passed\n", failed, passed)
	}
	cli.Footer()
	return nil
}

func auditLogInfo(cfg *config.Config) string {
	return fmt.Sprintf("%s (max %d bytes, %d rotated files kept)",
		cli.ShortenHome(cfg.AuditDirPath()), cfg.Secrets.AuditMaxSizeBytes, cfg.Secrets.AuditMaxFiles)
}
