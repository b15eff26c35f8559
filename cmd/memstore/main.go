// Package main is the entrypoint for the memstore CLI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/memstore-dev/memstore/internal/cli"
	"github.com/memstore-dev/memstore/internal/config"
)

// userDomain is set by the global --user flag; true routes every
// subcommand at the user-domain stack instead of the project one.
var userDomain bool

func domainFlag() config.Domain {
	if userDomain {
		return config.DomainUser
	}
	return config.DomainProject
}

func main() {
	root := &cobra.Command{
		Use:   "memstore",
		Short: "Git-native semantic memory for coding agents",
		Long: `memstore gives an AI coding agent durable, searchable memory of a
project's decisions, learnings, and progress, stored as git notes and
indexed for hybrid vector + keyword recall.

Quick start:
  memstore init                 Set up memstore for this repository
  memstore capture ...          Record a memory
  memstore recall "query"       Search memories
  memstore status               Check index health`,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	root.PersistentFlags().BoolVar(&userDomain, "user", false, "Operate on the user-domain memory store instead of the project one")

	root.AddCommand(initCmd())
	root.AddCommand(versionCmd())
	root.AddCommand(captureCmd())
	root.AddCommand(recallCmd())
	root.AddCommand(searchTextCmd())
	root.AddCommand(syncCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(scanSecretsCmd())
	root.AddCommand(secretsAllowlistCmd())
	root.AddCommand(auditLogCmd())
	root.AddCommand(mcpCmd())

	if err := root.Execute(); err != nil {
		fail(err)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the memstore version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("memstore %s\n", Version)
			return nil
		},
	}
}

func initCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Set up memstore for this repository",
		Long: `Creates the data directory, opens (and migrates) the index
database, and writes a default config.toml. Run this once per repository
before capturing memories.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(yes)
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Accept defaults without prompting")
	return cmd
}

func runInit(yes bool) error {
	cli.Banner(Version)

	repoRoot, err := os.Getwd()
	if err != nil {
		return err
	}
	dataDir := config.ProjectDataDir(repoRoot)
	if userDomain {
		dataDir = config.UserDataDir()
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}

	cfg := config.DefaultConfig()
	cfg.Data.Dir = dataDir
	configPath := dataDir + "/config.toml"
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := os.WriteFile(configPath, []byte(config.GenerateTOML(cfg)), 0o644); err != nil {
			return err
		}
		fmt.Printf("  wrote %s\n", cli.ShortenHome(configPath))
	} else {
		fmt.Printf("  %s already exists, leaving it alone\n", cli.ShortenHome(configPath))
	}

	s, err := openStack(domainFlag())
	if err != nil {
		return err
	}
	defer s.Close()

	fmt.Printf("  index ready at %s (schema v%d)\n", cli.ShortenHome(config.IndexPath(dataDir, domainFlag())), s.idx.SchemaVersion())
	cli.Footer()
	return nil
}
