package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/memstore-dev/memstore/internal/cli"
	"github.com/memstore-dev/memstore/internal/sync"
)

func syncCmd() *cobra.Command {
	var (
		full   bool
		verify bool
		repair bool
		dryRun bool
		watch  bool
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reindex, verify, or repair the index against the note store",
		Long: `By default, sync runs an incremental reindex: every (namespace,
commit) note pair is walked and upserted into the index.

  --full     truncate the index first, so the result reflects only
             what the notes currently say
  --verify   report missing, orphaned, and content-mismatched ids
             without reindexing
  --repair   run verify, then delete orphans and resync the rest
  --dry-run  with --repair, print what would change without applying it
  --watch    after the initial reindex, keep running and incrementally
             resync as notes are appended`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(full, verify, repair, dryRun, watch)
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "Truncate the index before reindexing")
	cmd.Flags().BoolVar(&verify, "verify", false, "Report drift between notes and index, don't reindex")
	cmd.Flags().BoolVar(&repair, "repair", false, "Verify, then delete orphans and resync drift")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "With --repair, only report what would change")
	cmd.Flags().BoolVar(&watch, "watch", false, "Keep running and reindex incrementally as notes change")
	return cmd
}

func runSync(full, verify, repair, dryRun, watch bool) error {
	s, err := openStack(domainFlag())
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := context.Background()

	switch {
	case repair:
		return runSyncRepair(ctx, s.sync, dryRun)
	case verify:
		return runSyncVerify(ctx, s.sync)
	default:
		if err := runSyncReindex(ctx, s.sync, full); err != nil {
			return err
		}
		if !watch {
			return nil
		}
		return runSyncWatch(ctx, s)
	}
}

// runSyncWatch resolves the on-disk ref directory backing this stack's
// notes and blocks there, triggering incremental resyncs as notes change,
// until the process is interrupted.
func runSyncWatch(ctx context.Context, s *stack) error {
	dir, err := s.notes.GitRefsDir(ctx)
	if err != nil {
		return err
	}
	cli.Section("watch")
	fmt.Printf("  watching %s\n", cli.ShortenHome(dir))
	return s.sync.Watch(ctx, dir)
}

func runSyncReindex(ctx context.Context, svc *sync.Service, full bool) error {
	cli.Section("sync")
	stats, err := svc.ReindexWithProgress(ctx, full, func(current, total int, namespace, commit string) {
		fmt.Printf("\r  %d/%d  %s@%s", current, total, namespace, commit)
	})
	if err != nil {
		return err
	}
	fmt.Println()
	cli.Box([]string{
		fmt.Sprintf("notes seen:     %s", cli.FormatNumber(stats.TotalNotes)),
		fmt.Sprintf("newly indexed:  %s", cli.FormatNumber(stats.NewlyIndexed)),
		fmt.Sprintf("skipped:        %s", cli.FormatNumber(stats.SkippedUnchanged)),
		fmt.Sprintf("errors:         %s", cli.FormatNumber(stats.Errors)),
		fmt.Sprintf("in index now:   %s", cli.FormatNumber(stats.MemoriesInIndex)),
	})
	return nil
}

func runSyncVerify(ctx context.Context, svc *sync.Service) error {
	result, err := svc.VerifyConsistency(ctx)
	if err != nil {
		return err
	}
	printVerification(result)
	return nil
}

func runSyncRepair(ctx context.Context, svc *sync.Service, dryRun bool) error {
	result, err := svc.VerifyConsistency(ctx)
	if err != nil {
		return err
	}
	printVerification(result)

	if dryRun {
		fmt.Printf("\n%s%sdry run, nothing repaired%s\n", "  ", cli.Dim, cli.Reset)
		return nil
	}

	repaired, err := svc.Repair(ctx, result)
	if err != nil {
		return err
	}
	fmt.Printf("\n  repaired %d record(s)\n", repaired)
	return nil
}

func printVerification(result *sync.VerificationResult) {
	cli.Box([]string{
		fmt.Sprintf("missing in index:    %d", len(result.MissingInIndex)),
		fmt.Sprintf("orphaned in index:   %d", len(result.OrphanedInIndex)),
		fmt.Sprintf("content mismatched:  %d", len(result.ContentMismatched)),
	})
}
