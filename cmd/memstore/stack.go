package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/memstore-dev/memstore/internal/capture"
	"github.com/memstore-dev/memstore/internal/config"
	"github.com/memstore-dev/memstore/internal/embedding"
	"github.com/memstore-dev/memstore/internal/index"
	"github.com/memstore-dev/memstore/internal/memstoreerr"
	"github.com/memstore-dev/memstore/internal/recall"
	"github.com/memstore-dev/memstore/internal/secrets"
	"github.com/memstore-dev/memstore/internal/sync"
	"github.com/memstore-dev/memstore/internal/vcsnotes"
)

// Version is set at build time via ldflags.
var Version = "dev"

// stack bundles one domain's collaborators, wired the way main.go's
// newEmbedProvider/store.Open pairing does in the teacher: one place that
// resolves config and opens the index, reused by every subcommand.
type stack struct {
	cfg       *config.Config
	domain    config.Domain
	idx       *index.Index
	notes     *vcsnotes.VcsNotes
	embedder  embedding.Provider
	allowlist *secrets.FileAllowlist
	audit     *secrets.AuditLog
	capture   *capture.Service
	recall    *recall.Service
	sync      *sync.Service
}

func (s *stack) Close() error {
	if s.idx != nil {
		return s.idx.Close()
	}
	return nil
}

// openStack resolves config for domain, opens its index, and wires a
// capture/recall/sync service set bound to it. repoRoot is the project
// working directory (ignored for DomainUser, which uses its own bare
// notes repository).
func openStack(domain config.Domain) (*stack, error) {
	repoRoot, err := os.Getwd()
	if err != nil {
		return nil, memstoreerr.Wrap(memstoreerr.KindStorage, "cli.open_stack", "cannot resolve working directory", err)
	}

	var dataDir string
	if domain == config.DomainUser {
		dataDir = config.UserDataDir()
	} else {
		dataDir = config.ProjectDataDir(repoRoot)
	}

	cfg, err := config.LoadConfig(dataDir)
	if err != nil {
		return nil, err
	}

	idx, err := index.Open(config.IndexPath(dataDir, domain), cfg.Embedding.Dimensions, cfg.Index.BusyTimeoutMS)
	if err != nil {
		return nil, memstoreerr.Wrap(memstoreerr.KindIndex, "cli.open_stack", "open index failed", err)
	}

	notes := vcsnotes.ForDomain(domain, repoRoot, dataDir, cfg.Notes.RefPrefix)

	var embedder embedding.Provider
	if cfg.Embedding.Provider != "none" {
		embedder, err = embedding.NewProvider(embedding.ProviderConfig{
			Provider:                      cfg.Embedding.Provider,
			Model:                         cfg.Embedding.Model,
			APIKey:                        cfg.Embedding.APIKey,
			BaseURL:                       cfg.Embedding.BaseURL,
			Dimensions:                    cfg.Embedding.Dimensions,
			CircuitBreakerThreshold:       cfg.Embedding.CircuitBreakerThreshold,
			CircuitBreakerCooldownSeconds: cfg.Embedding.CircuitBreakerCooldownSeconds,
		})
		if err != nil {
			idx.Close()
			return nil, err
		}
		if err := idx.CheckEmbeddingCompat(embedder.Name(), embedder.Model(), embedder.Dimensions()); err != nil {
			idx.Close()
			return nil, err
		}
		if err := idx.RecordEmbeddingMeta(embedder.Name(), embedder.Model(), embedder.Dimensions()); err != nil {
			idx.Close()
			return nil, err
		}
	}

	allowPath := filepath.Join(dataDir, "secrets-allowlist.json")
	allowlist, err := secrets.NewFileAllowlist(allowPath)
	if err != nil {
		idx.Close()
		return nil, err
	}

	audit := &secrets.AuditLog{
		Dir:          cfg.AuditDirPath(),
		MaxSizeBytes: cfg.Secrets.AuditMaxSizeBytes,
		MaxFiles:     cfg.Secrets.AuditMaxFiles,
	}

	policy := secrets.DefaultPolicy()
	policy.DefaultStrategy = secrets.Strategy(cfg.Secrets.DefaultStrategy)
	policy.EntropyEnabled = cfg.Secrets.EntropyEnabled
	policy.PIIEnabled = cfg.Secrets.PIIEnabled
	policy.ConfidenceThreshold = cfg.Secrets.ConfidenceThreshold
	if !cfg.Secrets.Enabled {
		policy = secrets.Policy{DefaultStrategy: secrets.StrategyWarn}
	}

	captureSvc := &capture.Service{
		Notes:       notes,
		Index:       idx,
		Embedder:    embedder,
		Secrets:     policy,
		Allowlist:   allowlist,
		Audit:       audit,
		LockPath:    config.LockPath(dataDir),
		LockTimeout: time.Duration(cfg.Capture.LockTimeoutSeconds * float64(time.Second)),
		RefPrefix:   cfg.Notes.RefPrefix,
		Domain:      domain,
	}

	recallSvc := &recall.Service{
		Index:        idx,
		Notes:        notes,
		Embedder:     embedder,
		Domain:       string(domain),
		VectorWeight: cfg.Hybrid.VectorWeight,
		TextWeight:   cfg.Hybrid.BM25Weight,
	}

	syncSvc := &sync.Service{
		Notes:    notes,
		Index:    idx,
		Embedder: embedder,
		Domain:   domain,
	}

	return &stack{
		cfg:       cfg,
		domain:    domain,
		idx:       idx,
		notes:     notes,
		embedder:  embedder,
		allowlist: allowlist,
		audit:     audit,
		capture:   captureSvc,
		recall:    recallSvc,
		sync:      syncSvc,
	}, nil
}

// exitCode maps an error's memstoreerr.Kind to the exit codes of spec.md
// §6.4: 0 success, 1 validation, 2 blocked-by-secret, 3 storage error,
// 4 index inconsistent.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	switch {
	case memstoreerr.Is(err, memstoreerr.KindValidation):
		return 1
	case memstoreerr.Is(err, memstoreerr.KindSecrets):
		return 2
	case memstoreerr.Is(err, memstoreerr.KindIndex):
		return 4
	default:
		return 3
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	if me, ok := err.(*memstoreerr.Error); ok && me.RecoveryHint != "" {
		fmt.Fprintf(os.Stderr, "  recovery: %s\n", me.RecoveryHint)
	}
	os.Exit(exitCode(err))
}
