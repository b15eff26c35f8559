// Package config provides configuration for the memory store, loaded from
// CLI flags (handled by callers) > environment variables > a TOML file in
// the data directory > built-in defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// Domain identifies which of the two instantiated stacks (project or user)
// a component is bound to. See spec.md §3 "Ownership".
type Domain string

const (
	DomainProject Domain = "project"
	DomainUser    Domain = "user"
)

// Capture size caps (spec.md §3 invariants, §6.5).
const (
	DefaultMaxContentBytes = 102_400
	DefaultMaxSummaryChars = 100
)

// Default embedding dimensionality when no provider-specific override is
// configured. Matches the teacher's default local model class (384-dim
// compact sentence embeddings), used here as the deterministic provider's
// dimension.
const DefaultEmbeddingDim = 384

// NamespacesClosed is the closed set of valid namespaces (spec.md §6.1).
var NamespacesClosed = []string{
	"inception", "elicitation", "research", "decisions", "progress",
	"blockers", "reviews", "learnings", "retrospective", "patterns",
}

// IsValidNamespace reports whether ns is one of the closed set.
func IsValidNamespace(ns string) bool {
	for _, n := range NamespacesClosed {
		if n == ns {
			return true
		}
	}
	return false
}

// Config holds all memory-store configuration.
type Config struct {
	Data      DataConfig      `toml:"data"`
	Notes     NotesConfig     `toml:"notes"`
	Embedding EmbeddingConfig `toml:"embedding"`
	Capture   CaptureConfig   `toml:"capture"`
	Index     IndexConfig     `toml:"index"`
	Secrets   SecretsConfig   `toml:"secrets"`
	Hybrid    HybridConfig    `toml:"hybrid"`
}

// DataConfig controls where derived storage lives (spec.md §6.3).
type DataConfig struct {
	Dir string `toml:"dir"` // data root; defaults to <repo>/.memstore
}

// NotesConfig controls the git-notes ref layout (spec.md §6.2).
type NotesConfig struct {
	RefPrefix string `toml:"ref_prefix"` // default "refs/notes/mem"
}

// EmbeddingConfig controls the embedding provider (spec.md §4.3, §6.5).
type EmbeddingConfig struct {
	Provider   string `toml:"provider"`   // "local" (default, deterministic), "ollama", "openai", "none"
	Model      string `toml:"model"`
	APIKey     string `toml:"api_key"`
	BaseURL    string `toml:"base_url"`
	Dimensions int    `toml:"dimensions"`
	// CircuitBreakerThreshold is the number of consecutive embed failures
	// before the circuit opens (spec.md §4.3).
	CircuitBreakerThreshold int `toml:"circuit_breaker_threshold"`
	// CircuitBreakerCooldownSeconds is the half-open cool-down.
	CircuitBreakerCooldownSeconds int `toml:"circuit_breaker_cooldown_seconds"`
}

// CaptureConfig controls capture-pipeline validation caps and lock timing
// (spec.md §4.6, §5, §6.5).
type CaptureConfig struct {
	MaxContentBytes   int     `toml:"max_content_bytes"`
	MaxSummaryChars   int     `toml:"max_summary_chars"`
	LockTimeoutSeconds float64 `toml:"lock_timeout_seconds"`
}

// IndexConfig controls the derived index's concurrency behavior
// (spec.md §4.5, §5, §6.5).
type IndexConfig struct {
	BusyTimeoutMS int `toml:"busy_timeout_ms"`
}

// SecretsConfig controls the secrets filter policy (spec.md §4.4, §6.5).
type SecretsConfig struct {
	Enabled             bool    `toml:"enabled"`
	DefaultStrategy     string  `toml:"default_strategy"` // redact|mask|block|warn
	EntropyEnabled      bool    `toml:"entropy_enabled"`
	PIIEnabled          bool    `toml:"pii_enabled"`
	ConfidenceThreshold float64 `toml:"confidence_threshold"`
	AuditDir            string  `toml:"audit_dir"`
	AuditMaxSizeBytes   int64   `toml:"audit_max_size_bytes"`
	AuditMaxFiles       int     `toml:"audit_max_files"`
}

// HybridConfig controls recall's hybrid-search fusion (spec.md §4.7, §6.5).
type HybridConfig struct {
	RRFK                float64 `toml:"rrf_k"`
	VectorWeight        float64 `toml:"vector_weight"`
	BM25Weight          float64 `toml:"bm25_weight"`
	EntityBoostFactor   float64 `toml:"entity_boost_factor"`
	EnableParallel      bool    `toml:"enable_parallel"`
}

// DefaultConfig returns a Config with all built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Data: DataConfig{Dir: ".memstore"},
		Notes: NotesConfig{
			RefPrefix: "refs/notes/mem",
		},
		Embedding: EmbeddingConfig{
			Provider:                      "local",
			Dimensions:                    DefaultEmbeddingDim,
			CircuitBreakerThreshold:       5,
			CircuitBreakerCooldownSeconds: 30,
		},
		Capture: CaptureConfig{
			MaxContentBytes:    DefaultMaxContentBytes,
			MaxSummaryChars:    DefaultMaxSummaryChars,
			LockTimeoutSeconds: 5,
		},
		Index: IndexConfig{
			BusyTimeoutMS: 5000,
		},
		Secrets: SecretsConfig{
			Enabled:             true,
			DefaultStrategy:     "redact",
			EntropyEnabled:      true,
			PIIEnabled:          true,
			ConfidenceThreshold: 0.6,
			AuditDir:            "audit",
			AuditMaxSizeBytes:   5 * 1024 * 1024,
			AuditMaxFiles:       5,
		},
		Hybrid: HybridConfig{
			RRFK:              60,
			VectorWeight:      1.0,
			BM25Weight:        1.0,
			EntityBoostFactor: 1.0,
			EnableParallel:    true,
		},
	}
}

// LoadConfig merges defaults < TOML file (if present under dataDir) < env
// vars. dataDir is the already-resolved data directory (see DataDir()).
func LoadConfig(dataDir string) (*Config, error) {
	cfg := DefaultConfig()
	if dataDir != "" {
		cfg.Data.Dir = dataDir
	}

	configPath := filepath.Join(cfg.Data.Dir, "config.toml")
	if _, err := os.Stat(configPath); err == nil {
		if _, err := toml.DecodeFile(configPath, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", configPath, err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MEMSTORE_DATA_DIR"); v != "" {
		cfg.Data.Dir = v
	}
	if v := os.Getenv("MEMSTORE_NOTES_REF_PREFIX"); v != "" {
		cfg.Notes.RefPrefix = v
	}
	if v := os.Getenv("MEMSTORE_EMBED_PROVIDER"); v != "" {
		cfg.Embedding.Provider = v
	}
	if v := os.Getenv("MEMSTORE_EMBED_MODEL"); v != "" {
		cfg.Embedding.Model = v
	}
	if v := os.Getenv("MEMSTORE_EMBED_BASE_URL"); v != "" {
		cfg.Embedding.BaseURL = v
	}
	if v := os.Getenv("MEMSTORE_EMBED_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if cfg.Embedding.APIKey == "" {
		if v := os.Getenv("OPENAI_API_KEY"); v != "" && (cfg.Embedding.Provider == "openai" || cfg.Embedding.Provider == "openai-compatible") {
			cfg.Embedding.APIKey = v
		}
	}
	if v := os.Getenv("MEMSTORE_MAX_CONTENT_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Capture.MaxContentBytes = n
		}
	}
	if v := os.Getenv("MEMSTORE_MAX_SUMMARY_CHARS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Capture.MaxSummaryChars = n
		}
	}
	if v := os.Getenv("MEMSTORE_SECRETS_ENABLED"); v != "" {
		cfg.Secrets.Enabled = parseBool(v, cfg.Secrets.Enabled)
	}
	if v := os.Getenv("MEMSTORE_SECRETS_STRATEGY"); v != "" {
		cfg.Secrets.DefaultStrategy = v
	}
}

func parseBool(s string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

// GenerateTOML renders the given config as a commented TOML document,
// suitable for writing out as <data_dir>/config.toml.
func GenerateTOML(cfg *Config) string {
	var b strings.Builder
	b.WriteString("# memstore configuration\n")
	b.WriteString("# Priority: CLI flags > environment variables > this file > built-in defaults\n\n")

	b.WriteString("[data]\n")
	b.WriteString(fmt.Sprintf("dir = %q\n\n", cfg.Data.Dir))

	b.WriteString("[notes]\n")
	b.WriteString(fmt.Sprintf("ref_prefix = %q\n\n", cfg.Notes.RefPrefix))

	b.WriteString("[embedding]\n")
	b.WriteString(fmt.Sprintf("provider = %q\n", cfg.Embedding.Provider))
	b.WriteString(fmt.Sprintf("dimensions = %d\n\n", cfg.Embedding.Dimensions))

	b.WriteString("[capture]\n")
	b.WriteString(fmt.Sprintf("max_content_bytes = %d\n", cfg.Capture.MaxContentBytes))
	b.WriteString(fmt.Sprintf("max_summary_chars = %d\n", cfg.Capture.MaxSummaryChars))
	b.WriteString(fmt.Sprintf("lock_timeout_seconds = %v\n\n", cfg.Capture.LockTimeoutSeconds))

	b.WriteString("[index]\n")
	b.WriteString(fmt.Sprintf("busy_timeout_ms = %d\n\n", cfg.Index.BusyTimeoutMS))

	b.WriteString("[secrets]\n")
	b.WriteString(fmt.Sprintf("enabled = %v\n", cfg.Secrets.Enabled))
	b.WriteString(fmt.Sprintf("default_strategy = %q\n\n", cfg.Secrets.DefaultStrategy))

	b.WriteString("[hybrid]\n")
	b.WriteString(fmt.Sprintf("rrf_k = %v\n", cfg.Hybrid.RRFK))
	b.WriteString(fmt.Sprintf("vector_weight = %v\n", cfg.Hybrid.VectorWeight))
	b.WriteString(fmt.Sprintf("bm25_weight = %v\n", cfg.Hybrid.BM25Weight))

	return b.String()
}

// ProjectDataDir returns the data directory for the project domain, rooted
// at the given repository working directory.
func ProjectDataDir(repoRoot string) string {
	return filepath.Join(repoRoot, ".memstore")
}

// UserDataDir returns the data directory for the user domain, rooted at the
// user's config home.
func UserDataDir() string {
	if v := os.Getenv("MEMSTORE_USER_DATA_DIR"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "memstore-user")
	}
	return filepath.Join(home, ".config", "memstore")
}

// IndexPath returns the sqlite database path for a domain's data dir.
func IndexPath(dataDir string, domain Domain) string {
	switch domain {
	case DomainUser:
		return filepath.Join(dataDir, "user-index.db")
	default:
		return filepath.Join(dataDir, "index.db")
	}
}

// UserNotesRepoPath returns the bare-repository path used for user-domain
// notes (spec.md §6.3).
func UserNotesRepoPath(dataDir string) string {
	return filepath.Join(dataDir, "user-memories.git")
}

// LockPath returns the advisory capture-lock path for a data dir.
func LockPath(dataDir string) string {
	return filepath.Join(dataDir, ".capture.lock")
}

// AuditDir returns the resolved audit log directory for a data dir.
func (c *Config) AuditDirPath() string {
	dir := c.Secrets.AuditDir
	if dir == "" {
		dir = "audit"
	}
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(c.Data.Dir, dir)
}
