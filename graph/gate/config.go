package gate

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config declares the governance policy for a workflow. It is typically
// loaded from YAML:
//
//	rate_limit_per_min: 30
//	blocked_terms: ["drop table"]
//	redact_patterns: ['\b\d{3}-\d{2}-\d{4}\b']
//	tool_allowlist: ["search", "calculator"]
//	dry_run: false
//	require_approval: true
type Config struct {
	RateLimitPerMin int      `yaml:"rate_limit_per_min"`
	BlockedTerms    []string `yaml:"blocked_terms"`
	RedactPatterns  []string `yaml:"redact_patterns"`
	ToolAllowlist   []string `yaml:"tool_allowlist"`
	DryRun          bool     `yaml:"dry_run"`
	RequireApproval bool     `yaml:"require_approval"`
}

// Default returns a permissive policy: no rate limit, nothing blocked, all
// tools allowed, live execution, no approval step.
func Default() Config {
	return Config{}
}

// Load reads a Config from a YAML file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read gate config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse gate config %s: %w", path, err)
	}
	return cfg, nil
}

// BuildOption customizes gate construction in Build.
type BuildOption func(*buildSettings)

type buildSettings struct {
	clock    func() time.Time
	approval ApprovalSource
}

// WithClock injects the time source used by the rate limiter.
func WithClock(now func() time.Time) BuildOption {
	return func(s *buildSettings) { s.clock = now }
}

// WithApprovalSource injects the human approval backend. Without one, the
// approval gate denies every run.
func WithApprovalSource(src ApprovalSource) BuildOption {
	return func(s *buildSettings) { s.approval = src }
}

// Build constructs the gate chain the config calls for, in canonical order:
// rate limit, redaction, moderation, tool allowlist, dry run, approval.
// Gates whose policy is disabled are omitted entirely.
func (c Config) Build(opts ...BuildOption) (*Chain, error) {
	settings := buildSettings{}
	for _, opt := range opts {
		opt(&settings)
	}

	var gates []Gate
	if c.RateLimitPerMin > 0 {
		w := NewWindow(c.RateLimitPerMin, time.Minute)
		if settings.clock != nil {
			w.now = settings.clock
		}
		gates = append(gates, NewRateLimit(w))
	}
	if len(c.RedactPatterns) > 0 {
		redact, err := NewRedact(c.RedactPatterns)
		if err != nil {
			return nil, err
		}
		gates = append(gates, redact)
	}
	if len(c.BlockedTerms) > 0 {
		gates = append(gates, NewModeration(c.BlockedTerms))
	}
	if len(c.ToolAllowlist) > 0 {
		gates = append(gates, NewToolAllowlist(c.ToolAllowlist))
	}
	if c.DryRun {
		gates = append(gates, NewDryRun())
	}
	if c.RequireApproval {
		gates = append(gates, NewApproval(settings.approval))
	}
	return NewChain(gates...), nil
}
