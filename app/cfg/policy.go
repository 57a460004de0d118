package cfg

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	CancelModeDelete   = "delete"
	CancelModeAnnotate = "annotate"

	MatchPolicyDate    = "date"
	MatchPolicyKeyword = "keyword"
)

// Policy holds the tunables of a sync run that operators change without
// touching the environment: oracle model and pricing, loop bounds, evidence
// and calendar behavior.
type Policy struct {
	Oracle   OraclePolicy   `yaml:"oracle"`
	Agent    AgentPolicy    `yaml:"agent"`
	Evidence EvidencePolicy `yaml:"evidence"`
	Calendar CalendarPolicy `yaml:"calendar"`
	Feed     FeedPolicy     `yaml:"feed"`
}

type OraclePolicy struct {
	Model          string  `yaml:"model"`
	PrefilterModel string  `yaml:"prefilter_model"`
	MaxTokens      int     `yaml:"max_tokens"`
	InputPrice     float64 `yaml:"input_price_per_mtok"`  // USD per million input tokens
	OutputPrice    float64 `yaml:"output_price_per_mtok"` // USD per million output tokens
	Timeout        int     `yaml:"timeout"`               // seconds
	MaxRetries     int     `yaml:"max_retries"`
}

type AgentPolicy struct {
	MaxTurns           int    `yaml:"max_turns"`
	Prefilter          bool   `yaml:"prefilter"`
	AllowToolMutations bool   `yaml:"allow_tool_mutations"`
	ExtraInstructions  string `yaml:"extra_instructions"`
}

type EvidencePolicy struct {
	MaxImages     int  `yaml:"max_images"`
	MaxImageBytes int  `yaml:"max_image_bytes"`
	MaxPageBytes  int  `yaml:"max_page_bytes"`
	LinkText      bool `yaml:"link_text"`
}

type CalendarPolicy struct {
	CancelMode        string `yaml:"cancel_mode"`
	MatchPolicy       string `yaml:"match_policy"`
	Timezone          string `yaml:"timezone"`
	KeywordWindowDays int    `yaml:"keyword_window_days"`
	SearchLimit       int    `yaml:"search_limit"`
	DefaultDuration   int    `yaml:"default_duration"` // minutes
}

// FeedPolicy holds filters applied before any oracle call. A post rejected
// by a filter is recorded as ignored.
type FeedPolicy struct {
	Filters []FilterRule `yaml:"filters"`
}

// FilterRule matches case-insensitive substrings of one post field.
type FilterRule struct {
	Field    string   `yaml:"field"`
	Includes []string `yaml:"includes"`
	Excludes []string `yaml:"excludes"`
}

var filterFields = map[string]bool{
	"title":   true,
	"content": true,
	"author":  true,
	"link":    true,
}

// DefaultPolicy returns the policy used when no file is configured.
func DefaultPolicy() *Policy {
	return &Policy{
		Oracle: OraclePolicy{
			Model:          "claude-sonnet-4-5",
			PrefilterModel: "claude-sonnet-4-6",
			MaxTokens:      4096,
			InputPrice:     3.0,
			OutputPrice:    15.0,
			Timeout:        120,
			MaxRetries:     3,
		},
		Agent: AgentPolicy{
			MaxTurns:           10,
			AllowToolMutations: true,
		},
		Evidence: EvidencePolicy{
			MaxImages:     5,
			MaxImageBytes: 5 << 20,
			MaxPageBytes:  2 << 20,
		},
		Calendar: CalendarPolicy{
			CancelMode:        CancelModeDelete,
			MatchPolicy:       MatchPolicyDate,
			Timezone:          "America/Chicago",
			KeywordWindowDays: 90,
			SearchLimit:       5,
			DefaultDuration:   120,
		},
	}
}

// LoadPolicy reads the policy file at path over the defaults. An empty path
// yields the defaults.
func LoadPolicy(path string) (*Policy, error) {
	policy := DefaultPolicy()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read policy file: %w", err)
		}

		if err := yaml.Unmarshal(data, policy); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	}

	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy %s: %w", path, err)
	}

	return policy, nil
}

func (p *Policy) Validate() error {
	requiredFields := map[string]string{
		"oracle model":      p.Oracle.Model,
		"calendar timezone": p.Calendar.Timezone,
	}

	for fieldName, fieldValue := range requiredFields {
		if fieldValue == "" {
			return fmt.Errorf("%s is required", fieldName)
		}
	}

	positiveFields := map[string]int{
		"max tokens":          p.Oracle.MaxTokens,
		"oracle timeout":      p.Oracle.Timeout,
		"max turns":           p.Agent.MaxTurns,
		"keyword window days": p.Calendar.KeywordWindowDays,
		"search limit":        p.Calendar.SearchLimit,
		"default duration":    p.Calendar.DefaultDuration,
		"max image bytes":     p.Evidence.MaxImageBytes,
		"max page bytes":      p.Evidence.MaxPageBytes,
	}

	for fieldName, fieldValue := range positiveFields {
		if fieldValue <= 0 {
			return fmt.Errorf("%s must be positive", fieldName)
		}
	}

	nonNegativeFields := map[string]float64{
		"input price":  p.Oracle.InputPrice,
		"output price": p.Oracle.OutputPrice,
		"max retries":  float64(p.Oracle.MaxRetries),
		"max images":   float64(p.Evidence.MaxImages),
	}

	for fieldName, fieldValue := range nonNegativeFields {
		if fieldValue < 0 {
			return fmt.Errorf("%s must be non-negative", fieldName)
		}
	}

	if p.Agent.Prefilter && p.Oracle.PrefilterModel == "" {
		return fmt.Errorf("prefilter model is required when prefilter is enabled")
	}

	switch p.Calendar.CancelMode {
	case CancelModeDelete, CancelModeAnnotate:
	default:
		return fmt.Errorf("invalid cancel mode: %s", p.Calendar.CancelMode)
	}

	switch p.Calendar.MatchPolicy {
	case MatchPolicyDate, MatchPolicyKeyword:
	default:
		return fmt.Errorf("invalid match policy: %s", p.Calendar.MatchPolicy)
	}

	for i, rule := range p.Feed.Filters {
		if !filterFields[rule.Field] {
			return fmt.Errorf("feed filter %d: invalid field: %s", i+1, rule.Field)
		}
		if len(rule.Includes) == 0 && len(rule.Excludes) == 0 {
			return fmt.Errorf("feed filter %d: no includes or excludes", i+1)
		}
	}

	if _, err := time.LoadLocation(p.Calendar.Timezone); err != nil {
		return fmt.Errorf("invalid calendar timezone %s: %w", p.Calendar.Timezone, err)
	}

	return nil
}

// Cost returns the oracle spend in USD for the given token counts.
func (o OraclePolicy) Cost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)*o.InputPrice/1_000_000 + float64(outputTokens)*o.OutputPrice/1_000_000
}
