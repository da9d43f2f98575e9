package config

import (
	_ "embed"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_pipeline.toml
var samplePipeline []byte

// Processor types.
const (
	ProcessorDomain         = "domain"
	ProcessorNativeTags     = "native_tags"
	ProcessorUpperCaseTitle = "upper_case_title"
	ProcessorLLMGeneral     = "llm_general"
)

// Normalizer types.
const (
	NormalizerPartBlacklist = "part_blacklist"
	NormalizerPartReplacer  = "part_replacer"
	NormalizerSplitter      = "splitter"
)

// Pipeline is the declarative description of processors, normalizers,
// quotas and runner timing. It is loaded once at startup.
type Pipeline struct {
	Runner      RunnerConfig       `toml:"runner"`
	Quota       QuotaConfig        `toml:"quota"`
	Normalizers []NormalizerConfig `toml:"normalizers"`
	Processors  []ProcessorConfig  `toml:"processors"`
}

// RunnerConfig controls how processor workers poll and back off.
type RunnerConfig struct {
	IdleSeconds      int `toml:"idle_seconds"`
	RetryMaxSeconds  int `toml:"retry_max_seconds"`
	MaxEntryAttempts int `toml:"max_entry_attempts"`
}

// QuotaConfig holds the per-kind ceiling applied to every user per interval.
type QuotaConfig struct {
	Limits map[string]int64 `toml:"limits"`
}

// NormalizerConfig describes one stage of the tag normalization pipeline.
type NormalizerConfig struct {
	ID           int               `toml:"id"`
	Name         string            `toml:"name"`
	Enabled      bool              `toml:"enabled"`
	Type         string            `toml:"type"`
	Blacklist    []string          `toml:"blacklist"`
	Replacements map[string]string `toml:"replacements"`
	Separators   []string          `toml:"separators"`
}

// ProcessorConfig describes one processor.
type ProcessorConfig struct {
	ID                    int64     `toml:"id"`
	Name                  string    `toml:"name"`
	Enabled               bool      `toml:"enabled"`
	Type                  string    `toml:"type"`
	Workers               int       `toml:"workers"`
	BatchSize             int       `toml:"batch_size"`
	AllowedForCollections bool      `toml:"allowed_for_collections"`
	AllowedForUsers       bool      `toml:"allowed_for_users"`
	LLM                   LLMConfig `toml:"llm"`
}

// LLMConfig holds the settings of an llm_general processor.
type LLMConfig struct {
	Provider          string `toml:"provider"`
	Model             string `toml:"model"`
	ResourceKind      string `toml:"resource_kind"`
	System            string `toml:"system"`
	EntryTemplate     string `toml:"entry_template"`
	MaxReturnTokens   int    `toml:"max_return_tokens"`
	TextParts         int    `toml:"text_parts"`
	TextOverlap       int    `toml:"text_overlap"`
	TimeoutSeconds    int    `toml:"timeout_seconds"`
	MaxTokensPerEntry int    `toml:"max_tokens_per_entry"`
}

// LoadPipeline reads the pipeline file at path. An empty path loads the
// built-in sample pipeline.
func LoadPipeline(path string) (*Pipeline, error) {
	data := samplePipeline
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read pipeline config: %w", err)
		}
	}
	return ParsePipeline(data)
}

// ParsePipeline decodes and validates a TOML pipeline definition.
func ParsePipeline(data []byte) (*Pipeline, error) {
	var p Pipeline
	if err := toml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode pipeline config: %w", err)
	}
	p.applyDefaults()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Pipeline) applyDefaults() {
	if p.Runner.IdleSeconds <= 0 {
		p.Runner.IdleSeconds = 5
	}
	if p.Runner.RetryMaxSeconds <= 0 {
		p.Runner.RetryMaxSeconds = 300
	}
	if p.Runner.MaxEntryAttempts <= 0 {
		p.Runner.MaxEntryAttempts = 5
	}
	for i := range p.Processors {
		pc := &p.Processors[i]
		if pc.Workers <= 0 {
			pc.Workers = 1
		}
		if pc.Type != ProcessorLLMGeneral {
			continue
		}
		if pc.LLM.TextParts == 0 {
			pc.LLM.TextParts = 1
		}
		if pc.LLM.TimeoutSeconds <= 0 {
			pc.LLM.TimeoutSeconds = 60
		}
	}
}

// Validate checks the pipeline for configuration errors.
func (p *Pipeline) Validate() error {
	normalizerIDs := make(map[int]bool)
	for _, n := range p.Normalizers {
		if normalizerIDs[n.ID] {
			return fmt.Errorf("normalizer %d: duplicate id", n.ID)
		}
		normalizerIDs[n.ID] = true
		switch n.Type {
		case NormalizerPartBlacklist, NormalizerPartReplacer, NormalizerSplitter:
		default:
			return fmt.Errorf("normalizer %d: unknown type %q", n.ID, n.Type)
		}
	}

	processorIDs := make(map[int64]bool)
	for _, pc := range p.Processors {
		if pc.ID <= 0 {
			return fmt.Errorf("processor %q: id must be positive", pc.Name)
		}
		if processorIDs[pc.ID] {
			return fmt.Errorf("processor %d: duplicate id", pc.ID)
		}
		processorIDs[pc.ID] = true
		if pc.BatchSize <= 0 {
			return fmt.Errorf("processor %d: batch_size must be positive", pc.ID)
		}

		switch pc.Type {
		case ProcessorDomain, ProcessorNativeTags, ProcessorUpperCaseTitle:
		case ProcessorLLMGeneral:
			if err := p.validateLLM(pc); err != nil {
				return fmt.Errorf("processor %d: %w", pc.ID, err)
			}
		default:
			return fmt.Errorf("processor %d: unknown type %q", pc.ID, pc.Type)
		}
	}
	return nil
}

func (p *Pipeline) validateLLM(pc ProcessorConfig) error {
	llm := pc.LLM
	if llm.Provider == "" || llm.Model == "" {
		return fmt.Errorf("llm provider and model are required")
	}
	if llm.ResourceKind == "" {
		return fmt.Errorf("llm resource_kind is required")
	}
	if _, ok := p.Quota.Limits[llm.ResourceKind]; !ok {
		return fmt.Errorf("no quota limit for resource kind %q", llm.ResourceKind)
	}
	if llm.TextParts < 1 {
		return fmt.Errorf("text_parts must be at least 1, got %d", llm.TextParts)
	}
	if llm.TextOverlap < 0 {
		return fmt.Errorf("text_overlap must not be negative")
	}
	if llm.MaxReturnTokens <= 0 {
		return fmt.Errorf("max_return_tokens must be positive")
	}
	if llm.EntryTemplate == "" {
		return fmt.Errorf("entry_template is required")
	}
	return nil
}

// EnabledProcessors returns the processors with enabled set, in file order.
func (p *Pipeline) EnabledProcessors() []ProcessorConfig {
	var out []ProcessorConfig
	for _, pc := range p.Processors {
		if pc.Enabled {
			out = append(out, pc)
		}
	}
	return out
}

// EnabledNormalizers returns the normalizers with enabled set, in file order.
func (p *Pipeline) EnabledNormalizers() []NormalizerConfig {
	var out []NormalizerConfig
	for _, n := range p.Normalizers {
		if n.Enabled {
			out = append(out, n)
		}
	}
	return out
}
