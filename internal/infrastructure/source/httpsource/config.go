package httpsource

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SourceConfig describes one upstream provider. Priority orders dedup
// tie-breaks (lower wins) and is fixed configuration, never
// user-controlled.
type SourceConfig struct {
	Name     string        `yaml:"name"`
	BaseURL  string        `yaml:"base_url"`
	APIKey   string        `yaml:"api_key"`
	Priority int           `yaml:"priority"`
	RPS      float64       `yaml:"rps"`
	Burst    int           `yaml:"burst"`
	Timeout  time.Duration `yaml:"timeout"`
}

func (c SourceConfig) normalize() SourceConfig {
	out := c
	if out.RPS <= 0 {
		out.RPS = 5
	}
	if out.Burst <= 0 {
		out.Burst = 5
	}
	if out.Timeout <= 0 {
		out.Timeout = 30 * time.Second
	}
	return out
}

type sourcesFile struct {
	Sources []SourceConfig `yaml:"sources"`
}

// LoadSources reads the provider roster from a YAML file.
func LoadSources(path string) ([]SourceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sources file: %w", err)
	}
	var parsed sourcesFile
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse sources file: %w", err)
	}
	if len(parsed.Sources) == 0 {
		return nil, fmt.Errorf("sources file %s defines no sources", path)
	}
	seen := make(map[string]struct{}, len(parsed.Sources))
	for i, src := range parsed.Sources {
		if src.Name == "" || src.BaseURL == "" {
			return nil, fmt.Errorf("source %d: name and base_url are required", i)
		}
		if _, ok := seen[src.Name]; ok {
			return nil, fmt.Errorf("duplicate source name %q", src.Name)
		}
		seen[src.Name] = struct{}{}
	}
	return parsed.Sources, nil
}
