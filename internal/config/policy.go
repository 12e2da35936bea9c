package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ryanuber/go-glob"
	"gopkg.in/yaml.v3"
)

// PolicyConfig overrides parts of the base configuration for keys whose
// algorithm name matches one of the glob patterns. The first matching
// policy wins.
type PolicyConfig struct {
	ID         string           `yaml:"id"`
	Algorithms []string         `yaml:"algorithms"` // Glob patterns for algorithm names, e.g. AES-* or AES-GCM
	Keys       *KeysConfig      `yaml:"keys,omitempty"`
	RateLimit  *RateLimitConfig `yaml:"rate_limit,omitempty"`
}

// PolicyManager manages loading and matching policies
type PolicyManager struct {
	policies []*PolicyConfig
	mu       sync.RWMutex
}

// NewPolicyManager creates a new policy manager
func NewPolicyManager() *PolicyManager {
	return &PolicyManager{
		policies: make([]*PolicyConfig, 0),
	}
}

// LoadPolicies loads policies from the specified file patterns
func (pm *PolicyManager) LoadPolicies(patterns []string) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.policies = make([]*PolicyConfig, 0)

	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return fmt.Errorf("failed to glob pattern %s: %w", pattern, err)
		}

		for _, match := range matches {
			data, err := os.ReadFile(match)
			if err != nil {
				return fmt.Errorf("failed to read policy file %s: %w", match, err)
			}

			var policy PolicyConfig
			if err := yaml.Unmarshal(data, &policy); err != nil {
				return fmt.Errorf("failed to parse policy file %s: %w", match, err)
			}

			if policy.ID == "" {
				return fmt.Errorf("policy in file %s must have an ID", match)
			}
			if len(policy.Algorithms) == 0 {
				return fmt.Errorf("policy %s must specify at least one algorithm pattern", policy.ID)
			}

			pm.policies = append(pm.policies, &policy)
		}
	}

	return nil
}

// GetPolicyForAlgorithm returns the first policy matching the algorithm name
func (pm *PolicyManager) GetPolicyForAlgorithm(name string) *PolicyConfig {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	for _, policy := range pm.policies {
		for _, pattern := range policy.Algorithms {
			if glob.Glob(pattern, name) {
				return policy
			}
		}
	}
	return nil
}

// ApplyToConfig applies policy overrides to a copy of the base configuration
func (p *PolicyConfig) ApplyToConfig(base *Config) *Config {
	newConfig := *base

	if p.Keys != nil {
		newConfig.Keys = *p.Keys
	}
	if p.RateLimit != nil {
		newConfig.RateLimit = *p.RateLimit
	}

	return &newConfig
}
