package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ServiceStep is one link in a service chain: the worker image that handles
// it and the weight its progress carries in the job-level rollup.
type ServiceStep struct {
	Image          string  `yaml:"image"`
	ProgressWeight float64 `yaml:"progress_weight"`
}

// ServiceChain describes how requests against a set of collections are
// decomposed into per-service workflow steps.
type ServiceChain struct {
	Name        string        `yaml:"name"`
	ProviderID  string        `yaml:"provider_id"`
	Collections []string      `yaml:"collections"`
	Steps       []ServiceStep `yaml:"steps"`
}

// ServicesConfig is the full services.yml document.
type ServicesConfig struct {
	Chains []ServiceChain `yaml:"services"`
}

// LoadServices parses the service-chain configuration file.
func LoadServices(path string) (*ServicesConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read services config: %w", err)
	}
	var cfg ServicesConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse services config: %w", err)
	}
	for _, chain := range cfg.Chains {
		if chain.Name == "" || len(chain.Steps) == 0 {
			return nil, fmt.Errorf("service chain %q must name at least one step", chain.Name)
		}
		for _, step := range chain.Steps {
			if step.ProgressWeight < 0 {
				return nil, fmt.Errorf("service chain %q has a negative progress weight", chain.Name)
			}
		}
	}
	return &cfg, nil
}

// ChainForCollection returns the first chain serving collectionID, or nil.
func (c *ServicesConfig) ChainForCollection(collectionID string) *ServiceChain {
	for i := range c.Chains {
		for _, id := range c.Chains[i].Collections {
			if id == collectionID {
				return &c.Chains[i]
			}
		}
	}
	return nil
}

// ChainByName returns the chain with the given name, or nil.
func (c *ServicesConfig) ChainByName(name string) *ServiceChain {
	for i := range c.Chains {
		if c.Chains[i].Name == name {
			return &c.Chains[i]
		}
	}
	return nil
}
