package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// CapabilityPrice is the operator-set price card for one capability.
type CapabilityPrice struct {
	Capability   string `yaml:"capability"`
	Amount       string `yaml:"amount"`
	Token        string `yaml:"token"`
	TokenAddress string `yaml:"tokenAddress,omitempty"`
	ChainID      uint64 `yaml:"chainId"`
	// StreamRate, when set, switches the capability to metered billing.
	StreamRate string `yaml:"streamRate,omitempty"`
}

// SelectionPolicy carries the operator defaults for peer selection.
type SelectionPolicy struct {
	Strategy      string  `yaml:"strategy"`
	Count         int     `yaml:"count"`
	LatencyZone   string  `yaml:"latencyZone,omitempty"`
	StakeBonus    float64 `yaml:"stakeBonus,omitempty"`
	LoadBalancing bool    `yaml:"loadBalancing"`
	LoadWeight    float64 `yaml:"loadWeight"`
}

// AggregationPolicy carries the operator defaults for reply aggregation.
type AggregationPolicy struct {
	Strategy            string  `yaml:"strategy"`
	ConsensusThreshold  float64 `yaml:"consensusThreshold"`
	MinAgents           int     `yaml:"minAgents"`
	AllowPartialResults bool    `yaml:"allowPartialResults"`
	ResponseTimeoutSecs int64   `yaml:"responseTimeoutSecs"`
}

// Policy is the operator-editable pricing and orchestration policy file.
type Policy struct {
	Pricing     []CapabilityPrice `yaml:"pricing"`
	Selection   SelectionPolicy   `yaml:"selection"`
	Aggregation AggregationPolicy `yaml:"aggregation"`
}

// DefaultPolicy returns the policy used when no file is configured.
func DefaultPolicy() *Policy {
	return &Policy{
		Selection: SelectionPolicy{
			Strategy:   "weighted",
			Count:      3,
			LoadWeight: 0.3,
		},
		Aggregation: AggregationPolicy{
			Strategy:            "majority-vote",
			ConsensusThreshold:  0.6,
			MinAgents:           1,
			ResponseTimeoutSecs: 120,
		},
	}
}

// LoadPolicy reads the YAML policy file. An empty path yields the defaults.
func LoadPolicy(path string) (*Policy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read policy: %w", err)
	}
	policy := DefaultPolicy()
	if err := yaml.Unmarshal(raw, policy); err != nil {
		return nil, fmt.Errorf("config: parse policy: %w", err)
	}
	return policy, nil
}

// Price returns the price card for a capability, if one is configured.
func (p *Policy) Price(capability string) (CapabilityPrice, bool) {
	for _, price := range p.Pricing {
		if price.Capability == capability {
			return price, true
		}
	}
	return CapabilityPrice{}, false
}
