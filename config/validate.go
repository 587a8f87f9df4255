package config

import "fmt"

// ValidateConfig rejects node configurations that cannot run.
func ValidateConfig(cfg *Config) error {
	if cfg.RelayURL == "" {
		return fmt.Errorf("config: RelayURL is required")
	}
	if cfg.KeystorePath == "" {
		return fmt.Errorf("config: KeystorePath is required")
	}
	seen := make(map[uint64]bool, len(cfg.Chains))
	for _, chain := range cfg.Chains {
		if chain.ChainID == 0 {
			return fmt.Errorf("config: chain with zero ChainID")
		}
		if chain.RPCURL == "" {
			return fmt.Errorf("config: chain %d missing RPCURL", chain.ChainID)
		}
		if seen[chain.ChainID] {
			return fmt.Errorf("config: duplicate chain %d", chain.ChainID)
		}
		seen[chain.ChainID] = true
	}
	if cfg.Payments.WaitTimeoutSecs <= 0 {
		return fmt.Errorf("config: Payments.WaitTimeoutSecs <= 0")
	}
	if cfg.Payments.QueueCap <= 0 {
		return fmt.Errorf("config: Payments.QueueCap <= 0")
	}
	return nil
}

// ValidatePolicy rejects policy files with out-of-range knobs.
func ValidatePolicy(p *Policy) error {
	if p.Aggregation.ConsensusThreshold < 0 || p.Aggregation.ConsensusThreshold > 1 {
		return fmt.Errorf("config: aggregation.consensusThreshold out of [0,1]")
	}
	if p.Selection.LoadWeight < 0 || p.Selection.LoadWeight > 1 {
		return fmt.Errorf("config: selection.loadWeight out of [0,1]")
	}
	if p.Aggregation.MinAgents < 0 {
		return fmt.Errorf("config: aggregation.minAgents < 0")
	}
	for _, price := range p.Pricing {
		if price.Capability == "" {
			return fmt.Errorf("config: pricing entry missing capability")
		}
		if price.Amount == "" && price.StreamRate == "" {
			return fmt.Errorf("config: pricing for %s has neither amount nor streamRate", price.Capability)
		}
		if price.ChainID == 0 {
			return fmt.Errorf("config: pricing for %s missing chainId", price.Capability)
		}
	}
	return nil
}
