package orchestrate

import (
	"crypto/rand"
	"math/big"
	"sort"

	"agentmesh/overlay"
)

// MaxFanout is the hard cap on peers one orchestration may talk to.
const MaxFanout = 33

// Selection strategies.
const (
	StrategyAll        = "all"
	StrategyTopN       = "top-n"
	StrategyRoundRobin = "round-robin"
	StrategyRandom     = "random"
	StrategyWeighted   = "weighted"
)

// SelectionConfig controls how candidates become the fan-out set.
type SelectionConfig struct {
	Strategy string
	Count    int

	// StakeFilter drops candidates the caller does not trust; nil keeps all.
	StakeFilter func(peer overlay.PeerInfo) bool
	// StakeBonus is added to the match score of candidates carrying stake.
	StakeBonus float64
	// LatencyZone keeps only candidates advertising the zone when non-empty.
	LatencyZone string

	// LoadBalancing folds the active-request count into weighted draws.
	LoadBalancing bool
	// LoadWeight blends match score against load factor, clamped to [0,1].
	LoadWeight float64
}

// SelectPeers filters and orders the match list per the configured strategy.
// The returned slice never exceeds MaxFanout.
func SelectPeers(matches []overlay.PeerMatch, loads map[string]AgentLoadState, cfg SelectionConfig) []overlay.PeerMatch {
	candidates := make([]overlay.PeerMatch, 0, len(matches))
	for _, match := range matches {
		if cfg.StakeFilter != nil && !cfg.StakeFilter(match.Peer) {
			continue
		}
		if cfg.LatencyZone != "" && match.Peer.LatencyZone != cfg.LatencyZone {
			continue
		}
		if cfg.StakeBonus > 0 && match.Peer.Stake != "" && match.Peer.Stake != "0" {
			match.MatchScore += cfg.StakeBonus
			if match.MatchScore > 1 {
				match.MatchScore = 1
			}
		}
		candidates = append(candidates, match)
	}
	if len(candidates) == 0 {
		return nil
	}

	count := cfg.Count
	if count <= 0 || count > MaxFanout {
		count = MaxFanout
	}
	if count > len(candidates) {
		count = len(candidates)
	}

	switch cfg.Strategy {
	case StrategyTopN:
		sorted := append([]overlay.PeerMatch(nil), candidates...)
		sort.SliceStable(sorted, func(i, j int) bool {
			return sorted[i].MatchScore > sorted[j].MatchScore
		})
		return sorted[:count]
	case StrategyRoundRobin:
		sorted := append([]overlay.PeerMatch(nil), candidates...)
		sort.SliceStable(sorted, func(i, j int) bool {
			return loads[sorted[i].Peer.ID].LastRequestTime < loads[sorted[j].Peer.ID].LastRequestTime
		})
		return sorted[:count]
	case StrategyRandom:
		shuffled := append([]overlay.PeerMatch(nil), candidates...)
		shuffle(shuffled)
		return shuffled[:count]
	case StrategyWeighted:
		return weightedDraw(candidates, loads, cfg, count)
	default: // StrategyAll
		return candidates[:count]
	}
}

// shuffle is a Fisher-Yates pass driven by the crypto RNG, so peers cannot
// predict or bias selection.
func shuffle(matches []overlay.PeerMatch) {
	for i := len(matches) - 1; i > 0; i-- {
		j := cryptoIntn(i + 1)
		matches[i], matches[j] = matches[j], matches[i]
	}
}

func cryptoIntn(n int) int {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		// The platform RNG failing is unrecoverable for selection fairness.
		panic(err)
	}
	return int(v.Int64())
}

// weightedDraw picks count peers without replacement. Each candidate weighs
// matchScore*(1-loadWeight) + loadFactor*loadWeight, where loadFactor favours
// idle peers when load balancing is on.
func weightedDraw(candidates []overlay.PeerMatch, loads map[string]AgentLoadState, cfg SelectionConfig, count int) []overlay.PeerMatch {
	loadWeight := cfg.LoadWeight
	if loadWeight < 0 {
		loadWeight = 0
	}
	if loadWeight > 1 {
		loadWeight = 1
	}

	remaining := append([]overlay.PeerMatch(nil), candidates...)
	selected := make([]overlay.PeerMatch, 0, count)
	for len(selected) < count && len(remaining) > 0 {
		weights := make([]float64, len(remaining))
		total := 0.0
		for i, match := range remaining {
			loadFactor := 1.0
			if cfg.LoadBalancing {
				loadFactor = 1.0 / float64(loads[match.Peer.ID].ActiveRequests+1)
			}
			weight := match.MatchScore*(1-loadWeight) + loadFactor*loadWeight
			if weight < 0 {
				weight = 0
			}
			weights[i] = weight
			total += weight
		}

		var pick int
		if total <= 0 {
			pick = cryptoIntn(len(remaining))
		} else {
			// Draw a point in [0, total) with 1e-9 resolution.
			const resolution = 1_000_000_000
			point := total * float64(cryptoIntn(resolution)) / resolution
			acc := 0.0
			pick = len(remaining) - 1
			for i, weight := range weights {
				acc += weight
				if point < acc {
					pick = i
					break
				}
			}
		}
		selected = append(selected, remaining[pick])
		remaining = append(remaining[:pick], remaining[pick+1:]...)
	}
	return selected
}
