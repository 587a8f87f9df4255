package orchestrate

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"agentmesh/overlay"
)

func makeMatches(n int) []overlay.PeerMatch {
	matches := make([]overlay.PeerMatch, n)
	for i := range matches {
		matches[i] = overlay.PeerMatch{
			Peer:       overlay.PeerInfo{ID: fmt.Sprintf("peer-%02d", i)},
			MatchScore: float64(i+1) / float64(n+1),
		}
	}
	return matches
}

func TestSelectAllRespectsFanoutCap(t *testing.T) {
	matches := makeMatches(MaxFanout + 10)
	selected := SelectPeers(matches, nil, SelectionConfig{Strategy: StrategyAll})
	require.Len(t, selected, MaxFanout)
}

func TestSelectTopN(t *testing.T) {
	matches := makeMatches(5)
	selected := SelectPeers(matches, nil, SelectionConfig{Strategy: StrategyTopN, Count: 2})
	require.Len(t, selected, 2)
	require.Equal(t, "peer-04", selected[0].Peer.ID)
	require.Equal(t, "peer-03", selected[1].Peer.ID)
}

func TestSelectRoundRobinPrefersLeastRecent(t *testing.T) {
	matches := makeMatches(3)
	loads := map[string]AgentLoadState{
		"peer-00": {LastRequestTime: 300},
		"peer-01": {LastRequestTime: 100},
		"peer-02": {LastRequestTime: 200},
	}
	selected := SelectPeers(matches, loads, SelectionConfig{Strategy: StrategyRoundRobin, Count: 2})
	require.Equal(t, "peer-01", selected[0].Peer.ID)
	require.Equal(t, "peer-02", selected[1].Peer.ID)
}

func TestSelectRandomDrawsExactlyCount(t *testing.T) {
	matches := makeMatches(10)
	selected := SelectPeers(matches, nil, SelectionConfig{Strategy: StrategyRandom, Count: 4})
	require.Len(t, selected, 4)
	seen := make(map[string]bool)
	for _, match := range selected {
		require.False(t, seen[match.Peer.ID], "duplicate pick %s", match.Peer.ID)
		seen[match.Peer.ID] = true
	}
}

func TestSelectWeightedWithoutReplacement(t *testing.T) {
	matches := makeMatches(6)
	loads := map[string]AgentLoadState{"peer-05": {ActiveRequests: 50}}
	selected := SelectPeers(matches, loads, SelectionConfig{
		Strategy:      StrategyWeighted,
		Count:         6,
		LoadBalancing: true,
		LoadWeight:    0.5,
	})
	require.Len(t, selected, 6)
	seen := make(map[string]bool)
	for _, match := range selected {
		require.False(t, seen[match.Peer.ID])
		seen[match.Peer.ID] = true
	}
}

func TestSelectLatencyZoneFilter(t *testing.T) {
	matches := []overlay.PeerMatch{
		{Peer: overlay.PeerInfo{ID: "near", LatencyZone: "eu-west"}, MatchScore: 0.5},
		{Peer: overlay.PeerInfo{ID: "far", LatencyZone: "ap-south"}, MatchScore: 0.9},
	}
	selected := SelectPeers(matches, nil, SelectionConfig{Strategy: StrategyAll, LatencyZone: "eu-west"})
	require.Len(t, selected, 1)
	require.Equal(t, "near", selected[0].Peer.ID)
}

func TestSelectStakeFilterAndBonus(t *testing.T) {
	matches := []overlay.PeerMatch{
		{Peer: overlay.PeerInfo{ID: "staked", Stake: "1000"}, MatchScore: 0.5},
		{Peer: overlay.PeerInfo{ID: "unstaked"}, MatchScore: 0.95},
	}
	selected := SelectPeers(matches, nil, SelectionConfig{
		Strategy:   StrategyTopN,
		Count:      2,
		StakeBonus: 0.5,
		StakeFilter: func(peer overlay.PeerInfo) bool {
			return peer.Stake != ""
		},
	})
	require.Len(t, selected, 1)
	require.Equal(t, "staked", selected[0].Peer.ID)
	require.Equal(t, 1.0, selected[0].MatchScore, "bonus clamps at 1")
}

func TestSelectEmptyCandidates(t *testing.T) {
	require.Nil(t, SelectPeers(nil, nil, SelectionConfig{Strategy: StrategyAll}))
}
