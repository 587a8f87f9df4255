package orchestrate

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"agentmesh/overlay"
)

// Aggregation strategies.
const (
	AggregateMajorityVote         = "majority-vote"
	AggregateWeightedVote         = "weighted-vote"
	AggregateBestScore            = "best-score"
	AggregateEnsemble             = "ensemble"
	AggregateConsensusThreshold   = "consensus-threshold"
	AggregateFirstResponse        = "first-response"
	AggregateLongest              = "longest"
	AggregateSynthesizedConsensus = "synthesized-consensus"
	AggregateCustom               = "custom"
)

// DefaultConsensusThreshold is the confidence needed to call consensus
// achieved.
const DefaultConsensusThreshold = 0.6

// ErrNoResponses is returned when a strategy has nothing to aggregate.
var ErrNoResponses = errors.New("orchestrate: no successful responses to aggregate")

// AgentReply is one peer's answer (or failure) to an orchestration.
type AgentReply struct {
	Peer       overlay.PeerInfo
	MatchScore float64
	Response   string
	LatencyMs  int64
	Success    bool
	Error      string
}

// AggregateResult is a strategy's reduction of many replies.
type AggregateResult struct {
	Result         string
	Confidence     float64
	AgreementCount int
}

// Aggregator reduces successful replies to one result.
type Aggregator func(replies []AgentReply) (AggregateResult, error)

// Aggregate runs the named strategy over the successful subset of replies.
// The custom aggregator is used only for the "custom" strategy.
func Aggregate(strategy string, replies []AgentReply, custom Aggregator) (AggregateResult, error) {
	successful := make([]AgentReply, 0, len(replies))
	for _, reply := range replies {
		if reply.Success {
			successful = append(successful, reply)
		}
	}
	if len(successful) == 0 {
		return AggregateResult{}, ErrNoResponses
	}

	switch strategy {
	case AggregateWeightedVote:
		return weightedVote(successful), nil
	case AggregateBestScore:
		return bestScore(successful), nil
	case AggregateEnsemble:
		return ensemble(successful), nil
	case AggregateConsensusThreshold:
		return majorityVote(successful), nil
	case AggregateFirstResponse:
		return firstResponse(successful), nil
	case AggregateLongest:
		return longest(successful), nil
	case AggregateSynthesizedConsensus:
		return synthesized(successful), nil
	case AggregateCustom:
		if custom == nil {
			return AggregateResult{}, errors.New("orchestrate: custom strategy without aggregator")
		}
		return custom(successful)
	default: // AggregateMajorityVote
		return majorityVote(successful), nil
	}
}

func normalize(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}

// majorityVote groups identical normalized answers and returns the largest
// group's original text. Confidence is the group's share of all answers.
func majorityVote(replies []AgentReply) AggregateResult {
	groups := make(map[string][]AgentReply)
	order := make([]string, 0)
	for _, reply := range replies {
		key := normalize(reply.Response)
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], reply)
	}
	best := order[0]
	for _, key := range order {
		if len(groups[key]) > len(groups[best]) {
			best = key
		}
	}
	winner := groups[best]
	return AggregateResult{
		Result:         winner[0].Response,
		Confidence:     float64(len(winner)) / float64(len(replies)),
		AgreementCount: len(winner),
	}
}

// weightedVote is a majority vote where each answer counts its peer's match
// score instead of one.
func weightedVote(replies []AgentReply) AggregateResult {
	type tally struct {
		weight float64
		count  int
		first  AgentReply
	}
	groups := make(map[string]*tally)
	order := make([]string, 0)
	total := 0.0
	for _, reply := range replies {
		weight := reply.MatchScore
		if weight <= 0 {
			weight = 1e-9
		}
		key := normalize(reply.Response)
		entry, ok := groups[key]
		if !ok {
			entry = &tally{first: reply}
			groups[key] = entry
			order = append(order, key)
		}
		entry.weight += weight
		entry.count++
		total += weight
	}
	best := order[0]
	for _, key := range order {
		if groups[key].weight > groups[best].weight {
			best = key
		}
	}
	winner := groups[best]
	confidence := 0.0
	if total > 0 {
		confidence = winner.weight / total
	}
	return AggregateResult{
		Result:         winner.first.Response,
		Confidence:     confidence,
		AgreementCount: winner.count,
	}
}

func bestScore(replies []AgentReply) AggregateResult {
	best := replies[0]
	for _, reply := range replies[1:] {
		if reply.MatchScore > best.MatchScore {
			best = reply
		}
	}
	return AggregateResult{Result: best.Response, Confidence: best.MatchScore, AgreementCount: 1}
}

// ensemble concatenates every answer with attribution. Confidence is always
// full; the caller wanted all voices, not agreement.
func ensemble(replies []AgentReply) AggregateResult {
	var sb strings.Builder
	for i, reply := range replies {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "[%s] %s", reply.Peer.ID, reply.Response)
	}
	return AggregateResult{Result: sb.String(), Confidence: 1, AgreementCount: len(replies)}
}

func firstResponse(replies []AgentReply) AggregateResult {
	fastest := replies[0]
	for _, reply := range replies[1:] {
		if reply.LatencyMs < fastest.LatencyMs {
			fastest = reply
		}
	}
	return AggregateResult{Result: fastest.Response, Confidence: 1.0 / float64(len(replies)), AgreementCount: 1}
}

func longest(replies []AgentReply) AggregateResult {
	best := replies[0]
	for _, reply := range replies[1:] {
		if len(reply.Response) > len(best.Response) {
			best = reply
		}
	}
	return AggregateResult{Result: best.Response, Confidence: 1.0 / float64(len(replies)), AgreementCount: 1}
}

// synthesized returns the majority answer annotated with the dissenting
// alternatives so the caller can see what the minority said.
func synthesized(replies []AgentReply) AggregateResult {
	majority := majorityVote(replies)
	if majority.AgreementCount == len(replies) {
		return majority
	}

	dissent := make(map[string]int)
	winner := normalize(majority.Result)
	for _, reply := range replies {
		key := normalize(reply.Response)
		if key != winner {
			dissent[key]++
		}
	}
	alternatives := make([]string, 0, len(dissent))
	for key, count := range dissent {
		alternatives = append(alternatives, fmt.Sprintf("%q (%d)", key, count))
	}
	sort.Strings(alternatives)

	var sb strings.Builder
	sb.WriteString(majority.Result)
	fmt.Fprintf(&sb, "\n\n(%d of %d agents agreed; alternatives: %s)",
		majority.AgreementCount, len(replies), strings.Join(alternatives, ", "))
	majority.Result = sb.String()
	return majority
}
