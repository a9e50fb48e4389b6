// Package rank combines independent relevance signals (text-match rank,
// recency, relationship, keyword frequency, interaction) into one ordering
// score. The weights come from configuration so they can be tuned without
// touching the algorithm; the text rank itself is produced by the external
// full-text engine and only combined here.
package rank

import (
	"math"
	"sort"
	"time"

	"github.com/truong965/zalo-clone-sub001/internal/search"
	"github.com/truong965/zalo-clone-sub001/pkg/config"
)

// Relationship is the viewer's relation to a result's sender.
type Relationship string

const (
	RelationFriend  Relationship = "friend"
	RelationPending Relationship = "pending"
	RelationNone    Relationship = "none"
	RelationBlocked Relationship = "blocked"
)

// Signals holds the per-result inputs to the scorer.
type Signals struct {
	TextRank           float64
	Timestamp          time.Time
	Relationship       Relationship
	KeywordOccurrences int
	HasReplies         bool
	HasReactions       bool
}

// Scorer computes weighted relevance scores.
type Scorer struct {
	cfg config.RankingConfig
}

// New creates a Scorer with the given weights.
func New(cfg config.RankingConfig) *Scorer {
	return &Scorer{cfg: cfg}
}

// Score combines the signals into a single value. Each component is clamped
// to [0,1] before weighting.
func (s *Scorer) Score(sig Signals, now time.Time) float64 {
	horizon := s.cfg.RecencyHorizonDays
	if horizon <= 0 {
		horizon = 30
	}
	daysAgo := now.Sub(sig.Timestamp).Hours() / 24
	if daysAgo < 0 {
		daysAgo = 0
	}
	recency := math.Exp(-daysAgo / horizon)

	frequency := math.Min(float64(sig.KeywordOccurrences)/10, 1.0)

	interaction := 0.0
	if sig.HasReplies {
		interaction += 0.5
	}
	if sig.HasReactions {
		interaction += 0.5
	}

	score := s.cfg.TextWeight*clamp01(sig.TextRank) +
		s.cfg.RecencyWeight*recency +
		s.cfg.RelationshipWeight*relationshipValue(sig.Relationship) +
		s.cfg.FrequencyWeight*frequency +
		s.cfg.InteractionWeight*interaction
	return math.Round(score*10000) / 10000
}

// Apply scores every result using the signals keyed by result id and sorts
// the slice descending by score, breaking ties by recency (newer first) and
// then id for determinism. Results with no signals entry score on text rank
// and recency alone.
func (s *Scorer) Apply(results []search.Result, signals map[string]Signals, now time.Time) {
	for i := range results {
		sig, ok := signals[results[i].ID]
		if !ok {
			sig = Signals{TextRank: results[i].TextRank, Timestamp: results[i].SortTimestamp}
		}
		results[i].Score = s.Score(sig, now)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if !results[i].SortTimestamp.Equal(results[j].SortTimestamp) {
			return results[i].SortTimestamp.After(results[j].SortTimestamp)
		}
		return results[i].ID > results[j].ID
	})
}

func relationshipValue(r Relationship) float64 {
	switch r {
	case RelationFriend:
		return 1.0
	case RelationPending:
		return 0.7
	case RelationBlocked:
		return 0
	default:
		return 0.3
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
