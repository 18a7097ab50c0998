package matching

import (
	"math/rand"
	"sync"

	"github.com/google/uuid"

	"github.com/asilinks/backend/internal/models"
)

// featureWeights scores a partner's statistical summary. Time averages
// and the cancellation count are scored inversely: less is better.
var featureWeights = []struct {
	weight  float64
	inverse bool
	value   func(*models.PartnerStats) float64
}{
	{0.10, false, func(s *models.PartnerStats) float64 { return float64(s.DoneCount) }},
	{0.15, true, func(s *models.PartnerStats) float64 { return s.DoneTimeAverage }},
	{0.15, true, func(s *models.PartnerStats) float64 { return float64(s.CanceledCount) }},
	{0.10, false, func(s *models.PartnerStats) float64 { return s.OfferedPercent }},
	{0.20, false, func(s *models.PartnerStats) float64 { return s.DoneScoreAverage }},
	{0.05, false, func(s *models.PartnerStats) float64 { return float64(s.AcademicsCount) }},
	{0.05, false, func(s *models.PartnerStats) float64 { return float64(s.ExperienceYears) }},
	{0.10, false, func(s *models.PartnerStats) float64 { return s.AcceptTimeAverage }},
	{0.10, false, func(s *models.PartnerStats) float64 { return s.PriceAverage }},
}

// sampledLevels take part in stratified sampling. Higher levels only
// enter a round as favorites.
var sampledLevels = []string{models.LevelBronze, models.LevelSilver, models.LevelGold}

// Engine selects bidding-round candidates. The random source is
// injected so selection is reproducible under test; the mutex makes
// the engine safe to share across request handlers.
type Engine struct {
	samplesPerLevel int

	mu  sync.Mutex
	rng *rand.Rand
}

func NewEngine(samplesPerLevel int, rng *rand.Rand) *Engine {
	return &Engine{samplesPerLevel: samplesPerLevel, rng: rng}
}

// Weights computes each candidate's sampling weight: every stat is
// min-max normalized across the pool, then the weighted features are
// summed. A feature with no spread scores 1 for everyone.
func Weights(pool []models.Partner) []float64 {
	weights := make([]float64, len(pool))
	if len(pool) == 0 {
		return weights
	}

	for _, f := range featureWeights {
		lo, hi := f.value(&pool[0].Stats), f.value(&pool[0].Stats)
		for i := range pool {
			v := f.value(&pool[i].Stats)
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}

		for i := range pool {
			norm := 1.0
			if hi > lo {
				v := f.value(&pool[i].Stats)
				if f.inverse {
					norm = (hi - v) / (hi - lo)
				} else {
					norm = (v - lo) / (hi - lo)
				}
			}
			weights[i] += f.weight * norm
		}
	}

	return weights
}

// Select draws up to samplesPerLevel candidates per sampled level.
// Stats are normalized over the whole pool before stratifying, so a
// stratum's weights stay comparable to the rest of the market. A
// stratum whose weights are all zero falls back to uniform sampling.
func (e *Engine) Select(pool []models.Partner) []models.Partner {
	if len(pool) == 0 {
		return nil
	}
	poolWeights := Weights(pool)

	var selected []models.Partner
	for _, level := range sampledLevels {
		var stratum []models.Partner
		var weights []float64
		for i := range pool {
			if pool[i].Level == level {
				stratum = append(stratum, pool[i])
				weights = append(weights, poolWeights[i])
			}
		}
		if len(stratum) == 0 {
			continue
		}

		total := 0.0
		for _, w := range weights {
			total += w
		}
		if total == 0 {
			for i := range weights {
				weights[i] = 1
			}
		}

		n := e.samplesPerLevel
		if len(stratum) < n {
			n = len(stratum)
		}
		selected = append(selected, e.sample(stratum, weights, n)...)
	}

	return selected
}

// sample draws n partners without replacement, probability proportional
// to weight.
func (e *Engine) sample(stratum []models.Partner, weights []float64, n int) []models.Partner {
	e.mu.Lock()
	defer e.mu.Unlock()

	idx := make([]int, len(stratum))
	for i := range idx {
		idx[i] = i
	}

	out := make([]models.Partner, 0, n)
	for len(out) < n && len(idx) > 0 {
		total := 0.0
		for _, i := range idx {
			total += weights[i]
		}

		target := e.rng.Float64() * total
		pick := len(idx) - 1
		acc := 0.0
		for j, i := range idx {
			acc += weights[i]
			if target < acc {
				pick = j
				break
			}
		}

		out = append(out, stratum[idx[pick]])
		idx = append(idx[:pick], idx[pick+1:]...)
	}

	return out
}

// BuildRound unions the client's matching favorites with a stratified
// sample of the rest of the pool. Favorites are never sampled away and
// never duplicated. An empty result means no candidate exists at all.
func (e *Engine) BuildRound(favorites, pool []models.Partner) []models.Partner {
	seen := make(map[uuid.UUID]bool, len(favorites))
	round := make([]models.Partner, 0, len(favorites))
	for _, fp := range favorites {
		if !seen[fp.ID] {
			seen[fp.ID] = true
			round = append(round, fp)
		}
	}

	var rest []models.Partner
	for i := range pool {
		if !seen[pool[i].ID] {
			rest = append(rest, pool[i])
		}
	}

	return append(round, e.Select(rest)...)
}
