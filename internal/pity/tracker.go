package pity

import (
	"math/rand"
	"sync"

	"cast-and-keep/server/internal/fish"
)

// Thresholds configure one tracked tier. Soft is the streak at which the
// selection boost begins; Hard is the streak at which the next cast is
// guaranteed to produce that tier or better.
type Thresholds struct {
	Soft int
	Hard int
}

// Config maps each tracked rarity tier to its thresholds. Tiers without an
// entry (typically common) carry no pity state.
type Config map[fish.Rarity]Thresholds

// DefaultConfig mirrors the tuning the engine ships with.
func DefaultConfig() Config {
	return Config{
		fish.RarityRare:      {Soft: 20, Hard: 40},
		fish.RarityEpic:      {Soft: 40, Hard: 70},
		fish.RarityLegendary: {Soft: 60, Hard: 90},
	}
}

// Snapshot is the read surface the presentation layer renders as a pity meter.
type Snapshot struct {
	Tier       fish.Rarity `json:"tier"`
	Streak     int         `json:"streak"`
	Soft       int         `json:"softPityThreshold"`
	Hard       int         `json:"hardPityThreshold"`
	Progress   float64     `json:"progress"`
	InSoftPity bool        `json:"inSoftPity"`
}

// Tracker owns per-player, per-tier unlucky streaks and biases candidate
// selection at cast time. All methods are safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	catalog *fish.Catalog
	cfg     Config
	rng     *rand.Rand
	streaks map[string]map[fish.Rarity]int
}

// NewTracker builds a tracker over the given catalog. The rng is owned by the
// tracker afterwards; tests pass a seeded source for determinism.
func NewTracker(catalog *fish.Catalog, cfg Config, rng *rand.Rand) *Tracker {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Tracker{
		catalog: catalog,
		cfg:     cfg,
		rng:     rng,
		streaks: make(map[string]map[fish.Rarity]int),
	}
}

func (t *Tracker) playerStreaks(playerID string) map[fish.Rarity]int {
	s, ok := t.streaks[playerID]
	if !ok {
		s = make(map[fish.Rarity]int, len(t.cfg))
		t.streaks[playerID] = s
	}
	return s
}

// SelectCandidate picks the fish a cast will award on success. The candidate
// is chosen now so hard pity can be enforced before the bite ever opens; it
// is kept server-side until resolution.
//
// Between soft and hard thresholds the tier's probability rises linearly from
// its base value to certainty. The exact curve is tuning, not contract; the
// hard guarantee and reset rules are contract.
func (t *Tracker) SelectCandidate(playerID string) fish.Species {
	t.mu.Lock()
	defer t.mu.Unlock()

	streaks := t.playerStreaks(playerID)

	// The cast being selected is the (streak+1)th since the last qualifying
	// catch, so a streak of hard-1 already triggers the guarantee.
	guaranteed := fish.Rarity(-1)
	for _, tier := range fish.Rarities() {
		th, tracked := t.cfg[tier]
		if !tracked {
			continue
		}
		if streaks[tier]+1 >= th.Hard && tier > guaranteed {
			guaranteed = tier
		}
	}

	weights := t.catalog.RarityWeights()
	var total float64
	for _, w := range weights {
		total += w
	}

	probs := make(map[fish.Rarity]float64, len(weights))
	for tier, w := range weights {
		probs[tier] = w / total
	}
	for tier, th := range t.cfg {
		attempt := streaks[tier] + 1
		if attempt <= th.Soft || th.Hard <= th.Soft {
			continue
		}
		boost := float64(attempt-th.Soft) / float64(th.Hard-th.Soft)
		if boost > 1 {
			boost = 1
		}
		probs[tier] += (1 - probs[tier]) * boost
	}

	tiers := fish.Rarities()
	if guaranteed >= 0 {
		eligible := tiers[:0:0]
		for _, tier := range tiers {
			if tier >= guaranteed {
				eligible = append(eligible, tier)
			}
		}
		tiers = eligible
	}

	var eligibleTotal float64
	for _, tier := range tiers {
		eligibleTotal += probs[tier]
	}

	roll := t.rng.Float64() * eligibleTotal
	chosen := tiers[len(tiers)-1]
	for _, tier := range tiers {
		if roll < probs[tier] {
			chosen = tier
			break
		}
		roll -= probs[tier]
	}

	return t.pickSpeciesLocked(chosen)
}

func (t *Tracker) pickSpeciesLocked(tier fish.Rarity) fish.Species {
	species := t.catalog.ByRarity(tier)
	var total float64
	for _, s := range species {
		total += s.Weight
	}
	roll := t.rng.Float64() * total
	for _, s := range species {
		if roll < s.Weight {
			return s
		}
		roll -= s.Weight
	}
	return species[len(species)-1]
}

// RecordCast advances every tracked streak by one. Called exactly once per
// cast, regardless of outcome; RecordSuccess rolls qualifying tiers back.
func (t *Tracker) RecordCast(playerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	streaks := t.playerStreaks(playerID)
	for tier := range t.cfg {
		streaks[tier]++
	}
}

// RecordSuccess resets the streak for the caught tier and every more common
// tracked tier. Rarer tiers keep their streaks; catching a rare does not
// protect an epic drought.
func (t *Tracker) RecordSuccess(playerID string, caught fish.Rarity) {
	t.mu.Lock()
	defer t.mu.Unlock()

	streaks := t.playerStreaks(playerID)
	for tier := range t.cfg {
		if tier <= caught {
			streaks[tier] = 0
		}
	}
}

// Snapshot reports the tracked tiers for one player, rarest last.
func (t *Tracker) Snapshot(playerID string) []Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	streaks := t.playerStreaks(playerID)
	out := make([]Snapshot, 0, len(t.cfg))
	for _, tier := range fish.Rarities() {
		th, tracked := t.cfg[tier]
		if !tracked {
			continue
		}
		streak := streaks[tier]
		out = append(out, Snapshot{
			Tier:       tier,
			Streak:     streak,
			Soft:       th.Soft,
			Hard:       th.Hard,
			Progress:   float64(streak) / float64(th.Hard),
			InSoftPity: streak >= th.Soft,
		})
	}
	return out
}
