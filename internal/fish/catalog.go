package fish

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"
)

// Rarity orders species from most to least common. Comparisons use the
// numeric order, so "tier or better" means >=.
type Rarity int

const (
	RarityCommon Rarity = iota
	RarityUncommon
	RarityRare
	RarityEpic
	RarityLegendary
)

var rarityNames = map[Rarity]string{
	RarityCommon:    "common",
	RarityUncommon:  "uncommon",
	RarityRare:      "rare",
	RarityEpic:      "epic",
	RarityLegendary: "legendary",
}

func (r Rarity) String() string {
	if name, ok := rarityNames[r]; ok {
		return name
	}
	return fmt.Sprintf("rarity-%d", int(r))
}

// MarshalJSON renders the rarity as its lowercase name.
func (r Rarity) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// UnmarshalJSON accepts the lowercase rarity name.
func (r *Rarity) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseRarity(name)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// ParseRarity resolves a lowercase rarity name.
func ParseRarity(name string) (Rarity, error) {
	for r, n := range rarityNames {
		if n == name {
			return r, nil
		}
	}
	return 0, fmt.Errorf("unknown rarity %q", name)
}

// Rarities lists every tier from most common to rarest.
func Rarities() []Rarity {
	return []Rarity{RarityCommon, RarityUncommon, RarityRare, RarityEpic, RarityLegendary}
}

// Species is one catchable fish. TimingWindow bounds the reaction time that
// still counts as a catch; MissTimeout is how long the bite stays open before
// the session auto-resolves as a miss.
type Species struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Rarity       Rarity        `json:"rarity"`
	TimingWindow time.Duration `json:"-"`
	MissTimeout  time.Duration `json:"-"`
	Weight       float64       `json:"-"`
	RewardValue  int           `json:"-"`
}

const defaultMissTimeout = 2500 * time.Millisecond

// Catalog is the immutable species table the engine selects from.
type Catalog struct {
	species  []Species
	byID     map[string]Species
	byRarity map[Rarity][]Species
}

func build(defs []Species) (*Catalog, error) {
	c := &Catalog{
		byID:     make(map[string]Species, len(defs)),
		byRarity: make(map[Rarity][]Species),
	}
	for _, def := range defs {
		if def.ID == "" {
			return nil, fmt.Errorf("species with empty id")
		}
		if _, dup := c.byID[def.ID]; dup {
			return nil, fmt.Errorf("duplicate species id %q", def.ID)
		}
		if def.TimingWindow <= 0 {
			return nil, fmt.Errorf("species %q: timing window must be positive", def.ID)
		}
		if def.MissTimeout <= 0 {
			def.MissTimeout = defaultMissTimeout
		}
		if def.Weight <= 0 {
			return nil, fmt.Errorf("species %q: weight must be positive", def.ID)
		}
		c.species = append(c.species, def)
		c.byID[def.ID] = def
		c.byRarity[def.Rarity] = append(c.byRarity[def.Rarity], def)
	}
	if len(c.species) == 0 {
		return nil, fmt.Errorf("catalog has no species")
	}
	for _, r := range Rarities() {
		if len(c.byRarity[r]) == 0 {
			return nil, fmt.Errorf("catalog has no %s species", r)
		}
	}
	sort.Slice(c.species, func(i, j int) bool { return c.species[i].ID < c.species[j].ID })
	return c, nil
}

// Default returns the built-in species table.
func Default() *Catalog {
	c, err := build(defaultSpecies())
	if err != nil {
		panic(fmt.Sprintf("built-in fish catalog invalid: %v", err))
	}
	return c
}

// Lookup resolves a species by id.
func (c *Catalog) Lookup(id string) (Species, bool) {
	s, ok := c.byID[id]
	return s, ok
}

// Species returns every species ordered by id.
func (c *Catalog) Species() []Species {
	out := make([]Species, len(c.species))
	copy(out, c.species)
	return out
}

// ByRarity returns the species of one tier.
func (c *Catalog) ByRarity(r Rarity) []Species {
	src := c.byRarity[r]
	out := make([]Species, len(src))
	copy(out, src)
	return out
}

// RarityWeights sums species weights per tier, the base probability table
// before any pity bias applies.
func (c *Catalog) RarityWeights() map[Rarity]float64 {
	weights := make(map[Rarity]float64, len(c.byRarity))
	for r, species := range c.byRarity {
		for _, s := range species {
			weights[r] += s.Weight
		}
	}
	return weights
}

// LoadFile reads a designer-authored catalog document and replaces the
// built-in table with it.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fish catalog: %w", err)
	}
	var doc FileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse fish catalog %s: %w", path, err)
	}
	defs := make([]Species, 0, len(doc))
	for _, entry := range doc {
		s, err := entry.toSpecies()
		if err != nil {
			return nil, fmt.Errorf("fish catalog %s: entry %q: %w", path, entry.ID, err)
		}
		defs = append(defs, s)
	}
	c, err := build(defs)
	if err != nil {
		return nil, fmt.Errorf("fish catalog %s: %w", path, err)
	}
	return c, nil
}
