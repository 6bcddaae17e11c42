package fish

import "time"

// EntryDocument represents a single species as it appears on disk. The struct
// is exported so tooling (the schema generator) can reflect over the
// configuration contract shared with designers. Durations are authored in
// milliseconds.
type EntryDocument struct {
	ID             string  `json:"id" jsonschema:"title=Species ID,description=Stable identifier granted to inventories on a catch.,pattern=^[a-z0-9-]+$,minLength=1,required"`
	Name           string  `json:"name" jsonschema:"title=Display Name,minLength=1,required"`
	Rarity         string  `json:"rarity" jsonschema:"title=Rarity Tier,enum=common,enum=uncommon,enum=rare,enum=epic,enum=legendary,required"`
	TimingWindowMS int     `json:"timingWindowMs" jsonschema:"title=Timing Window,description=Reaction window in milliseconds within which a catch succeeds.,minimum=1,required"`
	MissTimeoutMS  int     `json:"missTimeoutMs,omitempty" jsonschema:"title=Miss Timeout,description=How long the bite stays open before an automatic miss. Defaults when omitted.,minimum=0"`
	Weight         float64 `json:"weight" jsonschema:"title=Selection Weight,description=Relative weight inside the base probability table.,exclusiveMinimum=0,required"`
	RewardValue    int     `json:"rewardValue" jsonschema:"title=Reward Value,description=Points credited for a normal-quality catch.,minimum=0,required"`
}

// FileDocument is the canonical array format of a catalog file.
type FileDocument []EntryDocument

func (e EntryDocument) toSpecies() (Species, error) {
	rarity, err := ParseRarity(e.Rarity)
	if err != nil {
		return Species{}, err
	}
	return Species{
		ID:           e.ID,
		Name:         e.Name,
		Rarity:       rarity,
		TimingWindow: time.Duration(e.TimingWindowMS) * time.Millisecond,
		MissTimeout:  time.Duration(e.MissTimeoutMS) * time.Millisecond,
		Weight:       e.Weight,
		RewardValue:  e.RewardValue,
	}, nil
}
