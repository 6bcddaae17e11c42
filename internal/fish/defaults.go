package fish

import "time"

func defaultSpecies() []Species {
	return []Species{
		{
			ID:           "river-minnow",
			Name:         "River Minnow",
			Rarity:       RarityCommon,
			TimingWindow: 1500 * time.Millisecond,
			MissTimeout:  3 * time.Second,
			Weight:       40,
			RewardValue:  5,
		},
		{
			ID:           "mud-carp",
			Name:         "Mud Carp",
			Rarity:       RarityCommon,
			TimingWindow: 1400 * time.Millisecond,
			MissTimeout:  3 * time.Second,
			Weight:       30,
			RewardValue:  6,
		},
		{
			ID:           "silver-perch",
			Name:         "Silver Perch",
			Rarity:       RarityUncommon,
			TimingWindow: 1200 * time.Millisecond,
			MissTimeout:  2800 * time.Millisecond,
			Weight:       14,
			RewardValue:  12,
		},
		{
			ID:           "striped-bass",
			Name:         "Striped Bass",
			Rarity:       RarityUncommon,
			TimingWindow: 1100 * time.Millisecond,
			MissTimeout:  2800 * time.Millisecond,
			Weight:       10,
			RewardValue:  14,
		},
		{
			ID:           "ember-trout",
			Name:         "Ember Trout",
			Rarity:       RarityRare,
			TimingWindow: 900 * time.Millisecond,
			MissTimeout:  2500 * time.Millisecond,
			Weight:       4,
			RewardValue:  30,
		},
		{
			ID:           "glass-eel",
			Name:         "Glass Eel",
			Rarity:       RarityRare,
			TimingWindow: 850 * time.Millisecond,
			MissTimeout:  2500 * time.Millisecond,
			Weight:       3,
			RewardValue:  35,
		},
		{
			ID:           "thunder-pike",
			Name:         "Thunder Pike",
			Rarity:       RarityEpic,
			TimingWindow: 700 * time.Millisecond,
			MissTimeout:  2200 * time.Millisecond,
			Weight:       1.5,
			RewardValue:  80,
		},
		{
			ID:           "midnight-ray",
			Name:         "Midnight Ray",
			Rarity:       RarityEpic,
			TimingWindow: 650 * time.Millisecond,
			MissTimeout:  2200 * time.Millisecond,
			Weight:       1,
			RewardValue:  95,
		},
		{
			ID:           "king-of-the-deep",
			Name:         "King of the Deep",
			Rarity:       RarityLegendary,
			TimingWindow: 500 * time.Millisecond,
			MissTimeout:  2 * time.Second,
			Weight:       0.4,
			RewardValue:  250,
		},
		{
			ID:           "sunken-empress",
			Name:         "Sunken Empress",
			Rarity:       RarityLegendary,
			TimingWindow: 450 * time.Millisecond,
			MissTimeout:  2 * time.Second,
			Weight:       0.2,
			RewardValue:  320,
		},
	}
}
