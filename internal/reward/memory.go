package reward

import (
	"context"
	"sort"
	"sync"

	"cast-and-keep/server/internal/fish"
)

// MemoryLedger is the in-process ledger used until the real currency service
// is wired in. It doubles as the rank provider: position is by total points.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[string]int
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{balances: make(map[string]int)}
}

func (l *MemoryLedger) Credit(_ context.Context, playerID string, points int, _ string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[playerID] += points
	return nil
}

func (l *MemoryLedger) Balance(_ context.Context, playerID string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[playerID], nil
}

func (l *MemoryLedger) Rank(_ context.Context, playerID string) (Rank, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	points := l.balances[playerID]
	position := 1
	for other, balance := range l.balances {
		if other == playerID {
			continue
		}
		if balance > points {
			position++
		}
	}
	return Rank{PlayerID: playerID, Points: points, Position: position}, nil
}

// MemoryInventory records grants per player.
type MemoryInventory struct {
	mu     sync.Mutex
	caught map[string][]string
}

func NewMemoryInventory() *MemoryInventory {
	return &MemoryInventory{caught: make(map[string][]string)}
}

func (i *MemoryInventory) Grant(_ context.Context, playerID, speciesID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.caught[playerID] = append(i.caught[playerID], speciesID)
	return nil
}

// Caught lists a player's grants, sorted, for tests and diagnostics.
func (i *MemoryInventory) Caught(playerID string) []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]string, len(i.caught[playerID]))
	copy(out, i.caught[playerID])
	sort.Strings(out)
	return out
}

// MemoryChallenges tracks two built-in counters so resolve responses exercise
// the completion path: first catch of the day and first legendary.
type MemoryChallenges struct {
	mu        sync.Mutex
	casts     map[string]int
	catches   map[string]int
	legendary map[string]bool
}

func NewMemoryChallenges() *MemoryChallenges {
	return &MemoryChallenges{
		casts:     make(map[string]int),
		catches:   make(map[string]int),
		legendary: make(map[string]bool),
	}
}

func (c *MemoryChallenges) NoteCast(_ context.Context, playerID string) []Completion {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.casts[playerID]++
	if c.casts[playerID] == 10 {
		return []Completion{{ID: "ten-casts", Name: "Line in the Water"}}
	}
	return nil
}

func (c *MemoryChallenges) NoteCatch(_ context.Context, playerID, _ string, rarity fish.Rarity, _ string) []Completion {
	c.mu.Lock()
	defer c.mu.Unlock()

	var done []Completion
	c.catches[playerID]++
	if c.catches[playerID] == 1 {
		done = append(done, Completion{ID: "first-catch", Name: "First Catch"})
	}
	if rarity >= fish.RarityLegendary && !c.legendary[playerID] {
		c.legendary[playerID] = true
		done = append(done, Completion{ID: "first-legendary", Name: "Stuff of Legends"})
	}
	return done
}
