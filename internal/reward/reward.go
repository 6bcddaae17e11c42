// Package reward holds the narrow contracts the engine consumes from the
// rest of the game backend: the points ledger, the fish inventory, the
// challenge tracker, and the rank read. The engine never reaches past these
// interfaces; production wiring swaps in the real services.
package reward

import (
	"context"

	"cast-and-keep/server/internal/fish"
)

// Ledger credits catch rewards. Fishing never debits.
type Ledger interface {
	Credit(ctx context.Context, playerID string, points int, reason string) error
	Balance(ctx context.Context, playerID string) (int, error)
}

// Inventory receives catch grants.
type Inventory interface {
	Grant(ctx context.Context, playerID, speciesID string) error
}

// Completion is a challenge the player just finished; the engine forwards it
// verbatim in resolve responses.
type Completion struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Challenges observes cast and catch events and reports completions.
type Challenges interface {
	NoteCast(ctx context.Context, playerID string) []Completion
	NoteCatch(ctx context.Context, playerID, speciesID string, rarity fish.Rarity, quality string) []Completion
}

// Rank is the leaderboard snapshot clients reconcile against.
type Rank struct {
	PlayerID string `json:"playerId"`
	Points   int    `json:"points"`
	Position int    `json:"position"`
}

// RankProvider answers getRank reads.
type RankProvider interface {
	Rank(ctx context.Context, playerID string) (Rank, error)
}
