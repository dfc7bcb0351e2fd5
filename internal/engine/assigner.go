package engine

import (
	"fmt"
	"math/rand"

	"piovee/pkg/domain"
)

// TileAssigner owns the randomized, exactly-once-consumable reveal order for
// a fixed grid. It shuffles lazily: AssignNext swaps a uniformly chosen entry
// from the remaining window to the front and consumes it, which yields a
// uniform permutation while leaving already-consumed entries untouched, so a
// restored cursor resumes without re-shuffling history.
//
// Not safe for concurrent use; the engine serializes access.
type TileAssigner struct {
	totalTiles   int
	order        []int
	currentIndex int
	rng          *rand.Rand
}

// NewAssigner creates an assigner for totalTiles tiles. The seed fixes the
// reveal sequence; pass a random seed in production and a constant in tests.
func NewAssigner(totalTiles int, seed int64) (*TileAssigner, error) {
	if totalTiles <= 0 {
		return nil, fmt.Errorf("assigner: totalTiles must be positive, got %d", totalTiles)
	}
	order := make([]int, totalTiles)
	for i := range order {
		order[i] = i
	}
	return &TileAssigner{
		totalTiles: totalTiles,
		order:      order,
		rng:        rand.New(rand.NewSource(seed)),
	}, nil
}

// AssignNext consumes and returns the next tile index. Every index in
// [0, totalTiles) is returned by exactly one call over the assigner's
// lifetime; once exhausted it returns ErrMosaicFull.
func (a *TileAssigner) AssignNext() (int, error) {
	if a.currentIndex >= a.totalTiles {
		return 0, domain.ErrMosaicFull
	}
	j := a.currentIndex + a.rng.Intn(a.totalTiles-a.currentIndex)
	a.order[a.currentIndex], a.order[j] = a.order[j], a.order[a.currentIndex]
	tile := a.order[a.currentIndex]
	a.currentIndex++
	return tile, nil
}

// ResumeAt installs persisted state verbatim, without generating a new
// permutation. order must be a permutation of [0, totalTiles) and
// currentIndex within [0, len(order)].
func (a *TileAssigner) ResumeAt(order []int, currentIndex int) error {
	if len(order) != a.totalTiles {
		return fmt.Errorf("assigner: order length %d does not match %d tiles", len(order), a.totalTiles)
	}
	if currentIndex < 0 || currentIndex > a.totalTiles {
		return fmt.Errorf("assigner: current index %d out of range [0,%d]", currentIndex, a.totalTiles)
	}
	seen := make([]bool, a.totalTiles)
	for _, tile := range order {
		if tile < 0 || tile >= a.totalTiles || seen[tile] {
			return fmt.Errorf("assigner: order is not a permutation of [0,%d)", a.totalTiles)
		}
		seen[tile] = true
	}
	a.order = append(a.order[:0], order...)
	a.currentIndex = currentIndex
	return nil
}

// CurrentIndex returns the count of consumed tiles.
func (a *TileAssigner) CurrentIndex() int { return a.currentIndex }

// TotalTiles returns the grid capacity.
func (a *TileAssigner) TotalTiles() int { return a.totalTiles }

// Remaining returns how many tiles are still unassigned.
func (a *TileAssigner) Remaining() int { return a.totalTiles - a.currentIndex }

// Snapshot returns the persisted form of the assigner state.
func (a *TileAssigner) Snapshot() domain.TileOrder {
	return domain.TileOrder{
		Order:        append([]int(nil), a.order...),
		CurrentIndex: a.currentIndex,
	}
}
