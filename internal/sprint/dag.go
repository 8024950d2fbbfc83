package sprint

import (
	"errors"
	"fmt"

	"github.com/basket/pairflow/internal/store"
)

var (
	// ErrDependencyCycle means the seeded backlog's dependency graph is
	// not a DAG. Fatal at Planning: the sprint does not start.
	ErrDependencyCycle = errors.New("dependency cycle in seeded backlog")
	// ErrUnknownDependency means a seed references a card that is neither
	// in the seed set nor already on the board.
	ErrUnknownDependency = errors.New("dependency on unknown card")
)

// ValidateBacklog checks a seed set before it reaches the board. It is
// the same gate Plan applies.
func ValidateBacklog(seeds []store.Card, known map[string]bool) error {
	return validateDependencies(seeds, known)
}

// validateDependencies checks the seed set forms a DAG. known holds card
// ids already on the board from earlier windows; depending on those is
// fine and never part of a cycle.
func validateDependencies(seeds []store.Card, known map[string]bool) error {
	inSeed := make(map[string]bool, len(seeds))
	for _, c := range seeds {
		if c.ID == "" {
			return fmt.Errorf("seed card without id")
		}
		if inSeed[c.ID] {
			return fmt.Errorf("duplicate seed card %s", c.ID)
		}
		inSeed[c.ID] = true
	}
	for _, c := range seeds {
		for _, dep := range c.DependsOn {
			if !inSeed[dep] && !known[dep] {
				return fmt.Errorf("card %s depends on %s: %w", c.ID, dep, ErrUnknownDependency)
			}
		}
	}

	// Kahn's algorithm in waves; a round with no eligible card means the
	// remainder is cyclic.
	processed := make(map[string]bool, len(seeds))
	for len(processed) < len(seeds) {
		progressed := false
		for _, c := range seeds {
			if processed[c.ID] {
				continue
			}
			ready := true
			for _, dep := range c.DependsOn {
				if inSeed[dep] && !processed[dep] {
					ready = false
					break
				}
			}
			if ready {
				processed[c.ID] = true
				progressed = true
			}
		}
		if !progressed {
			return ErrDependencyCycle
		}
	}
	return nil
}
