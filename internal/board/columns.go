package board

import (
	"github.com/basket/pairflow/internal/store"
)

// ColumnConfig is one pipeline stage. WIPLimit 0 means unlimited.
type ColumnConfig struct {
	Name     store.CardStatus `yaml:"name"`
	WIPLimit int              `yaml:"wip_limit"`
}

// DefaultColumns returns the standard pipeline. Limits here are defaults
// only; deployments override them through configuration.
func DefaultColumns() []ColumnConfig {
	return []ColumnConfig{
		{Name: store.CardBacklog},
		{Name: store.CardReady},
		{Name: store.CardInProgress, WIPLimit: 4},
		{Name: store.CardReview, WIPLimit: 2},
		{Name: store.CardDone},
		{Name: store.CardBlocked},
	}
}

// allowedTransitions is the board's legality graph. Blocked is handled
// separately: it is reachable from InProgress and Review, and leaving it
// is only legal back to the column the card blocked from.
var allowedTransitions = map[store.CardStatus]map[store.CardStatus]struct{}{
	store.CardBacklog: {
		store.CardReady: {},
	},
	store.CardReady: {
		store.CardInProgress: {},
	},
	store.CardInProgress: {
		store.CardReview:  {},
		store.CardBlocked: {},
	},
	store.CardReview: {
		store.CardDone:    {},
		store.CardBlocked: {},
	},
}

func canTransition(card store.Card, to store.CardStatus) bool {
	if card.Status == store.CardBlocked {
		return to == card.PrevStatus && to != ""
	}
	next, ok := allowedTransitions[card.Status]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}
