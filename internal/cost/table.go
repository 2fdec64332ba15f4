package cost

import (
	"github.com/sells-group/extract-cli/internal/config"
	"github.com/sells-group/extract-cli/internal/model"
)

// Table is the flat cost (USD) of one backend call per tier.
type Table map[model.Tier]float64

// DefaultTable returns the default per-call tier prices.
func DefaultTable() Table {
	return Table{
		model.TierDeterministic: 0,
		model.TierLocal:         0.001,
		model.TierCheap:         0.01,
		model.TierExpensive:     0.05,
	}
}

// TableFromConfig builds a Table from the pricing.tiers config section.
func TableFromConfig(p config.TierPricing) Table {
	return Table{
		model.TierDeterministic: p.Deterministic,
		model.TierLocal:         p.Local,
		model.TierCheap:         p.Cheap,
		model.TierExpensive:     p.Expensive,
	}
}

// Cost returns the per-call price for t. Unknown tiers cost nothing.
func (t Table) Cost(tier model.Tier) float64 {
	return t[tier]
}
