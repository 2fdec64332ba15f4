package cost

import (
	"github.com/sells-group/extract-cli/internal/model"
)

// DefaultEscalationProbability is the assumed chance that a tier fails to
// resolve a field and the cascade moves to the next one.
const DefaultEscalationProbability = 0.5

// Estimate is the pre-flight cost projection of a batch.
type Estimate struct {
	BatchSize   int                    `json:"batch_size"`
	PerDocument float64                `json:"per_document_usd"`
	Total       float64                `json:"total_usd"`
	Breakdown   map[model.Tier]float64 `json:"breakdown"`
	PerField    map[string]float64     `json:"per_field"`
}

// EstimateBatch projects the cost of running batchSize documents against the
// registry. Every field starts at its min_tier and reaches tier k with
// probability p^(k-min_tier); each reached tier costs one call.
func EstimateBatch(batchSize int, reg *model.FieldRegistry, table Table, p float64) Estimate {
	if p < 0 || p > 1 {
		p = DefaultEscalationProbability
	}

	est := Estimate{
		BatchSize: batchSize,
		Breakdown: make(map[model.Tier]float64),
		PerField:  make(map[string]float64, len(reg.Fields)),
	}
	for i := range reg.Fields {
		f := &reg.Fields[i]
		reach := 1.0
		var fieldCost float64
		for t := f.MinTier; t <= f.MaxTier; t++ {
			c := reach * table.Cost(t)
			fieldCost += c
			est.Breakdown[t] += c * float64(batchSize)
			reach *= p
		}
		est.PerField[f.Name] = fieldCost
		est.PerDocument += fieldCost
	}
	est.Total = est.PerDocument * float64(batchSize)
	return est
}
