package coverage

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// Estimate is a pre-save coverage breakdown for a basket of items.
type Estimate struct {
	Items         []Result        `json:"items"`
	TotalSubtotal decimal.Decimal `json:"total_subtotal"`
	InsurancePays decimal.Decimal `json:"insurance_pays"`
	PatientPays   decimal.Decimal `json:"patient_pays"`
	Uncovered     int             `json:"uncovered"`
	NeedsPreauth  int             `json:"needs_preauth"`
}

// EstimateBatch prices every request and totals the rounded results.
func (c *Calculator) EstimateBatch(ctx context.Context, reqs []Request) (Estimate, error) {
	est := Estimate{Items: make([]Result, 0, len(reqs))}
	for i, req := range reqs {
		res, err := c.Compute(ctx, req)
		if err != nil {
			return Estimate{}, fmt.Errorf("item %d: %w", i, err)
		}
		est.Items = append(est.Items, res)
		est.TotalSubtotal = est.TotalSubtotal.Add(res.Subtotal)
		est.InsurancePays = est.InsurancePays.Add(res.InsurancePays)
		est.PatientPays = est.PatientPays.Add(res.PatientPays)
		if !res.IsCovered {
			est.Uncovered++
		}
		if res.RequiresPreauthorization {
			est.NeedsPreauth++
		}
	}
	return est, nil
}
