package reward

import "github.com/shopspring/decimal"

// DefaultRate tokens granted per ingested data point (0.1 $TA)
var DefaultRate = decimal.New(1, -1)

// Calculator maps a data-point count to a token amount. Pure; safe for concurrent use.
type Calculator struct {
	rate decimal.Decimal
}

// NewCalculator a non-positive rate falls back to DefaultRate
func NewCalculator(rate decimal.Decimal) *Calculator {
	if !rate.IsPositive() {
		rate = DefaultRate
	}
	return &Calculator{rate: rate}
}

func (c *Calculator) Rate() decimal.Decimal {
	return c.rate
}

// Calculate returns dataPoints × rate; zero or negative counts earn nothing
func (c *Calculator) Calculate(dataPoints int) decimal.Decimal {
	if dataPoints <= 0 {
		return decimal.Zero
	}
	return c.rate.Mul(decimal.NewFromInt(int64(dataPoints)))
}
