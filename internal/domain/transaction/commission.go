package transaction

import "github.com/shopspring/decimal"

// CommissionRate is the platform fee charged on top of the deal amount.
const CommissionRate = "0.05"

var (
	commissionRate = decimal.RequireFromString(CommissionRate)
	hundred        = decimal.NewFromInt(100)
)

// Commission returns round(amount * CommissionRate, 2).
func Commission(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(commissionRate).Round(2)
}

// Total returns amount plus its commission.
func Total(amount decimal.Decimal) decimal.Decimal {
	amount = amount.Round(2)
	return amount.Add(Commission(amount))
}

// MinorUnits converts a major-unit amount to the gateway's minor units.
func MinorUnits(v decimal.Decimal) int64 {
	return v.Mul(hundred).Round(0).IntPart()
}
