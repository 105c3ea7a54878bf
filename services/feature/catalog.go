package feature

import (
	"time"

	"github.com/shopspring/decimal"
)

type Tier string

const (
	TierStudent            Tier = "student"
	TierStartup            Tier = "startup"
	TierProfessional       Tier = "professional"
	TierProfessionalYearly Tier = "professional_yearly"
	TierEnterprise         Tier = "enterprise"
	TierEnterpriseYearly   Tier = "enterprise_yearly"
)

type Interval string

const (
	IntervalMonth Interval = "month"
	IntervalYear  Interval = "year"
)

// Plan is the pricing side of a tier.
type Plan struct {
	Tier        Tier     `json:"license_type"`
	DisplayName string   `json:"name"`
	PriceCents  int64    `json:"price_cents"`
	Interval    Interval `json:"interval"`
}

// Price returns the plan price in currency units.
func (p Plan) Price() decimal.Decimal {
	return decimal.New(p.PriceCents, -2)
}

// AnnualPrice normalizes monthly plans to twelve periods.
func (p Plan) AnnualPrice() decimal.Decimal {
	if p.Interval == IntervalMonth {
		return p.Price().Mul(decimal.NewFromInt(12))
	}
	return p.Price()
}

var plans = map[Tier]Plan{
	TierStudent:            {Tier: TierStudent, DisplayName: "Student License", PriceCents: 4900, Interval: IntervalYear},
	TierStartup:            {Tier: TierStartup, DisplayName: "Startup License", PriceCents: 9900, Interval: IntervalMonth},
	TierProfessional:       {Tier: TierProfessional, DisplayName: "Professional License", PriceCents: 19900, Interval: IntervalMonth},
	TierProfessionalYearly: {Tier: TierProfessionalYearly, DisplayName: "Professional License (Yearly)", PriceCents: 199900, Interval: IntervalYear},
	TierEnterprise:         {Tier: TierEnterprise, DisplayName: "Enterprise License", PriceCents: 49900, Interval: IntervalMonth},
	TierEnterpriseYearly:   {Tier: TierEnterpriseYearly, DisplayName: "Enterprise License (Yearly)", PriceCents: 499900, Interval: IntervalYear},
}

var tierOrder = []Tier{
	TierStudent,
	TierStartup,
	TierProfessional,
	TierProfessionalYearly,
	TierEnterprise,
	TierEnterpriseYearly,
}

// Tiers returns every known tier in catalog order.
func Tiers() []Tier {
	out := make([]Tier, len(tierOrder))
	copy(out, tierOrder)
	return out
}

func ParseTier(s string) (Tier, bool) {
	t := Tier(s)
	return t, t.Valid()
}

func (t Tier) Valid() bool {
	_, ok := plans[t]
	return ok
}

func (t Tier) String() string {
	return string(t)
}

func PlanFor(t Tier) (Plan, bool) {
	p, ok := plans[t]
	return p, ok
}

// Plans returns the pricing table in catalog order.
func Plans() []Plan {
	out := make([]Plan, 0, len(tierOrder))
	for _, t := range tierOrder {
		out = append(out, plans[t])
	}
	return out
}

// PeriodMonths is the billing period of a tier. Unknown tiers bill monthly.
func PeriodMonths(t Tier) int {
	if p, ok := plans[t]; ok && p.Interval == IntervalYear {
		return 12
	}
	return 1
}

// Extend moves from forward by the tier's billing period in calendar units.
func Extend(t Tier, from time.Time) time.Time {
	return ExtendMonths(from, PeriodMonths(t))
}

func ExtendMonths(from time.Time, months int) time.Time {
	return from.AddDate(0, months, 0)
}
