package catalog

// Interval is a plan's billing interval
type Interval string

const (
	IntervalOneTime Interval = "one_time"
	IntervalMonth   Interval = "month"
	IntervalYear    Interval = "year"
)

// Plan is an immutable catalog entry. PriceCents is the face price charged
// per interval; GatewayPriceID, when set, points at a pre-provisioned price
// object at the payment gateway (otherwise one is created on demand).
type Plan struct {
	ID             string   `json:"id"`
	DisplayName    string   `json:"display_name"`
	PriceCents     int64    `json:"price_cents"`
	Interval       Interval `json:"interval"`
	Recurring      bool     `json:"recurring"`
	GatewayPriceID string   `json:"-"`
}

// MonthlyEquivalentCents normalizes a plan's price to a per-month figure.
// One-time and monthly plans use their face price; yearly plans divide by 12.
func (p Plan) MonthlyEquivalentCents() int64 {
	if p.Interval == IntervalYear {
		return p.PriceCents / 12
	}
	return p.PriceCents
}

// Catalog is a static registry of plans
type Catalog struct {
	plans map[string]Plan
	order []string
}

// New builds a catalog from the given plans, preserving order for listings
func New(plans ...Plan) *Catalog {
	c := &Catalog{plans: make(map[string]Plan, len(plans))}
	for _, p := range plans {
		if _, exists := c.plans[p.ID]; exists {
			continue
		}
		c.plans[p.ID] = p
		c.order = append(c.order, p.ID)
	}
	return c
}

// Get returns a plan by id
func (c *Catalog) Get(id string) (Plan, bool) {
	p, ok := c.plans[id]
	return p, ok
}

// List returns all plans in registration order
func (c *Catalog) List() []Plan {
	out := make([]Plan, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.plans[id])
	}
	return out
}

// SetGatewayPriceID overrides the gateway price ref for a plan, typically
// from environment configuration at startup.
func (c *Catalog) SetGatewayPriceID(planID, priceID string) {
	if p, ok := c.plans[planID]; ok {
		p.GatewayPriceID = priceID
		c.plans[planID] = p
	}
}

// Default returns the binblast service plans
func Default() *Catalog {
	return New(
		Plan{ID: "single-clean", DisplayName: "One-Time Clean", PriceCents: 4500, Interval: IntervalOneTime, Recurring: false},
		Plan{ID: "monthly-1bin", DisplayName: "1 Bin Monthly", PriceCents: 3500, Interval: IntervalMonth, Recurring: true},
		Plan{ID: "monthly-2bin", DisplayName: "2 Bins Monthly", PriceCents: 6500, Interval: IntervalMonth, Recurring: true},
		Plan{ID: "yearly-1bin", DisplayName: "1 Bin Yearly", PriceCents: 37800, Interval: IntervalYear, Recurring: true},
		Plan{ID: "yearly-2bin", DisplayName: "2 Bins Yearly", PriceCents: 70200, Interval: IntervalYear, Recurring: true},
	)
}
