package shared

import "github.com/shopspring/decimal"

// Money carries an amount in both billing denominations. Rates and charge
// amounts arrive already valued in both currencies by the pricing collaborator,
// so the engine never converts between them.
type Money struct {
	USD   decimal.Decimal
	Local decimal.Decimal
}

// NewMoney builds a Money from string amounts, ignoring parse failures by
// substituting zero. Intended for literals in tests and seeds.
func NewMoney(usd, local string) Money {
	u, _ := decimal.NewFromString(usd)
	l, _ := decimal.NewFromString(local)
	return Money{USD: u, Local: l}
}

// Add returns the component-wise sum.
func (m Money) Add(o Money) Money {
	return Money{USD: m.USD.Add(o.USD), Local: m.Local.Add(o.Local)}
}

// Sub returns the component-wise difference.
func (m Money) Sub(o Money) Money {
	return Money{USD: m.USD.Sub(o.USD), Local: m.Local.Sub(o.Local)}
}

// Neg returns the negated amount.
func (m Money) Neg() Money {
	return Money{USD: m.USD.Neg(), Local: m.Local.Neg()}
}

// MulInt scales both denominations by n.
func (m Money) MulInt(n int) Money {
	f := decimal.NewFromInt(int64(n))
	return Money{USD: m.USD.Mul(f), Local: m.Local.Mul(f)}
}

// Equal reports exact equality in both denominations.
func (m Money) Equal(o Money) bool {
	return m.USD.Equal(o.USD) && m.Local.Equal(o.Local)
}

// IsZero reports whether both denominations are zero.
func (m Money) IsZero() bool {
	return m.USD.IsZero() && m.Local.IsZero()
}

// IsNegative reports whether either denomination is negative.
func (m Money) IsNegative() bool {
	return m.USD.IsNegative() || m.Local.IsNegative()
}
