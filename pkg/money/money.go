// Package money provides the fixed-precision decimal type used for every
// price, quantity, and probability field in the trading pipeline.
//
// Faithful translation of the normalization rules in spec.md §4.4 and
// §6: prices are DECIMAL(18,2), probabilities/scores are DECIMAL(10,4),
// and zone/signal prices are normalized with ROUND_HALF_EVEN before
// being persisted or compared.
package money

import (
	"database/sql/driver"
	"fmt"

	"github.com/shopspring/decimal"
)

// Decimal wraps shopspring/decimal so the rest of the codebase never
// imports it directly — a narrow boundary type for every monetary
// value in the domain model.
type Decimal struct {
	decimal.Decimal
}

// NewFromFloat builds a Decimal from a float64 literal (config values,
// test fixtures). Internal computation should prefer NewFromString or
// arithmetic on existing Decimals to avoid binary-float round trips.
func NewFromFloat(f float64) Decimal {
	return Decimal{decimal.NewFromFloat(f)}
}

// NewFromString parses a decimal literal, e.g. from a broker payload.
func NewFromString(s string) (Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Decimal{}, fmt.Errorf("money: parse %q: %w", s, err)
	}
	return Decimal{d}, nil
}

// Zero is the additive identity.
var Zero = Decimal{decimal.Zero}

// RoundPrice normalizes to DECIMAL(18,2) using ROUND_HALF_EVEN
// (banker's rounding), per spec §4.4's "normalize all prices to 2
// decimal places (ROUND_HALF_EVEN)".
func (d Decimal) RoundPrice() Decimal {
	return Decimal{d.Decimal.RoundBank(2)}
}

// RoundScore normalizes to DECIMAL(10,4), used for pWin/pFill/kelly and
// confluence scores.
func (d Decimal) RoundScore() Decimal {
	return Decimal{d.Decimal.RoundBank(4)}
}

func (d Decimal) Add(o Decimal) Decimal { return Decimal{d.Decimal.Add(o.Decimal)} }
func (d Decimal) Sub(o Decimal) Decimal { return Decimal{d.Decimal.Sub(o.Decimal)} }
func (d Decimal) Mul(o Decimal) Decimal { return Decimal{d.Decimal.Mul(o.Decimal)} }
func (d Decimal) Div(o Decimal) Decimal { return Decimal{d.Decimal.Div(o.Decimal)} }
func (d Decimal) Neg() Decimal          { return Decimal{d.Decimal.Neg()} }
func (d Decimal) Abs() Decimal          { return Decimal{d.Decimal.Abs()} }

func (d Decimal) GreaterThan(o Decimal) bool      { return d.Decimal.GreaterThan(o.Decimal) }
func (d Decimal) GreaterThanOrEqual(o Decimal) bool { return d.Decimal.GreaterThanOrEqual(o.Decimal) }
func (d Decimal) LessThan(o Decimal) bool         { return d.Decimal.LessThan(o.Decimal) }
func (d Decimal) LessThanOrEqual(o Decimal) bool  { return d.Decimal.LessThanOrEqual(o.Decimal) }
func (d Decimal) Equal(o Decimal) bool            { return d.Decimal.Equal(o.Decimal) }
func (d Decimal) IsZero() bool                    { return d.Decimal.IsZero() }
func (d Decimal) IsNegative() bool                { return d.Decimal.IsNegative() }
func (d Decimal) IsPositive() bool                { return d.Decimal.IsPositive() }

// InlineFloat returns the float64 approximation for use in non-monetary
// math (Kelly fractions, utility curves) where spec.md's formulas are
// expressed over real numbers rather than fixed-point decimals.
func (d Decimal) InlineFloat() float64 {
	f, _ := d.Decimal.Float64()
	return f
}

// Value implements driver.Valuer for database/sql, storing as TEXT so
// no precision is lost round-tripping through SQLite.
func (d Decimal) Value() (driver.Value, error) {
	return d.Decimal.String(), nil
}

// Scan implements sql.Scanner.
func (d *Decimal) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		d.Decimal = decimal.Zero
		return nil
	case string:
		parsed, err := decimal.NewFromString(v)
		if err != nil {
			return fmt.Errorf("money: scan %q: %w", v, err)
		}
		d.Decimal = parsed
		return nil
	case []byte:
		parsed, err := decimal.NewFromString(string(v))
		if err != nil {
			return fmt.Errorf("money: scan %q: %w", v, err)
		}
		d.Decimal = parsed
		return nil
	case float64:
		d.Decimal = decimal.NewFromFloat(v)
		return nil
	case int64:
		d.Decimal = decimal.NewFromInt(v)
		return nil
	default:
		return fmt.Errorf("money: unsupported scan source %T", src)
	}
}

func (d Decimal) String() string {
	return d.Decimal.String()
}
