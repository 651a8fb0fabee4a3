package domain

import "github.com/quantedge/tradepipe/pkg/money"

// Decimal is the fixed-precision type used for every price, quantity,
// and probability field in the domain model. Aliased here so entity
// structs in this package don't need to import pkg/money directly.
type Decimal = money.Decimal

// NewFromFloat and NewFromString forward to pkg/money's constructors.
func NewFromFloat(f float64) Decimal { return money.NewFromFloat(f) }

func NewFromString(s string) (Decimal, error) { return money.NewFromString(s) }

// Zero is the additive identity Decimal.
var Zero = money.Zero
