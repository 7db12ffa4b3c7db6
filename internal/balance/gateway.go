// Package balance is the engine's view of the external profile/balance
// service: read a user's point balance, apply entry-fee deductions.
// Remote calls can fail or time out; callers must never commit state
// changes when a balance check could not be completed.
package balance

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// ErrUnavailable wraps transport or payload failures from the balance
// service. The enclosing operation aborts with no partial mutation.
var ErrUnavailable = errors.New("balance: service unavailable")

// DeductionReport is the outcome of a best-effort batch fee deduction.
// Per-user failures do not roll back deductions already applied to other
// users; there is no distributed transaction.
type DeductionReport struct {
	Deducted []int64         `json:"deducted"`
	Failed   map[int64]error `json:"-"`
}

// Gateway is the external balance capability consumed by the registry.
type Gateway interface {
	// Balance returns the user's current point balance.
	Balance(ctx context.Context, userID int64) (decimal.Decimal, error)

	// DeductFee applies the fee to each user, best effort. The report
	// carries both successes and per-user failures.
	DeductFee(ctx context.Context, userIDs []int64, fee decimal.Decimal) (DeductionReport, error)
}
