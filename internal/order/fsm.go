package order

import (
	"time"

	"github.com/shopspring/decimal"
	yerrors "github.com/yanun0323/errors"

	"main/pkg/exception"
)

// canTransition is the single source of truth for the order lifecycle.
// Terminal statuses accept no further transitions.
func canTransition(from, to Status) bool {
	if from.IsTerminal() {
		return false
	}
	switch from {
	case StatusPending:
		switch to {
		case StatusSubmitted, StatusRejected, StatusCancelled:
			return true
		}
	case StatusSubmitted:
		switch to {
		case StatusPartiallyFilled, StatusFilled, StatusCancelled, StatusRejected, StatusExpired:
			return true
		}
	case StatusPartiallyFilled:
		switch to {
		case StatusPartiallyFilled, StatusFilled, StatusCancelled, StatusExpired:
			return true
		}
	}
	return false
}

// transition applies a compare-and-set status change. The caller holds
// the manager lock, so at most one of a concurrent cancel and fill can
// observe a non-terminal status and win.
func transition(o *Order, to Status, now time.Time) error {
	if !canTransition(o.Status, to) {
		return yerrors.Wrap(exception.ErrOrderInvalidTransition,
			o.Status.String()+" -> "+to.String())
	}
	o.Status = to
	o.UpdatedAt = now
	return nil
}

// applyFill folds an execution into the order and advances the status.
// FilledQty never exceeds Quantity; AvgFillPrice is defined only once
// FilledQty is positive.
func applyFill(o *Order, qty, price decimal.Decimal, now time.Time) error {
	if o.Status.IsTerminal() {
		return yerrors.Wrap(exception.ErrOrderTerminal, o.Status.String())
	}
	if qty.Sign() <= 0 || price.Sign() <= 0 {
		return exception.ErrOrderInvalidFill
	}
	remaining := o.Quantity.Sub(o.FilledQty)
	if qty.GreaterThan(remaining) {
		return yerrors.Wrap(exception.ErrOrderInvalidFill, "fill exceeds remaining quantity")
	}

	notional := o.AvgFillPrice.Mul(o.FilledQty).Add(price.Mul(qty))
	o.FilledQty = o.FilledQty.Add(qty)
	o.AvgFillPrice = notional.Div(o.FilledQty)

	next := StatusPartiallyFilled
	if o.FilledQty.Equal(o.Quantity) {
		next = StatusFilled
	}
	return transition(o, next, now)
}
