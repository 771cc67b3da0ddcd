package order

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	"main/internal/exchange"
	"main/pkg/exception"
)

// tickBrackets submits protective children for brackets whose entry has
// filled and deactivates brackets whose entry died. Each child is
// placed at most once; the flag flips before the attempt so a timeout
// can never cause a duplicate child.
func (m *Manager) tickBrackets(ctx context.Context) {
	m.mu.Lock()
	type pending struct {
		bracket *Bracket
		child   *Order
		stop    bool
	}
	var due []pending
	for _, b := range m.brackets {
		if !b.Active {
			continue
		}
		switch b.Entry.Status {
		case StatusFilled:
			if b.StopLoss != nil && !b.stopPlaced {
				b.stopPlaced = true
				due = append(due, pending{b, b.StopLoss, true})
			}
			if b.TakeProfit != nil && !b.targetPlaced {
				b.targetPlaced = true
				due = append(due, pending{b, b.TakeProfit, false})
			}
		case StatusCancelled, StatusRejected, StatusExpired:
			b.Active = false
		}
	}
	m.mu.Unlock()

	for _, p := range due {
		if err := m.submitChild(ctx, p.bracket, p.child); err != nil {
			logs.Errorf("bracket %s child submit failed: %v", p.bracket.ID, err)
		}
	}
}

// submitChild transmits a bracket child directly. Children protect an
// already risk-approved position, so they bypass the gates.
func (m *Manager) submitChild(ctx context.Context, b *Bracket, child *Order) error {
	_, err := m.client.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol:        child.Symbol,
		Side:          child.Side.String(),
		Type:          child.Type.String(),
		Quantity:      child.Quantity,
		Price:         child.Price,
		StopPrice:     child.StopPrice,
		TimeInForce:   "GTC",
		ClientOrderID: child.ClientOrderID,
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case err == nil, errors.Is(err, exception.ErrExchangeOutcomeUnknown):
		m.orders[child.ID] = child
		if terr := transition(child, StatusSubmitted, m.now()); terr != nil {
			return terr
		}
		logs.Infof("bracket %s placed %s child %s", b.ID, child.Type, child.ID)
		return err
	default:
		child.RejectReason = err.Error()
		child.Status = StatusRejected
		m.orders[child.ID] = child
		m.finalizeLocked(ctx, child, AuditOrderTerminal)
		return err
	}
}

// tickConditionals polls trigger prices and submits any conditional
// whose condition holds. Triggered flips under the lock before the
// submit, so the underlying order is placed exactly once. Conditionals
// gated on an entry order stay dormant until that entry fills; when one
// leg of an OCO group triggers, the siblings are dropped.
func (m *Manager) tickConditionals(ctx context.Context) {
	if m.source == nil {
		return
	}

	m.mu.Lock()
	watch := make([]*Conditional, 0, len(m.conditionals))
	for _, c := range m.conditionals {
		if !c.Triggered {
			watch = append(watch, c)
		}
	}
	m.mu.Unlock()

	for _, c := range watch {
		if c.ArmOrderID != "" && !m.armConditional(c) {
			continue
		}

		q, err := m.source.Quote(ctx, c.TriggerSymbol)
		if err != nil {
			continue
		}
		if !conditionMet(c.Kind, q.Mid(), c.Threshold) {
			continue
		}

		m.mu.Lock()
		if c.Triggered {
			m.mu.Unlock()
			continue
		}
		c.Triggered = true
		m.mu.Unlock()

		id, err := m.Submit(ctx, c.Request)
		if err != nil && !errors.Is(err, exception.ErrExchangeOutcomeUnknown) {
			logs.Errorf("conditional %s trigger submit failed: %v", c.ID, err)
		}
		m.mu.Lock()
		c.OrderID = id
		delete(m.conditionals, c.ID)
		if c.OCOGroup != "" {
			for siblingID, sibling := range m.conditionals {
				if sibling.OCOGroup == c.OCOGroup {
					delete(m.conditionals, siblingID)
				}
			}
		}
		m.mu.Unlock()
		logs.Infof("conditional %s triggered, order %s", c.ID, id)
	}
}

// armConditional reports whether a fill-gated conditional may fire. An
// entry that died unfilled drops the conditional; a partial entry clamps
// the exit to the quantity actually held.
func (m *Manager) armConditional(c *Conditional) bool {
	entry, err := m.Status(c.ArmOrderID)
	if err != nil {
		return false
	}
	if entry.FilledQty.Sign() <= 0 {
		if entry.Status.IsTerminal() {
			m.mu.Lock()
			delete(m.conditionals, c.ID)
			m.mu.Unlock()
			logs.Infof("conditional %s dropped, entry %s ended unfilled", c.ID, c.ArmOrderID)
		}
		return false
	}
	m.mu.Lock()
	if entry.FilledQty.LessThan(c.Request.Quantity) {
		c.Request.Quantity = entry.FilledQty
	}
	m.mu.Unlock()
	return true
}

func conditionMet(kind ConditionKind, price, threshold decimal.Decimal) bool {
	switch kind {
	case ConditionPriceAbove:
		return price.GreaterThan(threshold)
	case ConditionPriceBelow:
		return price.LessThan(threshold)
	default:
		return false
	}
}

// tickReconcile queries the exchange for every transmitted non-terminal
// order and folds the authoritative state back in. This settles orders
// whose submission timed out with an unknown outcome.
func (m *Manager) tickReconcile(ctx context.Context) {
	m.mu.Lock()
	open := make([]*Order, 0, len(m.orders))
	for _, o := range m.orders {
		if isAlgo(o.Type) || o.Status.IsTerminal() || o.Status == StatusPending {
			continue
		}
		open = append(open, o)
	}
	m.mu.Unlock()

	for _, o := range open {
		result, err := m.client.QueryOrder(ctx, o.Symbol, o.ClientOrderID)
		if err != nil {
			logs.Warnf("reconcile query %s failed: %v", o.ID, err)
			continue
		}
		m.mu.Lock()
		m.syncResultLocked(o, result)
		m.mu.Unlock()
	}
}

// syncResultLocked folds an exchange order view into the local order.
// Fill deltas route through applyFill so the FSM and risk book stay
// consistent.
func (m *Manager) syncResultLocked(o *Order, result exchange.OrderResult) {
	if o.Status.IsTerminal() {
		return
	}

	delta := result.ExecutedQty.Sub(o.FilledQty)
	if delta.Sign() > 0 && result.AvgPrice.Sign() > 0 {
		// Approximate the delta price with the exchange average; exact
		// per-fill prices are not reported by the query endpoint.
		if err := applyFill(o, delta, result.AvgPrice, m.now()); err != nil {
			logs.Warnf("reconcile fill %s: %v", o.ID, err)
		} else {
			m.riskGate.ApplyFill(o.Symbol, o.Side.String(), delta, result.AvgPrice)
			if o.Status.IsTerminal() {
				m.finalizeLocked(context.Background(), o, AuditOrderTerminal)
				return
			}
		}
	}

	var next Status
	switch result.Status {
	case "CANCELED", "CANCELLED":
		next = StatusCancelled
	case "REJECTED":
		next = StatusRejected
	case "EXPIRED":
		next = StatusExpired
	default:
		return
	}
	if err := transition(o, next, m.now()); err == nil {
		m.finalizeLocked(context.Background(), o, AuditOrderTerminal)
	}
}
