package order

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Side buy, sell
type Side uint8

const (
	_side_beg Side = iota
	SideBuy
	SideSell
	_side_end
)

func (s Side) IsAvailable() bool {
	return s > _side_beg && s < _side_end
}

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "BUY"
	case SideSell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// Type market, limit, stop loss, take profit, iceberg, twap, vwap
type Type uint8

const (
	_type_beg Type = iota
	TypeMarket
	TypeLimit
	TypeStopLoss
	TypeStopLossLimit
	TypeTakeProfit
	TypeTakeProfitLimit
	TypeIceberg
	TypeTWAP
	TypeVWAP
	_type_end
)

func (t Type) IsAvailable() bool {
	return t > _type_beg && t < _type_end
}

func (t Type) String() string {
	switch t {
	case TypeMarket:
		return "MARKET"
	case TypeLimit:
		return "LIMIT"
	case TypeStopLoss:
		return "STOP_LOSS"
	case TypeStopLossLimit:
		return "STOP_LOSS_LIMIT"
	case TypeTakeProfit:
		return "TAKE_PROFIT"
	case TypeTakeProfitLimit:
		return "TAKE_PROFIT_LIMIT"
	case TypeIceberg:
		return "ICEBERG"
	case TypeTWAP:
		return "TWAP"
	case TypeVWAP:
		return "VWAP"
	default:
		return "UNKNOWN"
	}
}

// RequiresPrice reports whether orders of this type must carry a limit
// price.
func (t Type) RequiresPrice() bool {
	switch t {
	case TypeLimit, TypeStopLossLimit, TypeTakeProfitLimit:
		return true
	default:
		return false
	}
}

// Status pending, submitted, partially filled, filled, cancelled,
// rejected, expired
type Status uint8

const (
	_status_beg Status = iota
	StatusPending
	StatusSubmitted
	StatusPartiallyFilled
	StatusFilled
	StatusCancelled
	StatusRejected
	StatusExpired
	_status_end
)

func (s Status) IsAvailable() bool {
	return s > _status_beg && s < _status_end
}

func (s Status) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired:
		return true
	default:
		return false
	}
}

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusSubmitted:
		return "SUBMITTED"
	case StatusPartiallyFilled:
		return "PARTIALLY_FILLED"
	case StatusFilled:
		return "FILLED"
	case StatusCancelled:
		return "CANCELLED"
	case StatusRejected:
		return "REJECTED"
	case StatusExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// Request is an order submission before it becomes a tracked Order.
type Request struct {
	Symbol    string
	Side      Side
	Type      Type
	Quantity  decimal.Decimal
	Price     decimal.Decimal
	StopPrice decimal.Decimal
	Strategy  string
}

// Order is the manager's authoritative view of one order. Identity and
// status transitions are owned exclusively by the Manager; other
// components receive copies.
type Order struct {
	ID            string
	ClientOrderID string
	Symbol        string
	Side          Side
	Type          Type
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	StopPrice     decimal.Decimal
	Status        Status
	FilledQty     decimal.Decimal
	AvgFillPrice  decimal.Decimal
	Strategy      string
	RejectReason  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func newOrder(req Request, now time.Time) *Order {
	id := uuid.NewString()
	return &Order{
		ID:            id,
		ClientOrderID: "eng_" + id[:8],
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Quantity:      req.Quantity,
		Price:         req.Price,
		StopPrice:     req.StopPrice,
		Status:        StatusPending,
		Strategy:      req.Strategy,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Bracket is an entry order plus optional protective children. Children
// are transmitted only after the entry fills, each at most once.
type Bracket struct {
	ID           string
	Entry        *Order
	StopLoss     *Order
	TakeProfit   *Order
	Active       bool
	stopPlaced   bool
	targetPlaced bool
}

// ConditionKind price above, price below
type ConditionKind uint8

const (
	_condition_kind_beg ConditionKind = iota
	ConditionPriceAbove
	ConditionPriceBelow
	_condition_kind_end
)

func (k ConditionKind) IsAvailable() bool {
	return k > _condition_kind_beg && k < _condition_kind_end
}

func (k ConditionKind) String() string {
	switch k {
	case ConditionPriceAbove:
		return "PRICE_ABOVE"
	case ConditionPriceBelow:
		return "PRICE_BELOW"
	default:
		return "UNKNOWN"
	}
}

// Conditional holds an order submitted only once its trigger condition
// on the watched symbol is met. The triggered flag flips exactly once.
// A non-empty ArmOrderID keeps the conditional dormant until that order
// reports a fill; conditionals sharing an OCOGroup drop each other when
// one triggers.
type Conditional struct {
	ID            string
	Request       Request
	TriggerSymbol string
	Kind          ConditionKind
	Threshold     decimal.Decimal
	ArmOrderID    string
	OCOGroup      string
	Triggered     bool
	OrderID       string
}
