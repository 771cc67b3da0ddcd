package exec

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	yerrors "github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/exchange"
	"main/internal/market"
	"main/internal/order"
	"main/pkg/exception"
)

const (
	algoMarket  = "MARKET"
	algoLimit   = "LIMIT"
	algoIceberg = "ICEBERG"
	algoTWAP    = "TWAP"
	algoVWAP    = "VWAP"
)

const (
	icebergVisibleRatio = 0.1
	icebergShrinkFactor = 0.8
	maxTWAPSlices       = 20
	maxIcebergStalls    = 3
)

// execute selects and runs the algorithm for one queued order. An order
// cancelled between admission and drain is dropped here without ever
// reaching the exchange.
func (e *Engine) execute(ctx context.Context, ex *execution) error {
	if !e.orderLive(ex.orderID) {
		logs.Infof("execution %s skipped, order already settled", ex.orderID)
		return nil
	}

	q, err := e.source.Quote(ctx, ex.req.Symbol)
	if err != nil {
		e.failOrder(ctx, ex)
		return yerrors.Wrap(exception.ErrMarketDataUnavailable, err.Error())
	}

	switch e.selectAlgorithm(ex, q) {
	case algoMarket:
		return e.executeMarket(ctx, ex)
	case algoIceberg:
		return e.executeIceberg(ctx, ex)
	case algoTWAP:
		return e.executeTWAP(ctx, ex)
	case algoVWAP:
		return e.executeVWAP(ctx, ex)
	default:
		return e.executeLimit(ctx, ex, q)
	}
}

// selectAlgorithm maps a request onto an execution algorithm. Explicit
// algo types are honored; plain orders are routed by urgency, size
// against visible liquidity, and liquidity score.
func (e *Engine) selectAlgorithm(ex *execution, q market.Quote) string {
	switch ex.req.Type {
	case order.TypeIceberg:
		return algoIceberg
	case order.TypeTWAP:
		return algoTWAP
	case order.TypeVWAP:
		return algoVWAP
	}
	if ex.req.Urgency > 0.8 {
		return algoMarket
	}
	if visible := q.VisibleLiquidity(); visible.Sign() > 0 && q.LiquidityScore(ex.req.Quantity) < 1 {
		return algoIceberg
	}
	// A crossed or locked book leaves no passive edge to earn.
	if ex.req.Type == order.TypeMarket || q.Spread().Sign() <= 0 {
		return algoMarket
	}
	return algoLimit
}

// failOrder cancels an order whose execution cannot proceed.
func (e *Engine) failOrder(ctx context.Context, ex *execution) {
	if _, err := e.manager.Cancel(ctx, ex.orderID); err != nil {
		logs.Warnf("cancel failed order %s: %v", ex.orderID, err)
	}
}

// orderLive reports whether the managed order may still be worked.
func (e *Engine) orderLive(id string) bool {
	o, err := e.manager.Status(id)
	return err == nil && !o.Status.IsTerminal()
}

func (e *Engine) executeMarket(ctx context.Context, ex *execution) error {
	result, err := e.client.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol:        ex.req.Symbol,
		Side:          ex.req.Side.String(),
		Type:          "MARKET",
		Quantity:      ex.req.Quantity,
		ClientOrderID: ex.clientID,
	})
	if err != nil {
		return err
	}
	if result.ExecutedQty.Sign() > 0 {
		if ferr := e.manager.ApplyFill(ctx, ex.orderID, result.ExecutedQty, result.AvgPrice); ferr != nil {
			logs.Warnf("apply fill %s: %v", ex.orderID, ferr)
		}
	}
	e.complete(ctx, ex, algoMarket, result.ExecutedQty, result.ExecutedQty.Mul(result.AvgPrice))
	return nil
}

// executeLimit places a single resting limit order on the passive side
// of the book. Any immediately crossing quantity fills now; the rest
// rests at the exchange and settles via reconciliation.
func (e *Engine) executeLimit(ctx context.Context, ex *execution, q market.Quote) error {
	price := ex.req.Price
	if price.Sign() <= 0 {
		if ex.req.Side == order.SideBuy {
			price = q.Bid
		} else {
			price = q.Ask
		}
	}

	result, err := e.client.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol:        ex.req.Symbol,
		Side:          ex.req.Side.String(),
		Type:          "LIMIT",
		Quantity:      ex.req.Quantity,
		Price:         price,
		TimeInForce:   "GTC",
		ClientOrderID: ex.clientID,
	})
	if err != nil {
		return err
	}
	if result.ExecutedQty.Sign() > 0 {
		if ferr := e.manager.ApplyFill(ctx, ex.orderID, result.ExecutedQty, result.AvgPrice); ferr != nil {
			logs.Warnf("apply fill %s: %v", ex.orderID, ferr)
		}
	}
	e.complete(ctx, ex, algoLimit, result.ExecutedQty, result.ExecutedQty.Mul(result.AvgPrice))
	return nil
}

// executeIceberg reveals roughly 10% of the quantity per slice and
// shrinks the visible size when a slice fills under half, backing off
// before the next reveal.
func (e *Engine) executeIceberg(ctx context.Context, ex *execution) error {
	visible := ex.req.Quantity.Mul(decimal.NewFromFloat(icebergVisibleRatio))
	remaining := ex.req.Quantity
	filled := decimal.Zero
	notional := decimal.Zero
	half := decimal.NewFromFloat(0.5)
	stalls := 0
	slice := 0

	for remaining.Sign() > 0 && stalls < maxIcebergStalls {
		if !e.orderLive(ex.orderID) {
			break
		}
		q, err := e.source.Quote(ctx, ex.req.Symbol)
		if err != nil {
			break
		}
		target := q.Ask
		if ex.req.Side == order.SideSell {
			target = q.Bid
		}

		sliceQty := decimal.Min(visible, remaining)
		slice++
		result, err := e.client.PlaceOrder(ctx, exchange.OrderRequest{
			Symbol:        ex.req.Symbol,
			Side:          ex.req.Side.String(),
			Type:          "LIMIT",
			Quantity:      sliceQty,
			Price:         target,
			TimeInForce:   "IOC",
			ClientOrderID: fmt.Sprintf("%s_i%d", ex.clientID, slice),
		})
		if err != nil {
			break
		}

		if result.ExecutedQty.Sign() > 0 {
			if ferr := e.manager.ApplyFill(ctx, ex.orderID, result.ExecutedQty, result.AvgPrice); ferr != nil {
				logs.Warnf("apply fill %s: %v", ex.orderID, ferr)
				break
			}
			filled = filled.Add(result.ExecutedQty)
			notional = notional.Add(result.ExecutedQty.Mul(result.AvgPrice))
			remaining = remaining.Sub(result.ExecutedQty)
			stalls = 0
		} else {
			stalls++
		}

		if remaining.Sign() <= 0 {
			break
		}
		if result.ExecutedQty.LessThan(sliceQty.Mul(half)) {
			visible = visible.Mul(decimal.NewFromFloat(icebergShrinkFactor))
			if !sleep(ctx, e.cfg.LowFillWait) {
				break
			}
		} else if !sleep(ctx, e.cfg.SliceWait) {
			break
		}
	}

	e.complete(ctx, ex, algoIceberg, filled, notional)
	return nil
}

// executeTWAP splits the quantity into at most 20 equal time slices,
// each transmitted as a market order against the then-current book.
func (e *Engine) executeTWAP(ctx context.Context, ex *execution) error {
	slices := int(e.cfg.TWAPDuration / time.Minute)
	if slices > maxTWAPSlices {
		slices = maxTWAPSlices
	}
	if slices < 1 {
		slices = 1
	}
	interval := e.cfg.TWAPDuration / time.Duration(slices)
	sliceQty := ex.req.Quantity.DivRound(decimal.NewFromInt(int64(slices)), 8)

	filled := decimal.Zero
	notional := decimal.Zero
	nearlyDone := ex.req.Quantity.Mul(decimal.NewFromFloat(0.99))

	for i := 0; i < slices; i++ {
		if !e.orderLive(ex.orderID) {
			break
		}
		qty := sliceQty
		if remaining := ex.req.Quantity.Sub(filled); qty.GreaterThan(remaining) || i == slices-1 {
			qty = remaining
		}
		if qty.Sign() <= 0 {
			break
		}

		result, err := e.client.PlaceOrder(ctx, exchange.OrderRequest{
			Symbol:        ex.req.Symbol,
			Side:          ex.req.Side.String(),
			Type:          "MARKET",
			Quantity:      qty,
			ClientOrderID: fmt.Sprintf("%s_t%d", ex.clientID, i+1),
		})
		if err != nil {
			logs.Warnf("twap slice %d for %s: %v", i+1, ex.orderID, err)
			break
		}
		if result.ExecutedQty.Sign() > 0 {
			if ferr := e.manager.ApplyFill(ctx, ex.orderID, result.ExecutedQty, result.AvgPrice); ferr != nil {
				logs.Warnf("apply fill %s: %v", ex.orderID, ferr)
				break
			}
			filled = filled.Add(result.ExecutedQty)
			notional = notional.Add(result.ExecutedQty.Mul(result.AvgPrice))
		}

		if filled.GreaterThanOrEqual(nearlyDone) {
			break
		}
		if i < slices-1 && !sleep(ctx, interval) {
			break
		}
	}

	e.complete(ctx, ex, algoTWAP, filled, notional)
	return nil
}

// executeVWAP splits the quantity across the symbol's volume profile,
// placing an IOC limit at each level's price.
func (e *Engine) executeVWAP(ctx context.Context, ex *execution) error {
	profile, err := e.source.VolumeProfile(ctx, ex.req.Symbol)
	if err != nil || len(profile) == 0 {
		e.failOrder(ctx, ex)
		return yerrors.Wrap(exception.ErrMarketDataUnavailable, "no volume profile")
	}

	filled := decimal.Zero
	notional := decimal.Zero
	for i, level := range profile {
		if !e.orderLive(ex.orderID) {
			break
		}
		qty := ex.req.Quantity.Mul(level.Weight)
		if remaining := ex.req.Quantity.Sub(filled); qty.GreaterThan(remaining) {
			qty = remaining
		}
		if qty.Sign() <= 0 {
			continue
		}

		result, err := e.client.PlaceOrder(ctx, exchange.OrderRequest{
			Symbol:        ex.req.Symbol,
			Side:          ex.req.Side.String(),
			Type:          "LIMIT",
			Quantity:      qty,
			Price:         level.Price,
			TimeInForce:   "IOC",
			ClientOrderID: fmt.Sprintf("%s_v%d", ex.clientID, i+1),
		})
		if err != nil {
			logs.Warnf("vwap slice %d for %s: %v", i+1, ex.orderID, err)
			continue
		}
		if result.ExecutedQty.Sign() > 0 {
			if ferr := e.manager.ApplyFill(ctx, ex.orderID, result.ExecutedQty, result.AvgPrice); ferr != nil {
				logs.Warnf("apply fill %s: %v", ex.orderID, ferr)
				break
			}
			filled = filled.Add(result.ExecutedQty)
			notional = notional.Add(result.ExecutedQty.Mul(result.AvgPrice))
		}

		if i < len(profile)-1 && !sleep(ctx, e.cfg.SliceWait) {
			break
		}
	}

	e.complete(ctx, ex, algoVWAP, filled, notional)
	return nil
}

// sleep waits for d unless the context ends first.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
