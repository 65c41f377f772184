package executor

import "upbit-trading-bot/internal/database"

// fifoHistoryLimit bounds the trade history reconstructed for lot matching.
const fifoHistoryLimit = 200

type lot struct {
	quantity float64
	price    float64
}

// fifoPnL computes realized PnL for a SELL by matching its quantity against
// the oldest open BUY lots in the per-market trade history. history arrives
// newest first. Returns ok=false when no cost basis can be reconstructed.
func fifoPnL(history []database.Trade, sellQty, sellPrice, fee float64) (pnl, pnlPercent float64, ok bool) {
	if sellQty <= 0 || sellPrice <= 0 {
		return 0, 0, false
	}

	// Replay oldest-to-newest: earlier sells consume earlier buy lots, so
	// what remains is the open inventory this sell closes against.
	var lots []lot
	for i := len(history) - 1; i >= 0; i-- {
		t := history[i]
		switch t.Side {
		case SideBuy:
			lots = append(lots, lot{quantity: t.Quantity, price: t.Price})
		case SideSell:
			remaining := t.Quantity
			for remaining > 0 && len(lots) > 0 {
				if lots[0].quantity <= remaining {
					remaining -= lots[0].quantity
					lots = lots[1:]
				} else {
					lots[0].quantity -= remaining
					remaining = 0
				}
			}
		}
	}

	var cost, matched float64
	remaining := sellQty
	for remaining > 0 && len(lots) > 0 {
		take := lots[0].quantity
		if take > remaining {
			take = remaining
		}
		cost += take * lots[0].price
		matched += take
		remaining -= take
		if take == lots[0].quantity {
			lots = lots[1:]
		} else {
			lots[0].quantity -= take
		}
	}

	if matched <= 0 || cost <= 0 {
		return 0, 0, false
	}

	proceeds := matched * sellPrice
	pnl = proceeds - cost - fee
	pnlPercent = pnl / cost * 100
	return pnl, pnlPercent, true
}
