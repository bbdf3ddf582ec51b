package snapshot

import (
	"github.com/shopspring/decimal"

	"bookpipe/internal/domain"
)

// PriceLevel is one aggregated level with the tick price rendered as a
// decimal string.
type PriceLevel struct {
	Price    decimal.Decimal `json:"px"`
	Quantity uint64          `json:"qty"`
	Orders   int             `json:"orders"`
}

// BBO carries the best bid and ask, omitted when the side is empty.
type BBO struct {
	BestBid *decimal.Decimal `json:"best_bid,omitempty"`
	BestAsk *decimal.Decimal `json:"best_ask,omitempty"`
}

// BookInfo summarizes the full book behind the visible depth window.
type BookInfo struct {
	TotalOrders int `json:"total_orders"`
	BidLevels   int `json:"bid_levels"`
	AskLevels   int `json:"ask_levels"`
}

// MBP is the market-by-price rendering of a snapshot, one JSON line
// per write in the capture file.
type MBP struct {
	Symbol    string       `json:"symbol"`
	Sequence  uint64       `json:"seq"`
	Timestamp uint64       `json:"ts"`
	BBO       BBO          `json:"bbo"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Info      BookInfo     `json:"info"`
}

// Render converts a snapshot into its market-by-price form. Tick
// prices are scaled by 10^-scale, so ticks of 123450000000 at scale 9
// render as "123.45".
func Render(s *domain.Snapshot, scale int32) *MBP {
	m := &MBP{
		Symbol:    s.Symbol,
		Sequence:  s.AsOfSequence,
		Timestamp: s.Timestamp,
		Bids:      renderLevels(s.Bids, scale),
		Asks:      renderLevels(s.Asks, scale),
		Info: BookInfo{
			TotalOrders: s.TotalOrders,
			BidLevels:   s.BidLevels,
			AskLevels:   s.AskLevels,
		},
	}

	if best, ok := s.BestBid(); ok {
		px := scalePrice(best.Price, scale)
		m.BBO.BestBid = &px
	}
	if best, ok := s.BestAsk(); ok {
		px := scalePrice(best.Price, scale)
		m.BBO.BestAsk = &px
	}

	return m
}

func renderLevels(levels []domain.Level, scale int32) []PriceLevel {
	result := make([]PriceLevel, len(levels))
	for i, lvl := range levels {
		result[i] = PriceLevel{
			Price:    scalePrice(lvl.Price, scale),
			Quantity: lvl.Quantity,
			Orders:   lvl.OrderCount,
		}
	}
	return result
}

func scalePrice(ticks int64, scale int32) decimal.Decimal {
	return decimal.New(ticks, -scale)
}
