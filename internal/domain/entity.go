package domain

import (
	"time"
)

// BookChange is the persisted form of a ChangeNotification: one append-only
// row per applied event. Index definitions live here; their lifecycle (drop
// before a bulk load, recreate after) is the storage backend's job.
type BookChange struct {
	ID         int64     `gorm:"primaryKey" json:"id"`
	Seq        uint64    `gorm:"column:seq;index:idx_book_changes_symbol_seq,priority:2" json:"seq"`
	TsEvent    int64     `gorm:"column:ts_event;index:idx_book_changes_ts" json:"ts_event"`
	Instrument uint32    `json:"instrument"`
	Symbol     string    `gorm:"index:idx_book_changes_symbol_seq,priority:1" json:"symbol"`
	Side       string    `json:"side"`
	Action     string    `json:"action"`
	Price      int64     `json:"price"`
	LevelQty   uint64    `gorm:"column:level_qty" json:"level_qty"`
	LevelCount int       `gorm:"column:level_count" json:"level_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// TableName fixes the relation name regardless of gorm's pluralization rules.
func (BookChange) TableName() string { return "book_changes" }

// NewBookChange converts a notification into its row form. The symbol is
// resolved by the caller (instrument ids are what travel on the feed).
func NewBookChange(n *ChangeNotification, symbol string) BookChange {
	return BookChange{
		Seq:        n.Sequence,
		TsEvent:    int64(n.Timestamp),
		Instrument: n.Instrument,
		Symbol:     symbol,
		Side:       n.Side.String(),
		Action:     n.Action.String(),
		Price:      n.Price,
		LevelQty:   n.NewLevelQuantity,
		LevelCount: n.NewLevelOrderCount,
	}
}
