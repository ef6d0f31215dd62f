package book

import (
	"time"

	"hugin/internal/common"
	"hugin/internal/net"

	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"
)

type priceLevel struct {
	price decimal.Decimal
	size  decimal.Decimal
}

type PriceLevels = btree.BTreeG[*priceLevel]

// Book is the local replica of one instrument's book. It is not safe for
// concurrent use; the Engine serializes access.
type Book struct {
	instrument string

	// Price levels keyed by price. Comparators only look at the price, so
	// a level with just the price set works as a lookup key.
	bids *PriceLevels
	asks *PriceLevels

	sequence uint64
	updated  time.Time
}

func newBidLevels() *PriceLevels {
	// Sorted greatest first.
	return btree.NewBTreeG(func(a, b *priceLevel) bool {
		return a.price.GreaterThan(b.price)
	})
}

func newAskLevels() *PriceLevels {
	// Sorted least first.
	return btree.NewBTreeG(func(a, b *priceLevel) bool {
		return a.price.LessThan(b.price)
	})
}

func NewBook(instrument string) *Book {
	return &Book{
		instrument: instrument,
		bids:       newBidLevels(),
		asks:       newAskLevels(),
	}
}

// Reset replaces every level and the sequence with the snapshot's.
func (book *Book) Reset(snapshot net.BookUpdate) {
	book.bids = newBidLevels()
	book.asks = newAskLevels()
	applyLevels(book.bids, snapshot.Bids)
	applyLevels(book.asks, snapshot.Asks)
	book.sequence = snapshot.Sequence
	book.touch(snapshot.Timestamp)
}

// Follows reports whether delta continues the feed from this book's
// sequence without a gap.
func (book *Book) Follows(delta net.BookUpdate) bool {
	if delta.HasPrev {
		return delta.PrevSequence == book.sequence
	}
	return delta.Sequence == book.sequence+1
}

// Apply mutates the levels named by delta, in message order, and advances
// the sequence. Contiguity is the caller's concern.
func (book *Book) Apply(delta net.BookUpdate) {
	applyLevels(book.bids, delta.Bids)
	applyLevels(book.asks, delta.Asks)
	book.sequence = delta.Sequence
	book.touch(delta.Timestamp)
}

func applyLevels(levels *PriceLevels, updates []common.PriceLevel) {
	for _, update := range updates {
		if update.Size.IsZero() {
			levels.Delete(&priceLevel{price: update.Price})
			continue
		}
		levels.Set(&priceLevel{price: update.Price, size: update.Size})
	}
}

func (book *Book) touch(ts time.Time) {
	if ts.IsZero() {
		ts = time.Now()
	}
	book.updated = ts
}

// Crossed reports a best bid at or above the best ask.
func (book *Book) Crossed() bool {
	bestBid, bidOk := book.bids.Min()
	bestAsk, askOk := book.asks.Min()
	return bidOk && askOk && !bestBid.price.LessThan(bestAsk.price)
}

func (book *Book) Sequence() uint64 {
	return book.sequence
}

// Copy flattens the book into a value safe to hand to other goroutines.
func (book *Book) Copy() common.OrderBook {
	return common.OrderBook{
		Instrument: book.instrument,
		Bids:       flatten(book.bids),
		Asks:       flatten(book.asks),
		Sequence:   book.sequence,
		Timestamp:  book.updated,
	}
}

func flatten(levels *PriceLevels) []common.PriceLevel {
	out := make([]common.PriceLevel, 0, levels.Len())
	levels.Scan(func(level *priceLevel) bool {
		out = append(out, common.PriceLevel{Price: level.price, Size: level.size})
		return true
	})
	return out
}
