package net

import (
	"encoding/json"
	"fmt"
	"time"

	"hugin/internal/common"

	"github.com/shopspring/decimal"
)

// BookUpdate is a decoded book channel notification.
type BookUpdate struct {
	Snapshot   bool
	Instrument string
	Sequence   uint64
	// PrevSequence is only meaningful when HasPrev is set. Feeds that carry
	// it chain each change to the one before; feeds that don't are expected
	// to count up by one.
	PrevSequence uint64
	HasPrev      bool
	Timestamp    time.Time
	Bids         []common.PriceLevel
	Asks         []common.PriceLevel
}

type bookData struct {
	Type           string            `json:"type"`
	Timestamp      int64             `json:"timestamp"`
	InstrumentName string            `json:"instrument_name"`
	ChangeID       uint64            `json:"change_id"`
	Seq            uint64            `json:"seq"`
	PrevChangeID   *uint64           `json:"prev_change_id"`
	Bids           []json.RawMessage `json:"bids"`
	Asks           []json.RawMessage `json:"asks"`
}

func DecodeBook(data json.RawMessage) (BookUpdate, error) {
	var raw bookData
	if err := json.Unmarshal(data, &raw); err != nil {
		return BookUpdate{}, fmt.Errorf("%w: book: %v", common.ErrProtocol, err)
	}

	update := BookUpdate{
		Instrument: raw.InstrumentName,
		Sequence:   raw.ChangeID,
	}
	if update.Sequence == 0 {
		update.Sequence = raw.Seq
	}
	if raw.PrevChangeID != nil {
		update.PrevSequence = *raw.PrevChangeID
		update.HasPrev = true
	}
	if raw.Timestamp > 0 {
		update.Timestamp = time.UnixMilli(raw.Timestamp)
	}

	switch raw.Type {
	case "snapshot":
		update.Snapshot = true
	case "change", "delta":
	default:
		return BookUpdate{}, fmt.Errorf("%w: book update type %q", common.ErrProtocol, raw.Type)
	}

	var err error
	if update.Bids, err = parseLevels(raw.Bids); err != nil {
		return BookUpdate{}, err
	}
	if update.Asks, err = parseLevels(raw.Asks); err != nil {
		return BookUpdate{}, err
	}
	return update, nil
}

func parseLevels(raw []json.RawMessage) ([]common.PriceLevel, error) {
	levels := make([]common.PriceLevel, 0, len(raw))
	for _, entry := range raw {
		level, err := parseLevel(entry)
		if err != nil {
			return nil, err
		}
		levels = append(levels, level)
	}
	return levels, nil
}

// parseLevel accepts [price, size] as well as [action, price, size] where
// action is one of new, change or delete.
func parseLevel(entry json.RawMessage) (common.PriceLevel, error) {
	var fields []json.RawMessage
	if err := json.Unmarshal(entry, &fields); err != nil {
		return common.PriceLevel{}, fmt.Errorf("%w: level %s: %v", common.ErrProtocol, entry, err)
	}

	var action string
	switch len(fields) {
	case 2:
	case 3:
		if err := json.Unmarshal(fields[0], &action); err != nil {
			return common.PriceLevel{}, fmt.Errorf("%w: level action %s", common.ErrProtocol, fields[0])
		}
		fields = fields[1:]
	default:
		return common.PriceLevel{}, fmt.Errorf("%w: level %s has %d fields", common.ErrProtocol, entry, len(fields))
	}

	var level common.PriceLevel
	if err := level.Price.UnmarshalJSON(fields[0]); err != nil {
		return common.PriceLevel{}, fmt.Errorf("%w: level price %s", common.ErrProtocol, fields[0])
	}
	if err := level.Size.UnmarshalJSON(fields[1]); err != nil {
		return common.PriceLevel{}, fmt.Errorf("%w: level size %s", common.ErrProtocol, fields[1])
	}

	switch action {
	case "", "new", "change":
	case "delete":
		level.Size = decimal.Zero
	default:
		return common.PriceLevel{}, fmt.Errorf("%w: level action %q", common.ErrProtocol, action)
	}
	if level.Price.Sign() <= 0 || level.Size.Sign() < 0 {
		return common.PriceLevel{}, fmt.Errorf("%w: level %s out of range", common.ErrProtocol, entry)
	}
	return level, nil
}
