package models

import "fmt"

// KeyRange selects keys of a store. It is either an exact match (Only) or a
// bound with optional low/high ends, each of which may be open (exclusive).
type KeyRange struct {
	low      *Key
	high     *Key
	lowOpen  bool
	highOpen bool
	exact    bool
}

// Only matches a single key.
func Only(k Key) KeyRange {
	return KeyRange{low: &k, high: &k, exact: true}
}

// Bound matches keys between low and high.
func Bound(low, high Key, lowOpen, highOpen bool) (KeyRange, error) {
	if high.Compare(low) < 0 {
		return KeyRange{}, fmt.Errorf("invalid range: lower bound %s is above upper bound %s", low, high)
	}
	return KeyRange{low: &low, high: &high, lowOpen: lowOpen, highOpen: highOpen}, nil
}

// LowerBound matches keys above low.
func LowerBound(low Key, open bool) KeyRange {
	return KeyRange{low: &low, lowOpen: open}
}

// UpperBound matches keys below high.
func UpperBound(high Key, open bool) KeyRange {
	return KeyRange{high: &high, highOpen: open}
}

// All matches every key.
func All() KeyRange {
	return KeyRange{}
}

// IsExact reports whether the range is a single-key match.
func (r KeyRange) IsExact() bool {
	return r.exact
}

// Low returns the lower bound, if any.
func (r KeyRange) Low() (Key, bool) {
	if r.low == nil {
		return Key{}, false
	}
	return *r.low, true
}

// High returns the upper bound, if any.
func (r KeyRange) High() (Key, bool) {
	if r.high == nil {
		return Key{}, false
	}
	return *r.high, true
}

// Contains reports whether k falls into the range.
func (r KeyRange) Contains(k Key) bool {
	if r.low != nil {
		c := k.Compare(*r.low)
		if c < 0 || (c == 0 && r.lowOpen) {
			return false
		}
	}
	if r.high != nil {
		c := k.Compare(*r.high)
		if c > 0 || (c == 0 && r.highOpen) {
			return false
		}
	}
	return true
}

// PastEnd reports whether k is above the range, so a forward scan can stop.
func (r KeyRange) PastEnd(k Key) bool {
	if r.high == nil {
		return false
	}
	c := k.Compare(*r.high)
	return c > 0 || (c == 0 && r.highOpen)
}
