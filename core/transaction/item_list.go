package transaction

// ItemList is the ordered, growable arena of pending write item references
// owned by a single transaction. Slots are append-only: removal clears a slot
// to nil rather than shifting, so indices handed out to callers stay valid
// for the life of the list.
//
// ItemList has no locking of its own; every method is called with the owning
// transaction's lock held.
type ItemList struct {
	items []Item
}

func newItemList() *ItemList {
	return &ItemList{}
}

// add appends item and returns its slot index.
func (l *ItemList) add(item Item) uint64 {
	l.items = append(l.items, item)
	return uint64(len(l.items) - 1)
}

// clear empties the slot at idx. Out-of-range indices are ignored so a stale
// sentinel index cannot corrupt a neighbouring slot.
func (l *ItemList) clear(idx uint64) {
	if idx < uint64(len(l.items)) {
		l.items[idx] = nil
	}
}

// count returns the number of slots, holes included.
func (l *ItemList) count() int {
	return len(l.items)
}

// snapshot copies the slot slice so callers can walk it without the lock.
func (l *ItemList) snapshot() []Item {
	out := make([]Item, len(l.items))
	copy(out, l.items)
	return out
}
