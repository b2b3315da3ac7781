package cachedRepo

import "slices"

// Ledger bounds how many documents live in the cache. It is an ordered list of
// keys, oldest write first. TTL expiry does not remove entries; the two
// eviction pressures are independent.
type Ledger struct {
	Key      string
	Capacity int
}

func (l Ledger) Touch(key string) Op {
	return Op{Kind: OpTouch, Key: key}
}

func (l Ledger) Forget(key string) Op {
	return Op{Kind: OpForget, Key: key}
}

func without(entries []string, key string) []string {
	return slices.DeleteFunc(slices.Clone(entries), func(e string) bool { return e == key })
}

// planEviction applies a write of key to entries. A rewrite moves the key to
// the tail instead of duplicating it; the head is evicted while the ledger
// holds more than capacity keys.
func planEviction(entries []string, key string, capacity int) (next []string, victims []string) {
	next = make([]string, 0, len(entries)+1)
	for _, e := range entries {
		if e != key {
			next = append(next, e)
		}
	}
	next = append(next, key)
	for capacity > 0 && len(next) > capacity {
		victims = append(victims, next[0])
		next = next[1:]
	}
	return slices.Clip(next), victims
}
