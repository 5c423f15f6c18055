package ingest

import "tickbars/internal/model"

// recentTrades is a fixed-capacity set of trade keys for one symbol. Once
// full, adding a key evicts the oldest one.
type recentTrades struct {
	ring []model.TradeKey
	set  map[model.TradeKey]struct{}
	next int
	size int
}

func newRecentTrades(capacity int) *recentTrades {
	return &recentTrades{
		ring: make([]model.TradeKey, capacity),
		set:  make(map[model.TradeKey]struct{}, capacity),
	}
}

func (r *recentTrades) contains(k model.TradeKey) bool {
	_, ok := r.set[k]
	return ok
}

// add records k, evicting the oldest key when the ring is full.
func (r *recentTrades) add(k model.TradeKey) {
	if len(r.ring) == 0 {
		return
	}
	if r.size == len(r.ring) {
		delete(r.set, r.ring[r.next])
	} else {
		r.size++
	}
	r.ring[r.next] = k
	r.set[k] = struct{}{}
	r.next = (r.next + 1) % len(r.ring)
}

func (r *recentTrades) len() int {
	return r.size
}
