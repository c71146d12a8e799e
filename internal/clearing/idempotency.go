package clearing

import "container/list"

// DBIdempotencyChecker is the cold-path lookup backed by Postgres.
type DBIdempotencyChecker interface {
	IsProcessed(depositID string) (bool, error)
}

// idempotencyChecker deduplicates bridge deposit ids in two tiers: an
// in-memory LRU for the hot path and Postgres for ids that have aged
// out of memory. Not thread-safe, the core serializes access.
type idempotencyChecker struct {
	lru       *idempotencyLRU
	dbChecker DBIdempotencyChecker
}

func newIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker) *idempotencyChecker {
	return &idempotencyChecker{
		lru:       newIdempotencyLRU(capacity),
		dbChecker: dbChecker,
	}
}

func (ic *idempotencyChecker) isDuplicate(depositID string) bool {
	if ic.lru.contains(depositID) {
		return true
	}
	if ic.dbChecker != nil {
		dup, err := ic.dbChecker.IsProcessed(depositID)
		if err != nil {
			// A DB hiccup must not block processing; the ledger's own
			// processed set still catches replays within this run.
			return false
		}
		if dup {
			ic.lru.add(depositID)
			return true
		}
	}
	return false
}

func (ic *idempotencyChecker) markProcessed(depositID string) {
	ic.lru.add(depositID)
}

// warm preloads recently processed ids, called on restart.
func (ic *idempotencyChecker) warm(ids []string) {
	for _, id := range ids {
		ic.lru.add(id)
	}
}

type idempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	order    *list.List
}

func newIdempotencyLRU(capacity int) *idempotencyLRU {
	return &idempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

func (lru *idempotencyLRU) contains(key string) bool {
	elem, ok := lru.cache[key]
	if ok {
		lru.order.MoveToFront(elem)
	}
	return ok
}

func (lru *idempotencyLRU) add(key string) {
	if elem, ok := lru.cache[key]; ok {
		lru.order.MoveToFront(elem)
		return
	}
	lru.cache[key] = lru.order.PushFront(key)
	if lru.order.Len() > lru.capacity {
		oldest := lru.order.Back()
		lru.order.Remove(oldest)
		delete(lru.cache, oldest.Value.(string))
	}
}
