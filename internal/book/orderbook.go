// Package book implements the price-time-priority order book and the
// matching engine sitting on top of the ledger. All quantities and
// prices are fixed-point int64 at the shared scales. The book is not
// goroutine safe: the clearing core serializes every call.
package book

import (
	"container/heap"
	"container/list"
	"sort"
	"time"

	"github.com/google/uuid"
)

type Side int8

const (
	SideBuy Side = iota
	SideSell
)

func (s Side) String() string {
	if s == SideBuy {
		return "buy"
	}
	return "sell"
}

// Sign is +1 for buys and -1 for sells, the direction a fill moves the
// position.
func (s Side) Sign() int64 {
	if s == SideBuy {
		return 1
	}
	return -1
}

func (s Side) opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Order is a resting or incoming limit order. ID is a ULID, so ids sort
// by arrival time and double as the time-priority tie-break within a
// price level.
type Order struct {
	ID            string
	Account       uuid.UUID
	Market        string
	Side          Side
	Price         int64
	Quantity      int64
	Filled        int64
	ReservationID uuid.UUID
	CreatedAt     time.Time
}

func (o *Order) Remaining() int64 {
	return o.Quantity - o.Filled
}

// Level is one aggregated price level in a depth snapshot.
type Level struct {
	Price int64 `json:"price"`
	Size  int64 `json:"size"`
}

// Depth is a bounded two-sided snapshot, best levels first.
type Depth struct {
	Market string  `json:"market"`
	Bids   []Level `json:"bids"`
	Asks   []Level `json:"asks"`
}

// OrderBook keeps both sides as a heap of price levels, each level a
// FIFO list of orders.
type OrderBook struct {
	market string
	buys   *bookSide
	sells  *bookSide
	orders map[string]*orderRef
}

func NewOrderBook(market string) *OrderBook {
	return &OrderBook{
		market: market,
		buys:   newBookSide(true),
		sells:  newBookSide(false),
		orders: make(map[string]*orderRef),
	}
}

func (ob *OrderBook) Market() string { return ob.market }

// BestBid returns the highest resting buy price, 0 when the side is empty.
func (ob *OrderBook) BestBid() int64 {
	if lvl := ob.buys.best(); lvl != nil {
		return lvl.price
	}
	return 0
}

// BestAsk returns the lowest resting sell price, 0 when the side is empty.
func (ob *OrderBook) BestAsk() int64 {
	if lvl := ob.sells.best(); lvl != nil {
		return lvl.price
	}
	return 0
}

// Mid returns the midpoint of the best quotes, 0 unless both sides have
// depth.
func (ob *OrderBook) Mid() int64 {
	bid, ask := ob.BestBid(), ob.BestAsk()
	if bid == 0 || ask == 0 {
		return 0
	}
	return (bid + ask) / 2
}

// Order looks up a resting order by id.
func (ob *OrderBook) Order(orderID string) (*Order, bool) {
	ref, ok := ob.orders[orderID]
	if !ok {
		return nil, false
	}
	return ref.order, true
}

// Len is the number of resting orders.
func (ob *OrderBook) Len() int { return len(ob.orders) }

func (ob *OrderBook) add(order *Order) {
	if order.Remaining() <= 0 {
		return
	}
	side := ob.sells
	if order.Side == SideBuy {
		side = ob.buys
	}
	ob.orders[order.ID] = side.add(order)
}

func (ob *OrderBook) remove(orderID string) *Order {
	ref, ok := ob.orders[orderID]
	if !ok {
		return nil
	}
	ref.sideBook.remove(ref)
	delete(ob.orders, orderID)
	return ref.order
}

// sideFor returns the book side resting orders of the given side live on.
func (ob *OrderBook) sideFor(s Side) *bookSide {
	if s == SideBuy {
		return ob.buys
	}
	return ob.sells
}

// Snapshot aggregates up to maxLevels levels per side, best first.
func (ob *OrderBook) Snapshot(maxLevels int) Depth {
	return Depth{
		Market: ob.market,
		Bids:   ob.buys.snapshot(maxLevels),
		Asks:   ob.sells.snapshot(maxLevels),
	}
}

// ordersOf collects the account's resting order ids, used when a
// liquidation or settlement cancels everything an account has working.
func (ob *OrderBook) ordersOf(account uuid.UUID) []string {
	var ids []string
	for id, ref := range ob.orders {
		if ref.order.Account == account {
			ids = append(ids, id)
		}
	}
	return ids
}

// allOrders collects every resting order id.
func (ob *OrderBook) allOrders() []string {
	ids := make([]string, 0, len(ob.orders))
	for id := range ob.orders {
		ids = append(ids, id)
	}
	return ids
}

type orderRef struct {
	order    *Order
	element  *list.Element
	level    *priceLevel
	sideBook *bookSide
}

type priceLevel struct {
	price  int64
	orders *list.List
	index  int
}

type bookSide struct {
	levels map[int64]*priceLevel
	heap   priceHeap
}

func newBookSide(isBuy bool) *bookSide {
	s := &bookSide{
		levels: make(map[int64]*priceLevel),
		heap:   priceHeap{isMax: isBuy},
	}
	heap.Init(&s.heap)
	return s
}

func (s *bookSide) add(order *Order) *orderRef {
	level := s.levels[order.Price]
	if level == nil {
		level = &priceLevel{price: order.Price, orders: list.New()}
		heap.Push(&s.heap, level)
		s.levels[order.Price] = level
	}
	element := level.orders.PushBack(order)
	return &orderRef{order: order, element: element, level: level, sideBook: s}
}

func (s *bookSide) remove(ref *orderRef) {
	ref.level.orders.Remove(ref.element)
	if ref.level.orders.Len() == 0 {
		heap.Remove(&s.heap, ref.level.index)
		delete(s.levels, ref.level.price)
	}
}

func (s *bookSide) best() *priceLevel {
	if s.heap.Len() == 0 {
		return nil
	}
	return s.heap.levels[0]
}

func (s *bookSide) snapshot(maxLevels int) []Level {
	// The heap array is only ordered at its root, so sort a copy of the
	// level pointers without disturbing heap indices.
	levels := make([]*priceLevel, 0, len(s.levels))
	for _, lvl := range s.levels {
		levels = append(levels, lvl)
	}
	sort.Slice(levels, func(i, j int) bool {
		if s.heap.isMax {
			return levels[i].price > levels[j].price
		}
		return levels[i].price < levels[j].price
	})

	out := make([]Level, 0, maxLevels)
	for _, lvl := range levels {
		if len(out) == maxLevels {
			break
		}
		var size int64
		for e := lvl.orders.Front(); e != nil; e = e.Next() {
			size += e.Value.(*Order).Remaining()
		}
		out = append(out, Level{Price: lvl.price, Size: size})
	}
	return out
}

type priceHeap struct {
	levels []*priceLevel
	isMax  bool
}

func (h priceHeap) Len() int { return len(h.levels) }

func (h priceHeap) Less(i, j int) bool {
	if h.isMax {
		return h.levels[i].price > h.levels[j].price
	}
	return h.levels[i].price < h.levels[j].price
}

func (h priceHeap) Swap(i, j int) {
	h.levels[i], h.levels[j] = h.levels[j], h.levels[i]
	h.levels[i].index = i
	h.levels[j].index = j
}

func (h *priceHeap) Push(x interface{}) {
	level := x.(*priceLevel)
	level.index = len(h.levels)
	h.levels = append(h.levels, level)
}

func (h *priceHeap) Pop() interface{} {
	old := h.levels
	n := len(old)
	item := old[n-1]
	item.index = -1
	h.levels = old[:n-1]
	return item
}
