// Package book maintains a price- and time-prioritised limit order book for
// a single instrument, fed by market-by-order events.
package book

import (
	"errors"
	"fmt"

	"github.com/tidwall/btree"

	"mimir/internal/mbo"
)

// Apply failures come in two recoverable kinds. ErrInvalidArgument means the
// event refers to something that should exist and does not; ErrLogic means
// the event contradicts the current book. Either way the book is left as if
// the event had never been applied.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrLogic           = errors.New("logic error")
)

// level is one (side, price) queue of resting orders in arrival order. The
// queue holds direct references to the event records: a partial cancel
// mutates the resting record's size in place.
type level struct {
	price  int64
	orders []*mbo.Event
}

type priceAndSide struct {
	price int64
	side  mbo.Side
}

type sideLevels = btree.BTreeG[*level]

// Book is the order book state machine. It is not safe for concurrent use;
// the pipeline drives it from a single goroutine by design.
type Book struct {
	// Bids sort greatest-first, asks least-first, so Min() is the inside
	// quote on both trees.
	bids *sideLevels
	asks *sideLevels

	// Order id -> current (side, price), for O(1) location of an order's
	// level on Cancel and Modify. Top-of-book summary orders are never
	// entered here.
	orders map[uint64]priceAndSide
}

func New() *Book {
	bids := btree.NewBTreeG(func(a, b *level) bool {
		return a.price > b.price
	})
	asks := btree.NewBTreeG(func(a, b *level) bool {
		return a.price < b.price
	})
	return &Book{
		bids:   bids,
		asks:   asks,
		orders: make(map[uint64]priceAndSide),
	}
}

// PriceLevel is a read-only projection of one level: its price, aggregate
// resting size, and the number of resting orders excluding top-of-book
// summaries.
type PriceLevel struct {
	Price int64
	Size  uint64
	Count uint32
}

func projectLevel(lvl *level) PriceLevel {
	res := PriceLevel{Price: lvl.price}
	for _, order := range lvl.orders {
		if !order.Flags.IsTOB() {
			res.Count++
		}
		res.Size += uint64(order.Size)
	}
	return res
}

// Apply drives the state machine with one event. A non-nil error wraps
// ErrInvalidArgument or ErrLogic and leaves the book untouched.
func (b *Book) Apply(ev *mbo.Event) error {
	switch ev.Action {
	case mbo.ActionClear:
		b.clear()
		return nil
	case mbo.ActionAdd:
		return b.add(ev)
	case mbo.ActionCancel:
		return b.cancel(ev)
	case mbo.ActionModify:
		return b.modify(ev)
	case mbo.ActionTrade, mbo.ActionFill, mbo.ActionNone:
		// Trades are observed, not simulated; the matching venue reports
		// the resting-size decrements as explicit cancels.
		return nil
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidArgument, ev.Action)
	}
}

func (b *Book) clear() {
	b.bids.Clear()
	b.asks.Clear()
	clear(b.orders)
}

func (b *Book) add(ev *mbo.Event) error {
	levels, err := b.side(ev.Side)
	if err != nil {
		return err
	}

	if ev.Flags.IsTOB() {
		// A top-of-book record replaces the whole side. UndefPrice is the
		// feed's "clear this side" signal and carries no order. Either way
		// the summary is not an orderable entity, so it never enters the
		// order index.
		levels.Scan(func(lvl *level) bool {
			for _, order := range lvl.orders {
				delete(b.orders, order.OrderID)
			}
			return true
		})
		levels.Clear()
		if ev.Price != mbo.UndefPrice {
			order := *ev
			levels.Set(&level{price: ev.Price, orders: []*mbo.Event{&order}})
		}
		return nil
	}

	if ev.Price == mbo.UndefPrice {
		return fmt.Errorf("%w: add without price for order %d", ErrInvalidArgument, ev.OrderID)
	}
	if _, ok := b.orders[ev.OrderID]; ok {
		return fmt.Errorf("%w: duplicate order id %d", ErrInvalidArgument, ev.OrderID)
	}

	order := *ev
	b.appendOrder(levels, ev.Price, &order)
	b.orders[ev.OrderID] = priceAndSide{price: ev.Price, side: ev.Side}
	return nil
}

func (b *Book) cancel(ev *mbo.Event) error {
	// A cancel carries its own coordinates; they must agree with a level
	// that already exists. The level queue is searched directly rather than
	// via the index so that top-of-book summaries can be decremented too.
	levels, err := b.side(ev.Side)
	if err != nil {
		return err
	}
	lvl, ok := levels.GetMut(&level{price: ev.Price})
	if !ok {
		return fmt.Errorf("%w: no %c level at price %d", ErrInvalidArgument, ev.Side, ev.Price)
	}
	idx, order, err := levelOrder(lvl, ev.OrderID)
	if err != nil {
		return err
	}
	if order.Size < ev.Size {
		return fmt.Errorf("%w: cancel of %d exceeds resting size %d for order %d",
			ErrLogic, ev.Size, order.Size, ev.OrderID)
	}

	order.Size -= ev.Size
	if order.Size == 0 {
		delete(b.orders, ev.OrderID)
		lvl.orders = append(lvl.orders[:idx], lvl.orders[idx+1:]...)
		if len(lvl.orders) == 0 {
			levels.Delete(lvl)
		}
	}
	return nil
}

func (b *Book) modify(ev *mbo.Event) error {
	ps, ok := b.orders[ev.OrderID]
	if !ok {
		// Unknown order: the feed uses Modify-as-Add, honouring the
		// top-of-book flag.
		return b.add(ev)
	}
	if ps.side != ev.Side {
		return fmt.Errorf("%w: order %d changed side", ErrLogic, ev.OrderID)
	}
	if ev.Price == mbo.UndefPrice {
		return fmt.Errorf("%w: modify without price for order %d", ErrInvalidArgument, ev.OrderID)
	}

	levels, err := b.side(ev.Side)
	if err != nil {
		return err
	}
	prev, ok := levels.GetMut(&level{price: ps.price})
	if !ok {
		return fmt.Errorf("%w: no %c level at price %d", ErrInvalidArgument, ev.Side, ps.price)
	}
	idx, order, err := levelOrder(prev, ev.OrderID)
	if err != nil {
		return err
	}

	switch {
	case ps.price != ev.Price:
		// Price change loses priority: the order leaves its old queue and
		// joins the tail of the queue at the new price.
		b.orders[ev.OrderID] = priceAndSide{price: ev.Price, side: ev.Side}
		prev.orders = append(prev.orders[:idx], prev.orders[idx+1:]...)
		if len(prev.orders) == 0 {
			levels.Delete(prev)
		}
		moved := *ev
		b.appendOrder(levels, ev.Price, &moved)
	case order.Size < ev.Size:
		// Increasing size loses priority within the same level.
		prev.orders = append(prev.orders[:idx], prev.orders[idx+1:]...)
		grown := *ev
		prev.orders = append(prev.orders, &grown)
	default:
		order.Size = ev.Size
	}
	return nil
}

// appendOrder appends an owned order record to the tail of the level at
// price, creating the level if it does not exist yet.
func (b *Book) appendOrder(levels *sideLevels, price int64, order *mbo.Event) {
	if lvl, ok := levels.GetMut(&level{price: price}); ok {
		lvl.orders = append(lvl.orders, order)
		return
	}
	levels.Set(&level{price: price, orders: []*mbo.Event{order}})
}

func (b *Book) side(side mbo.Side) (*sideLevels, error) {
	switch side {
	case mbo.Bid:
		return b.bids, nil
	case mbo.Ask:
		return b.asks, nil
	default:
		return nil, fmt.Errorf("%w: invalid side %q", ErrInvalidArgument, side)
	}
}

func levelOrder(lvl *level, orderID uint64) (int, *mbo.Event, error) {
	for i, order := range lvl.orders {
		if order.OrderID == orderID {
			return i, order, nil
		}
	}
	return 0, nil, fmt.Errorf("%w: no order with id %d", ErrInvalidArgument, orderID)
}

// BestBid returns the inside bid level, if any.
func (b *Book) BestBid() (PriceLevel, bool) {
	return b.BidLevel(0)
}

// BestAsk returns the inside ask level, if any.
func (b *Book) BestAsk() (PriceLevel, bool) {
	return b.AskLevel(0)
}

// BidLevel returns the k-th bid level from the inside, k >= 0.
func (b *Book) BidLevel(k int) (PriceLevel, bool) {
	lvl, ok := b.bids.GetAt(k)
	if !ok {
		return PriceLevel{}, false
	}
	return projectLevel(lvl), true
}

// AskLevel returns the k-th ask level from the inside, k >= 0.
func (b *Book) AskLevel(k int) (PriceLevel, bool) {
	lvl, ok := b.asks.GetAt(k)
	if !ok {
		return PriceLevel{}, false
	}
	return projectLevel(lvl), true
}

// LevelCounts returns the number of populated bid and ask levels.
func (b *Book) LevelCounts() (nbids, nasks int) {
	return b.bids.Len(), b.asks.Len()
}

// RestingOrders returns the number of indexed resting orders.
func (b *Book) RestingOrders() int {
	return len(b.orders)
}

// QueuePos returns the total resting size ahead of the order at its level.
func (b *Book) QueuePos(orderID uint64) (uint64, error) {
	ps, ok := b.orders[orderID]
	if !ok {
		return 0, fmt.Errorf("%w: no order with id %d", ErrInvalidArgument, orderID)
	}
	levels, err := b.side(ps.side)
	if err != nil {
		return 0, err
	}
	lvl, ok := levels.GetMut(&level{price: ps.price})
	if !ok {
		return 0, fmt.Errorf("%w: no %c level at price %d", ErrInvalidArgument, ps.side, ps.price)
	}
	var ahead uint64
	for _, order := range lvl.orders {
		if order.OrderID == orderID {
			return ahead, nil
		}
		ahead += uint64(order.Size)
	}
	return 0, fmt.Errorf("%w: no order with id %d", ErrInvalidArgument, orderID)
}
