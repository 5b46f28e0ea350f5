package kernel

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"astergrid/trader/types"

	"github.com/shopspring/decimal"
)

// SideNone marks a rung filtered out by the trading mode
const SideNone types.OrderSide = ""

// LevelState is the lifecycle state of one rung
type LevelState int

const (
	StateEmpty LevelState = iota
	StateEntryPlaced
	StatePositionHeld
	StateExitPlaced
)

func (s LevelState) String() string {
	switch s {
	case StateEmpty:
		return "EMPTY"
	case StateEntryPlaced:
		return "ENTRY_PLACED"
	case StatePositionHeld:
		return "POSITION_HELD"
	case StateExitPlaced:
		return "EXIT_PLACED"
	}
	return "UNKNOWN"
}

// restingOrder is an order bound to a rung. orderID is empty while the
// placement request is in flight; the client id is reserved before it.
type restingOrder struct {
	orderID  string
	clientID string
	side     types.OrderSide
	typ      types.OrderType
	price    decimal.Decimal
	qty      decimal.Decimal
	placedAt time.Time

	// entry partial fills folded so far
	filledQty  decimal.Decimal
	filledCost decimal.Decimal
	cumQty     decimal.Decimal
	partials   int
}

// holding is the position a rung carries
type holding struct {
	side       types.OrderSide // entry side
	entryPrice decimal.Decimal
	qty        decimal.Decimal
	partials   int
	openedAt   time.Time
}

// exitOrder is the take-profit or protective order of a held rung
type exitOrder struct {
	restingOrder
	trailing     bool
	trailingStop decimal.Decimal

	// settled is set once the exit filled; the rung waits for the
	// rebalance decision before it is reset
	settled   bool
	fillPrice decimal.Decimal
}

// Level is one rung of the ladder. The payload pointers are only set in
// the states that own them: entry in EntryPlaced, pos in PositionHeld and
// ExitPlaced, exit in ExitPlaced.
type Level struct {
	Index int
	Price decimal.Decimal
	Side  types.OrderSide

	state LevelState
	entry *restingOrder
	pos   *holding
	exit  *exitOrder
}

// NewLevel creates an empty rung
func NewLevel(index int, price decimal.Decimal, side types.OrderSide) *Level {
	return &Level{Index: index, Price: price, Side: side}
}

// State of the rung
func (l *Level) State() LevelState { return l.state }

func (l *Level) activeOrder() *restingOrder {
	switch l.state {
	case StateEntryPlaced:
		return l.entry
	case StateExitPlaced:
		return &l.exit.restingOrder
	}
	return nil
}

// reset returns the rung to Empty, dropping every payload
func (l *Level) reset() {
	l.state = StateEmpty
	l.entry = nil
	l.pos = nil
	l.exit = nil
}

// LevelView is a read-only copy of a rung for reporting
type LevelView struct {
	Index            int             `json:"index"`
	Price            decimal.Decimal `json:"price"`
	Side             types.OrderSide `json:"side"`
	State            LevelState      `json:"-"`
	StateName        string          `json:"state"`
	EntryOrderID     string          `json:"entry_order_id,omitempty"`
	ExitOrderID      string          `json:"exit_order_id,omitempty"`
	EntryPrice       decimal.Decimal `json:"entry_price"`
	PositionSide     types.OrderSide `json:"position_side,omitempty"`
	PositionQuantity decimal.Decimal `json:"position_quantity"`
	PendingQuantity  decimal.Decimal `json:"pending_quantity"`
	PartialFillCount int             `json:"partial_fill_count"`
	ExitTargetPrice  decimal.Decimal `json:"exit_target_price"`
	ExitPlacedAt     time.Time       `json:"exit_placed_at,omitempty"`
	TrailingActive   bool            `json:"trailing_active"`
	TrailingStop     decimal.Decimal `json:"trailing_stop"`
	Settled          bool            `json:"settled"`
}

func (l *Level) view() LevelView {
	v := LevelView{
		Index:     l.Index,
		Price:     l.Price,
		Side:      l.Side,
		State:     l.state,
		StateName: l.state.String(),
	}
	if l.entry != nil {
		v.EntryOrderID = l.entry.orderID
		v.PendingQuantity = l.entry.filledQty
		v.PartialFillCount = l.entry.partials
	}
	if l.pos != nil {
		v.EntryPrice = l.pos.entryPrice
		v.PositionSide = l.pos.side
		v.PositionQuantity = l.pos.qty
		v.PartialFillCount = l.pos.partials
	}
	if l.exit != nil {
		v.ExitOrderID = l.exit.orderID
		v.ExitTargetPrice = l.exit.price
		v.ExitPlacedAt = l.exit.placedAt
		v.TrailingActive = l.exit.trailing
		v.TrailingStop = l.exit.trailingStop
		v.Settled = l.exit.settled
	}
	return v
}

// Geometry is the ladder shape
type Geometry struct {
	Lower  decimal.Decimal `json:"lower"`
	Upper  decimal.Decimal `json:"upper"`
	Step   decimal.Decimal `json:"step"`
	Center decimal.Decimal `json:"center"`
}

// Contains reports whether price lies within the bounds widened by pct percent
func (g Geometry) Contains(price, pct decimal.Decimal) bool {
	slack := pct.Div(hundred)
	lo := g.Lower.Mul(one.Sub(slack))
	hi := g.Upper.Mul(one.Add(slack))
	return !price.LessThan(lo) && !price.GreaterThan(hi)
}

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// Ledger is the grid state of one trading session. All mutation goes
// through its methods, each atomic under one mutex. Exchange calls are
// never made while holding it.
type Ledger struct {
	mu sync.Mutex

	geometry   Geometry
	levels     []*Level
	generation uint64

	// order id and client id -> rung index, current generation only
	byOrder  map[string]int
	byClient map[string]int
	// client ids whose events arrived before the placement response
	early map[string]struct{}

	initialBalance   decimal.Decimal
	currentBalance   decimal.Decimal
	unrealizedPnL    decimal.Decimal
	realizedPnL      decimal.Decimal
	dailyRealizedPnL decimal.Decimal
	dailyStart       time.Time
	sessionHigh      decimal.Decimal
	lastPrice        decimal.Decimal
	lastKnownAmount  decimal.Decimal
	trades           int

	positions atomic.Int64
}

// NewLedger creates an empty ledger for a session starting with initialBalance
func NewLedger(initialBalance decimal.Decimal, now time.Time) *Ledger {
	return &Ledger{
		byOrder:        make(map[string]int),
		byClient:       make(map[string]int),
		early:          make(map[string]struct{}),
		initialBalance: initialBalance,
		currentBalance: initialBalance,
		dailyStart:     now,
	}
}

// ============================================================================
// Ladder
// ============================================================================

// Replace installs a new ladder and returns its generation. Order bindings
// of the previous ladder are forgotten; their late events are dropped.
func (l *Ledger) Replace(g Geometry, levels []*Level) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.geometry = g
	l.levels = levels
	l.generation++
	l.byOrder = make(map[string]int)
	l.byClient = make(map[string]int)
	l.early = make(map[string]struct{})

	var held int64
	for _, lv := range levels {
		if lv.pos != nil {
			held++
		}
		if o := lv.activeOrder(); o != nil {
			l.bindLocked(lv.Index, o)
		}
	}
	l.positions.Store(held)
	return l.generation
}

// Generation of the current ladder
func (l *Ledger) Generation() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.generation
}

// Geometry of the current ladder
func (l *Ledger) Geometry() Geometry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.geometry
}

// Len is the number of rungs
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.levels)
}

// Level returns a copy of rung i
func (l *Ledger) Level(i int) (LevelView, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i < 0 || i >= len(l.levels) {
		return LevelView{}, false
	}
	return l.levels[i].view(), true
}

// Levels returns copies of every rung
func (l *Ledger) Levels() []LevelView {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LevelView, len(l.levels))
	for i, lv := range l.levels {
		out[i] = lv.view()
	}
	return out
}

func (l *Ledger) bindLocked(index int, o *restingOrder) {
	if o.orderID != "" {
		l.byOrder[o.orderID] = index
	}
	if o.clientID != "" {
		l.byClient[o.clientID] = index
	}
}

func (l *Ledger) unbindLocked(o *restingOrder) {
	if o == nil {
		return
	}
	delete(l.byOrder, o.orderID)
	delete(l.byClient, o.clientID)
}

// lookupLocked finds the rung owning an order by exchange id, then by client id
func (l *Ledger) lookupLocked(orderID, clientID string) (*Level, bool) {
	if i, ok := l.byOrder[orderID]; ok && orderID != "" {
		return l.levels[i], true
	}
	if i, ok := l.byClient[clientID]; ok && clientID != "" {
		lv := l.levels[i]
		// bind the exchange id when the event beat the placement response
		if o := lv.activeOrder(); o != nil && o.clientID == clientID && o.orderID == "" && orderID != "" {
			o.orderID = orderID
			l.byOrder[orderID] = i
			l.early[clientID] = struct{}{}
		}
		return lv, true
	}
	return nil, false
}

// ============================================================================
// Order reservations
// ============================================================================

// Reservation identifies an in-flight placement
type Reservation struct {
	Generation uint64
	Index      int
	ClientID   string
	Exit       bool
}

// ReserveEntry claims an Empty rung for an entry order. It fails when the
// rung already carries an order or a position, which makes placement
// idempotent under duplicate triggers.
func (l *Ledger) ReserveEntry(gen uint64, index int, clientID string, typ types.OrderType, qty decimal.Decimal, now time.Time) (Reservation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if gen != l.generation || index < 0 || index >= len(l.levels) {
		return Reservation{}, false
	}
	lv := l.levels[index]
	if lv.state != StateEmpty || lv.Side == SideNone {
		return Reservation{}, false
	}
	lv.state = StateEntryPlaced
	lv.entry = &restingOrder{
		clientID: clientID,
		side:     lv.Side,
		typ:      typ,
		price:    lv.Price,
		qty:      qty,
		placedAt: now,
	}
	l.byClient[clientID] = index
	return Reservation{Generation: gen, Index: index, ClientID: clientID}, true
}

// ExitSpec describes an exit to reserve
type ExitSpec struct {
	Price        decimal.Decimal
	Type         types.OrderType
	Trailing     bool
	TrailingStop decimal.Decimal
}

// ReserveExit claims a PositionHeld rung for its exit order and returns the
// exit side and the quantity to close
func (l *Ledger) ReserveExit(gen uint64, index int, clientID string, spec ExitSpec, now time.Time) (Reservation, types.OrderSide, decimal.Decimal, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if gen != l.generation || index < 0 || index >= len(l.levels) {
		return Reservation{}, "", decimal.Zero, false
	}
	lv := l.levels[index]
	if lv.state != StatePositionHeld || lv.pos == nil {
		return Reservation{}, "", decimal.Zero, false
	}
	side := lv.pos.side.Opposite()
	lv.state = StateExitPlaced
	lv.exit = &exitOrder{
		restingOrder: restingOrder{
			clientID: clientID,
			side:     side,
			typ:      spec.Type,
			price:    spec.Price,
			qty:      lv.pos.qty,
			placedAt: now,
		},
		trailing:     spec.Trailing,
		trailingStop: spec.TrailingStop,
	}
	l.byClient[clientID] = index
	return Reservation{Generation: gen, Index: index, ClientID: clientID, Exit: true}, side, lv.pos.qty, true
}

// reservedLocked returns the rung still holding r, nil when the ladder
// was replaced or the order was cleared meanwhile
func (l *Ledger) reservedLocked(r Reservation) (*Level, *restingOrder) {
	if r.Generation != l.generation || r.Index >= len(l.levels) {
		return nil, nil
	}
	lv := l.levels[r.Index]
	o := lv.activeOrder()
	if o == nil || o.clientID != r.ClientID {
		return nil, nil
	}
	if r.Exit != (lv.state == StateExitPlaced) {
		return nil, nil
	}
	return lv, o
}

// Bind records the exchange id of a placed order. It returns false when
// the reservation is gone; the caller then owns an orphan order.
func (l *Ledger) Bind(r Reservation, orderID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, early := l.early[r.ClientID]
	delete(l.early, r.ClientID)

	lv, o := l.reservedLocked(r)
	if lv == nil {
		// the order already completed through the stream
		return early
	}
	o.orderID = orderID
	l.byOrder[orderID] = lv.Index
	return true
}

// Release rolls back a failed placement
func (l *Ledger) Release(r Reservation) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lv, o := l.reservedLocked(r)
	if lv == nil {
		return
	}
	l.unbindLocked(o)
	if r.Exit {
		lv.exit = nil
		lv.state = StatePositionHeld
		return
	}
	l.closeEntryLocked(lv)
}

// closeEntryLocked ends an entry order that will not fill further: partial
// fills become the rung's position, otherwise the rung is Empty again
func (l *Ledger) closeEntryLocked(lv *Level) {
	e := lv.entry
	lv.entry = nil
	if e == nil || !e.filledQty.IsPositive() {
		lv.state = StateEmpty
		return
	}
	lv.pos = &holding{
		side:       e.side,
		entryPrice: e.filledCost.Div(e.filledQty),
		qty:        e.filledQty,
		partials:   e.partials,
		openedAt:   e.placedAt,
	}
	lv.state = StatePositionHeld
	l.positions.Add(1)
}

// ============================================================================
// Fills
// ============================================================================

// FillKind classifies the outcome of an order event
type FillKind int

const (
	FillIgnored FillKind = iota
	FillUnknown
	FillPartial
	FillEntry
	FillExit
	FillEntryClosed
	FillExitCanceled
)

func (k FillKind) String() string {
	switch k {
	case FillIgnored:
		return "ignored"
	case FillUnknown:
		return "unknown"
	case FillPartial:
		return "partial"
	case FillEntry:
		return "entry"
	case FillExit:
		return "exit"
	case FillEntryClosed:
		return "entry_closed"
	case FillExitCanceled:
		return "exit_canceled"
	}
	return "invalid"
}

// FillResult is what the ledger did with an order event
type FillResult struct {
	Kind       FillKind
	Generation uint64
	Index      int
	Side       types.OrderSide
	Price      decimal.Decimal
	Quantity   decimal.Decimal
	EntryPrice decimal.Decimal
	Realized   decimal.Decimal
	OrderID    string
	ClientID   string
	OrderType  types.OrderType
}

// ApplyOrderEvent folds an order update into the rung owning the order.
// minNotional is the partial-fill threshold below which a partial is ignored.
func (l *Ledger) ApplyOrderEvent(ev *types.OrderEvent, minNotional decimal.Decimal, now time.Time) (FillResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lv, ok := l.lookupLocked(ev.OrderID, ev.ClientOrderID)
	if !ok {
		return FillResult{Kind: FillUnknown, Index: -1, OrderID: ev.OrderID}, nil
	}
	res := FillResult{
		Generation: l.generation,
		Index:      lv.Index,
		Side:       ev.Side,
		OrderID:    ev.OrderID,
		ClientID:   ev.ClientOrderID,
		OrderType:  ev.Type,
	}

	switch lv.state {
	case StateEntryPlaced:
		if ev.Side != lv.entry.side {
			return res, fmt.Errorf("level %d: %s event for %s entry order %s", lv.Index, ev.Side, lv.entry.side, ev.OrderID)
		}
		return l.applyEntryLocked(lv, ev, minNotional, res)
	case StateExitPlaced:
		if ev.Side != lv.exit.side {
			return res, fmt.Errorf("level %d: %s event for %s exit order %s", lv.Index, ev.Side, lv.exit.side, ev.OrderID)
		}
		return l.applyExitLocked(lv, ev, now, res)
	}
	res.Kind = FillIgnored
	return res, nil
}

func (l *Ledger) applyEntryLocked(lv *Level, ev *types.OrderEvent, minNotional decimal.Decimal, res FillResult) (FillResult, error) {
	e := lv.entry
	res.OrderType = e.typ

	switch ev.Status {
	case types.StatusPartiallyFilled, types.StatusFilled:
		// at-least-once delivery: a cumulative quantity we already saw is a duplicate
		if ev.CumulativeQty.IsPositive() && !ev.CumulativeQty.GreaterThan(e.cumQty) && ev.Status == types.StatusPartiallyFilled {
			res.Kind = FillIgnored
			return res, nil
		}
		qty := ev.LastFilledQty
		price := ev.Price
		// a REST snapshot carries the cumulative amount as its last fill;
		// only the part beyond what was already folded is new
		if ev.CumulativeQty.IsPositive() {
			if delta := ev.CumulativeQty.Sub(e.cumQty); qty.GreaterThan(delta) {
				qty = delta
			}
		}
		folded := qty.IsPositive() && price.IsPositive()
		if ev.Status == types.StatusPartiallyFilled {
			if !folded || qty.Mul(price).LessThan(minNotional) {
				res.Kind = FillIgnored
				return res, nil
			}
		}
		if folded {
			e.filledQty = e.filledQty.Add(qty)
			e.filledCost = e.filledCost.Add(price.Mul(qty))
		}
		if ev.CumulativeQty.GreaterThan(e.cumQty) {
			e.cumQty = ev.CumulativeQty
		}

		if ev.Status == types.StatusPartiallyFilled {
			e.partials++
			res.Kind = FillPartial
			res.Price = price
			res.Quantity = qty
			res.EntryPrice = e.filledCost.Div(e.filledQty)
			return res, nil
		}

		// the exchange totals win over the folded ones: ignored small
		// partials leave the fold short, and a replayed snapshot prices
		// its remainder at the order average
		if e.cumQty.IsPositive() && ev.AvgPrice.IsPositive() {
			e.filledQty = e.cumQty
			e.filledCost = ev.AvgPrice.Mul(e.cumQty)
		}
		if !e.filledQty.IsPositive() {
			return res, fmt.Errorf("level %d: filled event %s without quantity", lv.Index, ev.OrderID)
		}
		l.unbindLocked(e)
		l.closeEntryLocked(lv)
		res.Kind = FillEntry
		res.Price = price
		res.Quantity = lv.pos.qty
		res.EntryPrice = lv.pos.entryPrice
		return res, nil

	case types.StatusCanceled, types.StatusExpired, types.StatusRejected:
		if ev.CumulativeQty.GreaterThan(e.filledQty) && ev.AvgPrice.IsPositive() {
			e.filledQty = ev.CumulativeQty
			e.filledCost = ev.AvgPrice.Mul(ev.CumulativeQty)
		}
		l.unbindLocked(e)
		l.closeEntryLocked(lv)
		res.Kind = FillEntryClosed
		if lv.pos != nil {
			res.Quantity = lv.pos.qty
			res.EntryPrice = lv.pos.entryPrice
		}
		return res, nil
	}
	res.Kind = FillIgnored
	return res, nil
}

func (l *Ledger) applyExitLocked(lv *Level, ev *types.OrderEvent, now time.Time, res FillResult) (FillResult, error) {
	x := lv.exit
	res.OrderType = x.typ

	if x.settled {
		res.Kind = FillIgnored
		return res, nil
	}

	switch ev.Status {
	case types.StatusFilled:
		price := ev.AvgPrice
		if !price.IsPositive() {
			price = ev.Price
		}
		if !price.IsPositive() {
			return res, fmt.Errorf("level %d: exit fill %s without price", lv.Index, ev.OrderID)
		}
		qty := lv.pos.qty
		pnl := price.Sub(lv.pos.entryPrice).Mul(qty)
		if lv.pos.side == types.SideSell {
			pnl = pnl.Neg()
		}

		l.rollDailyLocked(now)
		l.realizedPnL = l.realizedPnL.Add(pnl)
		l.dailyRealizedPnL = l.dailyRealizedPnL.Add(pnl)
		l.trades++

		x.settled = true
		x.fillPrice = price
		res.Kind = FillExit
		res.Price = price
		res.Quantity = qty
		res.EntryPrice = lv.pos.entryPrice
		res.Realized = pnl
		return res, nil

	case types.StatusCanceled, types.StatusExpired, types.StatusRejected:
		// cancelled outside the engine: the position is uncovered again
		l.unbindLocked(&x.restingOrder)
		lv.exit = nil
		lv.state = StatePositionHeld
		res.Kind = FillExitCanceled
		res.Quantity = lv.pos.qty
		res.EntryPrice = lv.pos.entryPrice
		return res, nil
	}
	res.Kind = FillIgnored
	return res, nil
}

// Settled reports whether rung index of generation gen has a filled exit
// waiting for its rebalance decision
func (l *Ledger) Settled(gen uint64, index int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if gen != l.generation || index < 0 || index >= len(l.levels) {
		return false
	}
	lv := l.levels[index]
	return lv.state == StateExitPlaced && lv.exit.settled
}

// ResetSettled returns a settled rung to Empty
func (l *Ledger) ResetSettled(gen uint64, index int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if gen != l.generation || index < 0 || index >= len(l.levels) {
		return false
	}
	lv := l.levels[index]
	if lv.state != StateExitPlaced || !lv.exit.settled {
		return false
	}
	l.unbindLocked(&lv.exit.restingOrder)
	lv.reset()
	l.positions.Add(-1)
	return true
}

// ============================================================================
// Bulk transitions
// ============================================================================

// ClearOrders forgets every resting order after a bulk cancel. Held
// positions survive; their rungs fall back to PositionHeld. Settled exits
// reset to Empty.
func (l *Ledger) ClearOrders() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, lv := range l.levels {
		switch lv.state {
		case StateEntryPlaced:
			l.closeEntryLocked(lv)
		case StateExitPlaced:
			if lv.exit.settled {
				lv.reset()
				l.positions.Add(-1)
				continue
			}
			lv.exit = nil
			lv.state = StatePositionHeld
		}
	}
	l.byOrder = make(map[string]int)
	l.byClient = make(map[string]int)
	l.early = make(map[string]struct{})
}

// DetachExit clears the exit of a held rung so it can be replaced. It
// returns the order id to cancel.
func (l *Ledger) DetachExit(gen uint64, index int, orderID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if gen != l.generation || index < 0 || index >= len(l.levels) {
		return false
	}
	lv := l.levels[index]
	if lv.state != StateExitPlaced || lv.exit.settled || lv.exit.orderID != orderID {
		return false
	}
	l.unbindLocked(&lv.exit.restingOrder)
	lv.exit = nil
	lv.state = StatePositionHeld
	return true
}

// HeldRung is a rung that held a position when the exchange position was
// seen flat. ExitOrderID is the exit resting at that moment, if any.
type HeldRung struct {
	Generation  uint64
	Index       int
	ExitOrderID string

	pos *holding
}

// HeldRungs lists the rungs still expecting a position. Settled exits are
// left out; their rebalance resets them.
func (l *Ledger) HeldRungs() []HeldRung {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []HeldRung
	for _, lv := range l.levels {
		if lv.pos == nil || (lv.exit != nil && lv.exit.settled) {
			continue
		}
		h := HeldRung{Generation: l.generation, Index: lv.Index, pos: lv.pos}
		if lv.state == StateExitPlaced {
			h.ExitOrderID = lv.exit.orderID
		}
		out = append(out, h)
	}
	return out
}

// ResetHeld drops the listed rungs after their position was closed outside
// the engine. A rung is skipped when its exit settled meanwhile or when it
// holds another position by now. It returns the exit order ids that were
// resting.
func (l *Ledger) ResetHeld(held []HeldRung) (int, []string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var n int
	var orphans []string
	for _, h := range held {
		if h.Generation != l.generation || h.Index < 0 || h.Index >= len(l.levels) {
			continue
		}
		lv := l.levels[h.Index]
		if lv.pos == nil || lv.pos != h.pos {
			continue
		}
		if lv.exit != nil {
			if lv.exit.settled {
				continue
			}
			l.unbindLocked(&lv.exit.restingOrder)
			if lv.exit.orderID != "" {
				orphans = append(orphans, lv.exit.orderID)
			}
		}
		lv.reset()
		n++
	}
	l.positions.Add(int64(-n))
	return n, orphans
}

// EntryCandidates lists the free tradable rungs of the current ladder with
// the number of active orders and of resting entries
func (l *Ledger) EntryCandidates() (gen uint64, free []LevelView, activeOrders, pendingEntries int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, lv := range l.levels {
		switch lv.state {
		case StateEmpty:
			if lv.Side != SideNone {
				free = append(free, lv.view())
			}
		case StateEntryPlaced:
			activeOrders++
			pendingEntries++
		case StateExitPlaced:
			if !lv.exit.settled {
				activeOrders++
			}
		}
	}
	return l.generation, free, activeOrders, pendingEntries
}

// Holdings returns copies of every held position, for carrying positions
// into a new ladder
func (l *Ledger) Holdings() []Holding {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Holding
	for _, lv := range l.levels {
		if lv.pos == nil || (lv.exit != nil && lv.exit.settled) {
			continue
		}
		out = append(out, Holding{
			Side:       lv.pos.side,
			EntryPrice: lv.pos.entryPrice,
			Quantity:   lv.pos.qty,
			Partials:   lv.pos.partials,
			OpenedAt:   lv.pos.openedAt,
		})
	}
	return out
}

// Holding is a position carried by a rung
type Holding struct {
	Side       types.OrderSide
	EntryPrice decimal.Decimal
	Quantity   decimal.Decimal
	Partials   int
	OpenedAt   time.Time
}

// Adopt attaches h to the rung nearest to its entry price that is free,
// preferring rungs trading the same side. Used before the ladder is
// installed with Replace.
func Adopt(levels []*Level, h Holding) (int, bool) {
	if len(levels) == 0 || !h.Quantity.IsPositive() {
		return -1, false
	}
	idx := make([]int, 0, len(levels))
	for i, lv := range levels {
		if lv.state == StateEmpty {
			idx = append(idx, i)
		}
	}
	if len(idx) == 0 {
		return -1, false
	}
	sort.SliceStable(idx, func(a, b int) bool {
		la, lb := levels[idx[a]], levels[idx[b]]
		sa, sb := la.Side == h.Side, lb.Side == h.Side
		if sa != sb {
			return sa
		}
		return la.Price.Sub(h.EntryPrice).Abs().LessThan(lb.Price.Sub(h.EntryPrice).Abs())
	})
	lv := levels[idx[0]]
	lv.pos = &holding{
		side:       h.Side,
		entryPrice: h.EntryPrice,
		qty:        h.Quantity,
		partials:   h.Partials,
		openedAt:   h.OpenedAt,
	}
	lv.state = StatePositionHeld
	return lv.Index, true
}

// AttachExit binds an exit already resting on the exchange to an adopted rung
func AttachExit(levels []*Level, index int, o types.Order) bool {
	if index < 0 || index >= len(levels) {
		return false
	}
	lv := levels[index]
	if lv.state != StatePositionHeld {
		return false
	}
	price := o.Price
	if o.Type == types.OrderTypeStopMarket {
		price = o.StopPrice
	}
	lv.exit = &exitOrder{
		restingOrder: restingOrder{
			orderID:  o.OrderID,
			clientID: o.ClientOrderID,
			side:     o.Side,
			typ:      o.Type,
			price:    price,
			qty:      o.Quantity,
			placedAt: o.UpdatedAt,
		},
		trailing:     o.Type == types.OrderTypeStopMarket,
		trailingStop: o.StopPrice,
	}
	lv.state = StateExitPlaced
	return true
}

// ============================================================================
// Account
// ============================================================================

// SetBalance records the wallet balance of the margin asset
func (l *Ledger) SetBalance(b decimal.Decimal) {
	l.mu.Lock()
	l.currentBalance = b
	l.mu.Unlock()
}

// SetInitialBalance fixes the drawdown reference
func (l *Ledger) SetInitialBalance(b decimal.Decimal) {
	l.mu.Lock()
	l.initialBalance = b
	l.currentBalance = b
	l.mu.Unlock()
}

// ObservePosition records the exchange net position. It reports an
// external close when a non-zero position went to zero.
func (l *Ledger) ObservePosition(amount, unrealized decimal.Decimal) (closed bool, previous decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()

	previous = l.lastKnownAmount
	l.unrealizedPnL = unrealized
	l.lastKnownAmount = amount
	if previous.IsZero() || !amount.IsZero() {
		return false, previous
	}
	// a close is only external when the ledger still expects a position
	for _, lv := range l.levels {
		if lv.pos != nil && (lv.exit == nil || !lv.exit.settled) {
			return true, previous
		}
	}
	return false, previous
}

// SetUnrealized records the unrealized PnL from an account poll
func (l *Ledger) SetUnrealized(u decimal.Decimal) {
	l.mu.Lock()
	l.unrealizedPnL = u
	l.mu.Unlock()
}

// SetLastKnownAmount seeds the position shadow without close detection
func (l *Ledger) SetLastKnownAmount(amount decimal.Decimal) {
	l.mu.Lock()
	l.lastKnownAmount = amount
	l.mu.Unlock()
}

// ObservePrice updates the last price and the session high-water mark
func (l *Ledger) ObservePrice(p decimal.Decimal) {
	if !p.IsPositive() {
		return
	}
	l.mu.Lock()
	l.lastPrice = p
	if p.GreaterThan(l.sessionHigh) {
		l.sessionHigh = p
	}
	l.mu.Unlock()
}

// rollDailyLocked restarts the daily loss window after 24h
func (l *Ledger) rollDailyLocked(now time.Time) {
	if now.Sub(l.dailyStart) >= 24*time.Hour {
		l.dailyRealizedPnL = decimal.Zero
		l.dailyStart = now
	}
}

// RollDaily restarts the daily window when it has elapsed
func (l *Ledger) RollDaily(now time.Time) {
	l.mu.Lock()
	l.rollDailyLocked(now)
	l.mu.Unlock()
}

// PositionsCount is the number of rungs holding a position
func (l *Ledger) PositionsCount() int {
	return int(l.positions.Load())
}

// ============================================================================
// Snapshot
// ============================================================================

// Snapshot is a consistent copy of the aggregate state
type Snapshot struct {
	Generation       uint64          `json:"generation"`
	Geometry         Geometry        `json:"geometry"`
	InitialBalance   decimal.Decimal `json:"initial_balance"`
	CurrentBalance   decimal.Decimal `json:"current_balance"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL      decimal.Decimal `json:"realized_pnl"`
	DailyRealizedPnL decimal.Decimal `json:"daily_realized_pnl"`
	SessionHigh      decimal.Decimal `json:"session_high"`
	LastPrice        decimal.Decimal `json:"last_price"`
	LastKnownAmount  decimal.Decimal `json:"last_known_amount"`
	Trades           int             `json:"trades"`
	Positions        int             `json:"positions"`
	ActiveOrders     int             `json:"active_orders"`
	DrawdownPercent  decimal.Decimal `json:"drawdown_percent"`
	DailyLossPercent decimal.Decimal `json:"daily_loss_percent"`
}

// Snapshot copies the aggregate state
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Snapshot{
		Generation:       l.generation,
		Geometry:         l.geometry,
		InitialBalance:   l.initialBalance,
		CurrentBalance:   l.currentBalance,
		UnrealizedPnL:    l.unrealizedPnL,
		RealizedPnL:      l.realizedPnL,
		DailyRealizedPnL: l.dailyRealizedPnL,
		SessionHigh:      l.sessionHigh,
		LastPrice:        l.lastPrice,
		LastKnownAmount:  l.lastKnownAmount,
		Trades:           l.trades,
		Positions:        int(l.positions.Load()),
	}
	for _, lv := range l.levels {
		if o := lv.activeOrder(); o != nil && !(lv.exit != nil && lv.exit.settled) {
			s.ActiveOrders++
		}
	}
	s.DrawdownPercent = DrawdownPercent(l.initialBalance, l.currentBalance, l.unrealizedPnL)
	s.DailyLossPercent = DailyLossPercent(l.initialBalance, l.dailyRealizedPnL)
	return s
}

// DrawdownPercent is the equity loss against the initial balance, never negative
func DrawdownPercent(initial, current, unrealized decimal.Decimal) decimal.Decimal {
	if !initial.IsPositive() {
		return decimal.Zero
	}
	dd := initial.Sub(current.Add(unrealized)).Div(initial).Mul(hundred)
	if dd.IsNegative() {
		return decimal.Zero
	}
	return dd
}

// DailyLossPercent is the realized loss of the daily window against the initial balance
func DailyLossPercent(initial, dailyRealized decimal.Decimal) decimal.Decimal {
	if !initial.IsPositive() || !dailyRealized.IsNegative() {
		return decimal.Zero
	}
	return dailyRealized.Neg().Div(initial).Mul(hundred)
}
