// Package order implements the Order Manager. It owns order lifecycle, the open (today's) book, the append-only
// historical filled log, and the nightly day reset.
package order

import (
	"sort"
	"time"
)

// Side is derived from the signed submission amount — never set directly.
type Side string

const (
	Buy Side = "BUY"
	Sell Side = "SELL"
)

// Type is the order type.
type Type string

const (
	Market Type = "MARKET"
	Limit Type = "LIMIT"
)

// Status is the order's lifecycle state.
type Status string

const (
	Open Status = "OPEN"
	Filled Status = "FILLED"
	Cancelled Status = "CANCELLED"
	Expired Status = "EXPIRED"
	Rejected Status = "REJECTED"
)

// Order is a single order.
type Order struct {
	ID int64
	Symbol string
	Amount float64 // absolute quantity, always > 0
	Side Side
	Type Type
	LimitPrice float64 // only meaningful when Type == Limit
	CreatedAt time.Time
	FilledAt time.Time // zero value until FILLED
	FilledAvgPrice float64
	Commission float64
	RealizedPnL float64 // booked against any opposite-side position this fill closed; 0 for a pure open
	Status Status
	RejectReason string

	// restingSinceBar marks whether this order has already survived past
	// its submission bar, used by the matching engine to distinguish a
	// "fresh" LIMIT order from a "resting" one.
	restingSinceBar bool
}

// IsResting reports whether this order has survived past its submission
// bar (and is therefore evaluated under the resting-LIMIT pricing rule).
func (o *Order) IsResting() bool { return o.restingSinceBar }

// MarkRested flags the order as having survived its submission bar. Called
// by Matching after a pulse that left a LIMIT order still OPEN.
func (o *Order) MarkRested() { o.restingSinceBar = true }

// Manager owns the open book, the append-only historical filled log, and
// the volatile today's-fills set.
type Manager struct {
	nextID int64
	open map[int64]*Order // today's OPEN book; cleared at nightly reset
	history []*Order // append-only FILLED orders, survives resets and resume
	filledToday []*Order // volatile; cleared at nightly reset
	known []*Order // every accepted order ever (for orders.csv)
}

// NewManager creates an empty Order Manager.
func NewManager() *Manager {
	return &Manager{open: make(map[int64]*Order)}
}

// Submit validates and stores a new order. signedAmount's sign determines
// Side; its magnitude is the order quantity. Returns the new order's ID,
// or (0, false) if the submission was rejected outright (quantity
// 0/non-integer, or LIMIT with no/invalid price) — such orders are never
// stored.
func (m *Manager) Submit(symbol string, signedAmount float64, typ Type, limitPrice float64, now time.Time) (int64, bool) {
	if signedAmount == 0 || signedAmount != float64(int64(signedAmount)) {
		return 0, false
	}
	side := Buy
	amount := signedAmount
	if signedAmount < 0 {
		side = Sell
		amount = -signedAmount
	}
	if typ == Limit && limitPrice <= 0 {
		return 0, false
	}

	m.nextID++
	o := &Order{
		ID: m.nextID,
		Symbol: symbol,
		Amount: amount,
		Side: side,
		Type: typ,
		LimitPrice: limitPrice,
		CreatedAt: now,
		Status: Open,
	}
	m.open[o.ID] = o
	m.known = append(m.known, o)
	return o.ID, true
}

// Reject marks a just-submitted order REJECTED (used by Matching's risk
// gate, which evaluates before any state mutation).
func (m *Manager) Reject(id int64, reason string) {
	o, ok := m.open[id]
	if !ok {
		return
	}
	o.Status = Rejected
	o.RejectReason = reason
	delete(m.open, id)
}

// Cancel sets an OPEN order to CANCELLED. Returns false if the order is
// not OPEN (already terminal, or unknown).
func (m *Manager) Cancel(id int64) bool {
	o, ok := m.open[id]
	if !ok || o.Status != Open {
		return false
	}
	o.Status = Cancelled
	delete(m.open, id)
	return true
}

// Fill marks an OPEN order FILLED at the given price/time, appends it to
// the historical log, and records it in today's volatile fills. Only
// Matching should call this.
func (m *Manager) Fill(id int64, price float64, commission float64, at time.Time) {
	o, ok := m.open[id]
	if !ok {
		return
	}
	o.Status = Filled
	o.FilledAvgPrice = price
	o.Commission = commission
	o.FilledAt = at
	delete(m.open, id)
	m.history = append(m.history, o)
	m.filledToday = append(m.filledToday, o)
}

// Get returns the order with id, searching open orders then all known
// orders (terminal orders are no longer in the open book).
func (m *Manager) Get(id int64) (*Order, bool) {
	if o, ok := m.open[id]; ok {
		return o, true
	}
	for _, o := range m.known {
		if o.ID == id {
			return o, true
		}
	}
	return nil, false
}

// OpenOrders returns every order still OPEN in today's book, sorted by ID
// so callers that fill in this order (e.g. Matching.MatchOrders) get a
// deterministic, submission-order fill sequence instead of Go's randomized
// map iteration.
func (m *Manager) OpenOrders() []*Order {
	out := make([]*Order, 0, len(m.open))
	for _, o := range m.open {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FilledToday returns orders filled since the last day reset.
func (m *Manager) FilledToday() []*Order {
	out := make([]*Order, len(m.filledToday))
	copy(out, m.filledToday)
	return out
}

// History returns the full append-only historical filled log.
func (m *Manager) History() []*Order {
	out := make([]*Order, len(m.history))
	copy(out, m.history)
	return out
}

// AllKnown returns every order ever submitted (accepted), regardless of
// current status — used to render orders.csv.
func (m *Manager) AllKnown() []*Order {
	out := make([]*Order, len(m.known))
	copy(out, m.known)
	return out
}

// DayReset performs the nightly reset: every still-OPEN order becomes
// EXPIRED, and today's open book and volatile fills set are cleared. The
// historical filled log and the all-known log are untouched — they
// survive across days and resume.
func (m *Manager) DayReset(at time.Time) {
	for id, o := range m.open {
		o.Status = Expired
		delete(m.open, id)
	}
	m.filledToday = nil
}

// RestoreHistory replaces the historical filled log wholesale, used by
// resume (full restore) and fork (filtered to fills before the fork date).
func (m *Manager) RestoreHistory(history []*Order) {
	m.history = append([]*Order(nil), history...)
	var maxID int64
	for _, o := range history {
		if o.ID > maxID {
			maxID = o.ID
		}
	}
	if maxID > m.nextID {
		m.nextID = maxID
	}
	m.known = append([]*Order(nil), history...)
}
