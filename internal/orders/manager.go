package orders

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"bybit-trading-agent/internal/bybit"
	"bybit-trading-agent/internal/events"
	"bybit-trading-agent/internal/metrics"
)

// Status is the local order lifecycle status.
type Status string

const (
	StatusNew             Status = "NEW"
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	StatusFilled          Status = "FILLED"
	StatusCancelled       Status = "CANCELLED"
	StatusRejected        Status = "REJECTED"
	// StatusUnknown marks an order whose submission timed out; it is
	// resolved from the next private-feed update or an open-orders poll.
	StatusUnknown Status = "UNKNOWN"
)

// terminal reports whether a status can no longer change.
func terminal(s Status) bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusRejected
}

// LocalOrder is the local shadow of one exchange order.
type LocalOrder struct {
	LinkID       string     `json:"link_id"`
	ExchangeID   string     `json:"exchange_id,omitempty"`
	TradeID      string     `json:"trade_id,omitempty"`
	Symbol       string     `json:"symbol"`
	Side         bybit.Side `json:"side"`
	Type         bybit.OrderType `json:"type"`
	Qty          float64    `json:"qty"`
	Price        float64    `json:"price,omitempty"`
	ReduceOnly   bool       `json:"reduce_only"`
	Kind         OrderKind  `json:"kind"`
	Status       Status     `json:"status"`
	AvgFillPrice float64    `json:"avg_fill_price,omitempty"`
	FilledQty    float64    `json:"filled_qty,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// FillHandler receives terminal fills. Called synchronously from the
// private-feed reactor so downstream work stays ordered.
type FillHandler func(order LocalOrder)

// UpdateHandler receives a copy of the local order after every status
// change. The agent wires it to persistence.
type UpdateHandler func(order LocalOrder)

// Manager is the idempotent order gateway. Submitting the same link ID
// twice returns the prior local order without touching the exchange.
type Manager struct {
	mu     sync.RWMutex
	orders map[string]*LocalOrder // by link ID

	exchange bybit.Exchange
	gen      *LinkIDGenerator
	bus      *events.Bus
	logger   zerolog.Logger

	onFilled FillHandler
	onUpdate UpdateHandler
}

// NewManager creates the order manager.
func NewManager(exchange bybit.Exchange, gen *LinkIDGenerator, bus *events.Bus, logger zerolog.Logger) *Manager {
	return &Manager{
		orders:   make(map[string]*LocalOrder),
		exchange: exchange,
		gen:      gen,
		bus:      bus,
		logger:   logger.With().Str("component", "OrderManager").Logger(),
	}
}

// OnFilled sets the terminal-fill handler.
func (m *Manager) OnFilled(fn FillHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFilled = fn
}

// OnUpdate sets the status-change handler.
func (m *Manager) OnUpdate(fn UpdateHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onUpdate = fn
}

// notifyUpdate hands a snapshot to the update handler. Never called
// with mu held; the handler may call back into the manager.
func (m *Manager) notifyUpdate(o LocalOrder) {
	m.mu.RLock()
	fn := m.onUpdate
	m.mu.RUnlock()
	if fn != nil {
		fn(o)
	}
}

// SubmitRequest describes one order submission.
type SubmitRequest struct {
	TradeID    string
	Symbol     string
	Side       bybit.Side
	Type       bybit.OrderType
	Qty        float64
	Price      float64 // limit orders
	StopLoss   float64
	TakeProfit float64
	ReduceOnly bool
	Kind       OrderKind
	QtyStep    float64
	TickSize   float64
	// LinkID pins the idempotency key; empty means generate one.
	LinkID string
}

// Submit places one order. The link ID is the idempotency key: a repeat
// submission returns the existing local order and does not reach the
// exchange.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (LocalOrder, error) {
	linkID := req.LinkID
	if linkID == "" {
		var err error
		linkID, err = m.gen.Generate(ctx, req.Kind)
		if err != nil {
			return LocalOrder{}, fmt.Errorf("generate link id: %w", err)
		}
	}

	m.mu.Lock()
	if existing, ok := m.orders[linkID]; ok {
		prior := *existing
		m.mu.Unlock()
		m.logger.Info().Str("link_id", linkID).Msg("Duplicate submission suppressed")
		return prior, nil
	}
	local := &LocalOrder{
		LinkID:     linkID,
		TradeID:    req.TradeID,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Type:       req.Type,
		Qty:        req.Qty,
		Price:      req.Price,
		ReduceOnly: req.ReduceOnly,
		Kind:       req.Kind,
		Status:     StatusNew,
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
	m.orders[linkID] = local
	m.mu.Unlock()

	ack, err := m.exchange.PlaceOrder(ctx, bybit.OrderParams{
		Symbol:      req.Symbol,
		Side:        req.Side,
		Type:        req.Type,
		Qty:         req.Qty,
		Price:       req.Price,
		StopLoss:    req.StopLoss,
		TakeProfit:  req.TakeProfit,
		ReduceOnly:  req.ReduceOnly,
		OrderLinkID: linkID,
		QtyStep:     req.QtyStep,
		TickSize:    req.TickSize,
	})

	m.mu.Lock()
	var submitErr error
	switch {
	case err == nil:
		local.ExchangeID = ack.OrderID
		local.UpdatedAt = time.Now().UTC()

	case errors.Is(err, bybit.ErrDuplicateOrderLinkID):
		// The exchange already has this order (a retry raced a prior
		// success). The private feed reconciles the exchange ID.
		m.logger.Warn().Str("link_id", linkID).Msg("Exchange reports duplicate link ID, keeping local order")

	case errors.Is(err, context.DeadlineExceeded):
		local.Status = StatusUnknown
		local.UpdatedAt = time.Now().UTC()
		submitErr = fmt.Errorf("submit %s: %w", linkID, err)

	default:
		local.Status = StatusRejected
		local.UpdatedAt = time.Now().UTC()
		submitErr = fmt.Errorf("submit %s: %w", linkID, err)
	}
	snapshot := *local
	m.mu.Unlock()

	m.notifyUpdate(snapshot)

	switch snapshot.Status {
	case StatusUnknown:
		m.bus.Emit(events.EventOrderUnknown, req.Symbol, req.TradeID, "order submission timed out", map[string]interface{}{
			"link_id": linkID,
		})
		return snapshot, submitErr
	case StatusRejected:
		m.bus.Emit(events.EventOrderRejected, req.Symbol, req.TradeID, err.Error(), map[string]interface{}{
			"link_id": linkID,
		})
		return snapshot, submitErr
	}

	metrics.OrdersSubmitted.WithLabelValues(string(req.Kind)).Inc()
	m.bus.Emit(events.EventOrderPlaced, req.Symbol, req.TradeID, "", map[string]interface{}{
		"link_id":     linkID,
		"side":        req.Side,
		"qty":         req.Qty,
		"reduce_only": req.ReduceOnly,
	})
	return snapshot, nil
}

// HandleFeed folds a private-feed order batch into local state. Called
// by the private-feed reactor goroutine only.
func (m *Manager) HandleFeed(updates []bybit.Order) {
	for _, u := range updates {
		m.applyUpdate(u)
	}
}

func (m *Manager) applyUpdate(u bybit.Order) {
	if u.OrderLinkID == "" {
		return
	}

	m.mu.Lock()
	local, ok := m.orders[u.OrderLinkID]
	if !ok {
		// Externally placed or pre-restart order; not ours to track.
		m.mu.Unlock()
		return
	}
	if terminal(local.Status) {
		m.mu.Unlock()
		return
	}

	local.ExchangeID = u.OrderID
	local.AvgFillPrice = u.AvgFillPrice
	local.FilledQty = u.FilledQty
	local.Status = mapStatus(u.Status)
	local.UpdatedAt = time.Now().UTC()
	snapshot := *local
	onFilled := m.onFilled
	m.mu.Unlock()

	m.notifyUpdate(snapshot)

	switch snapshot.Status {
	case StatusFilled:
		m.bus.Emit(events.EventOrderFilled, snapshot.Symbol, snapshot.TradeID, "", map[string]interface{}{
			"link_id":        snapshot.LinkID,
			"avg_fill_price": snapshot.AvgFillPrice,
			"filled_qty":     snapshot.FilledQty,
		})
		if onFilled != nil {
			onFilled(snapshot)
		}
	case StatusCancelled:
		m.bus.Emit(events.EventOrderCancelled, snapshot.Symbol, snapshot.TradeID, "", map[string]interface{}{
			"link_id": snapshot.LinkID,
		})
	case StatusRejected:
		m.bus.Emit(events.EventOrderRejected, snapshot.Symbol, snapshot.TradeID, "", map[string]interface{}{
			"link_id": snapshot.LinkID,
		})
	}
}

func mapStatus(s string) Status {
	switch s {
	case "New", "Untriggered", "Triggered":
		return StatusNew
	case "PartiallyFilled":
		return StatusPartiallyFilled
	case "Filled":
		return StatusFilled
	case "Cancelled", "Deactivated", "PartiallyFilledCanceled":
		return StatusCancelled
	case "Rejected":
		return StatusRejected
	}
	return StatusUnknown
}

// Get returns the local order for a link ID.
func (m *Manager) Get(linkID string) (LocalOrder, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if o, ok := m.orders[linkID]; ok {
		return *o, true
	}
	return LocalOrder{}, false
}

// Cancel cancels one order by link ID. Already-gone orders count as
// success.
func (m *Manager) Cancel(ctx context.Context, symbol, linkID string) error {
	if err := m.exchange.CancelOrder(ctx, symbol, linkID); err != nil {
		return err
	}
	m.mu.Lock()
	var changed []LocalOrder
	if o, ok := m.orders[linkID]; ok && !terminal(o.Status) {
		o.Status = StatusCancelled
		o.UpdatedAt = time.Now().UTC()
		changed = append(changed, *o)
	}
	m.mu.Unlock()

	for _, o := range changed {
		m.notifyUpdate(o)
	}
	return nil
}

// CancelAll cancels every open order for a symbol.
func (m *Manager) CancelAll(ctx context.Context, symbol string) error {
	if err := m.exchange.CancelAllOrders(ctx, symbol); err != nil {
		return err
	}
	m.mu.Lock()
	var changed []LocalOrder
	for _, o := range m.orders {
		if o.Symbol == symbol && !terminal(o.Status) {
			o.Status = StatusCancelled
			o.UpdatedAt = time.Now().UTC()
			changed = append(changed, *o)
		}
	}
	m.mu.Unlock()

	for _, o := range changed {
		m.notifyUpdate(o)
	}
	return nil
}

// OpenOrders returns local orders for a symbol that are not terminal.
func (m *Manager) OpenOrders(symbol string) []LocalOrder {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []LocalOrder
	for _, o := range m.orders {
		if o.Symbol == symbol && !terminal(o.Status) {
			out = append(out, *o)
		}
	}
	return out
}

// Reconcile resolves UNKNOWN orders for a symbol against a REST
// open-orders poll. Orders absent from the exchange move to CANCELLED.
func (m *Manager) Reconcile(ctx context.Context, symbol string) error {
	open, err := m.exchange.GetOpenOrders(ctx, symbol)
	if err != nil {
		return err
	}

	byLink := make(map[string]bybit.Order, len(open))
	for _, o := range open {
		byLink[o.OrderLinkID] = o
	}

	m.mu.Lock()
	var changed []LocalOrder
	for _, local := range m.orders {
		if local.Symbol != symbol || local.Status != StatusUnknown {
			continue
		}
		if remote, ok := byLink[local.LinkID]; ok {
			local.ExchangeID = remote.OrderID
			local.Status = mapStatus(remote.Status)
		} else {
			local.Status = StatusCancelled
		}
		local.UpdatedAt = time.Now().UTC()
		changed = append(changed, *local)
	}
	m.mu.Unlock()

	for _, o := range changed {
		m.notifyUpdate(o)
	}
	return nil
}
