package orders

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"bybit-trading-agent/internal/bybit"
	"bybit-trading-agent/internal/events"
)

// mockExchange counts order placements and can fail on demand.
type mockExchange struct {
	bybit.Exchange

	placed    []bybit.OrderParams
	placeErr  error
	openOrders []bybit.Order
}

func (m *mockExchange) PlaceOrder(_ context.Context, p bybit.OrderParams) (*bybit.OrderAck, error) {
	if m.placeErr != nil {
		return nil, m.placeErr
	}
	m.placed = append(m.placed, p)
	return &bybit.OrderAck{OrderID: "ex-1", OrderLinkID: p.OrderLinkID}, nil
}

func (m *mockExchange) CancelOrder(context.Context, string, string) error     { return nil }
func (m *mockExchange) CancelAllOrders(context.Context, string) error         { return nil }
func (m *mockExchange) GetOpenOrders(context.Context, string) ([]bybit.Order, error) {
	return m.openOrders, nil
}

func testManager(ex bybit.Exchange) *Manager {
	gen := NewLinkIDGenerator(nil, zerolog.Nop())
	return NewManager(ex, gen, events.NewBus(), zerolog.Nop())
}

func entryReq(linkID string) SubmitRequest {
	return SubmitRequest{
		TradeID: "t1",
		Symbol:  "BTCUSDT",
		Side:    bybit.SideBuy,
		Type:    bybit.OrderTypeMarket,
		Qty:     2.5,
		Kind:    KindEntry,
		LinkID:  linkID,
	}
}

func TestSubmitSuccess(t *testing.T) {
	ex := &mockExchange{}
	m := testManager(ex)

	order, err := m.Submit(context.Background(), entryReq("AGT-TEST-1-E"))
	if err != nil {
		t.Fatal(err)
	}
	if order.Status != StatusNew || order.ExchangeID != "ex-1" {
		t.Errorf("order = %+v, want NEW with the exchange id", order)
	}
	if len(ex.placed) != 1 || ex.placed[0].OrderLinkID != "AGT-TEST-1-E" {
		t.Errorf("placed = %+v, want one call carrying the link id", ex.placed)
	}
}

func TestSubmitIdempotentByLinkID(t *testing.T) {
	ex := &mockExchange{}
	m := testManager(ex)

	first, err := m.Submit(context.Background(), entryReq("AGT-TEST-1-E"))
	if err != nil {
		t.Fatal(err)
	}
	second, err := m.Submit(context.Background(), entryReq("AGT-TEST-1-E"))
	if err != nil {
		t.Fatal(err)
	}

	if len(ex.placed) != 1 {
		t.Fatalf("exchange saw %d placements, want exactly 1", len(ex.placed))
	}
	if second.LinkID != first.LinkID || second.ExchangeID != first.ExchangeID {
		t.Errorf("repeat = %+v, want the prior local order %+v", second, first)
	}
}

func TestSubmitExchangeDuplicateKeepsLocal(t *testing.T) {
	ex := &mockExchange{placeErr: bybit.ErrDuplicateOrderLinkID}
	m := testManager(ex)

	order, err := m.Submit(context.Background(), entryReq("AGT-TEST-1-E"))
	if err != nil {
		t.Fatalf("a duplicate on the exchange is a success, got %v", err)
	}
	if order.Status != StatusNew {
		t.Errorf("status = %v, want NEW pending feed reconciliation", order.Status)
	}
}

func TestSubmitTimeoutMarksUnknown(t *testing.T) {
	ex := &mockExchange{placeErr: context.DeadlineExceeded}
	m := testManager(ex)

	order, err := m.Submit(context.Background(), entryReq("AGT-TEST-1-E"))
	if err == nil {
		t.Fatal("timeout must surface as an error")
	}
	if order.Status != StatusUnknown {
		t.Errorf("status = %v, want UNKNOWN", order.Status)
	}
}

func TestSubmitRejected(t *testing.T) {
	ex := &mockExchange{placeErr: errors.New("insufficient margin")}
	m := testManager(ex)

	order, err := m.Submit(context.Background(), entryReq("AGT-TEST-1-E"))
	if err == nil {
		t.Fatal("rejection must surface as an error")
	}
	if order.Status != StatusRejected {
		t.Errorf("status = %v, want REJECTED", order.Status)
	}
}

func TestFeedDrivesFillCallback(t *testing.T) {
	ex := &mockExchange{}
	m := testManager(ex)

	var fills []LocalOrder
	m.OnFilled(func(o LocalOrder) { fills = append(fills, o) })

	m.Submit(context.Background(), entryReq("AGT-TEST-1-E"))

	m.HandleFeed([]bybit.Order{{
		OrderLinkID:  "AGT-TEST-1-E",
		OrderID:      "ex-1",
		Symbol:       "BTCUSDT",
		Status:       "PartiallyFilled",
		FilledQty:    1,
		AvgFillPrice: 100,
	}})
	if len(fills) != 0 {
		t.Fatal("partial fill must not fire the terminal callback")
	}

	m.HandleFeed([]bybit.Order{{
		OrderLinkID:  "AGT-TEST-1-E",
		OrderID:      "ex-1",
		Symbol:       "BTCUSDT",
		Status:       "Filled",
		FilledQty:    2.5,
		AvgFillPrice: 100.2,
	}})
	if len(fills) != 1 || fills[0].AvgFillPrice != 100.2 {
		t.Fatalf("fills = %+v, want one terminal fill at 100.2", fills)
	}

	// A late repeat of the same terminal update is dropped.
	m.HandleFeed([]bybit.Order{{
		OrderLinkID: "AGT-TEST-1-E", Status: "Filled",
	}})
	if len(fills) != 1 {
		t.Error("terminal states must not re-fire")
	}
}

func TestUpdateHandlerSeesEveryStatusChange(t *testing.T) {
	ex := &mockExchange{}
	m := testManager(ex)

	var seen []Status
	m.OnUpdate(func(o LocalOrder) { seen = append(seen, o.Status) })

	m.Submit(context.Background(), entryReq("AGT-TEST-1-E"))
	m.HandleFeed([]bybit.Order{{
		OrderLinkID: "AGT-TEST-1-E", OrderID: "ex-1", Symbol: "BTCUSDT",
		Status: "PartiallyFilled", FilledQty: 1, AvgFillPrice: 100,
	}})
	m.HandleFeed([]bybit.Order{{
		OrderLinkID: "AGT-TEST-1-E", OrderID: "ex-1", Symbol: "BTCUSDT",
		Status: "Filled", FilledQty: 2.5, AvgFillPrice: 100.2,
	}})

	want := []Status{StatusNew, StatusPartiallyFilled, StatusFilled}
	if len(seen) != len(want) {
		t.Fatalf("handler saw %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("handler saw %v, want %v", seen, want)
		}
	}
}

func TestUpdateHandlerSeesFailuresAndCancels(t *testing.T) {
	ex := &mockExchange{placeErr: errors.New("insufficient margin")}
	m := testManager(ex)

	var seen []Status
	m.OnUpdate(func(o LocalOrder) { seen = append(seen, o.Status) })

	m.Submit(context.Background(), entryReq("AGT-TEST-1-E"))
	if len(seen) != 1 || seen[0] != StatusRejected {
		t.Fatalf("handler saw %v, want [REJECTED]", seen)
	}

	ex.placeErr = nil
	m.Submit(context.Background(), entryReq("AGT-TEST-2-E"))
	m.CancelAll(context.Background(), "BTCUSDT")
	if len(seen) != 3 || seen[2] != StatusCancelled {
		t.Fatalf("handler saw %v, want a trailing CANCELLED", seen)
	}
}

func TestFeedIgnoresForeignOrders(t *testing.T) {
	m := testManager(&mockExchange{})
	var fills int
	m.OnFilled(func(LocalOrder) { fills++ })

	m.HandleFeed([]bybit.Order{{OrderLinkID: "someone-elses", Status: "Filled"}})
	if fills != 0 {
		t.Error("orders we never placed must be ignored")
	}
}

func TestReconcileResolvesUnknown(t *testing.T) {
	ex := &mockExchange{placeErr: context.DeadlineExceeded}
	m := testManager(ex)
	m.Submit(context.Background(), entryReq("AGT-LOST-1-E"))
	ex.placeErr = context.DeadlineExceeded
	m.Submit(context.Background(), entryReq("AGT-LOST-2-E"))

	// The poll finds only the first order; the second never made it.
	ex.openOrders = []bybit.Order{{OrderLinkID: "AGT-LOST-1-E", OrderID: "ex-9", Status: "New"}}
	if err := m.Reconcile(context.Background(), "BTCUSDT"); err != nil {
		t.Fatal(err)
	}

	if o, _ := m.Get("AGT-LOST-1-E"); o.Status != StatusNew || o.ExchangeID != "ex-9" {
		t.Errorf("found order = %+v, want NEW with exchange id", o)
	}
	if o, _ := m.Get("AGT-LOST-2-E"); o.Status != StatusCancelled {
		t.Errorf("missing order = %+v, want CANCELLED", o)
	}
}

func TestGeneratorFallbackShape(t *testing.T) {
	gen := NewLinkIDGenerator(nil, zerolog.Nop())

	id, err := gen.Generate(context.Background(), KindEntry)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(id, "AGT-F-") || !strings.HasSuffix(id, "-E") {
		t.Errorf("fallback id = %q, want AGT-F-<hex>-E", id)
	}
	if len(id) > MaxLinkIDLength {
		t.Errorf("id %q exceeds the %d-char exchange limit", id, MaxLinkIDLength)
	}

	// Two IDs must differ.
	other, _ := gen.Generate(context.Background(), KindEntry)
	if id == other {
		t.Error("fallback ids must be unique")
	}
}

func TestCancelAllMarksLocalOrders(t *testing.T) {
	ex := &mockExchange{}
	m := testManager(ex)
	m.Submit(context.Background(), entryReq("AGT-TEST-1-E"))

	if err := m.CancelAll(context.Background(), "BTCUSDT"); err != nil {
		t.Fatal(err)
	}
	if o, _ := m.Get("AGT-TEST-1-E"); o.Status != StatusCancelled {
		t.Errorf("status = %v, want CANCELLED", o.Status)
	}
	if got := m.OpenOrders("BTCUSDT"); len(got) != 0 {
		t.Errorf("open orders = %+v, want none", got)
	}
}
