package agent

import (
	"context"
	"fmt"
	"strings"

	"bybit-trading-agent/internal/api"
	"bybit-trading-agent/internal/risk"
	"bybit-trading-agent/internal/strategy"
	"bybit-trading-agent/internal/trade"
)

// Enter runs the admission pipeline and, when it passes, places the
// entry. The contract is the receipt either way.
func (a *Agent) Enter(ctx context.Context, intent trade.Intent) (*trade.Contract, *trade.Rejection) {
	a.mu.RLock()
	degraded := a.degraded
	a.mu.RUnlock()
	if degraded {
		return nil, &trade.Rejection{
			Code:    trade.RejectBusy,
			Message: "private feed is down; entries are rejected until it reconnects",
		}
	}

	contract, rej := a.builder.Build(ctx, intent)
	if rej != nil {
		return nil, rej
	}
	return a.executor.ExecuteEntry(ctx, contract)
}

// Exit closes pct% of the open position. 100 is a full close.
func (a *Agent) Exit(ctx context.Context, symbol string, pct float64) error {
	if pct >= 100 {
		return a.executor.CloseFull(ctx, symbol, trade.ExitManual)
	}
	return a.executor.ClosePartial(ctx, symbol, pct)
}

// Pause and Resume are the operator switch; unlike the degraded-mode
// pause, this state is persisted and survives restarts.
func (a *Agent) Pause() {
	a.machine.Pause()
	a.saveSetting(settingPaused, true)
}

func (a *Agent) Resume() {
	a.machine.Resume()
	a.saveSetting(settingPaused, false)
}

// Unlock clears an anti-revenge lock without waiting for the opposite
// signal. Explicit operator action only.
func (a *Agent) Unlock(symbol string) {
	a.machine.ForceUnlock(symbol)
}

// Status is the one-call overview for the UI header.
func (a *Agent) Status() map[string]interface{} {
	a.mu.RLock()
	degraded := a.degraded
	equity := a.lastEquity
	symbols := make([]string, 0, len(a.evaluators))
	for s := range a.evaluators {
		symbols = append(symbols, s)
	}
	a.mu.RUnlock()

	return map[string]interface{}{
		"paused":    a.machine.Paused(),
		"degraded":  degraded,
		"equity":    equity,
		"symbols":   symbols,
		"breaker":   a.breaker.Snapshot(),
		"machine":   a.machine.Snapshots(),
		"positions": a.tracker.All(),
		"watches":   a.watches.List(),
		"trades":    a.executor.ActiveTrades(),
	}
}

// HandleChat parses one command line and executes it. Every refusal
// comes back as a structured message, never a silent drop.
func (a *Agent) HandleChat(ctx context.Context, message string) api.ChatResponse {
	intent := ParseCommand(message)

	switch intent.Action {
	case trade.ActionEnterLong, trade.ActionEnterShort:
		if intent.Symbol == "" {
			return chatFail("entry", "which symbol? e.g. \"long btcusdt risk 1\"")
		}
		contract, rej := a.Enter(ctx, intent)
		if rej != nil {
			resp := api.ChatResponse{
				Success: false,
				Type:    "rejection",
				Message: rej.Message,
				Data:    rej,
			}
			if rej.Suggestion != "" {
				resp.Message += " — " + rej.Suggestion
			}
			return resp
		}
		return api.ChatResponse{
			Success: true,
			Type:    "entry",
			Message: fmt.Sprintf("%s %s qty %v @ risk %.2f USD, SL %.6g / %.6g",
				contract.Side, contract.Symbol, contract.Entry.Qty,
				contract.Entry.RiskUSD, contract.SL.Strategic, contract.SL.Emergency),
			Data: contract,
		}

	case trade.ActionClose, trade.ActionClosePartial:
		if intent.Symbol == "" {
			return chatFail("exit", "which symbol?")
		}
		pct := intent.ClosePct
		if pct <= 0 {
			pct = 100
		}
		if err := a.Exit(ctx, intent.Symbol, pct); err != nil {
			return chatFail("exit", err.Error())
		}
		return chatOK("exit", fmt.Sprintf("closing %.0f%% of %s", pct, intent.Symbol))

	case trade.ActionCancelOrder:
		if intent.Symbol == "" {
			return chatFail("cancel", "which symbol?")
		}
		if err := a.orderMgr.CancelAll(ctx, intent.Symbol); err != nil {
			return chatFail("cancel", err.Error())
		}
		return chatOK("cancel", "open orders cancelled for "+intent.Symbol)

	case trade.ActionMoveSL:
		return a.chatMoveSL(ctx, intent)

	case trade.ActionSetTP:
		return a.chatSetTP(ctx, intent)

	case trade.ActionSetTrail:
		if intent.Symbol == "" {
			return chatFail("trail", "which symbol?")
		}
		mode := intent.TrailMode
		if mode == "" {
			mode = risk.TrailSupertrend
		}
		a.trails.SetMode(intent.Symbol, mode, mode != risk.TrailNone)
		return chatOK("trail", fmt.Sprintf("trailing on %s set to %s", intent.Symbol, mode))

	case trade.ActionPause:
		a.Pause()
		return chatOK("pause", "agent paused; no new entries until resume")

	case trade.ActionResume:
		a.Resume()
		return chatOK("resume", "agent resumed")

	case trade.ActionUnlock:
		if intent.Symbol == "" {
			return chatFail("unlock", "which symbol?")
		}
		a.Unlock(intent.Symbol)
		return chatOK("unlock", intent.Symbol+" unlocked")

	case trade.ActionWatchCreate:
		return chatFail("watch", "watch rules carry too many fields for chat; use POST /agent/watch")

	case trade.ActionWatchCancel:
		if intent.WatchID == "" {
			return chatFail("watch", "which watch id? e.g. \"unwatch 3f2a…\"")
		}
		if !a.watches.Cancel(intent.WatchID) {
			return chatFail("watch", "no active watch with that id")
		}
		return chatOK("watch", "watch "+intent.WatchID+" cancelled")

	case trade.ActionOpinion:
		return a.chatOpinion(intent.Symbol)

	case trade.ActionInfo:
		if intent.Symbol != "" {
			if st, ok := a.engine.State(intent.Symbol); ok {
				return api.ChatResponse{Success: true, Type: "state", Message: describeState(st), Data: st}
			}
			return chatFail("state", intent.Symbol+" is not registered")
		}
		return api.ChatResponse{Success: true, Type: "status", Message: "agent status", Data: a.Status()}
	}

	return chatFail("unknown", "commands: long, short, close, cancel, sl, tp, trail, pause, resume, unlock, unwatch, opinion, status")
}

func (a *Agent) chatMoveSL(ctx context.Context, intent trade.Intent) api.ChatResponse {
	if intent.Symbol == "" || intent.SLPrice <= 0 {
		return chatFail("stop-loss", "usage: \"sl btcusdt 96000\"")
	}
	moved, err := a.stops.Pin(ctx, intent.Symbol, intent.SLPrice)
	if err != nil {
		return chatFail("stop-loss", err.Error())
	}
	if !moved {
		return chatFail("stop-loss", "refused: stops only move in the trade's favor")
	}
	return chatOK("stop-loss", fmt.Sprintf("%s stop moved to %.6g", intent.Symbol, intent.SLPrice))
}

func (a *Agent) chatSetTP(ctx context.Context, intent trade.Intent) api.ChatResponse {
	if intent.Symbol == "" || intent.TPPrice <= 0 {
		return chatFail("take-profit", "usage: \"tp btcusdt 105000\"")
	}
	levels, ok := a.stops.Get(intent.Symbol)
	if !ok {
		return chatFail("take-profit", "no managed position on "+intent.Symbol)
	}
	if err := a.client.SetTradingStop(ctx, intent.Symbol, 0, intent.TPPrice, levels.TickSize); err != nil {
		return chatFail("take-profit", err.Error())
	}
	return chatOK("take-profit", fmt.Sprintf("%s take profit set to %.6g", intent.Symbol, intent.TPPrice))
}

// chatOpinion is advisory only: it reads state and renders it, it never
// trades.
func (a *Agent) chatOpinion(symbol string) api.ChatResponse {
	if symbol == "" {
		return chatFail("opinion", "which symbol? e.g. \"opinion btcusdt\"")
	}
	st, ok := a.engine.State(symbol)
	if !ok {
		return chatFail("opinion", symbol+" is not registered")
	}
	if st.Warmup {
		return api.ChatResponse{Success: true, Type: "opinion",
			Message: symbol + " is still warming up; no opinion yet", Data: st}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s on the %sm chart. ", symbol, strings.ToLower(string(st.Bias)), st.Timeframe)
	fmt.Fprintf(&b, "Supertrend %s at %.6g, structure %s. ",
		strings.ToLower(string(st.Snapshot.SupertrendDir)), st.Snapshot.SupertrendValue,
		strings.ToLower(string(st.Snapshot.StructureBias)))
	switch {
	case st.AllowLongEntry && st.AllowShortEntry:
		b.WriteString("Both directions are open")
	case st.AllowLongEntry:
		b.WriteString("Longs are allowed, shorts are gated")
	case st.AllowShortEntry:
		b.WriteString("Shorts are allowed, longs are gated")
	default:
		b.WriteString("Both directions are gated")
	}
	if st.Tag != strategy.TagNone {
		fmt.Fprintf(&b, " (%s)", st.Tag)
	}
	b.WriteString(".")
	if st.RiskWarning {
		b.WriteString(" Caution: " + st.RiskWarningMsg)
	}

	return api.ChatResponse{
		Success: true,
		Type:    "opinion",
		Message: describeState(st),
		Opinion: b.String(),
		Data:    st,
	}
}

func describeState(st strategy.State) string {
	if st.Warmup {
		return st.Symbol + ": warming up"
	}
	return fmt.Sprintf("%s: bias %s, supertrend %s, structure %s, long=%t short=%t",
		st.Symbol, st.Bias, st.Snapshot.SupertrendDir, st.Snapshot.StructureBias,
		st.AllowLongEntry, st.AllowShortEntry)
}

func chatOK(kind, msg string) api.ChatResponse {
	return api.ChatResponse{Success: true, Type: kind, Message: msg}
}

func chatFail(kind, msg string) api.ChatResponse {
	return api.ChatResponse{Success: false, Type: kind, Message: msg}
}
