package agent

import (
	"strconv"
	"strings"

	"bybit-trading-agent/internal/risk"
	"bybit-trading-agent/internal/trade"
)

// ParseCommand turns one chat line into an Intent. The grammar is flat:
// a verb, an optional symbol, then keyword/value pairs in any order.
//
//	long btcusdt risk 1 lev 5 sl 96 tp rr 2 trail supertrend
//	short ethusdt risk 0.5 sl swing
//	close btcusdt 50%
//	pause | resume | unlock btcusdt | status | opinion btcusdt
func ParseCommand(text string) trade.Intent {
	intent := trade.Intent{Action: trade.ActionUnknown, Raw: text}

	fields := strings.Fields(strings.ToLower(strings.TrimSpace(text)))
	if len(fields) == 0 {
		return intent
	}

	verb := fields[0]
	args := fields[1:]

	switch verb {
	case "long", "buy":
		intent.Action = trade.ActionEnterLong
	case "short", "sell":
		intent.Action = trade.ActionEnterShort
	case "close", "exit":
		intent.Action = trade.ActionClose
	case "cancel":
		intent.Action = trade.ActionCancelOrder
	case "sl", "stoploss", "stop-loss":
		intent.Action = trade.ActionMoveSL
	case "tp", "takeprofit", "take-profit":
		intent.Action = trade.ActionSetTP
	case "trail":
		intent.Action = trade.ActionSetTrail
	case "pause", "halt":
		intent.Action = trade.ActionPause
		return intent
	case "resume", "unpause":
		intent.Action = trade.ActionResume
		return intent
	case "unlock":
		intent.Action = trade.ActionUnlock
		if len(args) > 0 {
			intent.Symbol = normalizeSymbol(args[0])
		}
		return intent
	case "watch":
		intent.Action = trade.ActionWatchCreate
	case "unwatch":
		intent.Action = trade.ActionWatchCancel
		if len(args) > 0 {
			intent.WatchID = args[0]
		}
		return intent
	case "opinion", "advise":
		intent.Action = trade.ActionOpinion
	case "status", "info", "state":
		intent.Action = trade.ActionInfo
	default:
		return intent
	}

	if len(args) > 0 && !isKeyword(args[0]) {
		intent.Symbol = normalizeSymbol(args[0])
		args = args[1:]
	}

	parseKeywords(&intent, args)
	return intent
}

// isKeyword reports whether a token starts a key/value pair instead of
// naming a symbol.
func isKeyword(tok string) bool {
	switch tok {
	case "risk", "usd", "lev", "leverage", "sl", "tp", "trail", "limit", "rr":
		return true
	}
	return strings.HasSuffix(tok, "%")
}

func parseKeywords(intent *trade.Intent, args []string) {
	for i := 0; i < len(args); i++ {
		tok := args[i]

		// Bare percentage: partial close amount.
		if strings.HasSuffix(tok, "%") {
			if v, err := strconv.ParseFloat(strings.TrimSuffix(tok, "%"), 64); err == nil {
				intent.ClosePct = v
				if intent.Action == trade.ActionClose && v < 100 {
					intent.Action = trade.ActionClosePartial
				}
			}
			continue
		}

		if i+1 >= len(args) {
			return
		}
		val := args[i+1]

		switch tok {
		case "risk":
			if v, err := strconv.ParseFloat(val, 64); err == nil {
				intent.RiskPct = v
			}
			i++
		case "usd":
			if v, err := strconv.ParseFloat(val, 64); err == nil {
				intent.RiskUSD = v
			}
			i++
		case "lev", "leverage":
			if v, err := strconv.Atoi(val); err == nil {
				intent.Leverage = v
			}
			i++
		case "limit":
			if v, err := strconv.ParseFloat(val, 64); err == nil {
				intent.LimitPrice = v
			}
			i++
		case "sl":
			switch val {
			case "swing":
				intent.SLRule = risk.SLRuleSwing
			case "supertrend", "st":
				intent.SLRule = risk.SLRuleSupertrend
			default:
				if v, err := strconv.ParseFloat(val, 64); err == nil {
					intent.SLRule = risk.SLRulePrice
					intent.SLPrice = v
				}
			}
			i++
		case "tp":
			switch val {
			case "rr":
				intent.TPRule = trade.TPRuleRR
				if i+2 < len(args) {
					if v, err := strconv.ParseFloat(args[i+2], 64); err == nil {
						intent.TPRatio = v
						i++
					}
				}
			case "structure":
				intent.TPRule = trade.TPRuleStructure
			default:
				if v, err := strconv.ParseFloat(val, 64); err == nil {
					intent.TPRule = trade.TPRulePrice
					intent.TPPrice = v
				}
			}
			i++
		case "rr":
			intent.TPRule = trade.TPRuleRR
			if v, err := strconv.ParseFloat(val, 64); err == nil {
				intent.TPRatio = v
			}
			i++
		case "trail":
			switch val {
			case "supertrend", "st":
				intent.TrailMode = risk.TrailSupertrend
			case "structure", "swing":
				intent.TrailMode = risk.TrailStructure
			case "off", "none":
				intent.TrailMode = risk.TrailNone
			}
			i++
		}
	}
}

// normalizeSymbol upcases and appends the USDT quote when missing, so
// "btc" and "BTCUSDT" both work.
func normalizeSymbol(s string) string {
	sym := strings.ToUpper(s)
	if !strings.HasSuffix(sym, "USDT") && !strings.HasSuffix(sym, "USDC") && !strings.HasSuffix(sym, "PERP") {
		sym += "USDT"
	}
	return sym
}
