package risk

import (
	"testing"

	"fenyr-trader/internal/account"
	"fenyr-trader/internal/ai"
	"fenyr-trader/internal/config"
)

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		AllowedSymbols:      []string{"BTC/USDT:USDT", "ETH/USDT:USDT"},
		MaxPositionNotional: 10000,
		MaxLeverage:         20,
		MinConfidence:       0.6,
	}
}

func testAccount() account.State {
	return account.State{
		TotalEquity:  50000,
		AvailableUSD: 40000,
	}
}

func openLong(size, confidence float64) ai.Decision {
	return ai.Decision{
		Signal:     ai.SignalOpenLong,
		Symbol:     "BTC/USDT:USDT",
		Size:       size,
		Confidence: confidence,
		Rationale:  "test",
	}
}

func TestValidate_ApprovesWithinLimits(t *testing.T) {
	v := NewValidator(testRiskConfig())

	verdict := v.Validate(openLong(0.1, 0.8), testAccount(), 50000)
	if !verdict.Approved {
		t.Fatalf("expected approval, got reason=%s detail=%s", verdict.Reason, verdict.Detail)
	}
}

func TestValidate_HoldAlwaysApproved(t *testing.T) {
	v := NewValidator(testRiskConfig())

	hold := ai.Hold("XRP/USDT:USDT", "nothing to do")
	verdict := v.Validate(hold, account.State{}, 0)
	if !verdict.Approved {
		t.Fatalf("expected HOLD approval, got reason=%s", verdict.Reason)
	}
}

func TestValidate_SymbolNotAllowed(t *testing.T) {
	v := NewValidator(testRiskConfig())

	decision := openLong(0.1, 0.8)
	decision.Symbol = "SHIB/USDT:USDT"

	verdict := v.Validate(decision, testAccount(), 50000)
	if verdict.Approved {
		t.Fatalf("expected rejection for disallowed symbol")
	}
	if verdict.Reason != ReasonSymbolNotAllowed {
		t.Errorf("expected reason %s, got %s", ReasonSymbolNotAllowed, verdict.Reason)
	}
}

func TestValidate_NotionalExceeded(t *testing.T) {
	v := NewValidator(testRiskConfig())

	// 0.5 * 50000 = 25000 > 10000 上限。
	verdict := v.Validate(openLong(0.5, 0.9), testAccount(), 50000)
	if verdict.Approved {
		t.Fatalf("expected rejection for oversized notional")
	}
	if verdict.Reason != ReasonNotionalExceeded {
		t.Errorf("expected reason %s, got %s", ReasonNotionalExceeded, verdict.Reason)
	}
}

func TestValidate_LeverageExceeded(t *testing.T) {
	v := NewValidator(testRiskConfig())

	acct := testAccount()
	acct.TotalEquity = 400
	acct.TotalNotional = 0

	// 0.18 * 50000 = 9000 名义价值在单笔限额内，但 9000/400 = 22.5x 超过杠杆上限。
	verdict := v.Validate(openLong(0.18, 0.9), acct, 50000)
	if verdict.Approved {
		t.Fatalf("expected rejection for excessive leverage")
	}
	if verdict.Reason != ReasonLeverageExceeded {
		t.Errorf("expected reason %s, got %s", ReasonLeverageExceeded, verdict.Reason)
	}
}

func TestValidate_ConfidenceBelowThreshold(t *testing.T) {
	v := NewValidator(testRiskConfig())

	verdict := v.Validate(openLong(0.1, 0.4), testAccount(), 50000)
	if verdict.Approved {
		t.Fatalf("expected rejection for low confidence")
	}
	if verdict.Reason != ReasonConfidenceBelowThreshold {
		t.Errorf("expected reason %s, got %s", ReasonConfidenceBelowThreshold, verdict.Reason)
	}
}

func TestValidate_ExposureExceeded(t *testing.T) {
	v := NewValidator(testRiskConfig())

	acct := testAccount()
	acct.Positions = []account.Position{
		{
			Symbol:   "BTC/USDT:USDT",
			Side:     "LONG",
			Size:     0.12,
			Notional: 6000,
		},
	}
	acct.TotalNotional = 6000

	// 单笔 0.1*50000=5000 在限额内，但与现有 6000 敞口合并后超过 10000。
	verdict := v.Validate(openLong(0.1, 0.9), acct, 50000)
	if verdict.Approved {
		t.Fatalf("expected rejection for combined exposure")
	}
	if verdict.Reason != ReasonExposureExceeded {
		t.Errorf("expected reason %s, got %s", ReasonExposureExceeded, verdict.Reason)
	}
}

func TestValidate_CheckOrderShortCircuits(t *testing.T) {
	v := NewValidator(testRiskConfig())

	// 同时违反白名单、名义价值与信心度，必须先报白名单。
	decision := openLong(10, 0.1)
	decision.Symbol = "SHIB/USDT:USDT"

	verdict := v.Validate(decision, testAccount(), 50000)
	if verdict.Reason != ReasonSymbolNotAllowed {
		t.Fatalf("expected first failing check %s, got %s", ReasonSymbolNotAllowed, verdict.Reason)
	}

	// 白名单通过后，名义价值先于信心度被检查。
	decision.Symbol = "BTC/USDT:USDT"
	verdict = v.Validate(decision, testAccount(), 50000)
	if verdict.Reason != ReasonNotionalExceeded {
		t.Fatalf("expected %s before confidence check, got %s", ReasonNotionalExceeded, verdict.Reason)
	}
}

func TestValidate_CloseSkipsNotionalChecks(t *testing.T) {
	v := NewValidator(testRiskConfig())

	decision := ai.Decision{
		Signal:     ai.SignalClose,
		Symbol:     "ETH/USDT:USDT",
		Size:       0,
		Confidence: 0.7,
		Rationale:  "take profit",
	}

	verdict := v.Validate(decision, testAccount(), 0)
	if !verdict.Approved {
		t.Fatalf("expected CLOSE approval without mark price, got reason=%s", verdict.Reason)
	}
}
