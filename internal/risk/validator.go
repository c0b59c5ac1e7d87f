package risk

import (
	"fmt"
	"strings"

	"fenyr-trader/internal/account"
	"fenyr-trader/internal/ai"
	"fenyr-trader/internal/config"
)

// Validator 对终局决策做确定性的风控校验。
// 纯函数实现：无副作用、无外部调用，相同输入必然得到相同结论。
type Validator struct {
	cfg config.RiskConfig
}

// NewValidator 创建风控校验器。
func NewValidator(cfg config.RiskConfig) *Validator {
	return &Validator{cfg: cfg}
}

// Validate 按固定顺序执行风控检查，遇到第一个失败立即返回：
// 交易对白名单 → 单笔名义价值 → 杠杆上限 → 信心度下限 → 合并敞口。
// HOLD 决策不进入执行环节，直接放行。
func (v *Validator) Validate(decision ai.Decision, acct account.State, markPrice float64) Verdict {
	if !decision.IsActionable() {
		return Approve()
	}

	if !v.symbolAllowed(decision.Symbol) {
		return Reject(ReasonSymbolNotAllowed,
			fmt.Sprintf("交易对 %s 不在允许列表中", decision.Symbol))
	}

	isOpen := decision.Signal == ai.SignalOpenLong || decision.Signal == ai.SignalOpenShort

	if isOpen {
		if markPrice <= 0 {
			return Reject(ReasonNotionalExceeded,
				fmt.Sprintf("缺少有效市价，无法核算名义价值: %f", markPrice))
		}

		notional := decision.Size * markPrice
		if notional > v.cfg.MaxPositionNotional {
			return Reject(ReasonNotionalExceeded,
				fmt.Sprintf("名义价值 %.2f 超过上限 %.2f", notional, v.cfg.MaxPositionNotional))
		}

		if verdict := v.checkLeverage(acct, notional); !verdict.Approved {
			return verdict
		}
	}

	// 低信心决策会在上游退化为 HOLD，这里仍然重复校验兜底。
	if decision.Confidence < v.cfg.MinConfidence {
		return Reject(ReasonConfidenceBelowThreshold,
			fmt.Sprintf("信心度 %.2f 低于下限 %.2f", decision.Confidence, v.cfg.MinConfidence))
	}

	if isOpen {
		notional := decision.Size * markPrice
		if existing, ok := acct.PositionFor(decision.Symbol); ok {
			combined := existing.Notional + notional
			if combined > v.cfg.MaxPositionNotional {
				return Reject(ReasonExposureExceeded,
					fmt.Sprintf("合并敞口 %.2f 超过上限 %.2f", combined, v.cfg.MaxPositionNotional))
			}
		}
	}

	return Approve()
}

func (v *Validator) symbolAllowed(symbol string) bool {
	for _, allowed := range v.cfg.AllowedSymbols {
		if strings.EqualFold(allowed, symbol) {
			return true
		}
	}
	return false
}

func (v *Validator) checkLeverage(acct account.State, newNotional float64) Verdict {
	if acct.TotalEquity <= 0 {
		return Reject(ReasonLeverageExceeded,
			fmt.Sprintf("账户净值无效: %.2f", acct.TotalEquity))
	}

	resulting := (acct.TotalNotional + newNotional) / acct.TotalEquity
	if resulting > v.cfg.MaxLeverage {
		return Reject(ReasonLeverageExceeded,
			fmt.Sprintf("预计杠杆 %.2f 超过上限 %.2f", resulting, v.cfg.MaxLeverage))
	}

	return Approve()
}
