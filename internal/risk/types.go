package risk

// 风控拒绝原因为稳定的机读标识，写入合规记录后不可再变更语义。
const (
	ReasonSymbolNotAllowed         = "symbol_not_allowed"
	ReasonNotionalExceeded         = "notional_exceeded"
	ReasonLeverageExceeded         = "leverage_exceeded"
	ReasonConfidenceBelowThreshold = "confidence_below_threshold"
	ReasonExposureExceeded         = "exposure_exceeded"
)

// Verdict 为风控校验结论。
type Verdict struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// Approve 构造通过结论。
func Approve() Verdict {
	return Verdict{Approved: true}
}

// Reject 构造拒绝结论。
func Reject(reason, detail string) Verdict {
	return Verdict{
		Approved: false,
		Reason:   reason,
		Detail:   detail,
	}
}

// DailyStatus 描述当日风控累计状态。
type DailyStatus struct {
	TradingDate   string  `json:"trading_date"`
	StartEquity   float64 `json:"start_equity"`
	CurrentEquity float64 `json:"current_equity"`
	LossPercent   float64 `json:"loss_percent"`
	Halted        bool    `json:"halted"`
}
