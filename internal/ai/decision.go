package ai

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Signal 表示终局决策信号。
type Signal string

const (
	SignalOpenLong  Signal = "OPEN_LONG"
	SignalOpenShort Signal = "OPEN_SHORT"
	SignalClose     Signal = "CLOSE"
	SignalHold      Signal = "HOLD"
)

var validSignals = map[Signal]struct{}{
	SignalOpenLong:  {},
	SignalOpenShort: {},
	SignalClose:     {},
	SignalHold:      {},
}

// Decision 表示大模型输出的终局交易决策，一经产生不可变更。
type Decision struct {
	Signal     Signal  `json:"signal"`
	Symbol     string  `json:"symbol"`
	Size       float64 `json:"size"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
}

// Hold 构造安全的观望决策。协商失败、迭代超限等情形一律退化为 HOLD。
func Hold(symbol, reason string) Decision {
	return Decision{
		Signal:     SignalHold,
		Symbol:     symbol,
		Size:       0,
		Confidence: 0,
		Rationale:  reason,
	}
}

// IsActionable 判断决策是否需要进入风控与执行阶段。
func (d Decision) IsActionable() bool {
	return d.Signal == SignalOpenLong || d.Signal == SignalOpenShort || d.Signal == SignalClose
}

// Validate 校验决策字段合法性。
func (d Decision) Validate() error {
	signal := Signal(strings.ToUpper(strings.TrimSpace(string(d.Signal))))
	if signal == "" {
		return errors.New("signal 不能为空")
	}
	if _, ok := validSignals[signal]; !ok {
		return fmt.Errorf("signal 字段取值非法: %s", d.Signal)
	}

	if strings.TrimSpace(d.Symbol) == "" {
		return errors.New("symbol 不能为空")
	}

	if d.Size < 0 {
		return fmt.Errorf("size 不能为负，当前为 %f", d.Size)
	}
	if (signal == SignalOpenLong || signal == SignalOpenShort) && d.Size <= 0 {
		return errors.New("size 必须大于0 (OPEN_LONG/OPEN_SHORT)")
	}

	if d.Confidence < 0 || d.Confidence > 1 {
		return fmt.Errorf("confidence 必须在 [0,1] 区间，目前为 %f", d.Confidence)
	}

	if signal != SignalHold && strings.TrimSpace(d.Rationale) == "" {
		return errors.New("rationale 不能为空")
	}

	return nil
}

// ParseDecision 从模型输出文本中提取并解析决策 JSON。
func ParseDecision(content string) (Decision, error) {
	payload, err := extractJSON(content)
	if err != nil {
		return Decision{}, err
	}

	var decision Decision
	if err = json.Unmarshal(payload, &decision); err != nil {
		return Decision{}, fmt.Errorf("解析决策JSON失败: %w", err)
	}
	decision.Signal = Signal(strings.ToUpper(strings.TrimSpace(string(decision.Signal))))

	if err := decision.Validate(); err != nil {
		return Decision{}, err
	}

	return decision, nil
}

func extractJSON(content string) ([]byte, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")

	if start == -1 || end == -1 || end <= start {
		return nil, fmt.Errorf("模型输出未找到有效JSON: %s", content)
	}

	return []byte(content[start : end+1]), nil
}
