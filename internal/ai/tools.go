package ai

import (
	"encoding/json"

	"github.com/sashabaranov/go-openai"
)

// 模型可调用的只读工具名称。工具集是封闭的，未注册的名称一律拒绝。
const (
	ToolGetMarketData          = "get_market_data"
	ToolGetTechnicalIndicators = "get_technical_indicators"
	ToolGetAccountStatus       = "get_account_status"
	ToolGetFundingRate         = "get_funding_rate"
)

// MarketDataArgs 为 get_market_data 的入参。
type MarketDataArgs struct {
	Symbol string `json:"symbol"`
}

// IndicatorArgs 为 get_technical_indicators 的入参。
type IndicatorArgs struct {
	Symbol     string   `json:"symbol"`
	Indicators []string `json:"indicators,omitempty"`
}

// FundingRateArgs 为 get_funding_rate 的入参。
type FundingRateArgs struct {
	Symbol string `json:"symbol"`
}

// ToolDefinitions 返回提供给模型的完整工具清单。
func ToolDefinitions() []openai.Tool {
	return []openai.Tool{
		{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        ToolGetMarketData,
				Description: "获取指定交易对的实时行情：最新价、24小时涨跌、盘口深度与1小时K线。",
				Parameters: json.RawMessage(`{
					"type": "object",
					"properties": {
						"symbol": {
							"type": "string",
							"description": "交易对名称，例如 BTC/USDT:USDT"
						}
					},
					"required": ["symbol"]
				}`),
			},
		},
		{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        ToolGetTechnicalIndicators,
				Description: "基于1小时K线计算技术指标。可选指标: rsi, ema_20, ema_50, macd, bollinger, atr；未指定时返回默认组合。",
				Parameters: json.RawMessage(`{
					"type": "object",
					"properties": {
						"symbol": {
							"type": "string",
							"description": "交易对名称，例如 BTC/USDT:USDT"
						},
						"indicators": {
							"type": "array",
							"items": {"type": "string"},
							"description": "需要计算的指标列表，可选"
						}
					},
					"required": ["symbol"]
				}`),
			},
		},
		{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        ToolGetAccountStatus,
				Description: "获取账户资金与持仓状况：总权益、可用余额、未实现盈亏、各交易对持仓。",
				Parameters: json.RawMessage(`{
					"type": "object",
					"properties": {}
				}`),
			},
		},
		{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        ToolGetFundingRate,
				Description: "获取永续合约当前资金费率与下次结算时间。",
				Parameters: json.RawMessage(`{
					"type": "object",
					"properties": {
						"symbol": {
							"type": "string",
							"description": "交易对名称，例如 BTC/USDT:USDT"
						}
					},
					"required": ["symbol"]
				}`),
			},
		},
	}
}
