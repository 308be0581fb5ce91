package models

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Token is an entry of the token registry.
type Token struct {
	Address  common.Address `json:"address"`
	Symbol   string         `json:"symbol"`
	Name     string         `json:"name"`
	Decimals uint8          `json:"decimals"`
	IsNative bool           `json:"isNative"`
	PriceID  string         `json:"priceId"` // CoinGecko ID
}

// RecipientStatus tracks a recipient through a send.
type RecipientStatus string

const (
	StatusInitial RecipientStatus = "initial"
	StatusPending RecipientStatus = "pending"
	StatusSending RecipientStatus = "sending"
	StatusSuccess RecipientStatus = "success"
	StatusFailed  RecipientStatus = "failed"
)

// Recipient is one row of the multi-send form.
type Recipient struct {
	ID      string          `json:"id"`
	Address string          `json:"address"`
	Amount  string          `json:"amount"`
	Status  RecipientStatus `json:"status"`
	TxHash  string          `json:"txHash,omitempty"`
}

// GasEstimate compares one-tx-per-recipient against a single batched call.
type GasEstimate struct {
	IndividualGas    uint64  `json:"individualGas"`
	BatchGas         uint64  `json:"batchGas"`
	SavingsPercent   float64 `json:"savingsPercent"`
	IndividualFeeEth string  `json:"individualFeeEth"`
	BatchFeeEth      string  `json:"batchFeeEth"`
}

// ActualGasUsed reconciles a mined transaction against its estimate.
type ActualGasUsed struct {
	EstimatedPerTx  uint64  `json:"estimatedPerTx"`
	ActualGas       uint64  `json:"actualGas"`
	AccuracyPercent float64 `json:"accuracyPercent"`
}

// TokenBalance is a normalized, priced balance of one token.
type TokenBalance struct {
	Address  common.Address `json:"address"`
	Symbol   string         `json:"symbol"`
	Name     string         `json:"name"`
	Balance  string         `json:"balance"`
	Decimals uint8          `json:"decimals"`
	USDPrice float64        `json:"usdPrice"`
	USDValue float64        `json:"usdValue"`
}

// PriceQuote holds the fiat quotes for one asset.
type PriceQuote struct {
	USD float64 `json:"usd"`
}

// PriceData maps a price-feed ID to its quote.
type PriceData map[string]PriceQuote

// USD returns the USD price for id, or 0 when it is unknown.
func (p PriceData) USD(id string) float64 {
	if p == nil || id == "" {
		return 0
	}
	return p[id].USD
}

// ContractCall describes a single read against a contract.
type ContractCall struct {
	Target common.Address
	Method string
	Args   []any
}

// CallStatus is the outcome of one call inside a batch.
type CallStatus string

const (
	CallSuccess CallStatus = "success"
	CallFailure CallStatus = "failure"
)

// CallResult holds the decoded outcome of a ContractCall.
type CallResult struct {
	Status CallStatus
	Result any
	Err    error
}

// Portfolio is the outcome of one refresh.
type Portfolio struct {
	Owner      common.Address `json:"owner"`
	Balances   []TokenBalance `json:"balances"`
	Prices     PriceData      `json:"prices"`
	EthBalance string         `json:"ethBalance"`
	TotalUSD   float64        `json:"totalUsd"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// ReadComparison times the batched read against the individual reads.
type ReadComparison struct {
	Batched            time.Duration `json:"batched"`
	Individual         time.Duration `json:"individual"`
	BatchedRequests    int           `json:"batchedRequests"`
	IndividualRequests int           `json:"individualRequests"`
	MeasuredAt         time.Time     `json:"measuredAt"`
}

// Strategy selects how a multi-send is executed.
type Strategy string

const (
	StrategyIndividual Strategy = "individual"
	StrategyBatch      Strategy = "batch"
)

// DispatchReport summarizes one send run.
type DispatchReport struct {
	RunID      string    `json:"runId"`
	Strategy   Strategy  `json:"strategy"`
	Token      string    `json:"token"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	TxHashes   []string  `json:"txHashes"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}

// RPCResult holds test results for the configured RPC URL.
type RPCResult struct {
	URL     string `json:"url"`
	Status  string `json:"status"` // "ok" or "error"
	ChainID int64  `json:"chain_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ContractCheck reports whether a configured contract address has code.
type ContractCheck struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	HasCode bool   `json:"has_code"`
	Error   string `json:"error,omitempty"`
}

// TestReport holds the results of the configuration test.
type TestReport struct {
	ConfigPath      string          `json:"config_path"`
	ValidStructure  bool            `json:"valid_structure"`
	StructureErrors []string        `json:"structure_errors,omitempty"`
	TokenCount      int             `json:"token_count"`
	RPC             *RPCResult      `json:"rpc,omitempty"`
	ConfigChainID   int64           `json:"config_chain_id"`
	ChainIDUpdated  bool            `json:"chain_id_updated"`
	Contracts       []ContractCheck `json:"contracts,omitempty"`
	ConfigUpdated   bool            `json:"config_updated"`
	SaveError       string          `json:"save_error,omitempty"`
	DryRun          bool            `json:"dry_run"`
}
