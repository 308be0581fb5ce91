package rpc

import (
	"context"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Hardhat's first dev account.
const testKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// newRPCServer answers JSON-RPC calls with handle's result. Unknown methods
// get "0x0".
func newRPCServer(t *testing.T, handle func(req rpcRequest) any) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		result := handle(req)
		if result == nil {
			result = "0x0"
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  result,
		})
	}))
	t.Cleanup(server.Close)
	return server
}

func header(baseFee string) map[string]any {
	h := map[string]any{
		"number":           "0x1000",
		"hash":             "0x0000000000000000000000000000000000000000000000000000000000000001",
		"parentHash":       "0x0000000000000000000000000000000000000000000000000000000000000002",
		"sha3Uncles":       "0x1dcc4de8dec75d7aab85b567b6ccd41ad312451b948a7413f0a142fd40d49347",
		"timestamp":        "0x5f5e1000",
		"miner":            "0x0000000000000000000000000000000000000000",
		"gasLimit":         "0x1c9c380",
		"gasUsed":          "0x0",
		"difficulty":       "0x0",
		"extraData":        "0x",
		"mixHash":          "0x0000000000000000000000000000000000000000000000000000000000000000",
		"nonce":            "0x0000000000000000",
		"stateRoot":        "0x0000000000000000000000000000000000000000000000000000000000000000",
		"receiptsRoot":     "0x0000000000000000000000000000000000000000000000000000000000000000",
		"transactionsRoot": "0x0000000000000000000000000000000000000000000000000000000000000001",
		"logsBloom":        "0x" + strings.Repeat("00", 256),
	}
	if baseFee != "" {
		h["baseFeePerGas"] = baseFee
	}
	return h
}

// chainServer fakes a node and records submitted transactions.
type chainServer struct {
	mu      sync.Mutex
	baseFee string
	sent    []*types.Transaction
}

func (c *chainServer) handle(t *testing.T) func(req rpcRequest) any {
	return func(req rpcRequest) any {
		switch req.Method {
		case "eth_chainId":
			return "0x1"
		case "eth_getBlockByNumber":
			return header(c.baseFee)
		case "eth_getTransactionCount":
			return "0x7"
		case "eth_estimateGas":
			return "0x5208"
		case "eth_maxPriorityFeePerGas":
			return "0x3b9aca00"
		case "eth_gasPrice":
			return "0x4a817c800"
		case "eth_sendRawTransaction":
			var raw string
			tx := new(types.Transaction)
			if !assert.NoError(t, json.Unmarshal(req.Params[0], &raw)) || !assert.NoError(t, tx.UnmarshalBinary(hexutil.MustDecode(raw))) {
				return nil
			}
			c.mu.Lock()
			c.sent = append(c.sent, tx)
			c.mu.Unlock()
			return tx.Hash().Hex()
		}
		return nil
	}
}

func TestDial(t *testing.T) {
	chain := &chainServer{}
	server := newRPCServer(t, chain.handle(t))

	client, err := Dial(context.Background(), server.URL)
	require.NoError(t, err)
	client.Close()

	_, err = Dial(context.Background(), "ftp://nowhere")
	assert.Error(t, err)
}

func TestWallet_SendNativeDynamicFee(t *testing.T) {
	chain := &chainServer{baseFee: "0x3b9aca00"}
	server := newRPCServer(t, chain.handle(t))
	client, err := Dial(context.Background(), server.URL)
	require.NoError(t, err)
	defer client.Close()

	w, err := NewWallet(context.Background(), client, "0x"+testKey)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"), w.Address())
	assert.Equal(t, int64(1), w.ChainID().Int64())

	to := common.HexToAddress("0x1111111111111111111111111111111111111111")
	hash, err := w.SendNative(context.Background(), to, big.NewInt(1e18))
	require.NoError(t, err)

	require.Len(t, chain.sent, 1)
	tx := chain.sent[0]
	assert.Equal(t, hash, tx.Hash())
	assert.Equal(t, uint8(types.DynamicFeeTxType), tx.Type())
	assert.Equal(t, uint64(7), tx.Nonce())
	assert.Equal(t, uint64(21000), tx.Gas())
	assert.Equal(t, big.NewInt(1_000_000_000), tx.GasTipCap())
	assert.Equal(t, big.NewInt(3_000_000_000), tx.GasFeeCap())
	assert.Equal(t, to, *tx.To())
	assert.Equal(t, big.NewInt(1e18), tx.Value())

	from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(1)), tx)
	require.NoError(t, err)
	assert.Equal(t, w.Address(), from)
}

func TestWallet_WriteContractLegacy(t *testing.T) {
	chain := &chainServer{}
	server := newRPCServer(t, chain.handle(t))
	client, err := Dial(context.Background(), server.URL)
	require.NoError(t, err)
	defer client.Close()

	w, err := NewWallet(context.Background(), client, testKey)
	require.NoError(t, err)

	target := common.HexToAddress("0xcA11bde05977b3631167028862bE2a173976CA11")
	data := []byte{0x25, 0x2d, 0xba, 0x42}
	_, err = w.WriteContract(context.Background(), target, data)
	require.NoError(t, err)

	require.Len(t, chain.sent, 1)
	tx := chain.sent[0]
	assert.Equal(t, uint8(types.LegacyTxType), tx.Type())
	assert.Equal(t, big.NewInt(20_000_000_000), tx.GasPrice())
	assert.Equal(t, data, tx.Data())
	assert.Zero(t, tx.Value().Sign())
}

func TestNewWallet_BadKey(t *testing.T) {
	chain := &chainServer{}
	server := newRPCServer(t, chain.handle(t))
	client, err := Dial(context.Background(), server.URL)
	require.NoError(t, err)
	defer client.Close()

	_, err = NewWallet(context.Background(), client, "")
	assert.ErrorIs(t, err, ErrNoKey)

	_, err = NewWallet(context.Background(), client, "0xnothex")
	assert.Error(t, err)
}

func TestFetchPrices(t *testing.T) {
	var gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("ids")
		_ = json.NewEncoder(w).Encode(map[string]map[string]float64{
			"ethereum": {"usd": 2500.50},
			"usd-coin": {"usd": 1.0},
		})
	}))
	defer server.Close()

	originalURL := CoinGeckoBaseURL
	CoinGeckoBaseURL = server.URL
	defer func() { CoinGeckoBaseURL = originalURL }()

	c := NewPriceClient("", log.New(io.Discard), nil)
	prices := c.FetchPrices(context.Background(), []string{"usd-coin", "usd-coin", ""})

	assert.Equal(t, "usd-coin,ethereum", gotQuery)
	assert.Equal(t, 2500.50, prices.USD("ethereum"))
	assert.Equal(t, 1.0, prices.USD("usd-coin"))
	assert.Zero(t, prices.USD("dai"))
}

func TestFetchPrices_Failures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}},
		{"rate limited", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"ethereum":{"usd":1}}`))
		}},
		{"malformed body", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("<html>"))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			c := NewPriceClient(server.URL, log.New(io.Discard), nil)
			prices := c.FetchPrices(context.Background(), []string{"dai"})
			assert.NotNil(t, prices)
			assert.Empty(t, prices)
		})
	}
}

func TestFetchPrices_Unreachable(t *testing.T) {
	c := NewPriceClient("http://127.0.0.1:1", log.New(io.Discard), nil)
	assert.Empty(t, c.FetchPrices(context.Background(), nil))
}

func TestProbeChainID(t *testing.T) {
	chain := &chainServer{}
	server := newRPCServer(t, chain.handle(t))
	client, err := Dial(context.Background(), server.URL)
	require.NoError(t, err)
	defer client.Close()

	res := ProbeChainID(context.Background(), client, server.URL, 0)
	assert.Equal(t, "ok", res.Status)
	assert.Equal(t, int64(1), res.ChainID)
	assert.Empty(t, res.Error)

	res = ProbeChainID(context.Background(), client, server.URL, 10)
	assert.Equal(t, "ok", res.Status)
	assert.Contains(t, res.Error, "expected 10")
}

func TestCheckContracts(t *testing.T) {
	withCode := common.HexToAddress("0xcA11bde05977b3631167028862bE2a173976CA11")
	server := newRPCServer(t, func(req rpcRequest) any {
		switch req.Method {
		case "eth_chainId":
			return "0x7a69"
		case "eth_getCode":
			var addr string
			_ = json.Unmarshal(req.Params[0], &addr)
			if strings.EqualFold(addr, withCode.Hex()) {
				return "0x6080604052"
			}
			return "0x"
		}
		return nil
	})
	client, err := Dial(context.Background(), server.URL)
	require.NoError(t, err)
	defer client.Close()

	empty := common.HexToAddress("0x2222222222222222222222222222222222222222")
	checks := CheckContracts(context.Background(), client, []NamedContract{
		{Name: "aggregator", Address: withCode},
		{Name: "multicall", Address: empty},
	})
	require.Len(t, checks, 2)
	assert.True(t, checks[0].HasCode)
	assert.Equal(t, "aggregator", checks[0].Name)
	assert.False(t, checks[1].HasCode)
	assert.Empty(t, checks[1].Error)
	assert.Equal(t, "multicall", checks[1].Name)

	assert.Empty(t, CheckContracts(context.Background(), client, nil))
}
