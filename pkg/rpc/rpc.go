package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"multisend/pkg/metrics"
	"multisend/pkg/models"

	"github.com/charmbracelet/log"
	"github.com/ethereum/go-ethereum/ethclient"
)

var CoinGeckoBaseURL = "https://api.coingecko.com/api/v3"
var DialTimeout = 10 * time.Second
var PriceTimeout = 10 * time.Second

// Dial connects to an RPC endpoint and checks it answers eth_chainId.
func Dial(ctx context.Context, url string) (*ethclient.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, DialTimeout)
	defer cancel()

	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	if _, err := client.ChainID(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("dial %s: eth_chainId: %w", url, err)
	}
	return client, nil
}

// PriceClient queries the CoinGecko simple/price endpoint.
type PriceClient struct {
	baseURL string
	http    *http.Client
	logger  *log.Logger
	metrics *metrics.Metrics
}

// NewPriceClient uses CoinGeckoBaseURL when baseURL is empty.
func NewPriceClient(baseURL string, logger *log.Logger, m *metrics.Metrics) *PriceClient {
	if logger == nil {
		logger = log.Default()
	}
	return &PriceClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: PriceTimeout},
		logger:  logger,
		metrics: m,
	}
}

// FetchPrices returns USD quotes for ids plus the native asset. Any
// failure is logged and yields an empty map.
func (c *PriceClient) FetchPrices(ctx context.Context, ids []string) models.PriceData {
	prices := models.PriceData{}

	base := c.baseURL
	if base == "" {
		base = CoinGeckoBaseURL
	}
	url := fmt.Sprintf("%s/simple/price?ids=%s&vs_currencies=usd", base, strings.Join(withNative(ids), ","))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		c.fail("building request", err)
		return prices
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.fail("request failed", err)
		return prices
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		c.fail("unexpected status", fmt.Errorf("%s", resp.Status))
		return prices
	}

	var result map[string]map[string]float64
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		c.fail("decoding response", err)
		return prices
	}
	for id, quote := range result {
		prices[id] = models.PriceQuote{USD: quote["usd"]}
	}
	c.metrics.PriceFetch("ok")
	return prices
}

func (c *PriceClient) fail(msg string, err error) {
	c.logger.Warn("price feed: "+msg, "err", err)
	c.metrics.PriceFetch("error")
}

func withNative(ids []string) []string {
	out := make([]string, 0, len(ids)+1)
	seen := map[string]bool{}
	for _, id := range ids {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	if !seen["ethereum"] {
		out = append(out, "ethereum")
	}
	return out
}
