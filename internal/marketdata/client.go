// Package marketdata implements the vendor REST client the pipeline reads
// quotes, option chains, dealer-gamma snapshots, and market hours from.
//
// Every call runs through three layers: a token-bucket rate limiter keeping
// us under the vendor's per-minute quota, a shared circuit breaker that opens
// after consecutive transport failures, and resty's retry for transient 5xx.
// GEX snapshots are additionally coalesced per symbol, so a burst of signals
// on the same underlying costs one upstream request.
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/singleflight"

	"github.com/HaloHealthAfrica/optionsengine/internal/config"
	"github.com/HaloHealthAfrica/optionsengine/pkg/types"
)

// ErrNoPrice marks a quote the vendor knows about but has no price for
// (halted, expired, or stale contract). Callers treat it differently from a
// transport failure: the order fails, the pipeline does not retry.
var ErrNoPrice = errors.New("marketdata: no price available")

// MarketHours is the vendor's session snapshot.
type MarketHours struct {
	IsMarketOpen      bool `json:"is_market_open"`
	MinutesUntilClose int  `json:"minutes_until_close"`
}

// Client is the vendor REST client.
type Client struct {
	http    *resty.Client
	breaker *gobreaker.CircuitBreaker[*resty.Response]
	gexSF   singleflight.Group
	quoteRL *TokenBucket
	chainRL *TokenBucket
	logger  *slog.Logger
}

// NewClient builds the client from config.
func NewClient(cfg config.MarketDataConfig, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.RequestTimeout).
		SetRetryCount(2).
		SetRetryWaitTime(250 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Authorization", "Bearer "+cfg.APIKey).
		SetHeader("Accept", "application/json")

	breaker := gobreaker.NewCircuitBreaker[*resty.Response](gobreaker.Settings{
		Name:        "marketdata",
		MaxRequests: 2,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Client{
		http:    httpClient,
		breaker: breaker,
		quoteRL: NewTokenBucket(60, 2),
		chainRL: NewTokenBucket(20, 0.5),
		logger:  logger.With("component", "marketdata"),
	}
}

// BreakerState reports the circuit state for the monitoring endpoint.
func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}

// get runs one GET through the rate limiter and circuit breaker.
func (c *Client) get(ctx context.Context, rl *TokenBucket, path string, params map[string]string, result any) error {
	if err := rl.Wait(ctx); err != nil {
		return err
	}

	resp, err := c.breaker.Execute(func() (*resty.Response, error) {
		r, err := c.http.R().
			SetContext(ctx).
			SetQueryParams(params).
			SetResult(result).
			Get(path)
		if err != nil {
			return nil, err
		}
		if r.StatusCode() >= 500 {
			return nil, fmt.Errorf("%s: status %d", path, r.StatusCode())
		}
		return r, nil
	})
	if err != nil {
		return fmt.Errorf("get %s: %w", path, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("get %s: status %d: %s", path, resp.StatusCode(), resp.String())
	}
	return nil
}

// StockPrice fetches the current underlying price.
func (c *Client) StockPrice(ctx context.Context, symbol string) (float64, error) {
	var result struct {
		Symbol string   `json:"symbol"`
		Price  *float64 `json:"price"`
	}
	if err := c.get(ctx, c.quoteRL, "/v1/quotes/stock", map[string]string{"symbol": symbol}, &result); err != nil {
		return 0, err
	}
	if result.Price == nil || *result.Price <= 0 {
		return 0, ErrNoPrice
	}
	return *result.Price, nil
}

// OptionPrice fetches the mid price for one contract. A null price from the
// vendor returns ErrNoPrice.
func (c *Client) OptionPrice(ctx context.Context, symbol string, strike float64, expiration time.Time, optType types.OptionType) (float64, error) {
	var result struct {
		Mid *float64 `json:"mid"`
	}
	params := map[string]string{
		"symbol":     symbol,
		"strike":     fmt.Sprintf("%g", strike),
		"expiration": expiration.Format("2006-01-02"),
		"type":       string(optType),
	}
	if err := c.get(ctx, c.quoteRL, "/v1/quotes/option", params, &result); err != nil {
		return 0, err
	}
	if result.Mid == nil || *result.Mid <= 0 {
		return 0, ErrNoPrice
	}
	return *result.Mid, nil
}

// OptionQuote fetches the full quote row for one contract, including greeks
// and book depth. The exit monitor reads spread and theta from it.
func (c *Client) OptionQuote(ctx context.Context, symbol string, strike float64, expiration time.Time, optType types.OptionType) (types.OptionContract, error) {
	var result chainRow
	params := map[string]string{
		"symbol":     symbol,
		"strike":     fmt.Sprintf("%g", strike),
		"expiration": expiration.Format("2006-01-02"),
		"type":       string(optType),
		"detail":     "full",
	}
	if err := c.get(ctx, c.quoteRL, "/v1/quotes/option", params, &result); err != nil {
		return types.OptionContract{}, err
	}
	result.Expiration = expiration.Format("2006-01-02")
	contract, err := result.toContract(symbol)
	if err != nil {
		return types.OptionContract{}, err
	}
	if contract.Mid() <= 0 {
		return types.OptionContract{}, ErrNoPrice
	}
	return contract, nil
}

// OptionsChain fetches the full chain for a symbol.
func (c *Client) OptionsChain(ctx context.Context, symbol string) ([]types.OptionContract, error) {
	var result struct {
		Chain []chainRow `json:"chain"`
	}
	if err := c.get(ctx, c.chainRL, "/v1/chains", map[string]string{"symbol": symbol}, &result); err != nil {
		return nil, err
	}

	chain := make([]types.OptionContract, 0, len(result.Chain))
	for _, row := range result.Chain {
		contract, err := row.toContract(symbol)
		if err != nil {
			c.logger.Warn("skipping malformed chain row", "symbol", symbol, "error", err)
			continue
		}
		chain = append(chain, contract)
	}
	return chain, nil
}

// Gex fetches the dealer-gamma snapshot for a symbol. Concurrent callers on
// the same symbol share one outstanding request.
func (c *Client) Gex(ctx context.Context, symbol string) (*types.GexData, error) {
	v, err, _ := c.gexSF.Do(symbol, func() (any, error) {
		var result struct {
			State     string  `json:"state"`
			NetGamma  float64 `json:"net_gamma"`
			FlipPoint float64 `json:"flip_point"`
		}
		if err := c.get(ctx, c.quoteRL, "/v1/gex", map[string]string{"symbol": symbol}, &result); err != nil {
			return nil, err
		}
		return &types.GexData{
			Symbol:    symbol,
			State:     types.GexState(result.State),
			NetGamma:  result.NetGamma,
			FlipPoint: result.FlipPoint,
			FetchedAt: time.Now().UTC(),
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.GexData), nil
}

// OptionsFlow fetches the latest flow prints for a symbol as raw JSON; the
// store archives it opaquely.
func (c *Client) OptionsFlow(ctx context.Context, symbol string, limit int) ([]byte, error) {
	if err := c.quoteRL.Wait(ctx); err != nil {
		return nil, err
	}

	resp, err := c.breaker.Execute(func() (*resty.Response, error) {
		r, err := c.http.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"symbol": symbol,
				"limit":  fmt.Sprintf("%d", limit),
			}).
			Get("/v1/flow")
		if err != nil {
			return nil, err
		}
		if r.StatusCode() >= 500 {
			return nil, fmt.Errorf("/v1/flow: status %d", r.StatusCode())
		}
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("get /v1/flow: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get /v1/flow: status %d", resp.StatusCode())
	}
	return resp.Body(), nil
}

// Hours fetches the market session snapshot.
func (c *Client) Hours(ctx context.Context) (*MarketHours, error) {
	var result MarketHours
	if err := c.get(ctx, c.quoteRL, "/v1/market/hours", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// chainRow is the vendor's wire shape for one chain entry.
type chainRow struct {
	OptionSymbol string  `json:"option_symbol"`
	Strike       float64 `json:"strike"`
	Expiration   string  `json:"expiration"`
	Type         string  `json:"type"`
	Bid          float64 `json:"bid"`
	Ask          float64 `json:"ask"`
	Last         float64 `json:"last"`
	Delta        float64 `json:"delta"`
	Gamma        float64 `json:"gamma"`
	Theta        float64 `json:"theta"`
	Vega         float64 `json:"vega"`
	IV           float64 `json:"iv"`
	OpenInterest int     `json:"open_interest"`
	Volume       int     `json:"volume"`
}

func (r chainRow) toContract(underlying string) (types.OptionContract, error) {
	exp, err := time.Parse("2006-01-02", r.Expiration)
	if err != nil {
		return types.OptionContract{}, fmt.Errorf("parse expiration %q: %w", r.Expiration, err)
	}
	return types.OptionContract{
		Symbol:       r.OptionSymbol,
		Underlying:   underlying,
		Strike:       r.Strike,
		Expiration:   exp,
		Type:         types.OptionType(r.Type),
		Bid:          r.Bid,
		Ask:          r.Ask,
		Last:         r.Last,
		Delta:        r.Delta,
		Gamma:        r.Gamma,
		Theta:        r.Theta,
		Vega:         r.Vega,
		IV:           r.IV,
		OpenInterest: r.OpenInterest,
		Volume:       r.Volume,
	}, nil
}
