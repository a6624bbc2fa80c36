package exchange

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/leo20251128/aigame/config"
)

// Credentials is the API key/secret/passphrase triple carried by the caller.
type Credentials struct {
	APIKey     string
	SecretKey  string
	Passphrase string
}

// Connection is a snapshot of the adapter's endpoint state for the operator
// surface.
type Connection struct {
	ActiveURL           string    `json:"active_url"`
	PrimaryURL          string    `json:"primary_url"`
	BackupURL           string    `json:"backup_url"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastHealthCheck     time.Time `json:"last_health_check"`
	BreakerState        string    `json:"breaker_state"`
}

// Error is surfaced when a call fails after retries and failover.
type Error struct {
	Op   string
	Code string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("exchange %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("exchange %s failed: %s (code %s)", e.Op, e.Msg, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Balance is the account equity view.
type Balance struct {
	TotalEquity   float64 `json:"total_equity"`
	Available     float64 `json:"available"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}

// Position is an exchange-reported position. The exchange is authoritative;
// local ledgers reconcile against this.
type Position struct {
	Coin          string    `json:"coin"`
	Side          string    `json:"side"` // "long" or "short"
	Contracts     float64   `json:"contracts"`
	Quantity      float64   `json:"quantity"` // coin units (contracts x ctVal)
	AvgPrice      float64   `json:"avg_price"`
	MarkPrice     float64   `json:"mark_price"`
	Leverage      float64   `json:"leverage"`
	Margin        float64   `json:"margin"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	Notional      float64   `json:"notional"`
	CreatedAt     time.Time `json:"created_at"`
}

// Instrument describes contract sizing constraints for one swap.
type Instrument struct {
	CtVal float64 // coin units per contract
	LotSz float64
	MinSz float64
}

// OrderRequest is a market order submission.
type OrderRequest struct {
	Coin       string
	Side       string // "buy" or "sell"
	PosSide    string // "long" or "short"
	Contracts  float64
	ReduceOnly bool
}

// Order is the exchange's acknowledgement of a submitted order.
type Order struct {
	OrderID       string
	ClientOrderID string
	State         string
	FillPrice     float64
	FillSize      float64
	Fee           float64
}

// Retryable OKX business codes (rate limit, system busy).
var retryableCodes = map[string]bool{
	"50011": true,
	"50013": true,
	"50026": true,
}

// Client is the signed REST adapter with primary/backup failover.
type Client struct {
	creds Credentials

	primaryURL string
	backupURL  string

	autoSwitch        bool
	preferPrimary     bool
	failoverThreshold int
	demo              bool

	retry   RetryPolicy
	breaker *APIBreaker

	httpClient *http.Client

	mu                  sync.Mutex // guards endpoint state
	activeURL           string
	consecutiveFailures int
	lastHealthCheck     time.Time

	cacheMu           sync.RWMutex
	balanceCache      *Balance
	balanceCachedAt   time.Time
	positionsCache    []Position
	positionsCachedAt time.Time
}

const accountCacheTTL = 15 * time.Second

// New builds the adapter from configuration and caller-provided credentials.
func New(cfg config.ExchangeConfig, creds Credentials, demo bool) *Client {
	active := cfg.PrimaryURL
	if cfg.UseBackup {
		active = cfg.BackupURL
	}
	retry := RetryPolicy{
		MaxAttempts: cfg.MaxRetries,
		BaseDelay:   time.Duration(cfg.RetryDelaySeconds) * time.Second,
		MaxDelay:    30 * time.Second,
	}
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryPolicy()
	}
	return &Client{
		creds:             creds,
		primaryURL:        strings.TrimSuffix(cfg.PrimaryURL, "/"),
		backupURL:         strings.TrimSuffix(cfg.BackupURL, "/"),
		activeURL:         strings.TrimSuffix(active, "/"),
		autoSwitch:        cfg.AutoSwitch,
		preferPrimary:     cfg.PreferPrimary,
		failoverThreshold: cfg.FailoverThreshold,
		demo:              demo,
		retry:             retry,
		breaker: NewAPIBreaker(cfg.BreakerFailureThreshold, time.Duration(cfg.BreakerTimeoutSeconds)*time.Second),
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.ReadTimeoutSeconds) * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
				DialContext: (&net.Dialer{
					Timeout:   time.Duration(cfg.ConnectTimeoutSeconds) * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}
}

// ActiveURL returns the currently selected base URL.
func (c *Client) ActiveURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeURL
}

// ConnectionStatus returns the endpoint state for the operator surface.
func (c *Client) ConnectionStatus() Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Connection{
		ActiveURL:           c.activeURL,
		PrimaryURL:          c.primaryURL,
		BackupURL:           c.backupURL,
		ConsecutiveFailures: c.consecutiveFailures,
		LastHealthCheck:     c.lastHealthCheck,
		BreakerState:        c.breaker.State(),
	}
}

// SwitchURL toggles between primary and backup. Used by the failover logic
// and exposed as an operator command.
func (c *Client) SwitchURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.switchURLLocked()
}

func (c *Client) switchURLLocked() string {
	if c.activeURL == c.primaryURL {
		c.activeURL = c.backupURL
		log.Printf("🔀 Exchange API switched to backup URL: %s", c.backupURL)
	} else {
		c.activeURL = c.primaryURL
		log.Printf("🔀 Exchange API switched back to primary URL: %s", c.primaryURL)
	}
	c.consecutiveFailures = 0
	return c.activeURL
}

func (c *Client) recordFailure() {
	c.breaker.RecordFailure()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consecutiveFailures++
	if c.autoSwitch && c.consecutiveFailures >= c.failoverThreshold {
		c.switchURLLocked()
	}
}

func (c *Client) recordSuccess() {
	c.breaker.RecordSuccess()
	c.mu.Lock()
	c.consecutiveFailures = 0
	c.mu.Unlock()
}

// ProbePrimary health-checks the primary endpoint and, when prefer_primary
// is set and the probe succeeds, switches back to it.
func (c *Client) ProbePrimary() bool {
	req, err := http.NewRequest(http.MethodGet, c.primaryURL+"/api/v5/public/time", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	healthy := err == nil && resp.StatusCode == http.StatusOK
	if resp != nil {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}

	c.mu.Lock()
	c.lastHealthCheck = time.Now()
	shouldSwitch := healthy && c.preferPrimary && c.activeURL != c.primaryURL
	if shouldSwitch {
		c.activeURL = c.primaryURL
		c.consecutiveFailures = 0
	}
	c.mu.Unlock()

	if shouldSwitch {
		log.Printf("✓ Primary endpoint healthy, switched back: %s", c.primaryURL)
	}
	return healthy
}

// StartHealthLoop probes the primary at the configured interval until stop
// is closed.
func (c *Client) StartHealthLoop(interval time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.ProbePrimary()
			case <-stop:
				return
			}
		}
	}()
}

func (c *Client) timestamp() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
}

func (c *Client) sign(timestamp, method, requestPath, body string) string {
	mac := hmac.New(sha256.New, []byte(c.creds.SecretKey))
	mac.Write([]byte(timestamp + method + requestPath + body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// request performs one signed logical call with bounded retries; transport
// failures count toward the failover threshold, business errors do not.
func (c *Client) request(method, endpoint string, params url.Values, payload interface{}) (json.RawMessage, error) {
	if err := c.breaker.Allow(); err != nil {
		return nil, &Error{Op: endpoint, Err: err}
	}

	var lastErr error
	for attempt := 0; attempt < c.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			wait := c.retry.Backoff(attempt - 1)
			log.Printf("⏳ Exchange retry %d/%d for %s in %v", attempt+1, c.retry.MaxAttempts, endpoint, wait)
			time.Sleep(wait)
		}

		data, retryable, err := c.doOnce(method, endpoint, params, payload)
		if err == nil {
			c.recordSuccess()
			return data, nil
		}
		lastErr = err
		if !retryable {
			return nil, &Error{Op: endpoint, Err: err}
		}
	}

	log.Printf("❌ Exchange request failed after %d attempts: %s: %v", c.retry.MaxAttempts, endpoint, lastErr)
	return nil, &Error{Op: endpoint, Err: lastErr}
}

func (c *Client) doOnce(method, endpoint string, params url.Values, payload interface{}) (json.RawMessage, bool, error) {
	requestPath := endpoint
	if len(params) > 0 {
		requestPath = endpoint + "?" + encodeParams(params)
	}

	var body string
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, false, fmt.Errorf("failed to encode request body: %w", err)
		}
		body = string(raw)
	}

	ts := c.timestamp()
	req, err := http.NewRequest(method, c.ActiveURL()+requestPath, bytes.NewBufferString(body))
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("OK-ACCESS-KEY", c.creds.APIKey)
	req.Header.Set("OK-ACCESS-SIGN", c.sign(ts, method, requestPath, body))
	req.Header.Set("OK-ACCESS-TIMESTAMP", ts)
	req.Header.Set("OK-ACCESS-PASSPHRASE", c.creds.Passphrase)
	if c.demo {
		req.Header.Set("x-simulated-trading", "1")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.recordFailure()
		return nil, true, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		c.recordFailure()
		return nil, true, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 500 {
		c.recordFailure()
		return nil, true, fmt.Errorf("server error (status %d)", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(raw))
	}

	var wrapper struct {
		Code string          `json:"code"`
		Msg  string          `json:"msg"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return nil, false, fmt.Errorf("failed to parse response: %w", err)
	}

	if wrapper.Code != "0" {
		// Business rejection, not an endpoint failure
		if retryableCodes[wrapper.Code] {
			return nil, true, fmt.Errorf("%s (code %s)", wrapper.Msg, wrapper.Code)
		}
		return nil, false, fmt.Errorf("%s (code %s)", wrapper.Msg, wrapper.Code)
	}

	return wrapper.Data, false, nil
}

// encodeParams keeps insertion-independent, sorted, unescaped key=value pairs
// since the query string is part of the signed payload.
func encodeParams(params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+params.Get(k))
	}
	return strings.Join(parts, "&")
}

func instID(coin string) string {
	coin = strings.ToUpper(strings.TrimSuffix(strings.TrimSpace(coin), "USDT"))
	return coin + "-USDT-SWAP"
}

// GetBalance queries account equity. On failure a recent cached value is
// served so one flaky call does not blank the account view.
func (c *Client) GetBalance() (*Balance, error) {
	c.cacheMu.RLock()
	cached, cachedAt := c.balanceCache, c.balanceCachedAt
	c.cacheMu.RUnlock()
	if cached != nil && time.Since(cachedAt) < accountCacheTTL {
		return cached, nil
	}

	data, err := c.request(http.MethodGet, "/api/v5/account/balance", nil, nil)
	if err != nil {
		if cached != nil {
			log.Printf("⚠️  Balance query failed, serving cached value: %v", err)
			return cached, nil
		}
		return nil, err
	}

	var accounts []struct {
		TotalEq string `json:"totalEq"`
		UPL     string `json:"upl"`
		Details []struct {
			Ccy      string `json:"ccy"`
			AvailBal string `json:"availBal"`
			AvailEq  string `json:"availEq"`
		} `json:"details"`
	}
	if err := json.Unmarshal(data, &accounts); err != nil {
		return nil, &Error{Op: "balance", Err: err}
	}
	if len(accounts) == 0 {
		return nil, &Error{Op: "balance", Msg: "empty balance response"}
	}

	bal := &Balance{
		TotalEquity:   parseFloat(accounts[0].TotalEq),
		UnrealizedPnL: parseFloat(accounts[0].UPL),
	}
	for _, d := range accounts[0].Details {
		if d.Ccy == "USDT" {
			bal.Available = parseFloat(d.AvailEq)
			if bal.Available == 0 {
				bal.Available = parseFloat(d.AvailBal)
			}
		}
	}

	c.cacheMu.Lock()
	c.balanceCache = bal
	c.balanceCachedAt = time.Now()
	c.cacheMu.Unlock()
	return bal, nil
}

// GetPositions queries open swap positions, with the same stale-cache
// fallback as GetBalance.
func (c *Client) GetPositions() ([]Position, error) {
	c.cacheMu.RLock()
	cached, cachedAt := c.positionsCache, c.positionsCachedAt
	c.cacheMu.RUnlock()
	if cached != nil && time.Since(cachedAt) < accountCacheTTL {
		return cached, nil
	}

	params := url.Values{}
	params.Set("instType", "SWAP")
	data, err := c.request(http.MethodGet, "/api/v5/account/positions", params, nil)
	if err != nil {
		if cached != nil {
			log.Printf("⚠️  Position query failed, serving cached value: %v", err)
			return cached, nil
		}
		return nil, err
	}

	var rows []struct {
		InstID      string `json:"instId"`
		PosSide     string `json:"posSide"`
		Pos         string `json:"pos"`
		AvgPx       string `json:"avgPx"`
		MarkPx      string `json:"markPx"`
		Lever       string `json:"lever"`
		Margin      string `json:"margin"`
		Imr         string `json:"imr"`
		Upl         string `json:"upl"`
		NotionalUsd string `json:"notionalUsd"`
		CTime       string `json:"cTime"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, &Error{Op: "positions", Err: err}
	}

	positions := make([]Position, 0, len(rows))
	for _, r := range rows {
		contracts := parseFloat(r.Pos)
		if contracts == 0 {
			continue
		}
		coin := strings.SplitN(r.InstID, "-", 2)[0]
		margin := parseFloat(r.Margin)
		if margin == 0 {
			margin = parseFloat(r.Imr)
		}
		p := Position{
			Coin:          coin,
			Side:          r.PosSide,
			Contracts:     math.Abs(contracts),
			AvgPrice:      parseFloat(r.AvgPx),
			MarkPrice:     parseFloat(r.MarkPx),
			Leverage:      parseFloat(r.Lever),
			Margin:        margin,
			UnrealizedPnL: parseFloat(r.Upl),
			Notional:      parseFloat(r.NotionalUsd),
		}
		if inst, err := c.GetInstrument(coin); err == nil {
			p.Quantity = p.Contracts * inst.CtVal
		}
		if ms := parseFloat(r.CTime); ms > 0 {
			p.CreatedAt = time.UnixMilli(int64(ms))
		}
		positions = append(positions, p)
	}

	c.cacheMu.Lock()
	c.positionsCache = positions
	c.positionsCachedAt = time.Now()
	c.cacheMu.Unlock()
	return positions, nil
}

// InvalidateCaches drops the account caches so the next read hits the
// exchange. Called after any order mutation.
func (c *Client) InvalidateCaches() {
	c.cacheMu.Lock()
	c.balanceCache = nil
	c.positionsCache = nil
	c.cacheMu.Unlock()
}

// SetLeverage sets cross-margin leverage for a coin and position side.
func (c *Client) SetLeverage(coin string, leverage int, posSide string) error {
	payload := map[string]string{
		"instId":  instID(coin),
		"lever":   strconv.Itoa(leverage),
		"mgnMode": "cross",
		"posSide": posSide,
	}
	_, err := c.request(http.MethodPost, "/api/v5/account/set-leverage", nil, payload)
	return err
}

// PlaceOrder submits a market order and returns the exchange acknowledgement
// with the confirmed fill.
func (c *Client) PlaceOrder(req OrderRequest) (*Order, error) {
	clOrdID := strings.ReplaceAll(uuid.NewString(), "-", "")
	payload := map[string]string{
		"instId":  instID(req.Coin),
		"tdMode":  "cross",
		"side":    req.Side,
		"posSide": req.PosSide,
		"ordType": "market",
		"sz":      formatFloat(req.Contracts),
		"clOrdId": clOrdID,
	}
	if req.ReduceOnly {
		payload["reduceOnly"] = "true"
	}

	data, err := c.request(http.MethodPost, "/api/v5/trade/order", nil, payload)
	if err != nil {
		return nil, err
	}

	var acks []struct {
		OrdID string `json:"ordId"`
		SCode string `json:"sCode"`
		SMsg  string `json:"sMsg"`
	}
	if err := json.Unmarshal(data, &acks); err != nil {
		return nil, &Error{Op: "order", Err: err}
	}
	if len(acks) == 0 {
		return nil, &Error{Op: "order", Msg: "empty order response"}
	}
	if acks[0].SCode != "0" && acks[0].SCode != "" {
		return nil, &Error{Op: "order", Code: acks[0].SCode, Msg: acks[0].SMsg}
	}

	c.InvalidateCaches()

	order := &Order{OrderID: acks[0].OrdID, ClientOrderID: clOrdID, State: "submitted"}
	if filled, err := c.GetOrder(req.Coin, order.OrderID); err == nil {
		order.State = filled.State
		order.FillPrice = filled.FillPrice
		order.FillSize = filled.FillSize
		order.Fee = filled.Fee
	}
	return order, nil
}

// GetOrder queries an order's fill state.
func (c *Client) GetOrder(coin, orderID string) (*Order, error) {
	params := url.Values{}
	params.Set("instId", instID(coin))
	params.Set("ordId", orderID)
	data, err := c.request(http.MethodGet, "/api/v5/trade/order", params, nil)
	if err != nil {
		return nil, err
	}

	var rows []struct {
		OrdID   string `json:"ordId"`
		State   string `json:"state"`
		AvgPx   string `json:"avgPx"`
		AccFill string `json:"accFillSz"`
		Fee     string `json:"fee"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, &Error{Op: "order query", Err: err}
	}
	if len(rows) == 0 {
		return nil, &Error{Op: "order query", Msg: "order not found"}
	}
	return &Order{
		OrderID:   rows[0].OrdID,
		State:     rows[0].State,
		FillPrice: parseFloat(rows[0].AvgPx),
		FillSize:  parseFloat(rows[0].AccFill),
		Fee:       math.Abs(parseFloat(rows[0].Fee)),
	}, nil
}

// SetStopLossTakeProfit places conditional algo orders closing the whole
// position at the given trigger prices. Zero prices skip that leg.
func (c *Client) SetStopLossTakeProfit(coin, posSide string, stopLoss, takeProfit float64) error {
	side := "sell"
	if posSide == "short" {
		side = "buy"
	}

	if stopLoss > 0 {
		payload := map[string]string{
			"instId":      instID(coin),
			"tdMode":      "cross",
			"side":        side,
			"posSide":     posSide,
			"ordType":     "conditional",
			"closeFraction": "1",
			"slTriggerPx": formatFloat(stopLoss),
			"slOrdPx":     "-1",
		}
		if _, err := c.request(http.MethodPost, "/api/v5/trade/order-algo", nil, payload); err != nil {
			return fmt.Errorf("failed to set stop loss: %w", err)
		}
	}

	if takeProfit > 0 {
		payload := map[string]string{
			"instId":      instID(coin),
			"tdMode":      "cross",
			"side":        side,
			"posSide":     posSide,
			"ordType":     "conditional",
			"closeFraction": "1",
			"tpTriggerPx": formatFloat(takeProfit),
			"tpOrdPx":     "-1",
		}
		if _, err := c.request(http.MethodPost, "/api/v5/trade/order-algo", nil, payload); err != nil {
			return fmt.Errorf("failed to set take profit: %w", err)
		}
	}
	return nil
}

// ClosePosition market-closes the whole position on one side of a coin.
func (c *Client) ClosePosition(coin, posSide string) error {
	payload := map[string]string{
		"instId":  instID(coin),
		"mgnMode": "cross",
		"posSide": posSide,
	}
	_, err := c.request(http.MethodPost, "/api/v5/trade/close-position", nil, payload)
	if err == nil {
		c.InvalidateCaches()
	}
	return err
}

// CancelOrder cancels a pending order.
func (c *Client) CancelOrder(coin, orderID string) error {
	payload := map[string]string{
		"instId": instID(coin),
		"ordId":  orderID,
	}
	_, err := c.request(http.MethodPost, "/api/v5/trade/cancel-order", nil, payload)
	return err
}

// GetInstrument returns contract sizing constraints for a coin.
func (c *Client) GetInstrument(coin string) (*Instrument, error) {
	params := url.Values{}
	params.Set("instType", "SWAP")
	params.Set("instId", instID(coin))
	data, err := c.request(http.MethodGet, "/api/v5/public/instruments", params, nil)
	if err != nil {
		return nil, err
	}

	var rows []struct {
		CtVal string `json:"ctVal"`
		LotSz string `json:"lotSz"`
		MinSz string `json:"minSz"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, &Error{Op: "instrument", Err: err}
	}
	if len(rows) == 0 {
		return nil, &Error{Op: "instrument", Msg: "instrument not found"}
	}
	return &Instrument{
		CtVal: parseFloat(rows[0].CtVal),
		LotSz: parseFloat(rows[0].LotSz),
		MinSz: parseFloat(rows[0].MinSz),
	}, nil
}

// ContractSize converts a USDT notional into a contract count honoring the
// instrument's lot and minimum size. Returns 0 when the amount is below the
// minimum tradable size.
func (c *Client) ContractSize(coin string, usdtAmount, price float64) (float64, error) {
	inst, err := c.GetInstrument(coin)
	if err != nil {
		return 0, err
	}
	if inst.CtVal <= 0 || price <= 0 {
		return 0, fmt.Errorf("invalid contract value or price for %s", coin)
	}

	contracts := usdtAmount / (inst.CtVal * price)
	if inst.LotSz > 0 {
		contracts = math.Floor(contracts/inst.LotSz) * inst.LotSz
	}
	if contracts < inst.MinSz {
		return 0, nil
	}
	return contracts, nil
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
