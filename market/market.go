package market

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Data is a per-coin market snapshot slice: spot state plus kline-derived
// indicators. Immutable once produced; regenerated each cycle.
type Data struct {
	Symbol          string    `json:"symbol"`
	CurrentPrice    float64   `json:"current_price"`
	PriceChange24h  float64   `json:"price_change_24h"` // percent
	High24h         float64   `json:"high_24h"`
	Low24h          float64   `json:"low_24h"`
	Volume24h       float64   `json:"volume_24h"` // quote currency
	FundingRate     float64   `json:"funding_rate"`
	OpenInterest    float64   `json:"open_interest"`
	EMA20           float64   `json:"ema20"`
	RSI14           float64   `json:"rsi14"`
	ATR14           float64   `json:"atr14"`
	VolatilityScore float64   `json:"volatility_score"` // 0..100
	Timestamp       time.Time `json:"timestamp"`
}

const cacheTTL = 15 * time.Second

var (
	mu      sync.RWMutex
	baseURL = "https://www.okx.com"
	cache   = make(map[string]*Data)

	httpClient = &http.Client{Timeout: 15 * time.Second}
)

// SetBaseURL points the provider at a different public API host, for a
// regional mirror or a stub server.
func SetBaseURL(u string) {
	mu.Lock()
	defer mu.Unlock()
	baseURL = strings.TrimSuffix(u, "/")
}

// Get returns the snapshot slice for one coin, served from a short cache so
// repeated reads within a cycle do not hammer the public API.
func Get(symbol string) (*Data, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	symbol = strings.TrimSuffix(symbol, "USDT")

	mu.RLock()
	cached, ok := cache[symbol]
	mu.RUnlock()
	if ok && time.Since(cached.Timestamp) < cacheTTL {
		return cached, nil
	}

	data, err := fetch(symbol)
	if err != nil {
		// Serve stale data on transient failure rather than blanking the coin
		if ok {
			return cached, nil
		}
		return nil, err
	}

	mu.Lock()
	cache[symbol] = data
	mu.Unlock()
	return data, nil
}

// GetSnapshot fetches all coins concurrently. A failed coin is omitted from
// the result instead of failing the whole snapshot.
func GetSnapshot(coins []string) map[string]*Data {
	var g errgroup.Group
	var outMu sync.Mutex
	out := make(map[string]*Data)
	g.SetLimit(4)
	for _, coin := range coins {
		coin := coin
		g.Go(func() error {
			data, err := Get(coin)
			if err != nil {
				return nil // skip, logged by caller when missing
			}
			outMu.Lock()
			out[coin] = data
			outMu.Unlock()
			return nil
		})
	}
	g.Wait()
	return out
}

// Format renders a snapshot for the decision prompt.
func Format(d *Data) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%s: price=%.4f (%+.2f%% 24h), high=%.4f low=%.4f\n",
		d.Symbol, d.CurrentPrice, d.PriceChange24h, d.High24h, d.Low24h))
	sb.WriteString(fmt.Sprintf("  EMA20=%.4f RSI14=%.1f ATR14=%.4f volatility=%.0f/100\n",
		d.EMA20, d.RSI14, d.ATR14, d.VolatilityScore))
	sb.WriteString(fmt.Sprintf("  funding=%.6f openInterest=%.0f volume24h=%.0f\n",
		d.FundingRate, d.OpenInterest, d.Volume24h))
	return sb.String()
}

func instID(symbol string) string {
	return symbol + "-USDT-SWAP"
}

type apiResponse struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func getJSON(path string, out interface{}) error {
	mu.RLock()
	base := baseURL
	mu.RUnlock()

	resp, err := httpClient.Get(base + path)
	if err != nil {
		return fmt.Errorf("market request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("market API returned status %d", resp.StatusCode)
	}

	var wrapper apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&wrapper); err != nil {
		return fmt.Errorf("failed to parse market response: %w", err)
	}
	if wrapper.Code != "0" {
		return fmt.Errorf("market API error: %s (code %s)", wrapper.Msg, wrapper.Code)
	}
	return json.Unmarshal(wrapper.Data, out)
}

func fetch(symbol string) (*Data, error) {
	id := instID(symbol)

	var tickers []struct {
		Last    string `json:"last"`
		Open24h string `json:"open24h"`
		High24h string `json:"high24h"`
		Low24h  string `json:"low24h"`
		VolCcy  string `json:"volCcy24h"`
	}
	if err := getJSON("/api/v5/market/ticker?instId="+id, &tickers); err != nil {
		return nil, err
	}
	if len(tickers) == 0 {
		return nil, fmt.Errorf("no ticker data for %s", symbol)
	}
	t := tickers[0]

	d := &Data{
		Symbol:       symbol,
		CurrentPrice: parseFloat(t.Last),
		High24h:      parseFloat(t.High24h),
		Low24h:       parseFloat(t.Low24h),
		Volume24h:    parseFloat(t.VolCcy),
		Timestamp:    time.Now(),
	}
	if open := parseFloat(t.Open24h); open > 0 {
		d.PriceChange24h = (d.CurrentPrice - open) / open * 100
	}

	// Funding and open interest are best-effort; indicators need the candles.
	var funding []struct {
		FundingRate string `json:"fundingRate"`
	}
	if err := getJSON("/api/v5/public/funding-rate?instId="+id, &funding); err == nil && len(funding) > 0 {
		d.FundingRate = parseFloat(funding[0].FundingRate)
	}

	var oi []struct {
		OI string `json:"oi"`
	}
	if err := getJSON("/api/v5/public/open-interest?instId="+id, &oi); err == nil && len(oi) > 0 {
		d.OpenInterest = parseFloat(oi[0].OI)
	}

	highs, lows, closes, err := fetchCandles(id)
	if err != nil {
		return nil, err
	}
	applyIndicators(d, highs, lows, closes)

	return d, nil
}

func fetchCandles(id string) (highs, lows, closes []float64, err error) {
	var rows [][]string
	if err := getJSON("/api/v5/market/candles?instId="+id+"&bar=1H&limit=100", &rows); err != nil {
		return nil, nil, nil, err
	}
	// OKX returns newest first; reverse into chronological order
	for i := len(rows) - 1; i >= 0; i-- {
		row := rows[i]
		if len(row) < 5 {
			continue
		}
		highs = append(highs, parseFloat(row[2]))
		lows = append(lows, parseFloat(row[3]))
		closes = append(closes, parseFloat(row[4]))
	}
	if len(closes) == 0 {
		return nil, nil, nil, fmt.Errorf("no candle data for %s", id)
	}
	return highs, lows, closes, nil
}

func applyIndicators(d *Data, highs, lows, closes []float64) {
	if ema := emaSeries(closes, 20); len(ema) > 0 {
		d.EMA20 = ema[len(ema)-1]
	}
	if rsi := rsiSeries(closes, 14); len(rsi) > 0 {
		d.RSI14 = rsi[len(rsi)-1]
	}
	d.ATR14 = atr(highs, lows, closes, 14)

	// Volatility score maps ATR as a fraction of price onto 0..100 so the
	// risk tiers (30/50/80) line up with 3%/5%/8% hourly true range.
	if d.CurrentPrice > 0 {
		d.VolatilityScore = math.Min(100, d.ATR14/d.CurrentPrice*1000)
	}
}

func emaSeries(prices []float64, period int) []float64 {
	if len(prices) < period {
		return nil
	}
	k := 2.0 / float64(period+1)
	ema := make([]float64, 0, len(prices))
	sum := 0.0
	for _, p := range prices[:period] {
		sum += p
	}
	prev := sum / float64(period)
	ema = append(ema, prev)
	for _, p := range prices[period:] {
		prev = p*k + prev*(1-k)
		ema = append(ema, prev)
	}
	return ema
}

func rsiSeries(prices []float64, period int) []float64 {
	if len(prices) <= period {
		return nil
	}
	var out []float64
	for i := period; i < len(prices); i++ {
		var gains, losses float64
		for j := i - period + 1; j <= i; j++ {
			delta := prices[j] - prices[j-1]
			if delta > 0 {
				gains += delta
			} else {
				losses -= delta
			}
		}
		if losses == 0 {
			out = append(out, 100)
			continue
		}
		rs := gains / losses
		out = append(out, 100-100/(1+rs))
	}
	return out
}

func atr(highs, lows, closes []float64, period int) float64 {
	if len(closes) <= period {
		return 0
	}
	var trs []float64
	for i := 1; i < len(closes); i++ {
		tr := math.Max(highs[i]-lows[i],
			math.Max(math.Abs(highs[i]-closes[i-1]), math.Abs(lows[i]-closes[i-1])))
		trs = append(trs, tr)
	}
	sum := 0.0
	for _, tr := range trs[len(trs)-period:] {
		sum += tr
	}
	return sum / float64(period)
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
