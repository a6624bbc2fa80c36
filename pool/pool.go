package pool

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Candidate coin pool. The trading loop only ever evaluates symbols that are
// in the pool, and the decision validator rejects anything outside it.

var (
	mu           sync.RWMutex
	defaultCoins = []string{"BTC", "ETH", "BNB", "XRP", "DOGE"}
	useDefault   = true
	poolAPIURL   string

	cachedRemote  []string
	remoteFetched time.Time
)

const remoteCacheTTL = 10 * time.Minute

// SetDefaultCoins replaces the built-in coin list.
func SetDefaultCoins(coins []string) {
	mu.Lock()
	defer mu.Unlock()
	if len(coins) > 0 {
		defaultCoins = normalize(coins)
	}
}

// SetUseDefaultCoins toggles between the static list and the remote pool API.
func SetUseDefaultCoins(use bool) {
	mu.Lock()
	defer mu.Unlock()
	useDefault = use
}

// SetCoinPoolAPI configures an optional remote pool endpoint returning a JSON
// array of symbols.
func SetCoinPoolAPI(url string) {
	mu.Lock()
	defer mu.Unlock()
	poolAPIURL = url
}

// GetCoins returns the current candidate pool. Remote fetch failures fall
// back to the default list so a cycle is never left without candidates.
func GetCoins() []string {
	mu.RLock()
	static := append([]string(nil), defaultCoins...)
	useStatic := useDefault || poolAPIURL == ""
	url := poolAPIURL
	cached := cachedRemote
	fetched := remoteFetched
	mu.RUnlock()

	if useStatic {
		return static
	}

	if time.Since(fetched) < remoteCacheTTL && len(cached) > 0 {
		return append([]string(nil), cached...)
	}

	remote, err := fetchRemotePool(url)
	if err != nil || len(remote) == 0 {
		log.Printf("⚠️  Coin pool API unavailable, using default coins: %v", err)
		return static
	}

	mu.Lock()
	cachedRemote = remote
	remoteFetched = time.Now()
	mu.Unlock()

	return append([]string(nil), remote...)
}

// Contains reports whether symbol is in the current pool.
func Contains(symbol string) bool {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	for _, c := range GetCoins() {
		if c == symbol {
			return true
		}
	}
	return false
}

func fetchRemotePool(url string) ([]string, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch coin pool: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coin pool API returned status %d", resp.StatusCode)
	}

	var coins []string
	if err := json.NewDecoder(resp.Body).Decode(&coins); err != nil {
		return nil, fmt.Errorf("failed to parse coin pool response: %w", err)
	}
	return normalize(coins), nil
}

func normalize(coins []string) []string {
	out := make([]string, 0, len(coins))
	seen := make(map[string]bool)
	for _, c := range coins {
		c = strings.ToUpper(strings.TrimSpace(c))
		c = strings.TrimSuffix(c, "USDT")
		c = strings.TrimSuffix(c, "-USDT-SWAP")
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}
