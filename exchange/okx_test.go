package exchange

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leo20251128/aigame/config"
)

func testExchangeConfig(primary, backup string) config.ExchangeConfig {
	return config.ExchangeConfig{
		PrimaryURL:              primary,
		BackupURL:               backup,
		AutoSwitch:              true,
		PreferPrimary:           false,
		FailoverThreshold:       3,
		MaxRetries:              5,
		RetryDelaySeconds:       0, // no backoff waits in tests
		ConnectTimeoutSeconds:   2,
		ReadTimeoutSeconds:      2,
		HealthCheckSeconds:      60,
		BreakerFailureThreshold: 100, // out of the way unless a test lowers it
		BreakerTimeoutSeconds:   60,
	}
}

func testCreds() Credentials {
	return Credentials{APIKey: "key", SecretKey: "secret", Passphrase: "pass"}
}

func okBody(data string) string {
	return fmt.Sprintf(`{"code": "0", "msg": "", "data": %s}`, data)
}

func TestFailoverAfterThresholdTransportFailures(t *testing.T) {
	var primaryHits, backupHits int32

	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&primaryHits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer primary.Close()

	backup := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&backupHits, 1)
		fmt.Fprint(w, okBody(`[]`))
	}))
	defer backup.Close()

	c := New(testExchangeConfig(primary.URL, backup.URL), testCreds(), false)

	// Threshold 3, retries 5: attempts 1-3 hit the failing primary, the
	// third failure triggers the switch, attempt 4 succeeds on backup.
	_, err := c.request(http.MethodGet, "/api/v5/public/time", nil, nil)
	if err != nil {
		t.Fatalf("call should succeed via backup: %v", err)
	}
	if got := atomic.LoadInt32(&primaryHits); got != 3 {
		t.Errorf("primary hits: got %d, want exactly 3", got)
	}
	if got := atomic.LoadInt32(&backupHits); got != 1 {
		t.Errorf("backup hits: got %d, want 1", got)
	}
	if c.ActiveURL() != backup.URL {
		t.Errorf("active URL should be backup, got %s", c.ActiveURL())
	}
}

func TestNoFailoverBelowThreshold(t *testing.T) {
	var hits int32
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, okBody(`[]`))
	}))
	defer primary.Close()

	c := New(testExchangeConfig(primary.URL, "http://127.0.0.1:1"), testCreds(), false)

	// Two failures then success: stays one short of the threshold
	if _, err := c.request(http.MethodGet, "/api/v5/public/time", nil, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.ActiveURL() != primary.URL {
		t.Errorf("two failures must not fail over, active is %s", c.ActiveURL())
	}
	if c.ConnectionStatus().ConsecutiveFailures != 0 {
		t.Errorf("success should reset the failure counter")
	}
}

func TestBusinessErrorsDoNotCountTowardFailover(t *testing.T) {
	var hits int32
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		fmt.Fprint(w, `{"code": "51000", "msg": "parameter error", "data": []}`)
	}))
	defer primary.Close()

	c := New(testExchangeConfig(primary.URL, "http://127.0.0.1:1"), testCreds(), false)

	for i := 0; i < 5; i++ {
		if _, err := c.request(http.MethodGet, "/api/v5/public/time", nil, nil); err == nil {
			t.Fatal("expected business error")
		}
	}
	// Rejections are not retried and never trigger the endpoint switch
	if got := atomic.LoadInt32(&hits); got != 5 {
		t.Errorf("non-retryable rejection must use one attempt each: got %d hits", got)
	}
	if c.ActiveURL() != primary.URL {
		t.Errorf("business errors must not fail over, active is %s", c.ActiveURL())
	}
}

func TestRetryableBusinessCodeIsRetried(t *testing.T) {
	var hits int32
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) <= 2 {
			fmt.Fprint(w, `{"code": "50011", "msg": "rate limited", "data": []}`)
			return
		}
		fmt.Fprint(w, okBody(`[]`))
	}))
	defer primary.Close()

	c := New(testExchangeConfig(primary.URL, "http://127.0.0.1:1"), testCreds(), false)

	if _, err := c.request(http.MethodGet, "/api/v5/public/time", nil, nil); err != nil {
		t.Fatalf("rate-limited call should eventually succeed: %v", err)
	}
	if got := atomic.LoadInt32(&hits); got != 3 {
		t.Errorf("got %d attempts, want 3", got)
	}
	if c.ActiveURL() != primary.URL {
		t.Error("rate limiting must not trigger failover")
	}
}

func TestHTTP4xxIsNotRetried(t *testing.T) {
	var hits int32
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer primary.Close()

	c := New(testExchangeConfig(primary.URL, "http://127.0.0.1:1"), testCreds(), false)

	if _, err := c.request(http.MethodGet, "/api/v5/account/balance", nil, nil); err == nil {
		t.Fatal("expected error on 401")
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Errorf("4xx must not be retried: got %d attempts", got)
	}
}

func TestAPIBreakerBlocksCallsWhenOpen(t *testing.T) {
	var hits int32
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer primary.Close()

	backup := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer backup.Close()

	cfg := testExchangeConfig(primary.URL, backup.URL)
	cfg.BreakerFailureThreshold = 4
	c := New(cfg, testCreds(), false)

	// 5 attempts, all failing: the breaker trips partway through
	if _, err := c.request(http.MethodGet, "/api/v5/public/time", nil, nil); err == nil {
		t.Fatal("expected failure")
	}

	before := atomic.LoadInt32(&hits)
	_, err := c.request(http.MethodGet, "/api/v5/public/time", nil, nil)
	if !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("expected ErrBreakerOpen, got %v", err)
	}
	if atomic.LoadInt32(&hits) != before {
		t.Error("open breaker must short-circuit without touching the endpoint")
	}
}

func TestBackoffIsExponentialAndCapped(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: 3 * time.Second, MaxDelay: 30 * time.Second}

	want := []time.Duration{3 * time.Second, 6 * time.Second, 12 * time.Second, 24 * time.Second, 30 * time.Second, 30 * time.Second}
	for i, w := range want {
		if got := p.Backoff(i); got != w {
			t.Errorf("Backoff(%d): got %v, want %v", i, got, w)
		}
	}
}

func TestUnconfiguredRetryFallsBackToDefaultPolicy(t *testing.T) {
	cfg := testExchangeConfig("https://primary.example", "https://backup.example")
	cfg.MaxRetries = 0
	cfg.RetryDelaySeconds = 0

	c := New(cfg, testCreds(), false)
	if c.retry != DefaultRetryPolicy() {
		t.Errorf("retry policy: got %+v, want defaults %+v", c.retry, DefaultRetryPolicy())
	}

	// Configured values still win
	cfg.MaxRetries = 2
	cfg.RetryDelaySeconds = 1
	c = New(cfg, testCreds(), false)
	if c.retry.MaxAttempts != 2 || c.retry.BaseDelay != time.Second {
		t.Errorf("configured retry: got %+v", c.retry)
	}
}

func TestGetBalanceParsesAccountView(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v5/account/balance" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprint(w, okBody(`[{"totalEq": "10234.5", "upl": "-12.3", "details": [{"ccy": "USDT", "availEq": "8100.25", "availBal": "0"}]}]`))
	}))
	defer srv.Close()

	c := New(testExchangeConfig(srv.URL, srv.URL), testCreds(), false)
	bal, err := c.GetBalance()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bal.TotalEquity != 10234.5 || bal.Available != 8100.25 || bal.UnrealizedPnL != -12.3 {
		t.Errorf("got %+v", bal)
	}
}

func TestContractSizeHonorsLotAndMinimum(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, okBody(`[{"ctVal": "0.01", "lotSz": "1", "minSz": "1"}]`))
	}))
	defer srv.Close()

	c := New(testExchangeConfig(srv.URL, srv.URL), testCreds(), false)

	// 1000 USDT at 50000 with 0.01 BTC per contract: 2 contracts exactly
	contracts, err := c.ContractSize("BTC", 1000, 50000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if contracts != 2 {
		t.Errorf("got %.4f contracts, want 2", contracts)
	}

	// Fractional counts floor to the lot size
	contracts, _ = c.ContractSize("BTC", 1250, 50000)
	if contracts != 2 {
		t.Errorf("got %.4f contracts, want floor to 2", contracts)
	}

	// Below minimum size trades nothing
	contracts, _ = c.ContractSize("BTC", 400, 50000)
	if contracts != 0 {
		t.Errorf("got %.4f contracts, want 0 below minSz", contracts)
	}
}

func TestEncodeParamsIsSorted(t *testing.T) {
	params := url.Values{}
	params.Set("instId", "BTC-USDT-SWAP")
	params.Set("after", "1")
	params.Set("instType", "SWAP")
	if got := encodeParams(params); got != "after=1&instId=BTC-USDT-SWAP&instType=SWAP" {
		t.Errorf("got %q", got)
	}
}

func TestInstID(t *testing.T) {
	cases := map[string]string{
		"BTC":     "BTC-USDT-SWAP",
		"btc":     "BTC-USDT-SWAP",
		"ETHUSDT": "ETH-USDT-SWAP",
		" sol ":   "SOL-USDT-SWAP",
	}
	for in, want := range cases {
		if got := instID(in); got != want {
			t.Errorf("instID(%q): got %q, want %q", in, got, want)
		}
	}
}
