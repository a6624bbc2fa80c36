package breaker

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/leo20251128/aigame/config"
)

// ErrTripped is returned for entry attempts while the breaker is tripped.
// Close operations are never gated.
var ErrTripped = errors.New("circuit breaker tripped")

// State is a snapshot of the breaker for the operator surface.
type State struct {
	DailyLoss       float64   `json:"daily_loss"`
	DailyLossPct    float64   `json:"daily_loss_pct"`
	TotalLoss       float64   `json:"total_loss"`
	TotalLossPct    float64   `json:"total_loss_pct"`
	TradeCountToday int       `json:"trade_count_today"`
	Tripped         bool      `json:"tripped"`
	TripReason      string    `json:"trip_reason,omitempty"`
	DayWindowStart  time.Time `json:"day_window_start"`
}

// Breaker is the account-level safety state machine: NORMAL until a daily
// loss, total loss, or trade count threshold is hit, then TRIPPED until an
// explicit resume or the day window rolls over. Total loss persists across
// days.
type Breaker struct {
	mu  sync.Mutex
	cfg config.SafetyConfig
	now func() time.Time // injectable for tests

	initialEquity  float64
	dayStartEquity float64
	currentEquity  float64
	dayWindowStart time.Time

	tradeCountToday int
	tripped         bool
	tripReason      string
}

// New builds a breaker anchored to the account's starting equity.
func New(cfg config.SafetyConfig, initialEquity float64) *Breaker {
	b := &Breaker{
		cfg:            cfg,
		now:            time.Now,
		initialEquity:  initialEquity,
		dayStartEquity: initialEquity,
		currentEquity:  initialEquity,
	}
	b.dayWindowStart = startOfDay(b.now())
	return b
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// UpdateEquity feeds the latest account value in, handling day rollover and
// threshold evaluation. Called once per cycle by the single writer.
func (b *Breaker) UpdateEquity(equity float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rolloverLocked()
	b.currentEquity = equity
	b.evaluateLocked()
}

// RecordTrade counts one executed trade against the daily budget.
func (b *Breaker) RecordTrade() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rolloverLocked()
	b.tradeCountToday++
	b.evaluateLocked()
}

// AllowEntry gates new entries. Returns ErrTripped with the trip reason when
// the breaker is open.
func (b *Breaker) AllowEntry() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rolloverLocked()
	if b.tripped {
		return fmt.Errorf("%w: %s", ErrTripped, b.tripReason)
	}
	return nil
}

// Trip forces the breaker open unconditionally (emergency stop).
func (b *Breaker) Trip(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tripLocked(reason)
}

// Resume clears the trip. If a threshold is still breached the next
// evaluation re-trips immediately.
func (b *Breaker) Resume() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.tripped {
		log.Printf("🟢 Circuit breaker resumed by operator (was: %s)", b.tripReason)
	}
	b.tripped = false
	b.tripReason = ""
}

// Snapshot returns the current state.
func (b *Breaker) Snapshot() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rolloverLocked()
	return State{
		DailyLoss:       b.dailyLossLocked(),
		DailyLossPct:    b.dailyLossPctLocked(),
		TotalLoss:       b.totalLossLocked(),
		TotalLossPct:    b.totalLossPctLocked(),
		TradeCountToday: b.tradeCountToday,
		Tripped:         b.tripped,
		TripReason:      b.tripReason,
		DayWindowStart:  b.dayWindowStart,
	}
}

func (b *Breaker) dailyLossLocked() float64 {
	loss := b.dayStartEquity - b.currentEquity
	if loss < 0 {
		return 0
	}
	return loss
}

func (b *Breaker) dailyLossPctLocked() float64 {
	if b.dayStartEquity <= 0 {
		return 0
	}
	return b.dailyLossLocked() / b.dayStartEquity
}

func (b *Breaker) totalLossLocked() float64 {
	loss := b.initialEquity - b.currentEquity
	if loss < 0 {
		return 0
	}
	return loss
}

func (b *Breaker) totalLossPctLocked() float64 {
	if b.initialEquity <= 0 {
		return 0
	}
	return b.totalLossLocked() / b.initialEquity
}

// rolloverLocked resets the daily window at midnight: daily counters clear,
// total loss persists, and a trip from the previous day clears (total-loss
// breaches re-trip on the next evaluation).
func (b *Breaker) rolloverLocked() {
	today := startOfDay(b.now())
	if !today.After(b.dayWindowStart) {
		return
	}

	log.Printf("🌅 Day window rollover: daily counters reset (trades were %d)", b.tradeCountToday)
	b.dayWindowStart = today
	b.dayStartEquity = b.currentEquity
	b.tradeCountToday = 0
	if b.tripped {
		b.tripped = false
		b.tripReason = ""
	}
	b.evaluateLocked()
}

func (b *Breaker) evaluateLocked() {
	if b.tripped {
		return
	}
	switch {
	case b.dailyLossPctLocked() >= b.cfg.MaxDailyLossPct:
		b.tripLocked(fmt.Sprintf("daily loss %.2f%% >= %.2f%%", b.dailyLossPctLocked()*100, b.cfg.MaxDailyLossPct*100))
	case b.totalLossPctLocked() >= b.cfg.MaxTotalLossPct:
		b.tripLocked(fmt.Sprintf("total loss %.2f%% >= %.2f%%", b.totalLossPctLocked()*100, b.cfg.MaxTotalLossPct*100))
	case b.tradeCountToday >= b.cfg.MaxDailyTrades:
		b.tripLocked(fmt.Sprintf("daily trade count %d >= %d", b.tradeCountToday, b.cfg.MaxDailyTrades))
	}
}

func (b *Breaker) tripLocked(reason string) {
	if b.tripped {
		return
	}
	b.tripped = true
	b.tripReason = reason
	log.Printf("🚨 Circuit breaker TRIPPED: %s", reason)
}
