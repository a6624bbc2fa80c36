package logger

import (
	"testing"
	"time"
)

func newTestLogger(t *testing.T) (*DecisionLogger, string) {
	t.Helper()
	dir := t.TempDir()
	l := NewDecisionLogger(dir)
	if l.db == nil {
		t.Fatal("database failed to open")
	}
	t.Cleanup(func() { l.Close() })
	return l, dir
}

func sampleRecord(cycle int) *DecisionRecord {
	return &DecisionRecord{
		Timestamp:    time.Now(),
		CycleNumber:  cycle,
		InputPrompt:  "prompt",
		CoTTrace:     "reasoning",
		DecisionJSON: `[{"symbol": "BTC", "action": "wait"}]`,
		RawResponse:  "raw",
		AccountState: AccountSnapshot{
			TotalEquity:      10000,
			AvailableBalance: 8000,
			PositionCount:    1,
		},
		Positions: []PositionSnapshot{
			{Symbol: "BTC", Side: "long", Quantity: 0.1, EntryPrice: 50000, MarkPrice: 50500, Leverage: 2, StopLossPrice: 46000},
		},
		CandidateCoins: []string{"BTC", "ETH"},
		Decisions: []DecisionAction{
			{Action: "open_long", Symbol: "BTC", Side: "long", Quantity: 0.1, Leverage: 2, Price: 50000, Timestamp: time.Now(), Success: true},
		},
		ExecutionLog: []string{"opened BTC long"},
		BreakerState: "normal",
		Success:      true,
	}
}

func TestLogDecisionRoundTrip(t *testing.T) {
	l, _ := newTestLogger(t)

	if err := l.LogDecision(sampleRecord(1)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	records, err := l.GetLatestRecords(10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	r := records[0]
	if r.CycleNumber != 1 || r.InputPrompt != "prompt" || !r.Success {
		t.Errorf("got %+v", r)
	}
	if r.AccountState.TotalEquity != 10000 {
		t.Errorf("account: got %+v", r.AccountState)
	}
	if len(r.Positions) != 1 || r.Positions[0].StopLossPrice != 46000 {
		t.Errorf("positions: got %+v", r.Positions)
	}
	if len(r.Decisions) != 1 || r.Decisions[0].Action != "open_long" {
		t.Errorf("actions: got %+v", r.Decisions)
	}
	if len(r.CandidateCoins) != 2 || len(r.ExecutionLog) != 1 {
		t.Errorf("json columns: coins=%v log=%v", r.CandidateCoins, r.ExecutionLog)
	}
}

func TestGetLatestRecordsNewestFirst(t *testing.T) {
	l, _ := newTestLogger(t)

	for i := 1; i <= 5; i++ {
		if err := l.LogDecision(sampleRecord(i)); err != nil {
			t.Fatal(err)
		}
	}

	records, err := l.GetLatestRecords(3)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3", len(records))
	}
	if records[0].CycleNumber != 5 || records[2].CycleNumber != 3 {
		t.Errorf("order: got cycles %d, %d, %d", records[0].CycleNumber, records[1].CycleNumber, records[2].CycleNumber)
	}
}

func TestCycleNumberSurvivesReopen(t *testing.T) {
	l, dir := newTestLogger(t)

	l.NextCycleNumber()
	l.NextCycleNumber()
	l.NextCycleNumber()
	if err := l.LogDecision(sampleRecord(3)); err != nil {
		t.Fatal(err)
	}
	l.Close()

	reopened := NewDecisionLogger(dir)
	defer reopened.Close()
	if got := reopened.NextCycleNumber(); got != 4 {
		t.Errorf("restored cycle: got %d, want 4", got)
	}
}

func TestGetFirstRecordForBaseline(t *testing.T) {
	l, _ := newTestLogger(t)

	// Empty database yields nil, nil rather than an error
	first, err := l.GetFirstRecord()
	if err != nil || first != nil {
		t.Fatalf("empty db: got %+v, %v", first, err)
	}

	r1 := sampleRecord(1)
	r1.AccountState.TotalEquity = 10000
	l.LogDecision(r1)
	r2 := sampleRecord(2)
	r2.AccountState.TotalEquity = 11000
	l.LogDecision(r2)

	first, err = l.GetFirstRecord()
	if err != nil {
		t.Fatal(err)
	}
	if first.CycleNumber != 1 || first.AccountState.TotalEquity != 10000 {
		t.Errorf("got %+v", first)
	}
}

func TestTradesChronologicalOrder(t *testing.T) {
	l, _ := newTestLogger(t)

	base := time.Now()
	for i := 0; i < 3; i++ {
		err := l.LogTrade(&TradeRecord{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Symbol:    "BTC",
			Side:      "long",
			Action:    "close",
			ExitKind:  "take_profit",
			Quantity:  0.1,
			Price:     50000 + float64(i),
			Fee:       1,
			RealizedPnL: float64(i * 10),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	trades, err := l.GetTrades(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(trades) != 3 {
		t.Fatalf("got %d trades, want 3", len(trades))
	}
	if trades[0].Price != 50000 || trades[2].Price != 50002 {
		t.Errorf("trades must come back oldest first: %+v", trades)
	}
}

func TestEquityHistoryAndStatistics(t *testing.T) {
	l, _ := newTestLogger(t)

	for _, eq := range []float64{10000, 10100, 9900} {
		if err := l.LogEquity(eq); err != nil {
			t.Fatal(err)
		}
	}
	points, err := l.GetEquityHistory(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(points) != 3 || points[0].Equity != 10000 || points[2].Equity != 9900 {
		t.Errorf("equity order: %+v", points)
	}

	ok := sampleRecord(1)
	l.LogDecision(ok)
	bad := sampleRecord(2)
	bad.Success = false
	bad.ErrorMessage = "model call failed"
	l.LogDecision(bad)

	l.LogTrade(&TradeRecord{Timestamp: time.Now(), Symbol: "BTC", Side: "long", Action: "open", Quantity: 0.1, Price: 50000, Fee: 2})
	l.LogTrade(&TradeRecord{Timestamp: time.Now(), Symbol: "BTC", Side: "long", Action: "close", ExitKind: "signal", Quantity: 0.1, Price: 51000, Fee: 2, RealizedPnL: 98})

	stats, err := l.GetStatistics()
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalCycles != 2 || stats.FailedCycles != 1 {
		t.Errorf("cycles: %+v", stats)
	}
	// Only closes count as trades; the open's fee is excluded here
	if stats.TotalTrades != 1 || stats.TotalPnL != 98 || stats.TotalFees != 2 {
		t.Errorf("trades: %+v", stats)
	}
}

func TestLogConversation(t *testing.T) {
	l, _ := newTestLogger(t)

	err := l.LogConversation(&ConversationRecord{
		CycleNumber: 1,
		SystemHash:  "abc123",
		UserPrompt:  "cycle context",
		Response:    "analysis plus decisions",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var count int
	if err := l.db.QueryRow("SELECT COUNT(*) FROM conversations").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("got %d conversations, want 1", count)
	}
}
