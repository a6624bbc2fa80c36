package logger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DecisionRecord is one full cycle: the prompt, the model's response, the
// account and position snapshots, and what was executed.
type DecisionRecord struct {
	Timestamp      time.Time          `json:"timestamp"`
	CycleNumber    int                `json:"cycle_number"`
	InputPrompt    string             `json:"input_prompt"`
	CoTTrace       string             `json:"cot_trace"`
	DecisionJSON   string             `json:"decision_json"`
	RawResponse    string             `json:"raw_response"`
	AccountState   AccountSnapshot    `json:"account_state"`
	Positions      []PositionSnapshot `json:"positions"`
	CandidateCoins []string           `json:"candidate_coins"`
	Decisions      []DecisionAction   `json:"decisions"`
	ExecutionLog   []string           `json:"execution_log"`
	BreakerState   string             `json:"breaker_state"`
	Success        bool               `json:"success"`
	ErrorMessage   string             `json:"error_message"`
}

// AccountSnapshot account state at decision time
type AccountSnapshot struct {
	TotalEquity      float64 `json:"total_equity"`
	AvailableBalance float64 `json:"available_balance"`
	UnrealizedProfit float64 `json:"unrealized_profit"`
	RealizedProfit   float64 `json:"realized_profit"`
	PositionCount    int     `json:"position_count"`
	MarginUsedPct    float64 `json:"margin_used_pct"`
}

// PositionSnapshot position state at decision time
type PositionSnapshot struct {
	Symbol           string  `json:"symbol"`
	Side             string  `json:"side"`
	Quantity         float64 `json:"quantity"`
	EntryPrice       float64 `json:"entry_price"`
	MarkPrice        float64 `json:"mark_price"`
	UnrealizedProfit float64 `json:"unrealized_profit"`
	Leverage         float64 `json:"leverage"`
	StopLossPrice    float64 `json:"stop_loss_price"`
}

// DecisionAction is one executed (or attempted) decision within a cycle.
type DecisionAction struct {
	Action    string    `json:"action"`
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side"`
	Quantity  float64   `json:"quantity"`
	Leverage  int       `json:"leverage"`
	Price     float64   `json:"price"`
	ExitKind  string    `json:"exit_kind,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
}

// TradeRecord is one fill, kept separate from decisions so realized P&L
// survives restarts.
type TradeRecord struct {
	Timestamp   time.Time `json:"timestamp"`
	Symbol      string    `json:"symbol"`
	Side        string    `json:"side"`
	Action      string    `json:"action"`
	ExitKind    string    `json:"exit_kind,omitempty"`
	Quantity    float64   `json:"quantity"`
	Price       float64   `json:"price"`
	Fee         float64   `json:"fee"`
	RealizedPnL float64   `json:"realized_pnl"`
}

// EquityPoint is one equity-curve sample.
type EquityPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Equity    float64   `json:"equity"`
}

// ConversationRecord is one model exchange, for auditing prompts.
type ConversationRecord struct {
	Timestamp   time.Time `json:"timestamp"`
	CycleNumber int       `json:"cycle_number"`
	SystemHash  string    `json:"system_hash"`
	UserPrompt  string    `json:"user_prompt"`
	Response    string    `json:"response"`
}

// DecisionLogger persists cycle records, trades, and equity samples to a
// per-trader SQLite database.
type DecisionLogger struct {
	db          *sql.DB
	logDir      string
	cycleNumber int
}

// NewDecisionLogger opens (or creates) the trader's database under logDir.
func NewDecisionLogger(logDir string) *DecisionLogger {
	if logDir == "" {
		logDir = "decision_logs"
	}

	l := &DecisionLogger{logDir: logDir}

	if err := os.MkdirAll(logDir, 0755); err != nil {
		log.Printf("⚠ Failed to create log directory: %v", err)
	}

	dbPath := filepath.Join(logDir, "decisions.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)")
	if err != nil {
		log.Printf("⚠ Failed to open SQLite database: %v", err)
		return l
	}
	if err := db.Ping(); err != nil {
		log.Printf("⚠ SQLite database connection failed: %v", err)
		db.Close()
		return l
	}
	l.db = db

	if err := l.initDB(); err != nil {
		log.Printf("⚠ Failed to initialize database: %v", err)
		return l
	}
	if err := l.restoreCycleNumber(); err != nil {
		log.Printf("ℹ️  Unable to restore previous cycle number, starting from 1: %v", err)
	}
	return l
}

func (l *DecisionLogger) initDB() error {
	schema := `
	CREATE TABLE IF NOT EXISTS decisions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		cycle_number INTEGER NOT NULL UNIQUE,
		input_prompt TEXT,
		cot_trace TEXT,
		decision_json TEXT,
		raw_response TEXT,
		success BOOLEAN NOT NULL DEFAULT 1,
		error_message TEXT,
		account_total_equity REAL NOT NULL,
		account_available_balance REAL NOT NULL,
		account_unrealized_profit REAL NOT NULL,
		account_realized_profit REAL NOT NULL DEFAULT 0,
		account_position_count INTEGER NOT NULL,
		account_margin_used_pct REAL NOT NULL,
		breaker_state TEXT,
		execution_log TEXT,
		candidate_coins TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS positions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		decision_id INTEGER NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity REAL NOT NULL,
		entry_price REAL NOT NULL,
		mark_price REAL NOT NULL,
		unrealized_profit REAL NOT NULL,
		leverage REAL NOT NULL,
		stop_loss_price REAL NOT NULL DEFAULT 0,
		FOREIGN KEY(decision_id) REFERENCES decisions(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS decision_actions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		decision_id INTEGER NOT NULL,
		action TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT,
		quantity REAL NOT NULL,
		leverage INTEGER,
		price REAL NOT NULL,
		exit_kind TEXT,
		timestamp DATETIME NOT NULL,
		success BOOLEAN NOT NULL DEFAULT 1,
		error TEXT,
		FOREIGN KEY(decision_id) REFERENCES decisions(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS trades (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		action TEXT NOT NULL,
		exit_kind TEXT,
		quantity REAL NOT NULL,
		price REAL NOT NULL,
		fee REAL NOT NULL,
		realized_pnl REAL NOT NULL
	);

	CREATE TABLE IF NOT EXISTS equity_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		equity REAL NOT NULL
	);

	CREATE TABLE IF NOT EXISTS conversations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		cycle_number INTEGER NOT NULL,
		system_hash TEXT,
		user_prompt TEXT,
		response TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_decisions_timestamp ON decisions(timestamp);
	CREATE INDEX IF NOT EXISTS idx_decisions_cycle ON decisions(cycle_number);
	CREATE INDEX IF NOT EXISTS idx_positions_decision ON positions(decision_id);
	CREATE INDEX IF NOT EXISTS idx_actions_decision ON decision_actions(decision_id);
	CREATE INDEX IF NOT EXISTS idx_trades_timestamp ON trades(timestamp);
	CREATE INDEX IF NOT EXISTS idx_equity_timestamp ON equity_history(timestamp);
	`
	_, err := l.db.Exec(schema)
	return err
}

func (l *DecisionLogger) restoreCycleNumber() error {
	if l.db == nil {
		return fmt.Errorf("database not initialized")
	}
	var maxCycle sql.NullInt64
	if err := l.db.QueryRow("SELECT MAX(cycle_number) FROM decisions").Scan(&maxCycle); err != nil {
		return err
	}
	if maxCycle.Valid {
		l.cycleNumber = int(maxCycle.Int64)
		log.Printf("✅ Restored cycle number: continuing from #%d", l.cycleNumber+1)
	}
	return nil
}

// NextCycleNumber increments and returns the cycle counter.
func (l *DecisionLogger) NextCycleNumber() int {
	l.cycleNumber++
	return l.cycleNumber
}

// CycleNumber returns the current cycle counter without incrementing.
func (l *DecisionLogger) CycleNumber() int {
	return l.cycleNumber
}

// LogDecision persists one cycle record with its positions and actions.
func (l *DecisionLogger) LogDecision(record *DecisionRecord) error {
	if l.db == nil {
		return fmt.Errorf("database not initialized")
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}
	if record.CycleNumber == 0 {
		record.CycleNumber = l.cycleNumber
	}

	execLog, _ := json.Marshal(record.ExecutionLog)
	coins, _ := json.Marshal(record.CandidateCoins)

	tx, err := l.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		INSERT INTO decisions (
			timestamp, cycle_number, input_prompt, cot_trace, decision_json, raw_response,
			success, error_message,
			account_total_equity, account_available_balance, account_unrealized_profit,
			account_realized_profit, account_position_count, account_margin_used_pct,
			breaker_state, execution_log, candidate_coins
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.Timestamp, record.CycleNumber, record.InputPrompt, record.CoTTrace,
		record.DecisionJSON, record.RawResponse, record.Success, record.ErrorMessage,
		record.AccountState.TotalEquity, record.AccountState.AvailableBalance,
		record.AccountState.UnrealizedProfit, record.AccountState.RealizedProfit,
		record.AccountState.PositionCount, record.AccountState.MarginUsedPct,
		record.BreakerState, string(execLog), string(coins))
	if err != nil {
		return fmt.Errorf("failed to insert decision: %w", err)
	}
	decisionID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get decision id: %w", err)
	}

	for _, p := range record.Positions {
		if _, err := tx.Exec(`
			INSERT INTO positions (decision_id, symbol, side, quantity, entry_price, mark_price,
				unrealized_profit, leverage, stop_loss_price)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			decisionID, p.Symbol, p.Side, p.Quantity, p.EntryPrice, p.MarkPrice,
			p.UnrealizedProfit, p.Leverage, p.StopLossPrice); err != nil {
			return fmt.Errorf("failed to insert position snapshot: %w", err)
		}
	}

	for _, a := range record.Decisions {
		if _, err := tx.Exec(`
			INSERT INTO decision_actions (decision_id, action, symbol, side, quantity, leverage,
				price, exit_kind, timestamp, success, error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			decisionID, a.Action, a.Symbol, a.Side, a.Quantity, a.Leverage,
			a.Price, a.ExitKind, a.Timestamp, a.Success, a.Error); err != nil {
			return fmt.Errorf("failed to insert decision action: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit decision record: %w", err)
	}
	return nil
}

// LogTrade persists one fill.
func (l *DecisionLogger) LogTrade(t *TradeRecord) error {
	if l.db == nil {
		return fmt.Errorf("database not initialized")
	}
	_, err := l.db.Exec(`
		INSERT INTO trades (timestamp, symbol, side, action, exit_kind, quantity, price, fee, realized_pnl)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Timestamp, t.Symbol, t.Side, t.Action, t.ExitKind, t.Quantity, t.Price, t.Fee, t.RealizedPnL)
	if err != nil {
		return fmt.Errorf("failed to insert trade: %w", err)
	}
	return nil
}

// LogEquity records one equity-curve sample.
func (l *DecisionLogger) LogEquity(equity float64) error {
	if l.db == nil {
		return fmt.Errorf("database not initialized")
	}
	_, err := l.db.Exec("INSERT INTO equity_history (timestamp, equity) VALUES (?, ?)", time.Now(), equity)
	if err != nil {
		return fmt.Errorf("failed to insert equity sample: %w", err)
	}
	return nil
}

// LogConversation records one model exchange.
func (l *DecisionLogger) LogConversation(c *ConversationRecord) error {
	if l.db == nil {
		return fmt.Errorf("database not initialized")
	}
	if c.Timestamp.IsZero() {
		c.Timestamp = time.Now()
	}
	_, err := l.db.Exec(`
		INSERT INTO conversations (timestamp, cycle_number, system_hash, user_prompt, response)
		VALUES (?, ?, ?, ?, ?)`,
		c.Timestamp, c.CycleNumber, c.SystemHash, c.UserPrompt, c.Response)
	if err != nil {
		return fmt.Errorf("failed to insert conversation: %w", err)
	}
	return nil
}

// GetLatestRecords returns up to n most recent cycle records, newest first.
func (l *DecisionLogger) GetLatestRecords(n int) ([]*DecisionRecord, error) {
	if l.db == nil {
		return nil, fmt.Errorf("database not initialized")
	}

	rows, err := l.db.Query(`
		SELECT id, timestamp, cycle_number, input_prompt, cot_trace, decision_json, raw_response,
			success, error_message,
			account_total_equity, account_available_balance, account_unrealized_profit,
			account_realized_profit, account_position_count, account_margin_used_pct,
			breaker_state, execution_log, candidate_coins
		FROM decisions ORDER BY cycle_number DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer rows.Close()

	var records []*DecisionRecord
	var ids []int64
	for rows.Next() {
		var id int64
		var r DecisionRecord
		var execLog, coins sql.NullString
		var inputPrompt, cot, decisionJSON, rawResponse, errMsg, breakerState sql.NullString
		if err := rows.Scan(&id, &r.Timestamp, &r.CycleNumber, &inputPrompt, &cot, &decisionJSON,
			&rawResponse, &r.Success, &errMsg,
			&r.AccountState.TotalEquity, &r.AccountState.AvailableBalance,
			&r.AccountState.UnrealizedProfit, &r.AccountState.RealizedProfit,
			&r.AccountState.PositionCount, &r.AccountState.MarginUsedPct,
			&breakerState, &execLog, &coins); err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		r.InputPrompt = inputPrompt.String
		r.CoTTrace = cot.String
		r.DecisionJSON = decisionJSON.String
		r.RawResponse = rawResponse.String
		r.ErrorMessage = errMsg.String
		r.BreakerState = breakerState.String
		if execLog.Valid {
			json.Unmarshal([]byte(execLog.String), &r.ExecutionLog)
		}
		if coins.Valid {
			json.Unmarshal([]byte(coins.String), &r.CandidateCoins)
		}
		records = append(records, &r)
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, id := range ids {
		if err := l.loadChildren(id, records[i]); err != nil {
			return nil, err
		}
	}
	return records, nil
}

func (l *DecisionLogger) loadChildren(decisionID int64, r *DecisionRecord) error {
	posRows, err := l.db.Query(`
		SELECT symbol, side, quantity, entry_price, mark_price, unrealized_profit, leverage, stop_loss_price
		FROM positions WHERE decision_id = ?`, decisionID)
	if err != nil {
		return fmt.Errorf("failed to query position snapshots: %w", err)
	}
	defer posRows.Close()
	for posRows.Next() {
		var p PositionSnapshot
		if err := posRows.Scan(&p.Symbol, &p.Side, &p.Quantity, &p.EntryPrice, &p.MarkPrice,
			&p.UnrealizedProfit, &p.Leverage, &p.StopLossPrice); err != nil {
			return err
		}
		r.Positions = append(r.Positions, p)
	}

	actRows, err := l.db.Query(`
		SELECT action, symbol, side, quantity, leverage, price, exit_kind, timestamp, success, error
		FROM decision_actions WHERE decision_id = ?`, decisionID)
	if err != nil {
		return fmt.Errorf("failed to query decision actions: %w", err)
	}
	defer actRows.Close()
	for actRows.Next() {
		var a DecisionAction
		var side, exitKind, errStr sql.NullString
		var leverage sql.NullInt64
		if err := actRows.Scan(&a.Action, &a.Symbol, &side, &a.Quantity, &leverage,
			&a.Price, &exitKind, &a.Timestamp, &a.Success, &errStr); err != nil {
			return err
		}
		a.Side = side.String
		a.ExitKind = exitKind.String
		a.Error = errStr.String
		a.Leverage = int(leverage.Int64)
		r.Decisions = append(r.Decisions, a)
	}
	return nil
}

// GetFirstRecord returns the earliest cycle record, for restoring the
// baseline equity after a restart.
func (l *DecisionLogger) GetFirstRecord() (*DecisionRecord, error) {
	if l.db == nil {
		return nil, fmt.Errorf("database not initialized")
	}
	var r DecisionRecord
	err := l.db.QueryRow(`
		SELECT timestamp, cycle_number, account_total_equity
		FROM decisions ORDER BY cycle_number ASC LIMIT 1`).
		Scan(&r.Timestamp, &r.CycleNumber, &r.AccountState.TotalEquity)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query first decision: %w", err)
	}
	return &r, nil
}

// GetTrades returns up to limit most recent fills, oldest first.
func (l *DecisionLogger) GetTrades(limit int) ([]*TradeRecord, error) {
	if l.db == nil {
		return nil, fmt.Errorf("database not initialized")
	}
	rows, err := l.db.Query(`
		SELECT timestamp, symbol, side, action, exit_kind, quantity, price, fee, realized_pnl
		FROM trades ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []*TradeRecord
	for rows.Next() {
		var t TradeRecord
		var exitKind sql.NullString
		if err := rows.Scan(&t.Timestamp, &t.Symbol, &t.Side, &t.Action, &exitKind,
			&t.Quantity, &t.Price, &t.Fee, &t.RealizedPnL); err != nil {
			return nil, err
		}
		t.ExitKind = exitKind.String
		trades = append(trades, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to chronological order
	for i, j := 0, len(trades)-1; i < j; i, j = i+1, j-1 {
		trades[i], trades[j] = trades[j], trades[i]
	}
	return trades, nil
}

// GetEquityHistory returns up to limit most recent equity samples, oldest
// first.
func (l *DecisionLogger) GetEquityHistory(limit int) ([]*EquityPoint, error) {
	if l.db == nil {
		return nil, fmt.Errorf("database not initialized")
	}
	rows, err := l.db.Query(`
		SELECT timestamp, equity FROM equity_history ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query equity history: %w", err)
	}
	defer rows.Close()

	var points []*EquityPoint
	for rows.Next() {
		var p EquityPoint
		if err := rows.Scan(&p.Timestamp, &p.Equity); err != nil {
			return nil, err
		}
		points = append(points, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(points)-1; i < j; i, j = i+1, j-1 {
		points[i], points[j] = points[j], points[i]
	}
	return points, nil
}

// Statistics is a quick cycle-level summary for the status surface.
type Statistics struct {
	TotalCycles  int     `json:"total_cycles"`
	FailedCycles int     `json:"failed_cycles"`
	TotalTrades  int     `json:"total_trades"`
	TotalPnL     float64 `json:"total_pnl"`
	TotalFees    float64 `json:"total_fees"`
}

// GetStatistics aggregates cycle and trade counts.
func (l *DecisionLogger) GetStatistics() (*Statistics, error) {
	if l.db == nil {
		return nil, fmt.Errorf("database not initialized")
	}
	var s Statistics
	if err := l.db.QueryRow("SELECT COUNT(*), COALESCE(SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END), 0) FROM decisions").
		Scan(&s.TotalCycles, &s.FailedCycles); err != nil {
		return nil, fmt.Errorf("failed to count decisions: %w", err)
	}
	if err := l.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(realized_pnl), 0), COALESCE(SUM(fee), 0)
		FROM trades WHERE action = 'close'`).
		Scan(&s.TotalTrades, &s.TotalPnL, &s.TotalFees); err != nil {
		return nil, fmt.Errorf("failed to count trades: %w", err)
	}
	return &s, nil
}

// Close closes the underlying database.
func (l *DecisionLogger) Close() error {
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}
