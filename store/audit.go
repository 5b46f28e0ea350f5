package store

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"astergrid/logger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	_ "modernc.org/sqlite"
)

// ==================== Models ====================

// TradeModel GORM model for the trades table. One row per processed fill.
type TradeModel struct {
	ID            uint            `gorm:"primaryKey;autoIncrement"`
	Timestamp     time.Time       `gorm:"index;not null"`
	SessionID     string          `gorm:"index"`
	Symbol        string          `gorm:"index;not null"`
	Side          string          `gorm:"not null"`
	OrderType     string          `gorm:"not null"`
	Kind          string          `gorm:"not null"` // entry|exit|reconcile
	Price         decimal.Decimal `gorm:"type:text;not null"`
	Quantity      decimal.Decimal `gorm:"type:text;not null"`
	PnL           decimal.Decimal `gorm:"type:text;default:'0'"`
	OrderID       string
	ClientOrderID string
	Status        string `gorm:"not null"`
	GridLevel     int    `gorm:"default:0"`
	CreatedAt     time.Time
}

func (TradeModel) TableName() string {
	return "trades"
}

// BalanceSnapshotModel GORM model for the balance_snapshots table
type BalanceSnapshotModel struct {
	ID               uint            `gorm:"primaryKey;autoIncrement"`
	Timestamp        time.Time       `gorm:"index;not null"`
	SessionID        string          `gorm:"index"`
	Asset            string          `gorm:"not null"`
	Balance          decimal.Decimal `gorm:"type:text;not null"`
	AvailableBalance decimal.Decimal `gorm:"type:text"`
	UnrealizedPnL    decimal.Decimal `gorm:"type:text;default:'0'"`
	RealizedPnL      decimal.Decimal `gorm:"type:text;default:'0'"`
	CreatedAt        time.Time
}

func (BalanceSnapshotModel) TableName() string {
	return "balance_snapshots"
}

// SessionModel GORM model for the sessions table
type SessionModel struct {
	ID             string          `gorm:"primaryKey"`
	StartTime      time.Time       `gorm:"not null"`
	EndTime        *time.Time
	Symbol         string          `gorm:"not null"`
	Mode           string
	DryRun         bool
	InitialBalance decimal.Decimal `gorm:"type:text;not null"`
	FinalBalance   decimal.Decimal `gorm:"type:text"`
	TotalTrades    int             `gorm:"default:0"`
	RealizedPnL    decimal.Decimal `gorm:"type:text;default:'0'"`
	Status         string          `gorm:"default:RUNNING"`
	StopReason     string
}

func (SessionModel) TableName() string {
	return "sessions"
}

// GridEventModel GORM model for the grid_events table
type GridEventModel struct {
	ID         uint      `gorm:"primaryKey;autoIncrement"`
	SessionID  string    `gorm:"index"`
	EventTime  time.Time `gorm:"index;not null"`
	EventType  string    `gorm:"index;not null"`
	LevelIndex int       `gorm:"default:-1"`
	Price      decimal.Decimal `gorm:"type:text"`
	Detail     string    `gorm:"type:text"`
}

func (GridEventModel) TableName() string {
	return "grid_events"
}

// ==================== Domain records ====================

// Trade is one fill written to the audit log
type Trade struct {
	Time          time.Time
	Symbol        string
	Side          string
	Type          string
	Kind          string
	Price         decimal.Decimal
	Quantity      decimal.Decimal
	PnL           decimal.Decimal
	Level         int
	OrderID       string
	ClientOrderID string
	Status        string
}

// BalanceSnapshot is a periodic account reading
type BalanceSnapshot struct {
	Time             time.Time
	Asset            string
	Balance          decimal.Decimal
	AvailableBalance decimal.Decimal
	UnrealizedPnL    decimal.Decimal
	RealizedPnL      decimal.Decimal
}

// GridEvent is a notable engine event (re-grid, circuit breaker, smart exit...)
type GridEvent struct {
	Time   time.Time
	Type   string
	Level  int
	Price  decimal.Decimal
	Detail map[string]any
}

// TradeSummary aggregates trades in a time window
type TradeSummary struct {
	Trades      int
	Buys        int
	Sells       int
	Exits       int
	Wins        int
	Losses      int
	RealizedPnL decimal.Decimal
}

// WinRate is the percentage of profitable exits
func (s TradeSummary) WinRate() float64 {
	if s.Exits == 0 {
		return 0
	}
	return float64(s.Wins) / float64(s.Exits) * 100
}

// LevelStat aggregates fills per grid level
type LevelStat struct {
	Level  int
	Fills  int
	Buys   int
	Sells  int
	PnL    decimal.Decimal
	AvgPnL decimal.Decimal
}

// ==================== Audit Log ====================

// AuditLog is the append-only trade journal. It is never read by the
// trading core; the queries serve the CLI and notifications.
type AuditLog struct {
	db        *gorm.DB
	sessionID string
}

// Open opens (creating when needed) the sqlite database at path
func Open(path string) (*AuditLog, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.New(sqlite.Config{
		DriverName: "sqlite",
		DSN:        path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)",
	}), &gorm.Config{
		Logger: gormlogger.New(logger.Log, gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	a := &AuditLog{db: db}
	if err := a.InitTables(); err != nil {
		a.Close()
		return nil, err
	}
	logger.Infof("✅ Audit log ready: %s", path)
	return a, nil
}

// InitTables creates the audit tables
func (a *AuditLog) InitTables() error {
	if err := a.db.AutoMigrate(
		&TradeModel{},
		&BalanceSnapshotModel{},
		&SessionModel{},
		&GridEventModel{},
	); err != nil {
		return fmt.Errorf("failed to migrate audit tables: %w", err)
	}
	return nil
}

// Close releases the database
func (a *AuditLog) Close() error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SessionID of the running session, empty before StartSession
func (a *AuditLog) SessionID() string {
	return a.sessionID
}

// ==================== Session Operations ====================

// StartSession opens a new session row and stamps later records with it
func (a *AuditLog) StartSession(ctx context.Context, symbol, mode string, initialBalance decimal.Decimal, dryRun bool) (string, error) {
	s := &SessionModel{
		ID:             uuid.NewString(),
		StartTime:      time.Now(),
		Symbol:         symbol,
		Mode:           mode,
		DryRun:         dryRun,
		InitialBalance: initialBalance,
		Status:         "RUNNING",
	}
	if err := a.db.WithContext(ctx).Create(s).Error; err != nil {
		return "", fmt.Errorf("failed to start session: %w", err)
	}
	a.sessionID = s.ID
	return s.ID, nil
}

// EndSession closes the current session with its totals
func (a *AuditLog) EndSession(ctx context.Context, finalBalance decimal.Decimal, trades int, realized decimal.Decimal, reason string) error {
	if a.sessionID == "" {
		return nil
	}
	now := time.Now()
	err := a.db.WithContext(ctx).Model(&SessionModel{}).
		Where("id = ?", a.sessionID).
		Updates(map[string]any{
			"end_time":      &now,
			"final_balance": finalBalance,
			"total_trades":  trades,
			"realized_pnl":  realized,
			"status":        "STOPPED",
			"stop_reason":   reason,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	return nil
}

// LoadSession loads a session by id
func (a *AuditLog) LoadSession(ctx context.Context, id string) (*SessionModel, error) {
	var s SessionModel
	if err := a.db.WithContext(ctx).Where("id = ?", id).First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// RecentSessions returns the newest sessions first
func (a *AuditLog) RecentSessions(ctx context.Context, limit int) ([]SessionModel, error) {
	var rows []SessionModel
	if err := a.db.WithContext(ctx).Order("start_time DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// ==================== Record Operations ====================

// RecordTrade appends a fill
func (a *AuditLog) RecordTrade(ctx context.Context, t Trade) error {
	if t.Time.IsZero() {
		t.Time = time.Now()
	}
	row := &TradeModel{
		Timestamp:     t.Time,
		SessionID:     a.sessionID,
		Symbol:        t.Symbol,
		Side:          t.Side,
		OrderType:     t.Type,
		Kind:          t.Kind,
		Price:         t.Price,
		Quantity:      t.Quantity,
		PnL:           t.PnL,
		OrderID:       t.OrderID,
		ClientOrderID: t.ClientOrderID,
		Status:        t.Status,
		GridLevel:     t.Level,
	}
	if err := a.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("failed to record trade: %w", err)
	}
	return nil
}

// RecordBalance appends a balance snapshot
func (a *AuditLog) RecordBalance(ctx context.Context, b BalanceSnapshot) error {
	if b.Time.IsZero() {
		b.Time = time.Now()
	}
	row := &BalanceSnapshotModel{
		Timestamp:        b.Time,
		SessionID:        a.sessionID,
		Asset:            b.Asset,
		Balance:          b.Balance,
		AvailableBalance: b.AvailableBalance,
		UnrealizedPnL:    b.UnrealizedPnL,
		RealizedPnL:      b.RealizedPnL,
	}
	return a.db.WithContext(ctx).Create(row).Error
}

// RecordEvent appends a grid event
func (a *AuditLog) RecordEvent(ctx context.Context, e GridEvent) error {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	var detail string
	if len(e.Detail) > 0 {
		raw, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("failed to encode event detail: %w", err)
		}
		detail = string(raw)
	}
	row := &GridEventModel{
		SessionID:  a.sessionID,
		EventTime:  e.Time,
		EventType:  e.Type,
		LevelIndex: e.Level,
		Price:      e.Price,
		Detail:     detail,
	}
	return a.db.WithContext(ctx).Create(row).Error
}

// ==================== Queries ====================

// Summary aggregates trades since the given time
func (a *AuditLog) Summary(ctx context.Context, since time.Time) (TradeSummary, error) {
	var rows []TradeModel
	err := a.db.WithContext(ctx).
		Where("timestamp > ?", since).
		Find(&rows).Error
	if err != nil {
		return TradeSummary{}, err
	}

	var s TradeSummary
	for _, r := range rows {
		s.Trades++
		if r.Side == "BUY" {
			s.Buys++
		} else {
			s.Sells++
		}
		if r.Kind != "exit" {
			continue
		}
		s.Exits++
		s.RealizedPnL = s.RealizedPnL.Add(r.PnL)
		switch r.PnL.Sign() {
		case 1:
			s.Wins++
		case -1:
			s.Losses++
		}
	}
	return s, nil
}

// RecentTrades returns the newest trades first
func (a *AuditLog) RecentTrades(ctx context.Context, limit int) ([]Trade, error) {
	var rows []TradeModel
	err := a.db.WithContext(ctx).Order("id DESC").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]Trade, 0, len(rows))
	for _, r := range rows {
		out = append(out, Trade{
			Time:          r.Timestamp,
			Symbol:        r.Symbol,
			Side:          r.Side,
			Type:          r.OrderType,
			Kind:          r.Kind,
			Price:         r.Price,
			Quantity:      r.Quantity,
			PnL:           r.PnL,
			Level:         r.GridLevel,
			OrderID:       r.OrderID,
			ClientOrderID: r.ClientOrderID,
			Status:        r.Status,
		})
	}
	return out, nil
}

// LevelStats aggregates filled trades per grid level
func (a *AuditLog) LevelStats(ctx context.Context) ([]LevelStat, error) {
	var rows []TradeModel
	if err := a.db.WithContext(ctx).Where("status = ?", "FILLED").Find(&rows).Error; err != nil {
		return nil, err
	}

	byLevel := make(map[int]*LevelStat)
	exits := make(map[int]int)
	for _, r := range rows {
		st, ok := byLevel[r.GridLevel]
		if !ok {
			st = &LevelStat{Level: r.GridLevel}
			byLevel[r.GridLevel] = st
		}
		st.Fills++
		if r.Side == "BUY" {
			st.Buys++
		} else {
			st.Sells++
		}
		if r.Kind == "exit" {
			st.PnL = st.PnL.Add(r.PnL)
			exits[r.GridLevel]++
		}
	}

	out := make([]LevelStat, 0, len(byLevel))
	for level, st := range byLevel {
		if n := exits[level]; n > 0 {
			st.AvgPnL = st.PnL.Div(decimal.NewFromInt(int64(n)))
		}
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Level < out[j].Level })
	return out, nil
}

// RecentEvents returns the newest grid events of a type, all types when eventType is empty
func (a *AuditLog) RecentEvents(ctx context.Context, eventType string, limit int) ([]GridEventModel, error) {
	q := a.db.WithContext(ctx).Order("id DESC").Limit(limit)
	if eventType != "" {
		q = q.Where("event_type = ?", eventType)
	}
	var rows []GridEventModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// tradeColumns is the header of the CSV export
var tradeColumns = []string{
	"timestamp", "session_id", "symbol", "side", "order_type", "kind", "price", "quantity",
	"order_id", "client_order_id", "status", "pnl", "grid_level",
}

// ExportTrades writes every trade, oldest first, as CSV to w and returns
// the number of rows written
func (a *AuditLog) ExportTrades(ctx context.Context, w io.Writer) (int, error) {
	rows, err := a.db.WithContext(ctx).Model(&TradeModel{}).Order("id ASC").Rows()
	if err != nil {
		return 0, fmt.Errorf("failed to read trades: %w", err)
	}
	defer rows.Close()

	cw := csv.NewWriter(w)
	if err := cw.Write(tradeColumns); err != nil {
		return 0, err
	}
	n := 0
	for rows.Next() {
		var t TradeModel
		if err := a.db.ScanRows(rows, &t); err != nil {
			return n, fmt.Errorf("failed to scan trade: %w", err)
		}
		err := cw.Write([]string{
			t.Timestamp.UTC().Format(time.RFC3339),
			t.SessionID,
			t.Symbol,
			t.Side,
			t.OrderType,
			t.Kind,
			t.Price.String(),
			t.Quantity.String(),
			t.OrderID,
			t.ClientOrderID,
			t.Status,
			t.PnL.String(),
			strconv.Itoa(t.GridLevel),
		})
		if err != nil {
			return n, err
		}
		n++
	}
	if err := rows.Err(); err != nil {
		return n, err
	}
	cw.Flush()
	return n, cw.Error()
}
