// Package journal keeps an append-only record of every transaction the
// execution service submitted, including the ones whose outcome is unknown.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gregtusar/perpexec/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeRejected Outcome = "rejected"
	// OutcomeUnknown marks transport failures: the exchange may or may not
	// have applied the transaction.
	OutcomeUnknown Outcome = "unknown"
	OutcomeFailed  Outcome = "failed"
)

// OutcomeOf classifies a submission error.
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeAccepted
	case errors.Is(err, models.ErrExchangeRejected):
		return OutcomeRejected
	case errors.Is(err, models.ErrTransport):
		return OutcomeUnknown
	}
	return OutcomeFailed
}

type Entry struct {
	ID            int64           `json:"id" yaml:"id"`
	Operation     string          `json:"operation" yaml:"operation"`
	MarketID      uint8           `json:"market_id" yaml:"market_id"`
	Side          string          `json:"side,omitempty" yaml:"side,omitempty"`
	Size          decimal.Decimal `json:"size" yaml:"size"`
	Price         decimal.Decimal `json:"price" yaml:"price"`
	ClientOrderID int64           `json:"client_order_id" yaml:"client_order_id"`
	ReduceOnly    bool            `json:"reduce_only" yaml:"reduce_only"`
	TxHash        string          `json:"tx_hash,omitempty" yaml:"tx_hash,omitempty"`
	Outcome       Outcome         `json:"outcome" yaml:"outcome"`
	ErrorKind     string          `json:"error_kind,omitempty" yaml:"error_kind,omitempty"`
	Error         string          `json:"error,omitempty" yaml:"error,omitempty"`
	CreatedAt     time.Time       `json:"created_at" yaml:"created_at"`
}

type Store struct {
	db     *sql.DB
	logger *logrus.Logger
}

func Open(path string, logger *logrus.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`
CREATE TABLE IF NOT EXISTS submissions (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  operation TEXT NOT NULL,
  market_id INTEGER NOT NULL,
  side TEXT,
  size TEXT NOT NULL,
  price TEXT NOT NULL,
  client_order_id INTEGER NOT NULL DEFAULT 0,
  reduce_only INTEGER NOT NULL DEFAULT 0,
  tx_hash TEXT,
  outcome TEXT NOT NULL,
  error_kind TEXT,
  error TEXT,
  created_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_submissions_market ON submissions(market_id, id DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate journal: %w", err)
		}
	}
	return nil
}

func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO submissions (operation, market_id, side, size, price, client_order_id, reduce_only, tx_hash, outcome, error_kind, error, created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
`, e.Operation, int(e.MarketID), e.Side, e.Size.String(), e.Price.String(), e.ClientOrderID, boolToInt(e.ReduceOnly),
		e.TxHash, string(e.Outcome), e.ErrorKind, e.Error, e.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record submission: %w", err)
	}
	return nil
}

// List returns the most recent entries first.
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, operation, market_id, side, size, price, client_order_id, reduce_only, tx_hash, outcome, error_kind, error, created_at
FROM submissions
ORDER BY id DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e          Entry
			market     int
			side       sql.NullString
			size       string
			price      string
			reduceOnly int
			txHash     sql.NullString
			outcome    string
			errKind    sql.NullString
			errStr     sql.NullString
			createdAt  string
		)
		if err := rows.Scan(&e.ID, &e.Operation, &market, &side, &size, &price, &e.ClientOrderID, &reduceOnly,
			&txHash, &outcome, &errKind, &errStr, &createdAt); err != nil {
			return nil, err
		}
		e.MarketID = uint8(market)
		e.Side = side.String
		e.Size, _ = decimal.NewFromString(size)
		e.Price, _ = decimal.NewFromString(price)
		e.ReduceOnly = reduceOnly != 0
		e.TxHash = txHash.String
		e.Outcome = Outcome(outcome)
		e.ErrorKind = errKind.String
		e.Error = errStr.String
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
