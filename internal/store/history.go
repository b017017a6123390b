package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/kareemsasa3/silkworm/internal/types"
)

// History persists every merged record across runs so price and title drift
// is queryable after the fact.
type History struct {
	conn   *sql.DB
	logger Logger
}

// RunSummary aggregates one harvest run's history rows.
type RunSummary struct {
	RunID      string    `json:"run_id"`
	Products   int       `json:"products"`
	Changed    int       `json:"changed"`
	Enriched   int       `json:"enriched"`
	FirstWrite time.Time `json:"first_write"`
	LastWrite  time.Time `json:"last_write"`
}

// OpenHistory opens (creating if needed) the history database at dbPath.
func OpenHistory(dbPath string, log Logger) (*History, error) {
	conn, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	h := &History{conn: conn, logger: log}
	if err := h.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return h, nil
}

func (h *History) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS product_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		product_id TEXT NOT NULL,
		title TEXT,
		price TEXT,
		detail_url TEXT,
		source_task TEXT,
		enriched INTEGER DEFAULT 0,
		content_hash TEXT,
		previous_hash TEXT,
		has_changes INTEGER DEFAULT 0,
		change_summary TEXT,
		recorded_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_product_history_pid ON product_history(product_id, recorded_at DESC);
	CREATE INDEX IF NOT EXISTS idx_product_history_run ON product_history(run_id);
	`
	if _, err := h.conn.Exec(schema); err != nil {
		return fmt.Errorf("create product_history schema: %w", err)
	}
	return nil
}

// contentHash fingerprints the fields whose drift is worth tracking.
func contentHash(rec *types.ProductRecord) string {
	sum := sha256.Sum256([]byte(rec.Title + "\x00" + rec.Price))
	return hex.EncodeToString(sum[:])
}

// RecordProduct inserts one history row. When the identifier was seen in an
// earlier run with different content, the row carries a human-readable
// change summary.
func (h *History) RecordProduct(runID string, rec *types.ProductRecord) error {
	hash := contentHash(rec)

	var prevHash, prevTitle, prevPrice sql.NullString
	err := h.conn.QueryRow(`
		SELECT content_hash, title, price FROM product_history
		WHERE product_id = ?
		ORDER BY recorded_at DESC, id DESC LIMIT 1`, rec.Identifier).
		Scan(&prevHash, &prevTitle, &prevPrice)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("lookup previous history: %w", err)
	}

	hasChanges := false
	changeSummary := ""
	if prevHash.Valid && prevHash.String != hash {
		hasChanges = true
		changeSummary = summarizeChange(prevTitle.String, prevPrice.String, rec.Title, rec.Price)
	}

	_, err = h.conn.Exec(`
		INSERT INTO product_history
			(run_id, product_id, title, price, detail_url, source_task,
			 enriched, content_hash, previous_hash, has_changes, change_summary)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, rec.Identifier, rec.Title, rec.Price, rec.DetailURL, rec.SourceTask,
		boolToInt(rec.Enriched), hash, nullable(prevHash), boolToInt(hasChanges), changeSummary)
	if err != nil {
		return fmt.Errorf("insert history row: %w", err)
	}
	if hasChanges {
		h.logger.Debug("product %s changed since last run: %s", rec.Identifier, changeSummary)
	}
	return nil
}

// summarizeChange renders a compact diff of the tracked fields.
func summarizeChange(oldTitle, oldPrice, newTitle, newPrice string) string {
	var parts []string
	if oldPrice != newPrice {
		parts = append(parts, fmt.Sprintf("price %s -> %s", oldPrice, newPrice))
	}
	if oldTitle != newTitle {
		dmp := diffmatchpatch.New()
		diffs := dmp.DiffMain(oldTitle, newTitle, false)
		var b strings.Builder
		for _, d := range diffs {
			switch d.Type {
			case diffmatchpatch.DiffInsert:
				b.WriteString("+" + d.Text)
			case diffmatchpatch.DiffDelete:
				b.WriteString("-" + d.Text)
			}
		}
		parts = append(parts, "title "+b.String())
	}
	return strings.Join(parts, "; ")
}

// GetRunSummary aggregates the rows written under runID.
func (h *History) GetRunSummary(runID string) (*RunSummary, error) {
	var s RunSummary
	var first, last sql.NullString
	err := h.conn.QueryRow(`
		SELECT COUNT(*),
			COALESCE(SUM(has_changes), 0),
			COALESCE(SUM(enriched), 0),
			MIN(recorded_at),
			MAX(recorded_at)
		FROM product_history WHERE run_id = ?`, runID).
		Scan(&s.Products, &s.Changed, &s.Enriched, &first, &last)
	if err != nil {
		return nil, fmt.Errorf("run summary query: %w", err)
	}
	s.RunID = runID
	if first.Valid {
		s.FirstWrite, _ = time.Parse("2006-01-02 15:04:05", first.String)
	}
	if last.Valid {
		s.LastWrite, _ = time.Parse("2006-01-02 15:04:05", last.String)
	}
	return &s, nil
}

// ChangedProducts returns identifiers whose content drifted during runID.
func (h *History) ChangedProducts(runID string) ([]string, error) {
	rows, err := h.conn.Query(`
		SELECT product_id FROM product_history
		WHERE run_id = ? AND has_changes = 1
		ORDER BY recorded_at ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("changed products query: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close closes the underlying connection.
func (h *History) Close() error {
	return h.conn.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable(s sql.NullString) interface{} {
	if s.Valid {
		return s.String
	}
	return nil
}
