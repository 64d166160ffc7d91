package results

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/amarcoder01/customsp/internal/logging"
	"github.com/amarcoder01/customsp/pkg/types"
)

const (
	DefaultRetention  = 90 * 24 * time.Hour
	DefaultMaxResults = 10000
	cleanupInterval   = 1 * time.Hour
)

// ErrStoreRetryable marks failures caused by a busy database.
var ErrStoreRetryable = errors.New("results store busy")

// Summary is one row of the history listing.
type Summary struct {
	ID               string                 `json:"id"`
	ServerID         string                 `json:"server_id"`
	Timestamp        time.Time              `json:"timestamp"`
	DownloadMbps     float64                `json:"download_mbps"`
	UploadMbps       float64                `json:"upload_mbps"`
	LatencyMs        float64                `json:"latency_ms"`
	JitterMs         float64                `json:"jitter_ms"`
	Protocol         string                 `json:"protocol"`
	TestDurationMs   int64                  `json:"test_duration_ms"`
	BufferbloatGrade types.BufferbloatGrade `json:"bufferbloat_grade"`
	OverallScore     float64                `json:"overall_score"`
}

type Store struct {
	db         *sql.DB
	maxResults int
	retention  time.Duration
	logger     *logging.Logger
	stopCh     chan struct{}
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

// New opens (or creates) the SQLite database at dbPath. maxResults <= 0
// disables count trimming; retention <= 0 uses DefaultRetention.
func New(dbPath string, maxResults int, retention time.Duration) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(3)
	db.SetMaxIdleConns(2)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// modernc.org/sqlite requires explicit PRAGMAs (not query-string params)
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	if retention <= 0 {
		retention = DefaultRetention
	}
	s := &Store{
		db:         db,
		maxResults: maxResults,
		retention:  retention,
		logger:     logging.NewLogger("results"),
		stopCh:     make(chan struct{}),
	}

	s.cleanup()

	s.wg.Add(1)
	go s.cleanupLoop()

	return s, nil
}

func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		if err := s.db.Close(); err != nil {
			s.logger.Warn("close failed", logging.Field{Key: "error", Value: err})
		}
	})
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS test_results (
			id TEXT PRIMARY KEY,
			server_id TEXT NOT NULL,
			timestamp TIMESTAMP NOT NULL,
			download_mbps REAL NOT NULL,
			upload_mbps REAL NOT NULL,
			latency_ms REAL NOT NULL,
			jitter_ms REAL NOT NULL,
			protocol TEXT NOT NULL,
			client_ip TEXT NOT NULL DEFAULT 'unknown',
			test_duration_ms INTEGER NOT NULL,
			bufferbloat_grade TEXT NOT NULL DEFAULT '',
			overall_score REAL NOT NULL DEFAULT 0,
			detail TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_test_results_timestamp ON test_results(timestamp DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Save persists a finalized result. Saving an existing id replaces it.
func (s *Store) Save(r *types.EnhancedResult) error {
	if r == nil || r.TestResult.ID == "" {
		return errors.New("result has no id")
	}
	detail, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	tr := r.TestResult
	clientIP := tr.ClientIP
	if clientIP == "" {
		clientIP = "unknown"
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO test_results (id, server_id, timestamp, download_mbps, upload_mbps,
			latency_ms, jitter_ms, protocol, client_ip, test_duration_ms,
			bufferbloat_grade, overall_score, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.ID, tr.ServerID, tr.Timestamp.UTC(), tr.DownloadMbps, tr.UploadMbps,
		tr.LatencyMs, tr.JitterMs, tr.Protocol, clientIP, tr.TestDurationMs,
		r.LoadedLatency.BufferbloatGrade.String(), r.AIM.OverallScore, string(detail),
	)
	if err != nil {
		return classify("insert result", err)
	}
	return nil
}

// Get returns the stored result, or nil when id is unknown.
func (s *Store) Get(id string) (*types.EnhancedResult, error) {
	var detail string
	err := s.db.QueryRow(`SELECT detail FROM test_results WHERE id = ? LIMIT 1`, id).Scan(&detail)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("query result", err)
	}
	var r types.EnhancedResult
	if err := json.Unmarshal([]byte(detail), &r); err != nil {
		return nil, fmt.Errorf("decode result %s: %w", id, err)
	}
	return &r, nil
}

// History lists the newest results first.
func (s *Store) History(limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(
		`SELECT id, server_id, timestamp, download_mbps, upload_mbps, latency_ms, jitter_ms,
			protocol, test_duration_ms, bufferbloat_grade, overall_score
		FROM test_results ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, classify("query history", err)
	}
	defer rows.Close()

	out := make([]Summary, 0, limit)
	for rows.Next() {
		var (
			sum   Summary
			grade string
		)
		if err := rows.Scan(&sum.ID, &sum.ServerID, &sum.Timestamp, &sum.DownloadMbps, &sum.UploadMbps,
			&sum.LatencyMs, &sum.JitterMs, &sum.Protocol, &sum.TestDurationMs, &grade, &sum.OverallScore); err != nil {
			return nil, classify("scan history", err)
		}
		if err := sum.BufferbloatGrade.UnmarshalText([]byte(grade)); err != nil {
			sum.BufferbloatGrade = types.GradeF
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate history", err)
	}
	return out, nil
}

// Count is the number of stored results.
func (s *Store) Count() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM test_results`).Scan(&n); err != nil {
		return 0, classify("count results", err)
	}
	return n, nil
}

func classify(op string, err error) error {
	msg := err.Error()
	if strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked") {
		return fmt.Errorf("%s: %w", op, errors.Join(ErrStoreRetryable, err))
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (s *Store) cleanup() {
	cutoff := time.Now().UTC().Add(-s.retention)
	res, err := s.db.Exec(`DELETE FROM test_results WHERE timestamp < ?`, cutoff)
	if err != nil {
		s.logger.Warn("cleanup (age) failed", logging.Field{Key: "error", Value: err})
	} else if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Info("cleanup: removed expired", logging.Field{Key: "count", Value: n})
	}

	// Trim to max count, keeping newest
	if s.maxResults > 0 {
		res, err = s.db.Exec(
			`DELETE FROM test_results WHERE id NOT IN (
				SELECT id FROM test_results ORDER BY timestamp DESC LIMIT ?
			)`, s.maxResults)
		if err != nil {
			s.logger.Warn("cleanup (count) failed", logging.Field{Key: "error", Value: err})
		} else if n, _ := res.RowsAffected(); n > 0 {
			s.logger.Info("cleanup: trimmed to max",
				logging.Field{Key: "removed", Value: n},
				logging.Field{Key: "max", Value: s.maxResults})
		}
	}
}

func (s *Store) cleanupLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}
