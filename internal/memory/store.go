// Package memory implements the persistent store of previously solved
// problems and the feedback log attached to them.
//
// It uses SQLite with WAL mode. Each entry is keyed by a deterministic
// fingerprint of the normalized problem text, so re-saving identical text
// updates the existing row instead of duplicating it. Feedback is an
// append-only log; corrections never rewrite the original solution.
package memory

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/mentorlabs/mentord/internal/embeddings"
)

// Sentinel errors.
var (
	ErrNotFound        = errors.New("memory entry not found")
	ErrInvalidFeedback = errors.New("feedback type must be 'correct' or 'incorrect'")
)

// Feedback types accepted by RecordFeedback.
const (
	FeedbackCorrect   = "correct"
	FeedbackIncorrect = "incorrect"
)

// Entry is a previously solved problem.
type Entry struct {
	ID          string    `json:"id"`
	ProblemText string    `json:"problem_text"`
	Fingerprint string    `json:"problem_fingerprint"`
	Solution    string    `json:"solution"`
	Confidence  float64   `json:"confidence"`
	Topic       string    `json:"topic,omitempty"`
	Feedback    string    `json:"feedback,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	SourceTag   string    `json:"source_tag"`

	// Similarity is set on entries returned by FindSimilar.
	Similarity float64 `json:"similarity,omitempty"`
}

// FeedbackEvent is one row of the append-only feedback log.
type FeedbackEvent struct {
	ID         int64     `json:"id"`
	ProblemID  string    `json:"problem_id"`
	Type       string    `json:"feedback_type"`
	Correction string    `json:"correction,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Stats is a read-only aggregate over the store.
type Stats struct {
	Count             int            `json:"count"`
	AvgConfidence     float64        `json:"avg_confidence"`
	FeedbackBreakdown map[string]int `json:"feedback_breakdown"`
}

// Config holds store configuration.
type Config struct {
	// Path is the SQLite database file; ":memory:" for tests.
	Path string
}

// Store is the SQLite-backed memory store. Reads run concurrently; writes
// are serialized by a mutex on top of WAL mode.
type Store struct {
	db       *sql.DB
	embedder embeddings.Embedder
	logger   *zap.Logger

	mu sync.Mutex // serializes writers
}

const schema = `
CREATE TABLE IF NOT EXISTS problems (
	id                  TEXT PRIMARY KEY,
	problem_text        TEXT NOT NULL,
	problem_fingerprint TEXT NOT NULL UNIQUE,
	solution            TEXT NOT NULL,
	confidence          REAL NOT NULL,
	topic               TEXT,
	feedback            TEXT,
	created_at          TEXT NOT NULL,
	source              TEXT NOT NULL,
	embedding           BLOB
);
CREATE INDEX IF NOT EXISTS idx_problems_created ON problems(created_at);
CREATE INDEX IF NOT EXISTS idx_problems_topic ON problems(topic);

CREATE TABLE IF NOT EXISTS feedback_log (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	problem_id    TEXT NOT NULL REFERENCES problems(id),
	feedback_type TEXT NOT NULL,
	correction    TEXT,
	timestamp     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_feedback_problem ON feedback_log(problem_id);
`

// Open opens (or creates) the store. The embedder may be nil; similarity
// lookup then falls back to exact fingerprint matching only.
func Open(cfg Config, embedder embeddings.Embedder, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Path == "" {
		cfg.Path = ":memory:"
	}
	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
			return nil, fmt.Errorf("memory: create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("memory: open database: %w", err)
	}
	if cfg.Path == ":memory:" {
		// Every pooled connection to ":memory:" is a distinct empty
		// database, so the schema below would only exist on one of them.
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("memory: pragma %q: %w", p, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("memory: migration: %w", err)
	}

	return &Store{db: db, embedder: embedder, logger: logger}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// NormalizeText canonicalizes problem text for fingerprinting: lowercase,
// collapsed whitespace, trimmed.
func NormalizeText(text string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.TrimSpace(text) {
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// Fingerprint returns the deterministic content key for problem text.
func Fingerprint(text string) string {
	sum := sha256.Sum256([]byte(NormalizeText(text)))
	return hex.EncodeToString(sum[:])
}

// Save appends a new entry, or updates the existing one when an entry with
// the same fingerprint already exists. Returns the entry id.
func (s *Store) Save(ctx context.Context, problemText, solution string, confidence float64, topic, sourceTag string) (string, error) {
	fingerprint := Fingerprint(problemText)

	var embedding []byte
	if s.embedder != nil {
		if vec, err := s.embedder.EmbedQuery(ctx, NormalizeText(problemText)); err == nil {
			embedding = encodeVector(vec)
		} else {
			// Recoverable: the entry is still saved, it just won't
			// participate in similarity lookup.
			s.logger.Warn("embedding failed for memory entry", zap.Error(err))
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Idempotent by fingerprint: refresh the solution, keep id and created_at.
	var existingID string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM problems WHERE problem_fingerprint = ?`, fingerprint,
	).Scan(&existingID)
	switch {
	case err == nil:
		_, err = s.db.ExecContext(ctx,
			`UPDATE problems SET solution = ?, confidence = ?, topic = ?, source = ? WHERE id = ?`,
			solution, confidence, topic, sourceTag, existingID)
		if err != nil {
			return "", fmt.Errorf("memory: update entry: %w", err)
		}
		return existingID, nil
	case errors.Is(err, sql.ErrNoRows):
		// fall through to insert
	default:
		return "", fmt.Errorf("memory: fingerprint lookup: %w", err)
	}

	id := uuid.New().String()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO problems (id, problem_text, problem_fingerprint, solution, confidence, topic, created_at, source, embedding)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, problemText, fingerprint, solution, confidence, topic,
		time.Now().UTC().Format(time.RFC3339Nano), sourceTag, embedding)
	if err != nil {
		return "", fmt.Errorf("memory: insert entry: %w", err)
	}
	return id, nil
}

// FindSimilar returns the best prior entry whose similarity to problemText
// is at least threshold, or nil when none qualifies. An exact fingerprint
// match short-circuits with similarity 1.0. Ties break by highest
// similarity, then most recent created_at.
func (s *Store) FindSimilar(ctx context.Context, problemText string, threshold float64) (*Entry, error) {
	// Exact duplicate: deterministic, works without an embedder.
	if entry, err := s.byFingerprint(ctx, Fingerprint(problemText)); err != nil {
		return nil, err
	} else if entry != nil {
		entry.Similarity = 1.0
		return entry, nil
	}

	if s.embedder == nil {
		return nil, nil
	}
	query, err := s.embedder.EmbedQuery(ctx, NormalizeText(problemText))
	if err != nil {
		// Recoverable degradation: a miss, not an error.
		s.logger.Warn("similarity lookup degraded to miss", zap.Error(err))
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, problem_text, problem_fingerprint, solution, confidence,
		        COALESCE(topic, ''), COALESCE(feedback, ''), created_at, source, embedding
		 FROM problems WHERE embedding IS NOT NULL
		 ORDER BY created_at DESC LIMIT 200`)
	if err != nil {
		return nil, fmt.Errorf("memory: similarity scan: %w", err)
	}
	defer rows.Close()

	var best *Entry
	for rows.Next() {
		var e Entry
		var createdAt string
		var blob []byte
		if err := rows.Scan(&e.ID, &e.ProblemText, &e.Fingerprint, &e.Solution,
			&e.Confidence, &e.Topic, &e.Feedback, &createdAt, &e.SourceTag, &blob); err != nil {
			return nil, fmt.Errorf("memory: scan entry: %w", err)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)

		sim := cosineSimilarity(query, decodeVector(blob))
		if sim < threshold {
			continue
		}
		e.Similarity = sim
		// Rows arrive most-recent first, so strict greater-than keeps the
		// most recent entry on equal similarity.
		if best == nil || sim > best.Similarity {
			entry := e
			best = &entry
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memory: similarity scan: %w", err)
	}
	return best, nil
}

func (s *Store) byFingerprint(ctx context.Context, fingerprint string) (*Entry, error) {
	var e Entry
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, problem_text, problem_fingerprint, solution, confidence,
		        COALESCE(topic, ''), COALESCE(feedback, ''), created_at, source
		 FROM problems WHERE problem_fingerprint = ?`, fingerprint,
	).Scan(&e.ID, &e.ProblemText, &e.Fingerprint, &e.Solution, &e.Confidence,
		&e.Topic, &e.Feedback, &createdAt, &e.SourceTag)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("memory: fingerprint lookup: %w", err)
	}
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &e, nil
}

// Get returns the entry with the given id.
func (s *Store) Get(ctx context.Context, id string) (*Entry, error) {
	var e Entry
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, problem_text, problem_fingerprint, solution, confidence,
		        COALESCE(topic, ''), COALESCE(feedback, ''), created_at, source
		 FROM problems WHERE id = ?`, id,
	).Scan(&e.ID, &e.ProblemText, &e.Fingerprint, &e.Solution, &e.Confidence,
		&e.Topic, &e.Feedback, &createdAt, &e.SourceTag)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("memory: get entry: %w", err)
	}
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &e, nil
}

// RecordFeedback appends a feedback event for an entry. The original
// solution field is never altered; only the latest feedback marker on the
// entry is refreshed for quick filtering.
func (s *Store) RecordFeedback(ctx context.Context, id, feedbackType, correction string) error {
	if feedbackType != FeedbackCorrect && feedbackType != FeedbackIncorrect {
		return ErrInvalidFeedback
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE problems SET feedback = ? WHERE id = ?`, feedbackType, id)
	if err != nil {
		return fmt.Errorf("memory: record feedback: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO feedback_log (problem_id, feedback_type, correction, timestamp)
		 VALUES (?, ?, ?, ?)`,
		id, feedbackType, correction, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("memory: append feedback log: %w", err)
	}
	return nil
}

// FeedbackHistory returns the append-only feedback log for an entry,
// oldest first.
func (s *Store) FeedbackHistory(ctx context.Context, id string) ([]FeedbackEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, problem_id, feedback_type, COALESCE(correction, ''), timestamp
		 FROM feedback_log WHERE problem_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("memory: feedback history: %w", err)
	}
	defer rows.Close()

	var events []FeedbackEvent
	for rows.Next() {
		var ev FeedbackEvent
		var ts string
		if err := rows.Scan(&ev.ID, &ev.ProblemID, &ev.Type, &ev.Correction, &ts); err != nil {
			return nil, fmt.Errorf("memory: scan feedback: %w", err)
		}
		ev.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Recent returns the most recently solved problems.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, problem_text, problem_fingerprint, solution, confidence,
		        COALESCE(topic, ''), COALESCE(feedback, ''), created_at, source
		 FROM problems ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("memory: recent: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var createdAt string
		if err := rows.Scan(&e.ID, &e.ProblemText, &e.Fingerprint, &e.Solution,
			&e.Confidence, &e.Topic, &e.Feedback, &createdAt, &e.SourceTag); err != nil {
			return nil, fmt.Errorf("memory: scan entry: %w", err)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CorrectedEntry is an entry whose latest feedback marked it incorrect,
// together with the learner's most recent correction text.
type CorrectedEntry struct {
	Entry
	Correction string `json:"correction"`
}

// Corrections returns entries currently marked incorrect, newest first,
// optionally filtered by topic.
func (s *Store) Corrections(ctx context.Context, topic string, limit int) ([]CorrectedEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT p.id, p.problem_text, p.problem_fingerprint, p.solution, p.confidence,
		        COALESCE(p.topic, ''), COALESCE(p.feedback, ''), p.created_at, p.source,
		        COALESCE((SELECT f.correction FROM feedback_log f
		                  WHERE f.problem_id = p.id AND f.feedback_type = ?
		                  ORDER BY f.id DESC LIMIT 1), '')
		 FROM problems p
		 WHERE p.feedback = ? AND (? = '' OR p.topic = ?)
		 ORDER BY p.created_at DESC LIMIT ?`,
		FeedbackIncorrect, FeedbackIncorrect, topic, topic, limit)
	if err != nil {
		return nil, fmt.Errorf("memory: corrections: %w", err)
	}
	defer rows.Close()

	var entries []CorrectedEntry
	for rows.Next() {
		var ce CorrectedEntry
		var createdAt string
		if err := rows.Scan(&ce.ID, &ce.ProblemText, &ce.Fingerprint, &ce.Solution,
			&ce.Confidence, &ce.Topic, &ce.Feedback, &createdAt, &ce.SourceTag,
			&ce.Correction); err != nil {
			return nil, fmt.Errorf("memory: scan correction: %w", err)
		}
		ce.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		entries = append(entries, ce)
	}
	return entries, rows.Err()
}

// Stats returns a read-only aggregate over the store.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{FeedbackBreakdown: map[string]int{}}

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(AVG(confidence), 0) FROM problems`,
	).Scan(&st.Count, &st.AvgConfidence)
	if err != nil {
		return nil, fmt.Errorf("memory: stats: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT feedback_type, COUNT(*) FROM feedback_log GROUP BY feedback_type`)
	if err != nil {
		return nil, fmt.Errorf("memory: stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var kind string
		var count int
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, fmt.Errorf("memory: stats: %w", err)
		}
		st.FeedbackBreakdown[kind] = count
	}
	return st, rows.Err()
}

// encodeVector packs a float32 vector into little-endian bytes.
func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// decodeVector unpacks a vector encoded by encodeVector.
func decodeVector(buf []byte) []float32 {
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}

// cosineSimilarity computes the cosine of the angle between two vectors,
// returning 0 for mismatched or zero vectors.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
