// Package archive keeps finished transcriptions in Postgres so they can
// be listed and reopened later.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"node.town/tarjama/session"
	"node.town/tarjama/transcript"
)

var ErrNotFound = errors.New("transcription not found")

// DB is the part of pgx shared by pools, connections and transactions.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Record struct {
	ID         string             `json:"id"`
	SessionID  string             `json:"session_id"`
	Engine     string             `json:"engine"`
	Language   string             `json:"language"`
	MIMEType   string             `json:"mime_type"`
	AudioBytes int                `json:"audio_bytes"`
	Result     *transcript.Result `json:"result"`
	Elapsed    time.Duration      `json:"elapsed"`
	CreatedAt  time.Time          `json:"created_at"`
}

type Store struct {
	db     DB
	pool   *pgxpool.Pool
	logger *log.Logger
}

// Open connects to databaseURL and applies any pending migrations.
func Open(ctx context.Context, databaseURL string, logger *log.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to reach database: %w", err)
	}
	if err := Migrate(ctx, pool, logger, nil); err != nil {
		pool.Close()
		return nil, err
	}
	s := NewStore(pool, logger)
	s.pool = pool
	return s, nil
}

func NewStore(db DB, logger *log.Logger) *Store {
	return &Store{db: db, logger: logger}
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Archive implements session.Archiver.
func (s *Store) Archive(ctx context.Context, e session.Entry) error {
	result, err := json.Marshal(e.Result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO transcriptions
			(id, session_id, engine, language, mime_type, audio_bytes, summary, result, body, elapsed_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING
	`,
		e.ID, e.SessionID, string(e.Engine), e.Language, e.MIMEType, e.AudioBytes,
		e.Result.Summary, result, searchBody(e.Result), e.Elapsed.Milliseconds(), e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transcription: %w", err)
	}
	s.logger.Debug("archived", "id", e.ID, "segments", len(e.Result.Segments))
	return nil
}

func searchBody(r *transcript.Result) string {
	var b strings.Builder
	b.WriteString(r.Summary)
	for _, seg := range r.Segments {
		b.WriteByte('\n')
		b.WriteString(seg.Content)
		if seg.Translation != "" {
			b.WriteByte('\n')
			b.WriteString(seg.Translation)
		}
	}
	return b.String()
}

const selectRecord = `
	SELECT id, session_id, engine, language, mime_type, audio_bytes, result, elapsed_ms, created_at
	FROM transcriptions
`

// Recent returns the newest records first. A non-empty query restricts
// them to those whose text matches.
func (s *Store) Recent(ctx context.Context, query string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	var (
		rows pgx.Rows
		err  error
	)
	if query = strings.TrimSpace(query); query == "" {
		rows, err = s.db.Query(ctx, selectRecord+" ORDER BY created_at DESC LIMIT $1", limit)
	} else {
		rows, err = s.db.Query(ctx, selectRecord+`
			WHERE to_tsvector('simple', body) @@ plainto_tsquery('simple', $1)
			ORDER BY created_at DESC LIMIT $2`, query, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query transcriptions: %w", err)
	}
	return pgx.CollectRows(rows, scanRecord)
}

func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	rows, err := s.db.Query(ctx, selectRecord+" WHERE id = $1", id)
	if err != nil {
		return Record{}, fmt.Errorf("query transcription: %w", err)
	}
	rec, err := pgx.CollectExactlyOneRow(rows, scanRecord)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return rec, err
}

func scanRecord(row pgx.CollectableRow) (Record, error) {
	var (
		rec       Record
		result    []byte
		elapsedMS int64
	)
	err := row.Scan(
		&rec.ID, &rec.SessionID, &rec.Engine, &rec.Language, &rec.MIMEType,
		&rec.AudioBytes, &result, &elapsedMS, &rec.CreatedAt,
	)
	if err != nil {
		return Record{}, err
	}
	rec.Elapsed = time.Duration(elapsedMS) * time.Millisecond
	if err := json.Unmarshal(result, &rec.Result); err != nil {
		return Record{}, fmt.Errorf("decode result %s: %w", rec.ID, err)
	}
	return rec, nil
}
