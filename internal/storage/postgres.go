package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/bdougie/lapvision/internal/models"
)

// PostgresConfig holds connection details for PostgreSQL
type PostgresConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// ConnString builds a postgres:// URL from the config.
func (c PostgresConfig) ConnString() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   c.Host + ":" + c.Port,
		Path:   "/" + c.DBName,
	}
	if c.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": {c.SSLMode}}.Encode()
	}
	return u.String()
}

// BoundaryMatch is a previously confirmed lap boundary similar to a query
// embedding.
type BoundaryMatch struct {
	ResultID    string  `json:"result_id"`
	VideoSource string  `json:"video_source"`
	LapNumber   int     `json:"lap_number"`
	FrameIndex  int     `json:"frame_index"`
	Duration    float64 `json:"duration_seconds"`
	Similarity  float64 `json:"similarity"`
}

// PostgresStorage stores results, laps and boundary embeddings in PostgreSQL
// with the pgvector extension.
type PostgresStorage struct {
	pool *pgxpool.Pool
}

// NewPostgresStorage connects to PostgreSQL and verifies the connection
func NewPostgresStorage(ctx context.Context, connString string) (*PostgresStorage, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStorage{pool: pool}, nil
}

// Close closes the database connection
func (s *PostgresStorage) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// InitSchema creates the vector extension and tables if they don't exist.
// Embedding columns are unsized since the dimension depends on the oracle.
func (s *PostgresStorage) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}

	_, err := s.pool.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS lap_results (
            id UUID PRIMARY KEY,
            session_id TEXT NOT NULL,
            video_source TEXT NOT NULL,
            fps DOUBLE PRECISION NOT NULL,
            total_frames INTEGER NOT NULL,
            oracle TEXT NOT NULL DEFAULT '',
            min_lap_seconds DOUBLE PRECISION NOT NULL,
            reference_frame INTEGER,
            reference_embedding vector,
            statistics JSONB NOT NULL,
            created_at TIMESTAMPTZ NOT NULL
        );

        CREATE TABLE IF NOT EXISTS laps (
            id SERIAL PRIMARY KEY,
            result_id UUID REFERENCES lap_results(id) ON DELETE CASCADE,
            lap_number INTEGER NOT NULL,
            frame_index INTEGER NOT NULL,
            duration_seconds DOUBLE PRECISION NOT NULL,
            boundary_embedding vector,
            UNIQUE(result_id, lap_number)
        );

        CREATE INDEX IF NOT EXISTS idx_lap_results_session ON lap_results(session_id);
        CREATE INDEX IF NOT EXISTS idx_laps_result_id ON laps(result_id);
    `)
	if err != nil {
		return fmt.Errorf("failed to create database schema: %w", err)
	}
	return nil
}

// SaveResult stores the result and its laps in one transaction and returns
// the result's row location.
func (s *PostgresStorage) SaveResult(ctx context.Context, result models.SessionResult) (string, error) {
	prepare(&result)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO lap_results
        (id, session_id, video_source, fps, total_frames, oracle, min_lap_seconds,
         reference_frame, reference_embedding, statistics, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		result.ID, result.SessionID, result.VideoSource,
		result.VideoInfo.FPS, result.VideoInfo.TotalFrames, result.VideoInfo.Oracle,
		result.MinLapDuration, result.ReferenceFrame, vectorOrNull(result.ReferenceEmbedding),
		result.Statistics, result.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("failed to store result: %w", err)
	}

	batch := &pgx.Batch{}
	for _, lap := range result.Statistics.Laps {
		batch.Queue(
			`INSERT INTO laps (result_id, lap_number, frame_index, duration_seconds, boundary_embedding)
            VALUES ($1, $2, $3, $4, $5)`,
			result.ID, lap.Number, lap.FrameIndex, lap.Duration, vectorOrNull(lap.Embedding))
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return "", fmt.Errorf("failed to store laps: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("failed to commit result: %w", err)
	}
	return "lap_results/" + result.ID, nil
}

// SimilarBoundaries finds stored lap boundaries closest to embedding by cosine
// distance. Only boundaries embedded with the same dimension are compared.
func (s *PostgresStorage) SimilarBoundaries(ctx context.Context, embedding []float32, limit int) ([]BoundaryMatch, error) {
	if len(embedding) == 0 {
		return nil, errors.New("storage: empty query embedding")
	}

	rows, err := s.pool.Query(ctx,
		`SELECT r.id::text, r.video_source, l.lap_number, l.frame_index, l.duration_seconds,
        1 - (l.boundary_embedding <=> $1) AS similarity
        FROM laps l
        JOIN lap_results r ON l.result_id = r.id
        WHERE l.boundary_embedding IS NOT NULL
          AND vector_dims(l.boundary_embedding) = $2
        ORDER BY l.boundary_embedding <=> $1
        LIMIT $3`,
		pgvector.NewVector(embedding), len(embedding), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search similar boundaries: %w", err)
	}

	matches, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (BoundaryMatch, error) {
		var m BoundaryMatch
		err := row.Scan(&m.ResultID, &m.VideoSource, &m.LapNumber, &m.FrameIndex, &m.Duration, &m.Similarity)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan search results: %w", err)
	}
	return matches, nil
}

func vectorOrNull(v []float32) *pgvector.Vector {
	if len(v) == 0 {
		return nil
	}
	vec := pgvector.NewVector(v)
	return &vec
}
