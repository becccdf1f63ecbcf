package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var tableNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresStorage keeps objects as rows of (bucket, key, data).
type PostgresStorage struct {
	pool  *pgxpool.Pool
	table string
}

func NewPostgresStorage(ctx context.Context, dsn, table string) (*PostgresStorage, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}
	if table == "" {
		table = "cumulus_objects"
	}
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	s := &PostgresStorage{pool: pool, table: table}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStorage) ensureSchema(ctx context.Context) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		bucket TEXT NOT NULL,
		key TEXT NOT NULL,
		data BYTEA NOT NULL,
		size BIGINT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (bucket, key)
	)`, s.table)
	if _, err := s.pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func classifyPG(op, bucket, key string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound(op, bucket, key)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// class 08 is connection trouble, 40 is serialization/deadlock
		switch pgErr.Code[:2] {
		case "08", "40", "53", "57":
			return transient(op, bucket, key, err)
		}
		return fatal(op, bucket, key, err)
	}
	return transient(op, bucket, key, err)
}

func (s *PostgresStorage) PutObject(ctx context.Context, bucket, key string, data []byte) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (bucket, key, data, size, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (bucket, key) DO UPDATE SET
			data = EXCLUDED.data,
			size = EXCLUDED.size,
			updated_at = EXCLUDED.updated_at
	`, s.table), bucket, key, data, len(data), time.Now())
	if err != nil {
		return classifyPG("put", bucket, key, err)
	}
	return nil
}

func (s *PostgresStorage) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT data FROM %s WHERE bucket = $1 AND key = $2`, s.table),
		bucket, key).Scan(&data)
	if err != nil {
		return nil, classifyPG("get", bucket, key, err)
	}
	return data, nil
}

func (s *PostgresStorage) GetObjectStream(ctx context.Context, bucket, key string, rng *Range) (io.ReadCloser, error) {
	if rng == nil {
		data, err := s.GetObject(ctx, bucket, key)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	length := rng.Length
	if length < 0 {
		length = 1<<62 - 1
	}
	var data []byte
	err := s.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT substring(data FROM $3 FOR $4) FROM %s WHERE bucket = $1 AND key = $2`, s.table),
		bucket, key, rng.Offset+1, length).Scan(&data)
	if err != nil {
		return nil, classifyPG("get", bucket, key, err)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *PostgresStorage) HeadObject(ctx context.Context, bucket, key string) (*ObjectInfo, error) {
	info := &ObjectInfo{Key: key}
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT size, updated_at FROM %s WHERE bucket = $1 AND key = $2`, s.table),
		bucket, key).Scan(&info.Size, &info.LastModified)
	if err != nil {
		return nil, classifyPG("head", bucket, key, err)
	}
	return info, nil
}

func (s *PostgresStorage) DeleteObject(ctx context.Context, bucket, key string) error {
	return s.DeleteObjects(ctx, bucket, []string{key})
}

func (s *PostgresStorage) DeleteObjects(ctx context.Context, bucket string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE bucket = $1 AND key = ANY($2)`, s.table),
		bucket, keys)
	if err != nil {
		return classifyPG("delete", bucket, keys[0], err)
	}
	return nil
}

func (s *PostgresStorage) ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT key, size, updated_at FROM %s
		WHERE bucket = $1 AND starts_with(key, $2)
		ORDER BY key COLLATE "C"
	`, s.table), bucket, prefix)
	if err != nil {
		return nil, classifyPG("list", bucket, prefix, err)
	}
	defer rows.Close()

	var out []ObjectInfo
	for rows.Next() {
		var o ObjectInfo
		if err := rows.Scan(&o.Key, &o.Size, &o.LastModified); err != nil {
			return nil, classifyPG("list", bucket, prefix, err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPG("list", bucket, prefix, err)
	}
	return out, nil
}

func (s *PostgresStorage) ListKeys(ctx context.Context, bucket, prefix string) ([]string, error) {
	objs, err := s.ListObjects(ctx, bucket, prefix)
	if err != nil {
		return nil, err
	}
	return keysOf(objs), nil
}

func (s *PostgresStorage) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
