package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/bringyour/deltahub/hub"
)

const (
	postgresHistoryTableName   = "deltahub_history"
	postgresOperationTimeout   = 5 * time.Second
	postgresStreamFetchTimeout = 30 * time.Second
)

type sqlOpenFunc func(driverName string, dsn string) (*sql.DB, error)

// history in a postgres table, one row per delta
type PostgresStore struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("postgres history requires a dsn")
	}
	return &PostgresStore{
		dsn:       dsn,
		tableName: postgresHistoryTableName,
		openDB:    sql.Open,
	}, nil
}

func (self *PostgresStore) ensureReady() error {
	self.initOnce.Do(func() {
		db, err := self.openDB("postgres", self.dsn)
		if err != nil {
			self.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		table := postgresQuoteIdentifier(self.tableName)
		index := postgresQuoteIdentifier(self.tableName + "_record_time")
		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				record_id BIGSERIAL PRIMARY KEY,
				record_time TIMESTAMPTZ NOT NULL,
				context TEXT NOT NULL,
				delta JSONB NOT NULL
			);
			CREATE INDEX IF NOT EXISTS %s ON %s (record_time, record_id)`, table, index, table)
		if _, err := db.ExecContext(ctx, query); err != nil {
			db.Close()
			self.initErr = err
			return
		}
		self.db = db
	})
	return self.initErr
}

func (self *PostgresStore) Append(ctx context.Context, t time.Time, delta *hub.Delta) error {
	if err := self.ensureReady(); err != nil {
		return err
	}
	deltaJson, err := json.Marshal(delta)
	if err != nil {
		return err
	}
	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		`INSERT INTO %s (record_time, context, delta) VALUES ($1, $2, $3)`,
		postgresQuoteIdentifier(self.tableName),
	)
	_, err = self.db.ExecContext(opCtx, query, t.UTC(), delta.Context, string(deltaJson))
	return err
}

func (self *PostgresStore) HasAnyData(ctx context.Context, start time.Time) (bool, error) {
	if err := self.ensureReady(); err != nil {
		return false, err
	}
	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		`SELECT EXISTS (SELECT 1 FROM %s WHERE record_time >= $1)`,
		postgresQuoteIdentifier(self.tableName),
	)
	var exists bool
	if err := self.db.QueryRowContext(opCtx, query, start.UTC()).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// reads in pages so a slow playback does not hold a cursor open
func (self *PostgresStore) StreamHistory(ctx context.Context, start time.Time, callback func(delta *hub.Delta) error) error {
	if err := self.ensureReady(); err != nil {
		return err
	}
	const pageSize = 500

	query := fmt.Sprintf(`
		SELECT record_id, record_time, delta FROM %s
		WHERE (record_time, record_id) > ($1, $2)
		ORDER BY record_time, record_id
		LIMIT %d`, postgresQuoteIdentifier(self.tableName), pageSize)

	// every row at or after `start`
	lastTime := start.UTC()
	var lastId int64 = -1
	for {
		page, err := self.fetchPage(ctx, query, lastTime, lastId)
		if err != nil {
			return err
		}
		for _, delta := range page.deltas {
			if err := callback(delta); err != nil {
				return err
			}
		}
		if len(page.deltas) < pageSize {
			return nil
		}
		lastTime = page.lastTime
		lastId = page.lastId
	}
}

type historyPage struct {
	deltas   []*hub.Delta
	lastTime time.Time
	lastId   int64
}

func (self *PostgresStore) fetchPage(ctx context.Context, query string, afterTime time.Time, afterId int64) (*historyPage, error) {
	opCtx, cancel := context.WithTimeout(ctx, postgresStreamFetchTimeout)
	defer cancel()

	rows, err := self.db.QueryContext(opCtx, query, afterTime, afterId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	page := &historyPage{
		deltas: []*hub.Delta{},
	}
	for rows.Next() {
		var recordId int64
		var recordTime time.Time
		var deltaJson string
		if err := rows.Scan(&recordId, &recordTime, &deltaJson); err != nil {
			return nil, err
		}
		delta := &hub.Delta{}
		if err := json.Unmarshal([]byte(deltaJson), delta); err != nil {
			return nil, fmt.Errorf("record %d: %w", recordId, err)
		}
		page.deltas = append(page.deltas, delta)
		page.lastTime = recordTime
		page.lastId = recordId
	}
	return page, rows.Err()
}

func (self *PostgresStore) Close() error {
	if self.db == nil {
		return nil
	}
	return self.db.Close()
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
