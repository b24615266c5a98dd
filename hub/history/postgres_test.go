package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/go-playground/assert/v2"
)

// set to run against a live database, e.g. `postgres://localhost/deltahub_test?sslmode=disable`
const testPostgresDsnEnv = "DELTAHUB_TEST_POSTGRES_DSN"

func TestPostgresQuoteIdentifier(t *testing.T) {
	assert.Equal(t, postgresQuoteIdentifier("deltahub_history"), `"deltahub_history"`)
	assert.Equal(t, postgresQuoteIdentifier(`a"b`), `"a""b"`)
	assert.Equal(t, postgresQuoteIdentifier(" "), `""`)
}

func TestPostgresStoreOpenError(t *testing.T) {
	_, err := NewPostgresStore("  ")
	assert.NotEqual(t, err, nil)

	store, err := NewPostgresStore("postgres://localhost/none")
	assert.Equal(t, err, nil)
	openErr := errors.New("no driver")
	opens := 0
	store.openDB = func(driverName string, dsn string) (*sql.DB, error) {
		opens += 1
		assert.Equal(t, driverName, "postgres")
		return nil, openErr
	}

	_, err = store.HasAnyData(context.Background(), testStart)
	assert.Equal(t, errors.Is(err, openErr), true)
	err = store.Append(context.Background(), testStart, testDelta(1, testStart))
	assert.Equal(t, errors.Is(err, openErr), true)
	// initialization is attempted once
	assert.Equal(t, opens, 1)
	assert.Equal(t, store.Close(), nil)
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv(testPostgresDsnEnv)
	if dsn == "" {
		t.Skipf("%s not set", testPostgresDsnEnv)
	}

	store, err := NewPostgresStore(dsn)
	assert.Equal(t, err, nil)
	store.tableName = fmt.Sprintf("deltahub_history_test_%d", os.Getpid())
	defer func() {
		if store.db != nil {
			store.db.Exec(fmt.Sprintf("DROP TABLE IF EXISTS %s", postgresQuoteIdentifier(store.tableName)))
		}
		store.Close()
	}()

	testStore(t, store)
}
