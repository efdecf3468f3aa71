package database

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/BaSui01/gateflow/config"
)

// =============================================================================
// 🧪 PoolManager 测试
// =============================================================================

func setupTestDB(t *testing.T) (sqlmock.Sqlmock, *gorm.DB) {
	t.Helper()
	mockDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })

	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: mockDB}), &gorm.Config{DisableAutomaticPing: true})
	require.NoError(t, err)
	return mock, gormDB
}

func testPoolConfig() PoolConfig {
	return PoolConfig{MaxOpenConns: 10, MaxIdleConns: 5}
}

func TestNewPoolManager(t *testing.T) {
	_, gormDB := setupTestDB(t)

	pm, err := NewPoolManager(gormDB, testPoolConfig(), zap.NewNop())
	require.NoError(t, err)
	assert.Same(t, gormDB, pm.DB())
	assert.Equal(t, 10, pm.Stats().MaxOpenConnections)

	_, err = NewPoolManager(nil, testPoolConfig(), nil)
	assert.Error(t, err)

	_, err = NewPoolManager(gormDB, PoolConfig{MaxOpenConns: 1, MaxIdleConns: 2}, nil)
	assert.ErrorContains(t, err, "exceeds")
}

func TestPoolManager_Ping(t *testing.T) {
	mock, gormDB := setupTestDB(t)
	pm, err := NewPoolManager(gormDB, testPoolConfig(), nil)
	require.NoError(t, err)

	mock.ExpectPing()
	assert.NoError(t, pm.Ping(context.Background()))

	mock.ExpectPing().WillReturnError(sql.ErrConnDone)
	assert.Error(t, pm.Ping(context.Background()))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolManager_WithTransaction(t *testing.T) {
	mock, gormDB := setupTestDB(t)
	pm, err := NewPoolManager(gormDB, testPoolConfig(), nil)
	require.NoError(t, err)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectCommit()
	require.NoError(t, pm.WithTransaction(ctx, func(*gorm.DB) error { return nil }))

	mock.ExpectBegin()
	mock.ExpectRollback()
	assert.ErrorIs(t, pm.WithTransaction(ctx, func(*gorm.DB) error { return assert.AnError }), assert.AnError)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolManager_WithTransactionRetry(t *testing.T) {
	mock, gormDB := setupTestDB(t)
	pm, err := NewPoolManager(gormDB, testPoolConfig(), nil)
	require.NoError(t, err)

	calls := 0
	mock.ExpectBegin()
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectCommit()
	err = pm.WithTransactionRetry(context.Background(), 3, func(*gorm.DB) error {
		calls++
		if calls == 1 {
			return errors.New("ERROR: deadlock detected")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	// 不可重试的错误立即返回
	calls = 0
	mock.ExpectBegin()
	mock.ExpectRollback()
	err = pm.WithTransactionRetry(context.Background(), 3, func(*gorm.DB) error {
		calls++
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 1, calls)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolManager_Close(t *testing.T) {
	mock, gormDB := setupTestDB(t)
	pm, err := NewPoolManager(gormDB, PoolConfig{
		MaxOpenConns:        10,
		MaxIdleConns:        5,
		HealthCheckInterval: time.Hour,
	}, nil)
	require.NoError(t, err)

	mock.ExpectClose()
	require.NoError(t, pm.Close())
	require.NoError(t, pm.Close())

	assert.ErrorIs(t, pm.Ping(context.Background()), ErrPoolClosed)
	assert.ErrorIs(t, pm.WithTransaction(context.Background(), func(*gorm.DB) error { return nil }), ErrPoolClosed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsRetryableError(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
	assert.True(t, IsRetryableError(errors.New("pq: could not serialize access (SQLSTATE 40001)")))
	assert.True(t, IsRetryableError(errors.New("Error 1205: Lock wait timeout exceeded")))
	assert.True(t, IsRetryableError(errors.New("database is locked (5) (SQLITE_BUSY)")))
	assert.False(t, IsRetryableError(errors.New("duplicate key value")))
}

func TestPoolConfigFrom(t *testing.T) {
	cfg := config.DefaultDatabaseConfig()
	cfg.Driver = "postgres"
	cfg.MaxOpenConns = 40
	pc := PoolConfigFrom(cfg)
	assert.Equal(t, 40, pc.MaxOpenConns)
	assert.Equal(t, cfg.MaxIdleConns, pc.MaxIdleConns)

	cfg.Driver = "sqlite"
	pc = PoolConfigFrom(cfg)
	assert.Equal(t, 1, pc.MaxOpenConns)
	assert.NoError(t, pc.Validate())
}

func TestDialector(t *testing.T) {
	for _, driver := range []string{"postgres", "mysql", "sqlite"} {
		cfg := config.DefaultDatabaseConfig()
		cfg.Driver = driver
		d, err := Dialector(cfg)
		require.NoError(t, err, driver)
		assert.Equal(t, driver, d.Name())
	}

	_, err := Dialector(config.DatabaseConfig{Driver: "memory"})
	assert.Error(t, err)
}
