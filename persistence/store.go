package persistence

import (
	"context"
	"database/sql"

	"go.uber.org/zap"

	"github.com/BaSui01/gateflow/config"
	"github.com/BaSui01/gateflow/internal/database"
	"github.com/BaSui01/gateflow/workflow"
)

// Store 持有选定的 Repository 以及（关系型驱动下的）连接池
type Store struct {
	Repository workflow.Repository
	pool       *database.PoolManager
}

// Open 按 database.driver 构造存储。memory 不需要连接；其余驱动打开连接池，
// 表结构由 gateflow migrate 或启动时的 auto_migrate 负责。
func Open(cfg config.DatabaseConfig, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Driver == "" || cfg.Driver == "memory" {
		logger.Info("using in-memory repository", zap.String("component", "store"))
		return &Store{Repository: workflow.NewMemoryRepository()}, nil
	}

	pool, err := database.Open(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &Store{Repository: NewPooledRepository(pool), pool: pool}, nil
}

// Ping 检查存储是否可用；内存存储总是可用
func (s *Store) Ping(ctx context.Context) error {
	if s.pool == nil {
		return nil
	}
	return s.pool.Ping(ctx)
}

// Driver returns the dialect name, or "memory".
func (s *Store) Driver() string {
	if s.pool == nil {
		return "memory"
	}
	return s.pool.DB().Dialector.Name()
}

// Stats 返回连接池统计；内存存储返回 false
func (s *Store) Stats() (sql.DBStats, bool) {
	if s.pool == nil {
		return sql.DBStats{}, false
	}
	return s.pool.Stats(), true
}

// Close 释放连接池
func (s *Store) Close() error {
	if s.pool == nil {
		return nil
	}
	return s.pool.Close()
}
