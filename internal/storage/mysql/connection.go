package mysql

import (
	"context"
	"database/sql"
	"strings"
	"time"

	driver "github.com/go-sql-driver/mysql"

	xerrors "github.com/opspawn/agentos/internal/errors"
)

// Config 描述 MySQL 连接池参数。
type Config struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

func (c Config) withDefaults() Config {
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 20
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 10
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = 30 * time.Minute
	}
	return c
}

// Open 建立连接池并执行内嵌迁移，账本、代理与评价存储共享返回的 *sql.DB。
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	db, err := connect(ctx, cfg.withDefaults())
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func connect(ctx context.Context, cfg Config) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}
	dsn, err := driver.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析 MySQL DSN 失败")
	}
	dsn.ParseTime = true
	connector, err := driver.NewConnector(dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建 MySQL 连接器失败")
	}

	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL", xerrors.WithMetadata("addr", dsn.Addr))
	}
	return db, nil
}
