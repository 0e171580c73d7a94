package mysql

import (
	"context"
	"database/sql"
	"io/fs"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/opspawn/agentos/deploy/migrations"
	xerrors "github.com/opspawn/agentos/internal/errors"
)

var embeddedMigrations fs.ReadFileFS = migrations.Files

const createSchemaTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`

// migration 是一个 NNNN_name.sql 文件，版本号取下划线之前的部分。
type migration struct {
	version    string
	file       string
	statements []string
}

// Migrate 按版本号顺序执行尚未应用的内嵌迁移，每个文件一个事务。
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, createSchemaTable); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建 schema_migrations 表失败")
	}
	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return err
	}
	pending, err := embeddedPlan()
	if err != nil {
		return err
	}
	for _, m := range pending {
		if applied[m.version] {
			continue
		}
		if err := withTx(ctx, db, func(tx *sql.Tx) error { return m.apply(ctx, tx) }); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行迁移 "+m.file+" 失败")
		}
	}
	return nil
}

func (m migration) apply(ctx context.Context, tx *sql.Tx) error {
	for _, stmt := range m.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, m.version, time.Now().Unix())
	return err
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询 schema_migrations 失败")
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 schema_migrations 失败")
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func embeddedPlan() ([]migration, error) {
	names, err := fs.Glob(embeddedMigrations, "*.sql")
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取迁移目录失败")
	}
	plan := make([]migration, 0, len(names))
	for _, name := range names {
		content, err := embeddedMigrations.ReadFile(name)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取迁移文件 "+name+" 失败")
		}
		if stmts := splitSQLStatements(string(content)); len(stmts) > 0 {
			plan = append(plan, migration{version: migrationVersion(name), file: name, statements: stmts})
		}
	}
	slices.SortFunc(plan, func(a, b migration) int {
		if c := strings.Compare(a.version, b.version); c != 0 {
			return c
		}
		return strings.Compare(a.file, b.file)
	})
	return plan, nil
}

// splitSQLStatements 按分号切分，迁移文件中不允许出现包含分号的字符串字面量。
func splitSQLStatements(content string) []string {
	var out []string
	for _, stmt := range strings.Split(content, ";") {
		if trimmed := strings.TrimSpace(stmt); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func migrationVersion(name string) string {
	base := strings.TrimSuffix(path.Base(name), path.Ext(name))
	version, _, _ := strings.Cut(base, "_")
	return version
}

// withTx 在事务中执行 fn，fn 返回错误时回滚。
func withTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
