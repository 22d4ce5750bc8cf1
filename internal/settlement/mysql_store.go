package settlement

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	xerrors "HashBot-Chain/internal/errors"

	"github.com/go-sql-driver/mysql"
)

// MySQLStore 使用 MySQL 持久化结算记录。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建一个新的 MySQLStore。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS settlement_records (
        fingerprint VARCHAR(64) PRIMARY KEY,
        task_id VARCHAR(64) NOT NULL,
        payer VARCHAR(64) DEFAULT '',
        tx_hash VARCHAR(66) DEFAULT '',
        status VARCHAR(16) NOT NULL,
        confirmations BIGINT UNSIGNED NOT NULL DEFAULT 0,
        last_error TEXT,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_settlement_status (status),
        INDEX idx_settlement_task (task_id)
)`
	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 settlement_records 表失败")
	}
	return nil
}

// Create 插入新记录，指纹冲突返回 ErrRecordConflict。
func (s *MySQLStore) Create(ctx context.Context, record *Record) error {
	if record == nil || record.Fingerprint == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "结算记录缺少指纹")
	}
	now := time.Now().Unix()
	if record.CreatedAt == 0 {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settlement_records
            (fingerprint, task_id, payer, tx_hash, status, confirmations, last_error, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.Fingerprint, record.TaskID, record.Payer, record.TxHash,
		string(record.Status), record.Confirmations, record.LastError,
		record.CreatedAt, record.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrRecordConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入结算记录失败")
	}
	return nil
}

// Get 查询指定指纹的记录。
func (s *MySQLStore) Get(ctx context.Context, fingerprint string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT fingerprint, task_id, payer, tx_hash, status, confirmations, last_error, created_at, updated_at
         FROM settlement_records WHERE fingerprint = ?`, fingerprint)
	return scanRecord(row)
}

// Update 更新记录。已确认的记录拒绝修改，保证 confirmed 不可变。
func (s *MySQLStore) Update(ctx context.Context, record *Record) error {
	if record == nil || record.Fingerprint == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "结算记录缺少指纹")
	}
	record.UpdatedAt = time.Now().Unix()
	result, err := s.db.ExecContext(ctx,
		`UPDATE settlement_records
         SET task_id = ?, payer = ?, tx_hash = ?, status = ?, confirmations = ?, last_error = ?, updated_at = ?
         WHERE fingerprint = ? AND status <> ?`,
		record.TaskID, record.Payer, record.TxHash, string(record.Status),
		record.Confirmations, record.LastError, record.UpdatedAt,
		record.Fingerprint, string(StatusConfirmed),
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新结算记录失败")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取更新行数失败")
	}
	if affected == 0 {
		existing, getErr := s.Get(ctx, record.Fingerprint)
		if getErr != nil {
			return ErrRecordNotFound
		}
		if existing.Status == StatusConfirmed {
			return ErrRecordImmutable
		}
	}
	return nil
}

// ListPending 返回非终态记录。limit <= 0 表示不限数量。
func (s *MySQLStore) ListPending(ctx context.Context, limit int) ([]*Record, error) {
	query := `SELECT fingerprint, task_id, payer, tx_hash, status, confirmations, last_error, created_at, updated_at
         FROM settlement_records WHERE status = ? ORDER BY created_at ASC`
	args := []any{string(StatusPending)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询待结算记录失败")
	}
	defer rows.Close()

	var results []*Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历待结算记录失败")
	}
	return results, nil
}

// Close 关闭数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var record Record
	var status string
	var lastError sql.NullString
	err := row.Scan(&record.Fingerprint, &record.TaskID, &record.Payer, &record.TxHash,
		&status, &record.Confirmations, &lastError, &record.CreatedAt, &record.UpdatedAt)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取结算记录失败")
	}
	record.Status = Status(status)
	record.LastError = lastError.String
	return &record, nil
}

var _ Store = (*MySQLStore)(nil)
