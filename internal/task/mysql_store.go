package task

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	xerrors "HashBot-Chain/internal/errors"
	"HashBot-Chain/internal/x402"

	"github.com/go-sql-driver/mysql"
)

// MySQLStore 使用 MySQL 记录任务状态。
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
	const schema = `CREATE TABLE IF NOT EXISTS tasks (
        id VARCHAR(64) PRIMARY KEY,
        session_id VARCHAR(64) DEFAULT '',
        skill_id VARCHAR(128) NOT NULL,
        state VARCHAR(32) NOT NULL,
        history MEDIUMTEXT,
        quote TEXT,
        payment_attempts INT NOT NULL DEFAULT 0,
        fingerprint VARCHAR(128) DEFAULT '',
        tx_hash VARCHAR(66) DEFAULT '',
        failure_code VARCHAR(64) DEFAULT '',
        failure_reason TEXT,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_tasks_state (state),
        INDEX idx_tasks_updated (updated_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 tasks 表失败")
	}
	return nil
}

// Create 插入新的任务记录。
func (s *MySQLStore) Create(ctx context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if strings.TrimSpace(task.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}

	now := time.Now().Unix()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	historyValue, quoteValue, err := encodeTaskColumns(task)
	if err != nil {
		return err
	}

	const stmt = `INSERT INTO tasks
        (id, session_id, skill_id, state, history, quote, payment_attempts, fingerprint, tx_hash, failure_code, failure_reason, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		task.ID,
		task.SessionID,
		task.SkillID,
		task.State,
		historyValue,
		quoteValue,
		task.PaymentAttempts,
		task.Fingerprint,
		task.TxHash,
		task.FailureCode,
		task.FailureReason,
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrTaskConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入任务记录失败")
	}
	return nil
}

// Get 返回任务记录。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Task, error) {
	const stmt = `SELECT id, session_id, skill_id, state, history, quote, payment_attempts,
        fingerprint, tx_hash, failure_code, failure_reason, created_at, updated_at
        FROM tasks WHERE id = ?`
	row := s.db.QueryRowContext(ctx, stmt, id)
	task, err := scanTask(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取任务记录失败")
	}
	return task, nil
}

// Update 覆盖写入任务记录。
func (s *MySQLStore) Update(ctx context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	task.UpdatedAt = time.Now().Unix()

	historyValue, quoteValue, err := encodeTaskColumns(task)
	if err != nil {
		return err
	}

	const stmt = `UPDATE tasks SET
        session_id = ?, skill_id = ?, state = ?, history = ?, quote = ?,
        payment_attempts = ?, fingerprint = ?, tx_hash = ?, failure_code = ?, failure_reason = ?, updated_at = ?
        WHERE id = ?`
	result, err := s.db.ExecContext(ctx, stmt,
		task.SessionID,
		task.SkillID,
		task.State,
		historyValue,
		quoteValue,
		task.PaymentAttempts,
		task.Fingerprint,
		task.TxHash,
		task.FailureCode,
		task.FailureReason,
		task.UpdatedAt,
		task.ID,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务记录失败")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取更新结果失败")
	}
	if affected == 0 {
		// UPDATE 在值未变化时也返回 0 行，需要回查确认任务是否存在。
		if _, getErr := s.Get(ctx, task.ID); getErr != nil {
			return getErr
		}
	}
	return nil
}

// ListByState 返回指定状态的任务，按创建时间升序。
func (s *MySQLStore) ListByState(ctx context.Context, state State, limit int) ([]*Task, error) {
	query := `SELECT id, session_id, skill_id, state, history, quote, payment_attempts,
        fingerprint, tx_hash, failure_code, failure_reason, created_at, updated_at
        FROM tasks WHERE state = ? ORDER BY created_at ASC, id ASC`
	args := []any{string(state)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	var results []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
		}
		results = append(results, task)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务列表失败")
	}
	return results, nil
}

// Close 关闭数据库连接。
func (s *MySQLStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(scanner rowScanner) (*Task, error) {
	var (
		task         Task
		stateValue   string
		historyValue sql.NullString
		quoteValue   sql.NullString
	)
	err := scanner.Scan(
		&task.ID,
		&task.SessionID,
		&task.SkillID,
		&stateValue,
		&historyValue,
		&quoteValue,
		&task.PaymentAttempts,
		&task.Fingerprint,
		&task.TxHash,
		&task.FailureCode,
		&task.FailureReason,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	task.State = State(stateValue)
	if historyValue.Valid && historyValue.String != "" {
		if err := json.Unmarshal([]byte(historyValue.String), &task.History); err != nil {
			return nil, err
		}
	}
	if quoteValue.Valid && quoteValue.String != "" {
		task.Quote = new(x402.PriceQuote)
		if err := json.Unmarshal([]byte(quoteValue.String), task.Quote); err != nil {
			return nil, err
		}
	}
	return &task, nil
}

func encodeTaskColumns(task *Task) (string, sql.NullString, error) {
	history := task.History
	if history == nil {
		history = []Message{}
	}
	historyBytes, err := json.Marshal(history)
	if err != nil {
		return "", sql.NullString{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务历史失败")
	}
	var quoteValue sql.NullString
	if task.Quote != nil {
		quoteBytes, err := json.Marshal(task.Quote)
		if err != nil {
			return "", sql.NullString{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务报价失败")
		}
		quoteValue = sql.NullString{String: string(quoteBytes), Valid: true}
	}
	return string(historyBytes), quoteValue, nil
}

var _ Store = (*MySQLStore)(nil)
