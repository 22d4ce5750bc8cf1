package settlement

import "context"

// Store 持久化结算记录，按指纹唯一索引。
type Store interface {
	Create(ctx context.Context, record *Record) error
	Get(ctx context.Context, fingerprint string) (*Record, error)
	Update(ctx context.Context, record *Record) error
	// ListPending 返回尚未到达终态的记录，供重启后的结算巡检使用。
	// limit <= 0 表示不限数量。
	ListPending(ctx context.Context, limit int) ([]*Record, error)
	Close() error
}
