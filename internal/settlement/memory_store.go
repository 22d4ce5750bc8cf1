package settlement

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "HashBot-Chain/internal/errors"
)

// MemoryStore 以内存方式保存结算记录，主要用于测试。
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, record *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if record == nil || record.Fingerprint == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "结算记录缺少指纹")
	}
	if _, ok := m.records[record.Fingerprint]; ok {
		return ErrRecordConflict
	}
	now := time.Now().Unix()
	if record.CreatedAt == 0 {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	clone := *record
	m.records[record.Fingerprint] = &clone
	return nil
}

// Get 返回指定指纹的记录。
func (m *MemoryStore) Get(_ context.Context, fingerprint string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.records[fingerprint]
	if !ok {
		return nil, ErrRecordNotFound
	}
	clone := *record
	return &clone, nil
}

// Update 覆盖写入记录。已确认的记录不可再修改。
func (m *MemoryStore) Update(_ context.Context, record *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if record == nil || record.Fingerprint == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "结算记录缺少指纹")
	}
	existing, ok := m.records[record.Fingerprint]
	if !ok {
		return ErrRecordNotFound
	}
	if existing.Status == StatusConfirmed {
		return ErrRecordImmutable
	}
	record.CreatedAt = existing.CreatedAt
	record.UpdatedAt = time.Now().Unix()
	clone := *record
	m.records[record.Fingerprint] = &clone
	return nil
}

// ListPending 返回非终态记录，按创建时间升序。limit <= 0 表示不限数量,
// 重启后的巡检回收依赖全量列表。
func (m *MemoryStore) ListPending(_ context.Context, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]*Record, 0)
	for _, record := range m.records {
		if record.Terminal() {
			continue
		}
		clone := *record
		results = append(results, &clone)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].CreatedAt < results[j].CreatedAt
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
