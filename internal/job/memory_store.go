package job

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore 以内存方式保存作业，读写均复制，适合测试与单机演示。
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
	now  func() time.Time
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job), now: func() time.Time { return time.Now().UTC() }}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, j *Job) error {
	if err := Validate(j); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.ID]; ok {
		return ErrJobConflict
	}
	now := m.now()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	m.jobs[j.ID] = j.Clone()
	return nil
}

// Update 实现 Store 接口。
func (m *MemoryStore) Update(_ context.Context, id string, patch Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if patch.Empty() {
		return nil
	}
	patch.Apply(j, m.now())
	return nil
}

// Get 实现 Store 接口。
func (m *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return j.Clone(), nil
}

// ListByStatus 实现 Store 接口。
func (m *MemoryStore) ListByStatus(_ context.Context, status Status, participant string) ([]*Job, error) {
	opts := ListOptions{Statuses: []Status{status}, Participant: participant, Role: RoleAny, Order: SortByCreatedDesc}
	return m.scan(opts), nil
}

// ListByParticipant 实现 Store 接口。
func (m *MemoryStore) ListByParticipant(_ context.Context, address string, role Role) ([]*Job, error) {
	if address == "" {
		return nil, nil
	}
	opts := ListOptions{Participant: address, Role: role, Order: SortByCreatedDesc}
	if role != RoleClient && role != RoleTool {
		opts.Role = RoleAny
	}
	return m.scan(opts), nil
}

// List 实现 Store 接口。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Job, error) {
	opts.applyDefaults()
	results := m.scan(opts)
	if opts.Offset >= len(results) {
		return []*Job{}, nil
	}
	results = results[opts.Offset:]
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// scan 返回全部匹配作业的副本并排序，不做分页。
func (m *MemoryStore) scan(opts ListOptions) []*Job {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]*Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if opts.matches(j) {
			results = append(results, j.Clone())
		}
	}
	sortJobs(results, opts.Order)
	return results
}

func sortJobs(jobs []*Job, order SortOrder) {
	sort.Slice(jobs, func(i, k int) bool {
		a, b := jobs[i], jobs[k]
		switch order {
		case SortByUpdatedAsc:
			if !a.UpdatedAt.Equal(b.UpdatedAt) {
				return a.UpdatedAt.Before(b.UpdatedAt)
			}
		case SortByCreatedDesc:
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.After(b.CreatedAt)
			}
		default:
			if !a.UpdatedAt.Equal(b.UpdatedAt) {
				return a.UpdatedAt.After(b.UpdatedAt)
			}
		}
		return a.ID < b.ID
	})
}

// Stats 统计符合过滤条件的作业数量与更新时间范围。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (Stats, error) {
	opts.applyDefaults()
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := newStats()
	for _, j := range m.jobs {
		if opts.matches(j) {
			stats.observe(j.Status, j.UpdatedAt)
		}
	}
	return stats, nil
}

// Purge 实现 Store 接口。
func (m *MemoryStore) Purge(_ context.Context, before time.Time, statuses ...Status) (int64, error) {
	if len(statuses) == 0 {
		statuses = TerminalStatuses()
	}
	targets := make(map[Status]struct{}, len(statuses))
	for _, s := range statuses {
		targets[s] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	for id, j := range m.jobs {
		if _, ok := targets[j.Status]; !ok {
			continue
		}
		if j.UpdatedAt.Before(before) {
			delete(m.jobs, id)
			removed++
		}
	}
	return removed, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
