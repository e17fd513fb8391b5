package job

import "time"

// Stats 聚合了作业状态的统计信息，供状态接口与健康检查使用。
type Stats struct {
	Total           int            `json:"total"`
	ByStatus        map[Status]int `json:"by_status"`
	OldestUpdatedAt *time.Time     `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt *time.Time     `json:"newest_updated_at,omitempty"`
}

func newStats() Stats {
	return Stats{ByStatus: make(map[Status]int)}
}

func (s *Stats) observe(status Status, updatedAt time.Time) {
	s.Total++
	s.ByStatus[status]++
	if s.NewestUpdatedAt == nil || updatedAt.After(*s.NewestUpdatedAt) {
		s.NewestUpdatedAt = cloneTime(&updatedAt)
	}
	if s.OldestUpdatedAt == nil || updatedAt.Before(*s.OldestUpdatedAt) {
		s.OldestUpdatedAt = cloneTime(&updatedAt)
	}
}
