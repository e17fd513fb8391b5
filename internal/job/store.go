package job

import (
	"context"
	"time"
)

// Role 描述按参与方查询时匹配的身份。
type Role string

const (
	RoleClient Role = "client"
	RoleTool   Role = "tool"
	RoleAny    Role = "any"
)

// Store 抽象了作业记录的持久化接口。所有写操作在返回前完成提交。
type Store interface {
	Create(ctx context.Context, job *Job) error
	Update(ctx context.Context, id string, patch Patch) error
	Get(ctx context.Context, id string) (*Job, error)
	// ListByStatus 返回指定状态的作业，participant 为空时不过滤参与方。
	ListByStatus(ctx context.Context, status Status, participant string) ([]*Job, error)
	ListByParticipant(ctx context.Context, address string, role Role) ([]*Job, error)
	List(ctx context.Context, opts ListOptions) ([]*Job, error)
	Stats(ctx context.Context, opts ListOptions) (Stats, error)
	// Purge 删除 updated_at 早于 before 的指定状态作业，返回删除数量。
	Purge(ctx context.Context, before time.Time, statuses ...Status) (int64, error)
	Close() error
}
