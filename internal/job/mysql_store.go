package job

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	xerrors "AgentMarket/internal/errors"
	storagemysql "AgentMarket/internal/storage/mysql"
)

// MySQLStore 使用 MySQL 持久化作业记录。
type MySQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewMySQLStore 建立连接并执行 schema 迁移。
func NewMySQLStore(ctx context.Context, cfg storagemysql.Config) (*MySQLStore, error) {
	db, err := storagemysql.Open(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接作业数据库失败")
	}
	if err := storagemysql.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 jobs 表失败")
	}
	return NewMySQLStoreWithDB(db), nil
}

// NewMySQLStoreWithDB 复用已打开的连接，调用方负责迁移。
func NewMySQLStoreWithDB(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Create 插入新的作业记录。
func (s *MySQLStore) Create(ctx context.Context, j *Job) error {
	if err := Validate(j); err != nil {
		return err
	}
	now := s.now()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now

	b := &argBuilder{d: mysqlDialect}
	placeholders, err := insertArgs(j, b)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码作业失败", xerrors.WithJobID(j.ID))
	}
	stmt := "INSERT INTO jobs (" + jobColumns + ") VALUES (" + placeholders + ")"
	if _, err := s.db.ExecContext(ctx, stmt, b.args...); err != nil {
		if storagemysql.IsDuplicateEntry(err) {
			return ErrJobConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入作业失败", xerrors.WithJobID(j.ID))
	}
	return nil
}

// Update 按补丁更新字段。
func (s *MySQLStore) Update(ctx context.Context, id string, patch Patch) error {
	if patch.Empty() {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return nil
	}
	b := &argBuilder{d: mysqlDialect}
	sets, err := patchAssignments(patch, b, s.now())
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码作业补丁失败", xerrors.WithJobID(id))
	}
	stmt := "UPDATE jobs SET " + strings.Join(sets, ", ") + " WHERE job_id = " + b.add(id)
	res, err := s.db.ExecContext(ctx, stmt, b.args...)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新作业失败", xerrors.WithJobID(id))
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		// MySQL 在值未变化时返回 0 行，需要再确认记录是否存在
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Get 查询指定作业。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE job_id = ?", id)
	j, err := scanJob(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询作业失败", xerrors.WithJobID(id))
	}
	return j, nil
}

// ListByStatus 实现 Store 接口。
func (s *MySQLStore) ListByStatus(ctx context.Context, status Status, participant string) ([]*Job, error) {
	opts := ListOptions{Statuses: []Status{status}, Participant: participant, Role: RoleAny, Order: SortByCreatedDesc}
	return s.query(ctx, opts, false)
}

// ListByParticipant 实现 Store 接口。
func (s *MySQLStore) ListByParticipant(ctx context.Context, address string, role Role) ([]*Job, error) {
	if strings.TrimSpace(address) == "" {
		return nil, nil
	}
	if role != RoleClient && role != RoleTool {
		role = RoleAny
	}
	return s.query(ctx, ListOptions{Participant: address, Role: role, Order: SortByCreatedDesc}, false)
}

// List 返回分页后的作业列表。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Job, error) {
	opts.applyDefaults()
	return s.query(ctx, opts, true)
}

func (s *MySQLStore) query(ctx context.Context, opts ListOptions, paged bool) ([]*Job, error) {
	b := &argBuilder{d: mysqlDialect}
	query := "SELECT " + jobColumns + " FROM jobs" + buildFilterClause(opts, b) + orderClause(opts.Order)
	if paged {
		query += " LIMIT " + b.add(opts.Limit) + " OFFSET " + b.add(opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, b.args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询作业列表失败")
	}
	defer rows.Close()

	jobs := make([]*Job, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析作业记录失败")
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历作业失败")
	}
	return jobs, nil
}

// Stats 按状态聚合作业数量。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (Stats, error) {
	opts.applyDefaults()
	b := &argBuilder{d: mysqlDialect}
	query := "SELECT status, COUNT(*), MIN(updated_at), MAX(updated_at) FROM jobs" + buildFilterClause(opts, b) + " GROUP BY status"

	rows, err := s.db.QueryContext(ctx, query, b.args...)
	if err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询作业统计失败")
	}
	defer rows.Close()
	return collectStats(rows)
}

// Purge 删除过期的终态作业。
func (s *MySQLStore) Purge(ctx context.Context, before time.Time, statuses ...Status) (int64, error) {
	if len(statuses) == 0 {
		statuses = TerminalStatuses()
	}
	b := &argBuilder{d: mysqlDialect}
	in := statusArgs(statuses, b)
	stmt := "DELETE FROM jobs WHERE status IN (" + in + ") AND updated_at < " + b.add(before.UTC())
	res, err := s.db.ExecContext(ctx, stmt, b.args...)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "清理过期作业失败")
	}
	removed, _ := res.RowsAffected()
	return removed, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type statsRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func collectStats(rows statsRows) (Stats, error) {
	stats := newStats()
	for rows.Next() {
		var (
			status         string
			count          int
			oldest, newest *time.Time
		)
		if err := rows.Scan(&status, &count, &oldest, &newest); err != nil {
			return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析作业统计失败")
		}
		stats.Total += count
		stats.ByStatus[Status(status)] += count
		if oldest != nil && (stats.OldestUpdatedAt == nil || oldest.Before(*stats.OldestUpdatedAt)) {
			stats.OldestUpdatedAt = utcPtr(oldest)
		}
		if newest != nil && (stats.NewestUpdatedAt == nil || newest.After(*stats.NewestUpdatedAt)) {
			stats.NewestUpdatedAt = utcPtr(newest)
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历作业统计失败")
	}
	return stats, nil
}

var _ Store = (*MySQLStore)(nil)
