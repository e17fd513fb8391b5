package job

import (
	"strings"
	"time"

	"AgentMarket/internal/protocol"
)

// SortOrder defines how results should be ordered when listing jobs.
type SortOrder int

const (
	// SortByUpdatedDesc orders jobs by UpdatedAt descending (most recent first).
	SortByUpdatedDesc SortOrder = iota
	// SortByUpdatedAsc orders jobs by UpdatedAt ascending (oldest first).
	SortByUpdatedAsc
	// SortByCreatedDesc orders jobs by CreatedAt descending.
	SortByCreatedDesc
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// ListOptions controls how jobs are selected when querying the store.
type ListOptions struct {
	Limit        int
	Offset       int
	Statuses     []Status
	Participant  string
	Role         Role
	Task         protocol.TaskType
	UpdatedAfter time.Time
	UpdatedUntil time.Time
	Order        SortOrder
}

// applyDefaults sanitizes the options and fills in default values.
func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = defaultListLimit
	}
	if opts.Limit > maxListLimit {
		opts.Limit = maxListLimit
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	if opts.Statuses != nil {
		opts.Statuses = normalizeStatuses(opts.Statuses)
	}
	opts.Participant = strings.TrimSpace(opts.Participant)
	switch opts.Role {
	case RoleClient, RoleTool:
	default:
		opts.Role = RoleAny
	}
	switch opts.Order {
	case SortByUpdatedAsc, SortByCreatedDesc:
	default:
		opts.Order = SortByUpdatedDesc
	}
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithLimit limits the number of jobs returned.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

// WithOffset skips the first n matching jobs.
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) {
		opts.Offset = offset
	}
}

// WithStatuses filters jobs by status.
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append(opts.Statuses[:0], statuses...)
	}
}

// WithParticipant filters jobs where address plays the given role.
func WithParticipant(address string, role Role) ListOption {
	return func(opts *ListOptions) {
		opts.Participant = address
		opts.Role = role
	}
}

// WithTask filters jobs by task type.
func WithTask(task protocol.TaskType) ListOption {
	return func(opts *ListOptions) {
		opts.Task = task
	}
}

// WithUpdatedSince keeps jobs updated at or after ts.
func WithUpdatedSince(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		opts.UpdatedAfter = ts
	}
}

// WithUpdatedUntil keeps jobs updated at or before ts.
func WithUpdatedUntil(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		opts.UpdatedUntil = ts
	}
}

// WithSortOrder changes the returned order of jobs.
func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) {
		opts.Order = order
	}
}

// BuildListOptions applies option functions on top of defaults.
func BuildListOptions(opts ...ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func normalizeStatuses(input []Status) []Status {
	if len(input) == 0 {
		return nil
	}
	seen := make(map[Status]struct{}, len(input))
	result := make([]Status, 0, len(input))
	for _, status := range input {
		if !IsValidStatus(status) {
			continue
		}
		if _, ok := seen[status]; ok {
			continue
		}
		seen[status] = struct{}{}
		result = append(result, status)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

// matches reports whether j satisfies the filters in opts.
func (opts ListOptions) matches(j *Job) bool {
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if j.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.Participant != "" && !j.HasParticipant(opts.Participant, opts.Role) {
		return false
	}
	if opts.Task != "" && j.Task != opts.Task {
		return false
	}
	if !opts.UpdatedAfter.IsZero() && j.UpdatedAt.Before(opts.UpdatedAfter) {
		return false
	}
	if !opts.UpdatedUntil.IsZero() && j.UpdatedAt.After(opts.UpdatedUntil) {
		return false
	}
	return true
}
