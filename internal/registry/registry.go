// Package registry 提供按任务能力发现工具方的简易目录。
package registry

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"AgentMarket/internal/protocol"
)

// Agent 描述一个可接单的工具方。
type Agent struct {
	Address      string   `json:"address" yaml:"address"`
	Name         string   `json:"name,omitempty" yaml:"name"`
	Capabilities []string `json:"capabilities" yaml:"capabilities"`
	Price        int64    `json:"price,omitempty" yaml:"price"`
	Bond         int64    `json:"bond,omitempty" yaml:"bond"`
	// Endpoint 用于可达性探测，为空时视为可达。
	Endpoint  string `json:"endpoint,omitempty" yaml:"endpoint"`
	Reachable bool   `json:"reachable" yaml:"-"`
}

// Supports 判断 agent 是否声明了任务能力。
func (a Agent) Supports(task protocol.TaskType) bool {
	for _, c := range a.Capabilities {
		if strings.EqualFold(strings.TrimSpace(c), string(task)) {
			return true
		}
	}
	return false
}

// Discoverer 根据任务类型返回候选工具方。
type Discoverer interface {
	Discover(ctx context.Context, task protocol.TaskType) ([]Agent, error)
}

// StaticRegistry 是内存中的目录，可由 YAML 文件加载，也允许运行时登记。
type StaticRegistry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// NewStaticRegistry 创建目录。
func NewStaticRegistry(agents ...Agent) *StaticRegistry {
	r := &StaticRegistry{agents: make(map[string]Agent, len(agents))}
	for _, a := range agents {
		r.Register(a)
	}
	return r
}

type registryFile struct {
	Agents []Agent `yaml:"agents"`
}

// LoadStaticRegistry 从 YAML 文件加载目录。
func LoadStaticRegistry(path string) (*StaticRegistry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取工具目录失败: %w", err)
	}
	var file registryFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("解析工具目录失败: %w", err)
	}
	for i, a := range file.Agents {
		if strings.TrimSpace(a.Address) == "" {
			return nil, fmt.Errorf("第 %d 个工具缺少 address", i+1)
		}
	}
	return NewStaticRegistry(file.Agents...), nil
}

// Register 登记或覆盖一个工具方。静态登记的工具默认可达。
func (r *StaticRegistry) Register(a Agent) {
	if strings.TrimSpace(a.Address) == "" {
		return
	}
	a.Reachable = true
	a.Capabilities = append([]string(nil), a.Capabilities...)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[a.Address] = a
}

// Agents 返回全部登记的工具方，按地址排序。
func (r *StaticRegistry) Agents() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Discover 实现 Discoverer。task 为空时返回全部。
func (r *StaticRegistry) Discover(_ context.Context, task protocol.TaskType) ([]Agent, error) {
	all := r.Agents()
	if task == "" {
		return all, nil
	}
	out := make([]Agent, 0, len(all))
	for _, a := range all {
		if a.Supports(task) {
			out = append(out, a)
		}
	}
	return out, nil
}

var _ Discoverer = (*StaticRegistry)(nil)
