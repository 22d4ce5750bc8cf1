package skill

import (
	"sort"
	"sync"

	"HashBot-Chain/internal/task"
)

// Registry 是进程内的静态技能表。技能在启动阶段注册完毕,
// 运行期间只读, 查找无需加锁语义之外的任何协调。
type Registry struct {
	mu     sync.RWMutex
	skills map[string]task.Skill
}

// NewRegistry 创建空的技能表。
func NewRegistry(skills ...task.Skill) *Registry {
	r := &Registry{skills: make(map[string]task.Skill)}
	for _, s := range skills {
		r.Register(s)
	}
	return r
}

// Register 登记一个技能, 同名技能后注册者覆盖先注册者。
func (r *Registry) Register(s task.Skill) {
	if s == nil || s.ID() == "" {
		return
	}
	r.mu.Lock()
	r.skills[s.ID()] = s
	r.mu.Unlock()
}

// Lookup 实现 task.SkillSet。
func (r *Registry) Lookup(id string) (task.Skill, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.skills[id]
	return s, ok
}

// All 返回全部技能, 按 ID 排序。
func (r *Registry) All() []task.Skill {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := make([]task.Skill, 0, len(r.skills))
	for _, s := range r.skills {
		all = append(all, s)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID() < all[j].ID() })
	return all
}

var _ task.SkillSet = (*Registry)(nil)
