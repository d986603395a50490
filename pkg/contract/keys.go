package contract

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ArrayKey: 逻辑数据通道的标识（原始图像、标签、预测等）。
// 只能由 Keys 注册表创建；比较使用指针同一性，不做字符串匹配。
type ArrayKey struct {
	name string
	id   int
}

func (k *ArrayKey) Name() string {
	if k == nil {
		return "<nil>"
	}
	return k.name
}

func (k *ArrayKey) String() string { return k.Name() }

// Keys: 通道标识注册表（并发安全）。同名返回同一实体。
// 以显式对象在装配期注入，不使用进程级全局状态。
type Keys struct {
	mu     sync.Mutex
	byName map[string]*ArrayKey
}

func NewKeys() *Keys { return &Keys{byName: map[string]*ArrayKey{}} }

// Key 返回名称对应的通道标识；不存在则注册。名称去首尾空白后不得为空。
func (r *Keys) Key(name string) (*ArrayKey, error) {
	n := strings.TrimSpace(name)
	if n == "" {
		return nil, fmt.Errorf("%w: empty array key name", ErrConfig)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if k, ok := r.byName[n]; ok {
		return k, nil
	}
	k := &ArrayKey{name: n, id: len(r.byName)}
	r.byName[n] = k
	return k, nil
}

// MustKey 同 Key，名称非法时 panic（用于静态装配与测试）。
func (r *Keys) MustKey(name string) *ArrayKey {
	k, err := r.Key(name)
	if err != nil {
		panic(err)
	}
	return k
}

// Lookup 仅查询，不注册。
func (r *Keys) Lookup(name string) (*ArrayKey, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.byName[strings.TrimSpace(name)]
	return k, ok
}

// All 按注册顺序返回全部通道。
func (r *Keys) All() []*ArrayKey {
	r.mu.Lock()
	out := make([]*ArrayKey, 0, len(r.byName))
	for _, k := range r.byName {
		out = append(out, k)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// sortKeys 按名称排序，保证遍历顺序确定。
func sortKeys(ks []*ArrayKey) {
	sort.Slice(ks, func(i, j int) bool { return ks[i].name < ks[j].name })
}
