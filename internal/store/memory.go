package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// Op records a write issued against a MemoryStore.
type Op struct {
	Method string
	Path   string
}

// MemoryStore is an in-process Store with the same merge semantics as the
// Realtime Database. Values are kept JSON-shaped, so numbers read back as
// float64 just as they do from the remote client.
type MemoryStore struct {
	mu   sync.RWMutex
	root map[string]any
	ops  []Op
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{root: make(map[string]any)}
}

func (m *MemoryStore) Update(ctx context.Context, path string, fields map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	normalized := make(map[string]any, len(fields))
	for k, v := range fields {
		nv, err := normalize(v)
		if err != nil {
			return fmt.Errorf("update %s: %w", path, err)
		}
		normalized[k] = nv
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, Op{Method: "update", Path: path})

	for k, v := range normalized {
		m.put(append(split(path), split(k)...), v)
	}
	return nil
}

func (m *MemoryStore) Set(ctx context.Context, path string, value any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	nv, err := normalize(value)
	if err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, Op{Method: "set", Path: path})

	m.put(split(path), nv)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, path string, dest any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.RLock()
	node := m.lookup(split(path))
	var data []byte
	var err error
	if node != nil {
		data, err = json.Marshal(node)
	}
	m.mu.RUnlock()

	if node == nil {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", path, err)
	}
	return json.Unmarshal(data, dest)
}

// Ops returns the writes issued so far, in order.
func (m *MemoryStore) Ops() []Op {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Op(nil), m.ops...)
}

func (m *MemoryStore) put(keys []string, value any) {
	if len(keys) == 0 {
		if tree, ok := value.(map[string]any); ok {
			m.root = tree
		} else {
			m.root = make(map[string]any)
		}
		return
	}

	node := m.root
	for _, k := range keys[:len(keys)-1] {
		child, ok := node[k].(map[string]any)
		if !ok {
			if value == nil {
				return
			}
			child = make(map[string]any)
			node[k] = child
		}
		node = child
	}

	last := keys[len(keys)-1]
	if value == nil {
		delete(node, last)
		return
	}
	node[last] = value
}

func (m *MemoryStore) lookup(keys []string) any {
	var node any = m.root
	for _, k := range keys {
		tree, ok := node.(map[string]any)
		if !ok {
			return nil
		}
		node, ok = tree[k]
		if !ok {
			return nil
		}
	}
	if tree, ok := node.(map[string]any); ok && len(tree) == 0 {
		return nil
	}
	return node
}

func split(path string) []string {
	var keys []string
	for _, k := range strings.Split(path, "/") {
		if k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

func normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
