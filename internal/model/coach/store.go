package coach

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

// Store exposes coach retrieval for handlers and sessions.
type Store interface {
	List() []Coach
	FindByID(id string) (Coach, bool)
}

// MemoryStore implements Store with an in-memory slice.
type MemoryStore struct {
	items []Coach
}

// NewMemoryStore returns a MemoryStore preloaded with the supplied coaches.
func NewMemoryStore(items []Coach) *MemoryStore {
	return &MemoryStore{items: append([]Coach(nil), items...)}
}

// List returns the coach roster.
func (s *MemoryStore) List() []Coach {
	return append([]Coach(nil), s.items...)
}

// FindByID looks up a coach by identifier, case-insensitively.
func (s *MemoryStore) FindByID(id string) (Coach, bool) {
	id = strings.TrimSpace(id)
	for _, item := range s.items {
		if strings.EqualFold(item.ID, id) {
			return item, true
		}
	}
	return Coach{}, false
}

// LoadFile 从 TOML 文件读取教练列表，文件中的条目覆盖同 ID 的内置条目。
//
//	[[coach]]
//	id = "rob-mercer"
//	name = "Rob Mercer"
//	engine_voice = "verse"
func LoadFile(path string, base []Coach) ([]Coach, error) {
	var doc struct {
		Coaches []Coach `toml:"coach"`
	}
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		return nil, fmt.Errorf("load coaches %s: %w", path, err)
	}

	merged := append([]Coach(nil), base...)
	for _, c := range doc.Coaches {
		if strings.TrimSpace(c.ID) == "" {
			return nil, fmt.Errorf("load coaches %s: entry %q has no id", path, c.Name)
		}
		replaced := false
		for i := range merged {
			if strings.EqualFold(merged[i].ID, c.ID) {
				merged[i] = c
				replaced = true
				break
			}
		}
		if !replaced {
			merged = append(merged, c)
		}
	}
	return merged, nil
}
