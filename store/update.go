package store

import (
	"context"
	"sort"
	"strings"
)

// Update collects path writes that are committed as one atomic multi-path
// update. The zero value is not usable; call NewUpdate.
type Update struct {
	values map[string]any
	paths  []string
}

func NewUpdate() *Update {
	return &Update{values: make(map[string]any)}
}

// Set schedules value at path. Setting the same path twice keeps the last value.
func (u *Update) Set(path string, value any) *Update {
	path = Clean(path)
	if _, ok := u.values[path]; !ok {
		u.paths = append(u.paths, path)
	}
	u.values[path] = value
	return u
}

// Delete schedules removal of path.
func (u *Update) Delete(path string) *Update {
	return u.Set(path, nil)
}

func (u *Update) Len() int {
	return len(u.paths)
}

// Paths returns the scheduled paths in the order they were first set.
func (u *Update) Paths() []string {
	return append([]string(nil), u.paths...)
}

func (u *Update) Values() map[string]any {
	values := make(map[string]any, len(u.values))
	for k, v := range u.values {
		values[k] = v
	}
	return values
}

// Validate rejects updates the store would refuse: no paths, the root path,
// or one path nested under another.
func (u *Update) Validate() error {
	if len(u.paths) == 0 {
		return ErrEmptyUpdate
	}
	sorted := append([]string(nil), u.paths...)
	sort.Strings(sorted)
	for i, p := range sorted {
		if p == "" {
			return ErrInvalidPath
		}
		for _, prev := range sorted[:i] {
			if strings.HasPrefix(p, prev+"/") {
				return ErrOverlappingPaths
			}
		}
	}
	return nil
}

// Commit validates and applies the update. Either every path is written or none is.
func (u *Update) Commit(ctx context.Context, s Store) error {
	if err := u.Validate(); err != nil {
		return err
	}
	return s.Update(ctx, u.Values())
}
