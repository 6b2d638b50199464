package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// TagMap is a Task's identity within its Stage — a map from string keys to
// scalar values (string, int, bool). Tags are intentionally untyped rather
// than a struct per Tool, since the set of tags varies per tool and recipe.
type TagMap map[string]interface{}

// Key canonicalizes a TagMap into a stable, sorted string encoding, used as
// the GraphBuilder reuse-index key when deciding whether a task with these
// tags already exists in a Stage.
func (t TagMap) Key() string {
	if len(t) == 0 {
		return ""
	}
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('\x1f')
		}
		b.WriteString(k)
		b.WriteByte('=')
		fmt.Fprintf(&b, "%v", t[k])
	}
	return b.String()
}

// DirComponent renders the TagMap as a filesystem-safe path segment, used to
// lay out task outputs under output_dir/<stage>/<tags>/ as a convention;
// nothing in the engine enforces this layout.
func (t TagMap) DirComponent() string {
	if len(t) == 0 {
		return "_"
	}
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('_')
		}
		fmt.Fprintf(&b, "%s-%v", sanitizeSegment(k), t[k])
	}
	return sanitizeSegment(b.String())
}

func sanitizeSegment(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// JSON marshals the TagMap for storage in the task.tags column.
func (t TagMap) JSON() ([]byte, error) {
	if t == nil {
		t = TagMap{}
	}
	return json.Marshal(t)
}

// ParseTagMap decodes a stored tags column back into a TagMap.
func ParseTagMap(raw []byte) (TagMap, error) {
	if len(raw) == 0 {
		return TagMap{}, nil
	}
	var m TagMap
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}
