package expr

import (
	"strconv"
	"strings"
)

// ResolvePath resolves a dotted path like "body.items[0].id" against a
// value. Missing segments resolve to null. Used for response iterate/output
// paths and the get() builtin.
func ResolvePath(v Value, path string) Value {
	path = strings.TrimSpace(path)
	if path == "" {
		return v
	}
	cur := v
	for _, part := range strings.Split(path, ".") {
		for {
			open := strings.IndexByte(part, '[')
			if open < 0 {
				if part != "" {
					cur = cur.Get(part)
				}
				break
			}
			if open > 0 {
				cur = cur.Get(part[:open])
			}
			closing := strings.IndexByte(part, ']')
			if closing < open {
				return Null
			}
			idxText := part[open+1 : closing]
			if n, err := strconv.Atoi(idxText); err == nil {
				cur = cur.Index(Number(float64(n)))
			} else {
				cur = cur.Index(String(strings.Trim(idxText, `"'`)))
			}
			part = part[closing+1:]
			if part == "" {
				break
			}
		}
		if cur.IsNull() {
			return Null
		}
	}
	return cur
}
