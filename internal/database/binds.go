package database

import (
	"sort"
	"strings"

	"github.com/koustreak/pgdialect/internal/errs"
)

// Binder converts named binds into the positional form a backend accepts.
//
// SQL text uses :name placeholders. "::" (a Postgres cast) is never a
// placeholder, and neither is anything inside a single-quoted literal, a
// double-quoted identifier or a comment.
type Binder struct {
	// Constants resolves bind values of the form "${NAME}". A value whose
	// name is missing from Constants is kept verbatim.
	Constants map[string]any
}

// Interpolate copies the entries of src accepted by keep into dst and
// returns dst (allocated when nil). A nil keep accepts everything. String
// values of the form "${NAME}" are replaced from b.Constants.
func (b *Binder) Interpolate(dst, src map[string]any, keep func(name string) bool) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for name, v := range src {
		if keep != nil && !keep(name) {
			continue
		}
		dst[name] = b.constant(v)
	}
	return dst
}

func (b *Binder) constant(v any) any {
	s, ok := v.(string)
	if !ok || len(s) < 4 || !strings.HasPrefix(s, "${") || !strings.HasSuffix(s, "}") {
		return v
	}
	if c, ok := b.Constants[s[2:len(s)-1]]; ok {
		return c
	}
	return v
}

// ReferencedIn returns a keep predicate for Interpolate that accepts a bind
// only when ":name" occurs in sql as a whole name. ":idx" does not reference
// id, and neither does the cast "::id".
func ReferencedIn(sql string) func(name string) bool {
	return func(name string) bool {
		marker := ":" + name
		for from := 0; from < len(sql); {
			i := strings.Index(sql[from:], marker)
			if i < 0 {
				return false
			}
			i += from
			end := i + len(marker)
			if (i == 0 || sql[i-1] != ':') && (end == len(sql) || !isIdentPart(sql[end])) {
				return true
			}
			from = i + 1
		}
		return false
	}
}

// PositionalBinds rewrites every :name placeholder in sql into
// placeholder(n) and appends the bound value to values, so the n-th marker
// always matches the n-th appended value. A name referenced twice is bound
// twice. Referencing a name missing from binds is an error.
func (b *Binder) PositionalBinds(sql string, binds map[string]any, values *[]any, placeholder func(n int) string) (string, error) {
	var sb strings.Builder
	sb.Grow(len(sql))

	for i := 0; i < len(sql); {
		c := sql[i]
		switch {
		case c == '\'' || c == '"':
			end := skipQuoted(sql, i, c)
			sb.WriteString(sql[i:end])
			i = end
		case c == '-' && i+1 < len(sql) && sql[i+1] == '-':
			end := strings.IndexByte(sql[i:], '\n')
			if end < 0 {
				end = len(sql) - i
			}
			sb.WriteString(sql[i : i+end])
			i += end
		case c == '/' && i+1 < len(sql) && sql[i+1] == '*':
			end := strings.Index(sql[i+2:], "*/")
			if end < 0 {
				end = len(sql)
			} else {
				end = i + 2 + end + 2
			}
			sb.WriteString(sql[i:end])
			i = end
		case c == ':' && i+1 < len(sql) && sql[i+1] == ':':
			sb.WriteString("::")
			i += 2
		case c == ':' && i+1 < len(sql) && isIdentStart(sql[i+1]):
			j := i + 1
			for j < len(sql) && isIdentPart(sql[j]) {
				j++
			}
			name := sql[i+1 : j]
			v, ok := binds[name]
			if !ok {
				return "", errs.Newf(errs.ErrKindInvalidInput,
					"unbound %q at position %d found during positional bind formatting", name, len(*values))
			}
			*values = append(*values, v)
			sb.WriteString(placeholder(len(*values)))
			i = j
		default:
			sb.WriteByte(c)
			i++
		}
	}
	return sb.String(), nil
}

// skipQuoted returns the index just past the quoted section starting at i.
// A doubled quote character is an escaped quote. An unterminated section
// runs to the end of sql.
func skipQuoted(sql string, i int, quote byte) int {
	for j := i + 1; j < len(sql); j++ {
		if sql[j] != quote {
			continue
		}
		if j+1 < len(sql) && sql[j+1] == quote {
			j++
			continue
		}
		return j + 1
	}
	return len(sql)
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

// BindNames returns the bind names in sorted order, for diagnostics.
func BindNames(binds map[string]any) []string {
	names := make([]string, 0, len(binds))
	for name := range binds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
