package storage

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/nightscape/knowledge/internal/types"
)

// BindParams rewrites named $name parameters in sql to positional ?
// placeholders and returns the bound values in declared order.
//
// The scanner is quote aware: a $name inside a single- or double-quoted SQL
// string is literal text and is left untouched. A named parameter may appear
// at most once; duplicate occurrences, occurrences with no binding in params,
// and bindings that are never referenced are all errors.
func BindParams(sql string, params map[string]types.Value) (string, []interface{}, error) {
	var b strings.Builder
	b.Grow(len(sql))

	var values []interface{}
	seen := map[string]bool{}

	inSingle := false
	inDouble := false

	for i := 0; i < len(sql); i++ {
		ch := sql[i]

		switch ch {
		case '\'':
			b.WriteByte(ch)
			if !inDouble {
				if inSingle && i+1 < len(sql) && sql[i+1] == '\'' {
					b.WriteByte(sql[i+1])
					i++
					continue
				}
				inSingle = !inSingle
			}

		case '"':
			b.WriteByte(ch)
			if !inSingle {
				if inDouble && i+1 < len(sql) && sql[i+1] == '"' {
					b.WriteByte(sql[i+1])
					i++
					continue
				}
				inDouble = !inDouble
			}

		case '$':
			if inSingle || inDouble {
				b.WriteByte(ch)
				continue
			}
			j := i + 1
			for j < len(sql) && isIdentByte(sql[j]) {
				j++
			}
			if j == i+1 {
				// bare $, not a parameter
				b.WriteByte(ch)
				continue
			}
			name := sql[i+1 : j]
			if seen[name] {
				return "", nil, errors.Wrapf(types.ErrInvalidArgument,
					"duplicate parameter $%s", name)
			}
			v, ok := params[name]
			if !ok {
				return "", nil, errors.Wrapf(types.ErrInvalidArgument,
					"unbound parameter $%s", name)
			}
			seen[name] = true
			values = append(values, v.Driver())
			b.WriteByte('?')
			i = j - 1

		default:
			b.WriteByte(ch)
		}
	}

	for name := range params {
		if !seen[name] {
			return "", nil, errors.Wrapf(types.ErrInvalidArgument,
				"parameter $%s bound but never referenced", name)
		}
	}

	return b.String(), values, nil
}

func isIdentByte(ch byte) bool {
	return ch == '_' ||
		(ch >= 'a' && ch <= 'z') ||
		(ch >= 'A' && ch <= 'Z') ||
		(ch >= '0' && ch <= '9')
}
