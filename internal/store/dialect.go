package store

import (
	"strconv"
	"strings"
)

// Dialect papers over placeholder and upsert syntax differences between drivers.
// Queries are written with ? placeholders.
type Dialect struct {
	Driver string
}

// Rebind rewrites ? placeholders into the driver's positional form.
func (d Dialect) Rebind(query string) string {
	if d.Driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// Upsert returns the clause that turns an INSERT into an update of cols when key already exists.
func (d Dialect) Upsert(key string, cols ...string) string {
	sets := make([]string, len(cols))
	if d.Driver == DriverMySQL {
		for i, c := range cols {
			sets[i] = c + " = VALUES(" + c + ")"
		}
		return "ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
	}
	for i, c := range cols {
		sets[i] = c + " = excluded." + c
	}
	return "ON CONFLICT (" + key + ") DO UPDATE SET " + strings.Join(sets, ", ")
}

// Placeholders returns n comma separated ? markers.
func Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}
