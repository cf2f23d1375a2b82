package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// Filter carries the optional predicates of a ledger query. Each set field
// maps to exactly one WHERE clause; zero values are not applied.
type Filter struct {
	Line           string
	Machine        string
	Part           string
	SerialContains string
	Judgment       Judgment
	From           time.Time
	To             time.Time
}

// whereClause renders the filter as a parameterised WHERE fragment starting
// at placeholder $1. It returns the fragment (possibly empty) and the
// ordered argument list.
func (f Filter) whereClause() (string, []any) {
	var clauses []string
	var args []any

	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if f.Line != "" {
		add("line = $%d", f.Line)
	}
	if f.Machine != "" {
		add("machine = $%d", f.Machine)
	}
	if f.Part != "" {
		add("part = $%d", f.Part)
	}
	if f.SerialContains != "" {
		add("serial_number LIKE $%d", "%"+f.SerialContains+"%")
	}
	if f.Judgment != "" {
		// The ledger stores legacy codes; match every code that normalises
		// to the requested judgment.
		add("judgment = ANY($%d)", pq.Array(codesFor(f.Judgment)))
	}
	if !f.From.IsZero() {
		add("timestamp >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("timestamp < $%d", f.To)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}
