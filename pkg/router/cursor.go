package router

import (
	"strconv"
	"strings"
)

// Declare is a parsed DECLARE ... CURSOR FOR <query> statement.
type Declare struct {
	Name     string
	Holdable bool
	Query    string
}

// Fetch is a parsed FETCH [count] [FROM|IN] <cursor> statement.
// Count 0 means all remaining rows; a bare FETCH means one row.
type Fetch struct {
	Name  string
	Count int
}

// CloseCursor is a parsed CLOSE <cursor> statement. All is set for CLOSE ALL.
type CloseCursor struct {
	Name string
	All  bool
}

// Deallocate is a parsed DEALLOCATE [PREPARE] <name> statement.
type Deallocate struct {
	Name string
	All  bool
}

// ParseDeclare recognizes DECLARE statements. Returns false for anything
// else, including malformed DECLAREs, which then fail on the shards.
func ParseDeclare(text string) (Declare, bool) {
	fields := strings.Fields(text)
	if len(fields) < 4 || !strings.EqualFold(fields[0], "DECLARE") {
		return Declare{}, false
	}
	d := Declare{Name: fields[1]}

	// Option keywords sit between the cursor name and FOR.
	i := 2
	for ; i < len(fields); i++ {
		w := strings.ToUpper(fields[i])
		if w == "FOR" {
			break
		}
		if w == "HOLD" {
			d.Holdable = true
		}
	}
	if i+1 >= len(fields) {
		return Declare{}, false
	}
	d.Query = strings.Join(fields[i+1:], " ")
	return d, true
}

// ParseFetch recognizes FETCH statements in the forms pgfan supports:
// FETCH [FORWARD] [n|ALL] [FROM|IN] cursor.
func ParseFetch(text string) (Fetch, bool) {
	fields := strings.Fields(text)
	if len(fields) < 2 || !strings.EqualFold(fields[0], "FETCH") {
		return Fetch{}, false
	}

	// FETCH defaults to one row, as in PostgreSQL.
	f := Fetch{Count: 1}
	rest := fields[1:]
	for len(rest) > 1 {
		w := strings.ToUpper(rest[0])
		switch {
		case w == "FORWARD" || w == "NEXT" || w == "FROM" || w == "IN":
		case w == "ALL":
			f.Count = 0
		default:
			n, err := strconv.Atoi(rest[0])
			if err != nil {
				return Fetch{}, false
			}
			f.Count = n
		}
		rest = rest[1:]
	}
	if len(rest) != 1 {
		return Fetch{}, false
	}
	f.Name = strings.TrimSuffix(rest[0], ";")
	return f, true
}

// ParseClose recognizes CLOSE statements.
func ParseClose(text string) (CloseCursor, bool) {
	fields := strings.Fields(text)
	if len(fields) != 2 || !strings.EqualFold(fields[0], "CLOSE") {
		return CloseCursor{}, false
	}
	name := strings.TrimSuffix(fields[1], ";")
	if strings.EqualFold(name, "ALL") {
		return CloseCursor{All: true}, true
	}
	return CloseCursor{Name: name}, true
}

// ParseDeallocate recognizes DEALLOCATE statements.
func ParseDeallocate(text string) (Deallocate, bool) {
	fields := strings.Fields(text)
	if len(fields) < 2 || !strings.EqualFold(fields[0], "DEALLOCATE") {
		return Deallocate{}, false
	}
	name := fields[1]
	if strings.EqualFold(name, "PREPARE") {
		if len(fields) < 3 {
			return Deallocate{}, false
		}
		name = fields[2]
	}
	name = strings.TrimSuffix(name, ";")
	if strings.EqualFold(name, "ALL") {
		return Deallocate{All: true}, true
	}
	return Deallocate{Name: name}, true
}
