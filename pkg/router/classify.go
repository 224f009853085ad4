// Package router defines the classification and shard-routing boundary the
// session core consumes. Real deployments plug in a full SQL parser; the
// built-in implementations only look at leading keywords, which is enough to
// place a statement into a transaction-semantics category.
package router

import (
	"strings"
)

// Category describes how a statement interacts with transaction blocks.
type Category int

const (
	// CategoryTransactional is ordinary DML/DDL that runs inside whatever
	// block is open (or its own single-statement transaction).
	CategoryTransactional Category = iota
	// CategoryTxControl is BEGIN/COMMIT/ROLLBACK and their aliases.
	CategoryTxControl
	// CategoryForbiddenInBlock cannot run inside a transaction block
	// (VACUUM, CREATE DATABASE, ...).
	CategoryForbiddenInBlock
	// CategoryRequiredInBlock only runs inside an explicit transaction block
	// (DECLARE CURSOR without HOLD, ...).
	CategoryRequiredInBlock
)

func (c Category) String() string {
	switch c {
	case CategoryTransactional:
		return "transactional"
	case CategoryTxControl:
		return "transaction-control"
	case CategoryForbiddenInBlock:
		return "forbidden-in-block"
	case CategoryRequiredInBlock:
		return "required-in-block"
	default:
		return "unknown"
	}
}

// TxControl distinguishes the transaction-control verbs.
type TxControl int

const (
	TxControlNone TxControl = iota
	TxControlBegin
	TxControlCommit
	TxControlRollback
)

// Statement is one classified SQL statement ready for dispatch.
type Statement struct {
	Text     string
	Category Category
	Control  TxControl
}

// Classifier maps raw statement text to a transaction-semantics category.
// Implementations must be stateless.
type Classifier interface {
	Classify(text string) Statement
}

// KeywordClassifier classifies by the statement's first keyword. It covers
// the categories the session core needs; everything unrecognized is treated
// as ordinary transactional work, matching how PostgreSQL treats unknown
// utility statements inside a block.
type KeywordClassifier struct{}

var _ Classifier = KeywordClassifier{}

// Statements that PostgreSQL refuses to run inside a transaction block,
// keyed by their one- or two-word leading keywords.
var forbiddenInBlock = map[string]bool{
	"VACUUM":            true,
	"CREATE DATABASE":   true,
	"DROP DATABASE":     true,
	"CREATE TABLESPACE": true,
	"DROP TABLESPACE":   true,
	"REINDEX DATABASE":  true,
}

func (KeywordClassifier) Classify(text string) Statement {
	stmt := Statement{Text: text}
	head := leadingKeywords(text, 2)
	switch first(head) {
	case "BEGIN", "START":
		stmt.Category = CategoryTxControl
		stmt.Control = TxControlBegin
	case "COMMIT", "END":
		stmt.Category = CategoryTxControl
		stmt.Control = TxControlCommit
	case "ROLLBACK", "ABORT":
		stmt.Category = CategoryTxControl
		stmt.Control = TxControlRollback
	case "DECLARE":
		// DECLARE ... CURSOR without WITH HOLD requires an open block.
		if !strings.Contains(strings.ToUpper(text), "WITH HOLD") {
			stmt.Category = CategoryRequiredInBlock
		}
	default:
		if forbiddenInBlock[head] || forbiddenInBlock[first(head)] {
			stmt.Category = CategoryForbiddenInBlock
		}
	}
	return stmt
}

// leadingKeywords returns up to n leading keywords uppercased and joined by
// a single space, with comments and noise words skipped.
func leadingKeywords(text string, n int) string {
	fields := strings.Fields(text)
	words := make([]string, 0, n)
	for _, f := range fields {
		if strings.HasPrefix(f, "--") {
			break
		}
		words = append(words, strings.ToUpper(strings.Trim(f, ";")))
		if len(words) == n {
			break
		}
	}
	return strings.Join(words, " ")
}

func first(head string) string {
	if i := strings.IndexByte(head, ' '); i >= 0 {
		return head[:i]
	}
	return head
}

// FirstKeyword returns the statement's leading keyword uppercased, for use in
// error messages ("VACUUM cannot run inside a transaction block").
func FirstKeyword(text string) string {
	return first(leadingKeywords(text, 1))
}

// SplitStatements splits a simple-query request into individual statements.
// This is a naive splitter on top-level semicolons that respects single
// quotes, double quotes, and line comments; statement semantics beyond the
// split are the Classifier's concern.
func SplitStatements(text string) []string {
	var (
		out      []string
		start    int
		inSingle bool
		inDouble bool
		inLineCm bool
	)
	for i := 0; i < len(text); i++ {
		c := text[i]
		switch {
		case inLineCm:
			if c == '\n' {
				inLineCm = false
			}
		case inSingle:
			if c == '\'' {
				inSingle = false
			}
		case inDouble:
			if c == '"' {
				inDouble = false
			}
		case c == '\'':
			inSingle = true
		case c == '"':
			inDouble = true
		case c == '-' && i+1 < len(text) && text[i+1] == '-':
			inLineCm = true
		case c == ';':
			if s := strings.TrimSpace(text[start:i]); s != "" {
				out = append(out, s)
			}
			start = i + 1
		}
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		out = append(out, s)
	}
	return out
}
