package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeywordClassifier(t *testing.T) {
	cases := []struct {
		text    string
		cat     Category
		control TxControl
	}{
		{"BEGIN", CategoryTxControl, TxControlBegin},
		{"begin transaction", CategoryTxControl, TxControlBegin},
		{"START TRANSACTION", CategoryTxControl, TxControlBegin},
		{"COMMIT", CategoryTxControl, TxControlCommit},
		{"END;", CategoryTxControl, TxControlCommit},
		{"ROLLBACK", CategoryTxControl, TxControlRollback},
		{"abort", CategoryTxControl, TxControlRollback},
		{"INSERT INTO users VALUES (1, 'Alice')", CategoryTransactional, TxControlNone},
		{"SELECT 1", CategoryTransactional, TxControlNone},
		{"VACUUM users", CategoryForbiddenInBlock, TxControlNone},
		{"CREATE DATABASE foo", CategoryForbiddenInBlock, TxControlNone},
		{"CREATE TABLE foo (id int)", CategoryTransactional, TxControlNone},
		{"DROP DATABASE foo", CategoryForbiddenInBlock, TxControlNone},
		{"DECLARE c CURSOR FOR SELECT 1", CategoryRequiredInBlock, TxControlNone},
		{"DECLARE c CURSOR WITH HOLD FOR SELECT 1", CategoryTransactional, TxControlNone},
	}

	var cl KeywordClassifier
	for _, tc := range cases {
		stmt := cl.Classify(tc.text)
		assert.Equal(t, tc.cat, stmt.Category, "category of %q", tc.text)
		assert.Equal(t, tc.control, stmt.Control, "control of %q", tc.text)
		assert.Equal(t, tc.text, stmt.Text)
	}
}

func TestSplitStatements(t *testing.T) {
	cases := []struct {
		text string
		want []string
	}{
		{"SELECT 1", []string{"SELECT 1"}},
		{"SELECT 1; SELECT 2;", []string{"SELECT 1", "SELECT 2"}},
		{"INSERT INTO t VALUES ('a;b'); SELECT 1", []string{"INSERT INTO t VALUES ('a;b')", "SELECT 1"}},
		{`SELECT ";" FROM "weird;name"`, []string{`SELECT ";" FROM "weird;name"`}},
		{"SELECT 1 -- trailing; comment\n; SELECT 2", []string{"SELECT 1 -- trailing; comment", "SELECT 2"}},
		{"  ;  ; ", nil},
		{"", nil},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, SplitStatements(tc.text), "split of %q", tc.text)
	}
}

func TestStaticRouter(t *testing.T) {
	r := StaticRouter{Shards: []ShardID{"alpha", "beta"}}
	shards, err := r.Route(Statement{Text: "SELECT 1"})
	assert.NoError(t, err)
	assert.Equal(t, []ShardID{"alpha", "beta"}, shards)
}
