//go:build !sqlite_fts5

package storage

// The inbox search index is an FTS5 virtual table, and mattn/go-sqlite3
// only compiles the FTS5 extension in under the sqlite_fts5 build tag.
// Without it every Open fails at migration time with "no such module:
// fts5". This file turns that runtime failure into a compile-time one:
// build with `-tags sqlite_fts5` (see the Makefile).
var _ = devrigRequiresTheSqliteFts5BuildTag
