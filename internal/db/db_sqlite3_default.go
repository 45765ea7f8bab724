//go:build !(cgo && sqlite3_cgo)

// Package db opens the SQLite database backing the archive journal.
// The pure-Go ncruces driver is the default; build with -tags sqlite3_cgo to use mattn/go-sqlite3.
package db

import (
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const (
	driverID   = "ncruces/go-sqlite3"
	driverName = "sqlite3"
)
