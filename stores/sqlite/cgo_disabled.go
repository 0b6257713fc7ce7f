//go:build !cgo

package sqlite

import (
	_ "modernc.org/sqlite"
)

// CGOEnabled reports whether the sqlite store is built with cgo support.
// Without cgo the pure Go driver is used instead of go-sqlite3.
const CGOEnabled = false

const driverName = "sqlite"
