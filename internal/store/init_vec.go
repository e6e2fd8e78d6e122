//go:build sqlite_vec && cgo

package store

import (
	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
)

func init() {
	// Register the sqlite-vec extension with the sqlite3 driver so vec0
	// virtual tables are available. Availability is still probed at open
	// time; builds without this tag fall back to brute-force search.
	vec.Auto()
}
