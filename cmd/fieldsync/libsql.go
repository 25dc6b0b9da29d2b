//go:build cgo

package main

// Registers the "libsql" database/sql driver used by remote.kind=sql to reach
// Turso databases. The driver links libSQL through cgo.
import _ "github.com/tursodatabase/go-libsql"
