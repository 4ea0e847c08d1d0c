// Package all wires every built-in storage backend into the storage factory.
//
// Importing it for side effects makes storage.New able to open any backend
// by name:
//
//	import _ "refinery/internal/storage/all"
//
// Binaries wanting only a subset can blank-import the individual backend
// packages instead.
package all

import (
	_ "refinery/internal/storage/memory"
	_ "refinery/internal/storage/postgres"
	_ "refinery/internal/storage/sqlite"
)
