// Package migrations embeds the SQL schema shipped with the binaries.
package migrations

import (
	"embed"
	"io/fs"
)

//go:embed sql/*.sql
var sqlFiles embed.FS

//go:embed seeds/*.sql
var seedFiles embed.FS

// SQL returns the versioned schema migrations.
func SQL() fs.FS {
	sub, err := fs.Sub(sqlFiles, "sql")
	if err != nil {
		panic(err)
	}
	return sub
}

// Seeds returns the development seed files.
func Seeds() fs.FS {
	sub, err := fs.Sub(seedFiles, "seeds")
	if err != nil {
		panic(err)
	}
	return sub
}
