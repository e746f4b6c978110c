//go:build postgres

package directory

// This file exists solely to pin transitive dependencies that are required
// when building the directory package with the "postgres" build tag for
// integration testing against a real database. Keeping these blank imports
// ensures the go tool recognises the dependencies when tidying modules in
// this repository.
import (
	_ "github.com/jackc/pgpassfile"
	_ "github.com/jackc/pgservicefile"
)
