package storage

import (
	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// dialect captures the few places where SQLite and Postgres SQL differ.
type dialect struct {
	name        string
	placeholder sq.PlaceholderFormat
	greatest    string
	anyOf       func(column string, values []string) sq.Sqlizer
}

var sqliteDialect = dialect{
	name:        DriverSQLite,
	placeholder: sq.Question,
	greatest:    "MAX",
	anyOf: func(column string, values []string) sq.Sqlizer {
		return sq.Eq{column: values}
	},
}

var postgresDialect = dialect{
	name:        DriverPostgres,
	placeholder: sq.Dollar,
	greatest:    "GREATEST",
	anyOf: func(column string, values []string) sq.Sqlizer {
		return sq.Expr(column+" = ANY(?)", pq.StringArray(values))
	},
}
