package db

import "context"

// Database is the storage handle shared by repositories.
type Database interface {
	Querier
	Ping(ctx context.Context) error
	Close() error
}

// Querier abstracts statement execution.
type Querier interface {
	Query(ctx context.Context, query string, args ...interface{}) (Rows, error)
	QueryRow(ctx context.Context, query string, args ...interface{}) Row
	Exec(ctx context.Context, query string, args ...interface{}) (Result, error)
}

// Rows iterates a result set.
type Rows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Close() error
	Err() error
}

// Row is a single-row result.
type Row interface {
	Scan(dest ...interface{}) error
}

// Result summarizes an executed statement.
type Result interface {
	RowsAffected() (int64, error)
}
