package db

import "fmt"

// Common errors
var (
	ErrRepositoryNotFound = fmt.Errorf("repository not found")
	ErrReleaseNotFound    = fmt.Errorf("release not found")
	ErrAuthorNotFound     = fmt.Errorf("author not found")
	ErrInvalidInput       = fmt.Errorf("invalid input")
	ErrDatabaseConnection = fmt.Errorf("database connection error")
	ErrTransactionFailed  = fmt.Errorf("transaction failed")
)
