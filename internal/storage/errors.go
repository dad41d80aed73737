package storage

import "errors"

var (
	ErrFileNotFound      = errors.New("file not found")
	ErrCorruptFile       = errors.New("corrupt peer file")
	ErrPersistenceWrite  = errors.New("peer table write failed")
	ErrInvalidNodeIDFile = errors.New("invalid node id file")
)
