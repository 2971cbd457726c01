package kv

import (
	"errors"
	"fmt"
)

var (
	// ErrNoKey is returned by Get when the key does not exist and by
	// Put when the expected version is non-zero but the key is absent.
	ErrNoKey = errors.New("key does not exist")
	// ErrVersion is returned by Put when the key exists but the expected
	// version does not equal the key's current version.
	ErrVersion = errors.New("version mismatch")
	// ErrMaybe is returned by the clerk when it cannot determine whether
	// the server applied the operation. The server never produces it.
	// Callers should re-read the key to resolve the ambiguity.
	ErrMaybe = errors.New("operation may or may not have been applied")
	// ErrTimeout is returned by the clerk when it exhausted its retry
	// budget without ever hearing from the server.
	ErrTimeout = errors.New("retries exhausted without reaching the server")
	// ErrDropped indicates that the transport dropped the request or the
	// reply. The server may or may not have executed the operation. Only
	// Service implementations that simulate or traverse an unreliable
	// network produce it; the clerk absorbs it by retrying.
	ErrDropped = errors.New("message was dropped")
)

// IsDefinitive returns true if err pins down the state of the store:
// the operation either was applied (nil) or certainly was not
// (ErrNoKey, ErrVersion).
func IsDefinitive(err error) bool {
	switch err {
	case nil:
		fallthrough
	case ErrNoKey:
		fallthrough
	case ErrVersion:
		return true
	}

	return false
}

func wrapError(wrap string, err error) error {
	switch err {
	case ErrNoKey:
		fallthrough
	case ErrVersion:
		fallthrough
	case ErrMaybe:
		fallthrough
	case ErrTimeout:
		fallthrough
	case ErrDropped:
		fallthrough
	case nil:
		return err
	}

	return fmt.Errorf("%s: %s", wrap, err)
}
