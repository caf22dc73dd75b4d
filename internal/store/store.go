// Package store is the remote structured store challenges are persisted in:
// a JSON tree addressed by slash-separated paths.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when nothing is stored at the path.
var ErrNotFound = errors.New("not found")

type Store interface {
	// Update merges fields into the node at path, leaving other children
	// untouched.
	Update(ctx context.Context, path string, fields map[string]any) error
	// Set replaces the value at path.
	Set(ctx context.Context, path string, value any) error
	// Get reads the value at path once and decodes it into dest.
	Get(ctx context.Context, path string, dest any) error
}
