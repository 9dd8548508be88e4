/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package storage persists uploaded audio files behind a backend-neutral
// interface. Local-upload tracks reference objects stored here by the
// source URL the backend returns.
package storage

import (
	"context"
	"io"
)

// ObjectStorage stores uploaded audio objects keyed by a caller-chosen
// path. Store returns the source URL clients use to fetch the object.
type ObjectStorage interface {
	Store(ctx context.Context, key string, file io.Reader, contentType string) (string, error)
	Delete(ctx context.Context, key string) error
	URL(key string) string
	CheckAccess(ctx context.Context) error
}
