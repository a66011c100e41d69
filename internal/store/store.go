// ABOUTME: Store interface for coven-editor persistence
// ABOUTME: Holds the small set of durable settings, chiefly the last editor URL

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested setting does not exist
var ErrNotFound = errors.New("not found")

// LastIframeURLKey names the setting holding the last known editor URL.
const LastIframeURLKey = "lastIframeUrl"

// Setting is one persisted key/value pair
type Setting struct {
	Key       string
	Value     string
	UpdatedAt time.Time
}

// Store defines persistence operations
type Store interface {
	// GetSetting returns the setting for key, or ErrNotFound.
	GetSetting(ctx context.Context, key string) (*Setting, error)
	// PutSetting creates or replaces the setting for key.
	PutSetting(ctx context.Context, key, value string) error
	// DeleteSetting removes the setting for key. Deleting a missing key is not an error.
	DeleteSetting(ctx context.Context, key string) error

	// LastURL returns the persisted editor URL, or ErrNotFound.
	LastURL(ctx context.Context) (string, error)
	// SaveLastURL persists the editor URL.
	SaveLastURL(ctx context.Context, url string) error

	Close() error
}
