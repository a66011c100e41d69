// Package store provides persistent storage for coven-editor using SQLite.
//
// The only durable state is a handful of settings in a key/value table. The
// one that matters is LastIframeURLKey: the last URL the embedded editor
// navigated to, written on every url_change and context_update and read
// once at startup to pick the editor's initial URL.
//
// SQLiteStore is backed by modernc.org/sqlite (pure Go, no cgo). MockStore
// is an in-memory implementation for tests.
package store
