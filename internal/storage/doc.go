// Package storage persists the small amount of client-local state the
// watcher owns: per-day dismissal sets and user preferences.
//
// Two backends are provided: a dependency-free file backend (default) and
// a SQLite backend behind the "sqlite" build tag.
package storage
