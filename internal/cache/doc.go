// Package cache implements the named cache storage that backs every app's
// shell cache. A Storage hands out named Stores (content / temp / manifest),
// each mapping a request identity (method + URL) to a stored response. Three
// backends exist: the disk layout StoragePath/<app>/<store>/<sha1>.body|.meta
// written with temp file + rename, an embedded SQLite database, and a
// process-local memory map used by tests and ":memory:" deployments.
// Higher layers (worker) only issue open/match/put/delete/keys calls and keep
// no copy of the data between events.
package cache
