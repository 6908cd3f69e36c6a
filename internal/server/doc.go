// Package server hosts the Fiber HTTP service, the request middleware chain,
// and the app registry that maps Host headers to cached SPA deployments.
// Every AppRoute owns a worker.Host wired to its namespace of the cache
// backend and to an upstream Fetcher; bootstrap helpers deploy manifests on
// startup and on file changes. Keep exports narrow and accept explicit
// dependencies so proxy and routes packages can be tested in isolation.
package server
