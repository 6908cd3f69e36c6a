// Package worker runs the manifest-driven shell cache for one app.
//
// A Manager is one "service worker" instance bound to a single deployment
// manifest: Install precaches the core assets into the temp store, Activate
// reconciles the content store against the previous manifest snapshot, and
// Fetch serves owned GET requests cache-first (assets) or online-first (the
// root document). A Host plays the platform role: it drives the
// installing -> waiting -> active lifecycle, honours skip-waiting, and routes
// fetches to whichever instance claimed the clients.
package worker
