// Package core assembles the serving components behind one facade.
//
// Files:
//   - config.go: Config and defaults
//   - core.go: construction, lifecycle, and the public operations
//   - errors.go: typed errors with Is* helpers
//
// A Core owns a resource governor, an artifact cache, a session pool, and a
// batch scheduler, and implements the scheduler's Executor by chaining
// cache -> load -> execute. Start launches the deadline sweep and the
// idle-session optimizer; Close drains and unloads everything.
package core
