// Package sessions defines the session state contract shared by every other
// package in this module. A session is addressed by an opaque id and owns a
// set of small values, each identified by a (type, name) pair. Values are
// stored as JSON bytes by a Store backend; the generic helpers in this
// package (Get, Set, Delete, Compute, List, BlockUntil) layer a typed Key[T]
// and a JSON codec on top.
//
// Layers & Roles
//
//	Registry -> session lifecycle: create, validate, touch, delete, list
//	Store    -> per-session values with atomic compute and blocking wait
//	Manager  -> mints session ids and keeps the opaque identity attachment
//
// # Backends
//
//	memorystore : in-process maps, push-based wakeups for BlockUntil
//	sqlstore    : database/sql (SQLite or Postgres), row-locked compute, polling waits
//	redisstore  : Redis hashes and Lua scripts, optimistic compute, polling waits
//
// All backends are interchangeable from the caller's perspective and are
// verified by the shared suite in sessions/storetest.
//
// # Existence
//
// Mutations return a boolean reporting whether the session still exists.
// A false result means the session expired or was deleted; it is not an
// error. Getters report absence the same way. Only APIs without a boolean
// channel (Manager.Load) surface ErrSessionNotFound.
package sessions
