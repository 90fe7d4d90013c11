// Package storage persists terminal command outcomes.
//
// Two backends exist: "file" appends JSON Lines, "sqlite" uses a pure-Go
// SQLite database. A Recorder copies outcome events from the event bus into
// whichever Store is configured.
package storage
