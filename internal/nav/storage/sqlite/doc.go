// Package sqlite persists navigation telemetry: decimated pose
// estimates, mission state transitions, and safety trips. Stores are
// thin adapters over the shared sql handle; the pipeline talks to them
// through its sink interfaces so storage stays optional.
package sqlite
