package fsck

import (
	"errors"
)

// The terminal status kinds a check phase can report. Phase errors wrap one of
// these sentinels so callers can classify with errors.Is.
var (
	// ErrNotFound: no tablet servers, or no replicas match the filters.
	ErrNotFound = errors.New("not found")
	// ErrNetwork: one or more tablet servers were unreachable during fetch.
	ErrNetwork = errors.New("network error")
	// ErrServiceUnavailable: no healthy tablet server to resolve the snapshot
	// timestamp from.
	ErrServiceUnavailable = errors.New("service unavailable")
	// ErrCorruption: unhealthy metadata or checksum mismatches.
	ErrCorruption = errors.New("corruption")
	// ErrTimedOut: the checksum phase deadline passed with results missing.
	ErrTimedOut = errors.New("timed out")
	// ErrAborted: all scans returned but at least one replica scan failed.
	ErrAborted = errors.New("aborted")
)
