package fsck

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

const defaultProgressInterval = 5 * time.Second

// replicaResult is the outcome of one replica's checksum scan.
type replicaResult struct {
	err      error
	checksum uint64
}

// checksumResultReporter collects scan results across the fleet. Progress
// counters are updated from the per-server scan goroutines; the single WaitFor
// caller emits the progress line.
type checksumResultReporter struct {
	expectedCount int
	remaining     atomic.Int64
	finished      chan struct{}
	finishOnce    sync.Once

	rowsSummed      atomic.Int64
	diskBytesSummed atomic.Int64

	mu sync.Mutex
	// checksums is { tablet id : { replica uuid : result } }.
	checksums map[string]map[string]replicaResult

	// progressInterval is the longest WaitFor sleeps between progress lines.
	progressInterval time.Duration
	sink             io.Writer
}

func newChecksumResultReporter(numTabletReplicas int, sink io.Writer) *checksumResultReporter {
	r := &checksumResultReporter{
		expectedCount:    numTabletReplicas,
		finished:         make(chan struct{}),
		checksums:        make(map[string]map[string]replicaResult),
		progressInterval: defaultProgressInterval,
		sink:             sink,
	}
	r.remaining.Store(int64(numTabletReplicas))
	if numTabletReplicas == 0 {
		r.finishOnce.Do(func() { close(r.finished) })
	}
	return r
}

// ReportProgress advances the global scan counters.
func (r *checksumResultReporter) ReportProgress(deltaRows, deltaBytes int64) {
	r.rowsSummed.Add(deltaRows)
	r.diskBytesSummed.Add(deltaBytes)
}

// ReportResult records one replica's response. Each (tablet, replica) pair
// must report at most once; a duplicate is a scheduler bug.
func (r *checksumResultReporter) ReportResult(tabletID, replicaUUID string, err error, checksum uint64) {
	r.mu.Lock()
	replicaResults, ok := r.checksums[tabletID]
	if !ok {
		replicaResults = make(map[string]replicaResult)
		r.checksums[tabletID] = replicaResults
	}
	if _, dup := replicaResults[replicaUUID]; dup {
		r.mu.Unlock()
		panic(fmt.Sprintf("duplicate checksum result for tablet %s replica %s", tabletID, replicaUUID))
	}
	replicaResults[replicaUUID] = replicaResult{err: err, checksum: checksum}
	r.mu.Unlock()

	if r.remaining.Add(-1) == 0 {
		r.finishOnce.Do(func() { close(r.finished) })
	}
}

// WaitFor blocks until every expected response arrived or the timeout passed,
// whichever comes first, and returns false on timeout. It wakes at least every
// progressInterval to print a progress line.
func (r *checksumResultReporter) WaitFor(timeout time.Duration) bool {
	start := time.Now()
	deadline := start.Add(timeout)

	for {
		rem := time.Until(deadline)
		if rem <= 0 {
			return false
		}
		wake := r.progressInterval
		if rem < wake {
			wake = rem
		}

		done := false
		timer := time.NewTimer(wake)
		select {
		case <-r.finished:
			done = true
		case <-timer.C:
		}
		timer.Stop()

		status := "running for"
		if done {
			status = "finished in"
		}
		fmt.Fprintf(r.sink, "INFO: Checksum %s %ds: %d/%d replicas remaining (%s from disk, %s rows summed)\n",
			status, int(time.Since(start).Seconds()),
			r.remaining.Load(), r.expectedCount,
			humanize.Bytes(uint64(r.diskBytesSummed.Load())),
			humanize.Comma(r.rowsSummed.Load()))
		if done {
			return true
		}
	}
}

// AllReported reports whether every expected response arrived.
func (r *checksumResultReporter) AllReported() bool {
	return r.remaining.Load() == 0
}

// Checksums returns a snapshot of the collected results.
func (r *checksumResultReporter) Checksums() map[string]map[string]replicaResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	snapshot := make(map[string]map[string]replicaResult, len(r.checksums))
	for tabletID, replicaResults := range r.checksums {
		inner := make(map[string]replicaResult, len(replicaResults))
		for uuid, result := range replicaResults {
			inner[uuid] = result
		}
		snapshot[tabletID] = inner
	}
	return snapshot
}
