package fsck

import (
	"fmt"
	"sort"
	"strings"

	"github.com/jimmy-src/kudu/kudu/util"
)

// checksumJob is one replica scan to run on a particular tablet server.
type checksumJob struct {
	tabletID string
	schema   []byte
}

// serverQueue pairs a tablet server with its queue of pending scans.
type serverQueue struct {
	ts    TabletServer
	queue *util.Queue[checksumJob]
}

// scanCallbacks bridges one asynchronous scan back into the scheduler: the
// result goes to the reporter and Finished releases the worker to pull the
// next job from the same server's queue.
type scanCallbacks struct {
	reporter *checksumResultReporter
	tabletID string
	tsUUID   string
	done     chan struct{}
}

func (s *scanCallbacks) Progress(deltaRows, deltaBytes int64) {
	s.reporter.ReportProgress(deltaRows, deltaBytes)
}

func (s *scanCallbacks) Finished(err error, checksum uint64) {
	s.reporter.ReportResult(s.tabletID, s.tsUUID, err, checksum)
	close(s.done)
}

// referenceChecksum picks the expected checksum for a tablet: the most common
// value among successful replicas, first-seen winning ties. Returns false when
// no replica succeeded.
func referenceChecksum(sortedUUIDs []string, results map[string]replicaResult) (uint64, bool) {
	counts := make(map[uint64]int)
	for _, uuid := range sortedUUIDs {
		if result := results[uuid]; result.err == nil {
			counts[result.checksum]++
		}
	}
	var best uint64
	bestCount := 0
	for _, uuid := range sortedUUIDs {
		result := results[uuid]
		if result.err != nil {
			continue
		}
		if counts[result.checksum] > bestCount {
			best = result.checksum
			bestCount = counts[result.checksum]
		}
	}
	return best, bestCount > 0
}

// ChecksumData runs checksum scans over every filtered tablet replica, with at
// most opts.ScanConcurrency scans in flight per tablet server, and classifies
// the outcome once all results arrived or the deadline passed.
func (c *Checker) ChecksumData(opts ChecksumOptions) error {
	type tabletTable struct {
		tablet *Tablet
		table  *Table
	}
	var selected []tabletTable
	numTabletReplicas := 0
	for _, table := range c.cluster.Tables() {
		if !matchesAnyPattern(c.tableFilters, table.Name) {
			continue
		}
		for _, tablet := range table.Tablets {
			if !matchesAnyPattern(c.tabletIDFilters, tablet.ID) {
				continue
			}
			selected = append(selected, tabletTable{tablet: tablet, table: table})
			numTabletReplicas += len(tablet.Replicas)
		}
	}
	if numTabletReplicas == 0 {
		msg := "no tablet replicas found"
		if len(c.tableFilters) > 0 || len(c.tabletIDFilters) > 0 {
			msg += ". Filter: "
			var parts []string
			if len(c.tableFilters) > 0 {
				parts = append(parts, "table_filters="+strings.Join(c.tableFilters, ","))
			}
			if len(c.tabletIDFilters) > 0 {
				parts = append(parts, "tablet_id_filters="+strings.Join(c.tabletIDFilters, ","))
			}
			msg += strings.Join(parts, " ")
		}
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	}

	// Group the work by tablet server. Each queue is filled once here and
	// closed before the workers start, so later pops never block.
	serverQueues := make(map[string]*serverQueue)
	for _, entry := range selected {
		for _, replica := range entry.tablet.Replicas {
			ts := c.cluster.TabletServers()[replica.TabletServerUUID]
			if ts == nil {
				panic(fmt.Sprintf("replica of tablet %s references unknown tablet server %s",
					entry.tablet.ID, replica.TabletServerUUID))
			}
			sq, ok := serverQueues[replica.TabletServerUUID]
			if !ok {
				sq = &serverQueue{
					ts:    ts,
					queue: util.NewQueue[checksumJob](numTabletReplicas),
				}
				serverQueues[replica.TabletServerUUID] = sq
			}
			if err := sq.queue.Enqueue(checksumJob{tabletID: entry.tablet.ID, schema: entry.table.Schema}); err != nil {
				panic(fmt.Sprintf("enqueue scan of tablet %s on %s: %v", entry.tablet.ID, ts.UUID(), err))
			}
		}
	}

	sortedUUIDs := make([]string, 0, len(serverQueues))
	for uuid := range serverQueues {
		sortedUUIDs = append(sortedUUIDs, uuid)
	}
	sort.Strings(sortedUUIDs)

	if opts.UseSnapshot && opts.SnapshotTimestamp == CurrentTimestamp {
		// Use the current timestamp of the first healthy tablet server.
		// Sorted order keeps the choice deterministic.
		for _, uuid := range sortedUUIDs {
			if ts := serverQueues[uuid].ts; ts.IsHealthy() {
				opts.SnapshotTimestamp = ts.CurrentTimestamp()
				break
			}
		}
		if opts.SnapshotTimestamp == CurrentTimestamp {
			return fmt.Errorf("%w: no tablet servers were available to fetch the current timestamp", ErrServiceUnavailable)
		}
		c.info("Using snapshot timestamp: %d", opts.SnapshotTimestamp)
	}

	reporter := newChecksumResultReporter(numTabletReplicas, c.errSink)
	if c.ProgressInterval > 0 {
		reporter.progressInterval = c.ProgressInterval
	}

	// Start the per-server workers. Each worker owns one scan slot: it pops a
	// job, starts the asynchronous scan, waits for its Finished callback, and
	// pops the next until the queue drains.
	for _, uuid := range sortedUUIDs {
		sq := serverQueues[uuid]
		sq.queue.CloseInput()
		workers := opts.ScanConcurrency
		if n := sq.queue.Size(); n < workers {
			workers = n
		}
		for i := 0; i < workers; i++ {
			go func(ts TabletServer, queue *util.Queue[checksumJob]) {
				for {
					job, ok := queue.Dequeue()
					if !ok {
						return
					}
					cb := &scanCallbacks{
						reporter: reporter,
						tabletID: job.tabletID,
						tsUUID:   ts.UUID(),
						done:     make(chan struct{}),
					}
					ts.RunTabletChecksumScanAsync(job.tabletID, job.schema, opts, cb)
					<-cb.done
				}
			}(sq.ts, sq.queue)
		}
	}

	timedOut := !reporter.WaitFor(opts.Timeout)
	checksums := reporter.Checksums()

	// Report in deterministic source order, not completion order.
	numErrors := 0
	numMismatches := 0
	numResults := 0
	for _, table := range c.cluster.Tables() {
		printedTableName := false
		for _, tablet := range table.Tablets {
			replicaResults, ok := checksums[tablet.ID]
			if !ok {
				continue
			}
			if !printedTableName {
				printedTableName = true
				fmt.Fprintln(c.out, "-----------------------")
				fmt.Fprintln(c.out, table.Name)
				fmt.Fprintln(c.out, "-----------------------")
			}

			replicaUUIDs := make([]string, 0, len(replicaResults))
			for uuid := range replicaResults {
				replicaUUIDs = append(replicaUUIDs, uuid)
			}
			sort.Strings(replicaUUIDs)

			// The reference checksum is the most common value among the
			// successful replicas, so the mismatch count does not depend on
			// which replica happens to come first. Ties go to the earliest
			// replica in sorted order.
			reference, haveReference := referenceChecksum(replicaUUIDs, replicaResults)

			for _, replicaUUID := range replicaUUIDs {
				result := replicaResults[replicaUUID]
				ts := c.cluster.TabletServers()[replicaUUID]
				statusStr := fmt.Sprintf("Checksum: %d", result.checksum)
				if result.err != nil {
					statusStr = fmt.Sprintf("Error: %v", result.err)
				}
				fmt.Fprintf(c.out, "T %s P %s (%s): %s\n", tablet.ID, ts.UUID(), ts.Address(), statusStr)
				if result.err != nil {
					numErrors++
				} else if haveReference && result.checksum != reference {
					numMismatches++
					c.error(">> Mismatch found in table %s tablet %s", table.Name, tablet.ID)
				}
				numResults++
			}
		}
		if printedTableName {
			fmt.Fprintln(c.out)
		}
	}

	if numResults != numTabletReplicas {
		// Each worker reports exactly once per job, so a shortfall without a
		// timeout is a scheduler bug.
		if !timedOut {
			panic(fmt.Sprintf("unexpected error: only got %d out of %d replica results", numResults, numTabletReplicas))
		}
		return fmt.Errorf("%w: checksum scan did not complete within the timeout of %v: received results for %d out of %d expected replicas",
			ErrTimedOut, opts.Timeout, numResults, numTabletReplicas)
	}
	if numMismatches != 0 {
		return fmt.Errorf("%w: %d checksum mismatches were detected", ErrCorruption, numMismatches)
	}
	if numErrors != 0 {
		return fmt.Errorf("%w: %d errors were detected", ErrAborted, numErrors)
	}

	return nil
}
