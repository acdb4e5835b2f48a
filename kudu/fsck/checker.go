package fsck

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"golang.org/x/sync/errgroup"
)

const DefaultFetchConcurrency = 20

// Checker runs the consistency checks over a cluster snapshot. The report
// goes to out (stable format) and the diagnostics to errSink with
// INFO/WARNING/ERROR prefixes; tests inject recording writers.
type Checker struct {
	cluster *Cluster
	out     io.Writer
	errSink io.Writer

	tableFilters    []string
	tabletIDFilters []string

	// CheckReplicaCount warns when a tablet's replica count differs from the
	// table's configured replication factor.
	CheckReplicaCount bool
	// FetchConcurrency bounds the tablet server fan-out of
	// FetchInfoFromTabletServers.
	FetchConcurrency int
	// ProgressInterval overrides the checksum progress line cadence.
	// Zero keeps the 5s default.
	ProgressInterval time.Duration
}

func NewChecker(cluster *Cluster) *Checker {
	return &Checker{
		cluster:           cluster,
		out:               os.Stdout,
		errSink:           os.Stderr,
		CheckReplicaCount: true,
		FetchConcurrency:  DefaultFetchConcurrency,
	}
}

// SetSinks redirects the report and diagnostic streams.
func (c *Checker) SetSinks(out, errSink io.Writer) {
	c.out = out
	c.errSink = errSink
}

// SetTableFilters restricts the checks to tables whose name matches any of
// the glob patterns. Empty means all tables.
func (c *Checker) SetTableFilters(patterns []string) {
	c.tableFilters = patterns
}

// SetTabletIDFilters restricts the checks to tablets whose id matches any of
// the glob patterns. Empty means all tablets.
func (c *Checker) SetTabletIDFilters(patterns []string) {
	c.tabletIDFilters = patterns
}

func (c *Checker) info(format string, args ...interface{}) {
	fmt.Fprintf(c.errSink, "INFO: "+format+"\n", args...)
}

func (c *Checker) warn(format string, args ...interface{}) {
	fmt.Fprintf(c.errSink, "WARNING: "+format+"\n", args...)
}

func (c *Checker) error(format string, args ...interface{}) {
	fmt.Fprintf(c.errSink, "ERROR: "+format+"\n", args...)
}

// matchesAnyPattern reports whether s matches any of the glob patterns. An
// empty pattern list is a wildcard.
func matchesAnyPattern(patterns []string, s string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, s); ok {
			return true
		}
	}
	return false
}

// majoritySize is the quorum size for a replication factor.
func majoritySize(numReplicas int) int {
	return numReplicas/2 + 1
}

// CheckMasterRunning verifies the master is reachable.
func (c *Checker) CheckMasterRunning() error {
	glog.V(1).Info("connecting to the master")
	if err := c.cluster.Master().Connect(); err != nil {
		return err
	}
	c.info("Connected to the Master")
	return nil
}

// FetchTableAndTabletInfo loads the cluster topology from the master.
func (c *Checker) FetchTableAndTabletInfo() error {
	return c.cluster.FetchTableAndTabletInfo()
}

// FetchInfoFromTabletServers probes every tablet server in parallel with a
// bounded pool. Unreachable servers stay in the snapshot as unhealthy; the
// verifier reports their replicas as warnings, so a network error here leaves
// partial state behind on purpose.
func (c *Checker) FetchInfoFromTabletServers() error {
	servers := c.cluster.TabletServers()
	serversCount := len(servers)
	glog.V(1).Infof("list of %d tablet servers retrieved", serversCount)
	if serversCount == 0 {
		return fmt.Errorf("%w: no tablet servers found", ErrNotFound)
	}

	var badServers atomic.Int32
	var eg errgroup.Group
	eg.SetLimit(c.FetchConcurrency)
	for _, ts := range servers {
		ts := ts
		eg.Go(func() error {
			if err := c.connectToTabletServer(ts); err != nil {
				badServers.Add(1)
			}
			return nil
		})
	}
	_ = eg.Wait()

	if bad := badServers.Load(); bad > 0 {
		c.warn("Fetched info from %d Tablet Servers, %d weren't reachable", int32(serversCount)-bad, bad)
		return fmt.Errorf("%w: not all tablet servers are reachable", ErrNetwork)
	}
	c.info("Fetched info from all %d Tablet Servers", serversCount)
	return nil
}

func (c *Checker) connectToTabletServer(ts TabletServer) error {
	glog.V(1).Infof("going to connect to tablet server: %s", ts.UUID())
	err := ts.FetchInfo()
	if err != nil {
		c.warn("Unable to connect to Tablet Server %s: %v", tsDescription(ts), err)
		return err
	}
	glog.V(1).Infof("connected to tablet server: %s", ts.UUID())
	return nil
}

// CheckTablesConsistency verifies the metadata of every filtered table and
// returns ErrCorruption with the bad-table count when any is unhealthy.
func (c *Checker) CheckTablesConsistency() error {
	tablesChecked := 0
	badTablesCount := 0
	for _, table := range c.cluster.Tables() {
		if !matchesAnyPattern(c.tableFilters, table.Name) {
			glog.V(1).Infof("skipping table %s", table.Name)
			continue
		}
		tablesChecked++
		if !c.verifyTable(table) {
			badTablesCount++
		}
	}

	if tablesChecked == 0 {
		c.info("The cluster doesn't have any matching tables")
		return nil
	}

	if badTablesCount == 0 {
		c.info("The metadata for %d table(s) is HEALTHY", tablesChecked)
		return nil
	}
	c.warn("%d out of %d table(s) are not in a healthy state", badTablesCount, tablesChecked)
	return fmt.Errorf("%w: %d table(s) are bad", ErrCorruption, badTablesCount)
}

func (c *Checker) verifyTable(table *Table) bool {
	var tablets []*Tablet
	for _, tablet := range table.Tablets {
		if matchesAnyPattern(c.tabletIDFilters, tablet.ID) {
			tablets = append(tablets, tablet)
		}
	}

	if len(tablets) == 0 {
		c.info("Table %s has 0 matching tablets", table.Name)
		return true
	}
	glog.V(1).Infof("verifying %d tablets for table %s configured with num_replicas = %d",
		len(tablets), table.Name, table.NumReplicas)

	badTabletsCount := 0
	for _, tablet := range tablets {
		if !c.verifyTablet(tablet, table.NumReplicas) {
			badTabletsCount++
		}
	}
	if badTabletsCount == 0 {
		c.info("Table %s is HEALTHY (%d tablets checked)", table.Name, len(tablets))
		return true
	}
	c.warn("Table %s has %d bad tablets", table.Name, badTabletsCount)
	return false
}

// verifyTablet reduces one tablet's replica observations into a verdict. A
// tablet is bad iff it accumulated any warning or error.
func (c *Checker) verifyTablet(tablet *Tablet, tableNumReplicas int) bool {
	tabletStr := fmt.Sprintf("Tablet %s of table '%s'", tablet.ID, tablet.Table.Name)
	var warnings, errors, infos []string

	if c.CheckReplicaCount && len(tablet.Replicas) != tableNumReplicas {
		warnings = append(warnings, fmt.Sprintf("%s has %d instead of %d replicas",
			tabletStr, len(tablet.Replicas), tableNumReplicas))
	}

	leadersCount := 0
	followersCount := 0
	aliveCount := 0
	runningCount := 0
	for _, replica := range tablet.Replicas {
		// Check for agreement on tablet assignment and state between the
		// master and the tablet server.
		ts := c.cluster.TabletServers()[replica.TabletServerUUID]
		if ts != nil && ts.IsHealthy() {
			aliveCount++
			state := ts.ReplicaState(tablet.ID)
			switch state {
			case StateRunning:
				glog.V(1).Infof("tablet replica for %s on TS %s is RUNNING", tabletStr, tsDescription(ts))
				runningCount++
				infos = append(infos, fmt.Sprintf("OK state on TS %s: %s", tsDescription(ts), state))

			case StateUnknown:
				warnings = append(warnings, fmt.Sprintf("Missing a tablet replica on tablet server %s", tsDescription(ts)))

			default:
				status := ts.TabletStatusMap()[tablet.ID]
				warnings = append(warnings, fmt.Sprintf(
					"Bad state on TS %s: %s\n  Last status: %s\n  Data state:  %s",
					tsDescription(ts), state, status.LastStatus, status.DataState))
			}
		} else {
			// no TS or unhealthy TS
			desc := replica.TabletServerUUID
			if ts != nil {
				desc = tsDescription(ts)
			}
			warnings = append(warnings, fmt.Sprintf("Should have a replica on TS %s, but TS is unavailable", desc))
		}
		if replica.IsLeader() {
			leadersCount++
		} else if replica.IsFollower() {
			followersCount++
		}
	}
	if leadersCount == 0 {
		errors = append(errors, "No leader detected")
	}
	glog.V(1).Infof("%s has %d leader and %d followers", tabletStr, leadersCount, followersCount)

	majority := majoritySize(tableNumReplicas)
	if aliveCount < majority {
		errors = append(errors, fmt.Sprintf("%s does not have a majority of replicas on live tablet servers", tabletStr))
	} else if runningCount < majority {
		errors = append(errors, fmt.Sprintf("%s does not have a majority of replicas in RUNNING state", tabletStr))
	}

	hasIssues := len(warnings) > 0 || len(errors) > 0
	if hasIssues {
		c.warn("Detected problems with %s", tabletStr)
		fmt.Fprintln(c.errSink, "------------------------------------------------------------")
		for _, s := range warnings {
			c.warn("%s", s)
		}
		for _, s := range errors {
			c.error("%s", s)
		}
		// Infos are only printed for tablets with issues, to reduce noise.
		for _, s := range infos {
			c.info("%s", s)
		}
		fmt.Fprintln(c.errSink)
	}

	return !hasIssues
}

func tsDescription(ts TabletServer) string {
	return fmt.Sprintf("%s (%s)", ts.UUID(), ts.Address())
}
