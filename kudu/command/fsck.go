package command

import (
	"errors"
	"flag"
	"time"

	"github.com/golang/glog"

	"github.com/jimmy-src/kudu/kudu/client"
	"github.com/jimmy-src/kudu/kudu/fsck"
	"github.com/jimmy-src/kudu/kudu/util"
)

func init() {
	cmdFsck.Run = runFsck // break init cycle
	cmdFsck.Flag.Var(&fsckTables, "tables", "glob pattern of table names to check, repeatable; default is all tables")
	cmdFsck.Flag.Var(&fsckTablets, "tablets", "glob pattern of tablet ids to check, repeatable; default is all tablets")
}

var cmdFsck = &Command{
	UsageLine: "fsck -master=localhost:8765 [-tables=<glob>] [-tablets=<glob>] [-checksum]",
	Short:     "check cluster metadata and, optionally, data consistency",
	Long: `Fsck verifies that every tablet of every matching table satisfies its
  replication contract: the configured replica count, a leader, a majority of
  live and RUNNING replicas, and agreement between the master's view and each
  tablet server's local view.

  With -checksum, it additionally scans every tablet replica and compares the
  resulting checksums, so byte-level divergence between replicas is detected.

  Defaults for the checksum flags can also be set in an optional fsck.toml
  read from ., $HOME/.kudu/, /usr/local/etc/kudu/ or /etc/kudu/.

  The exit status is 0 only if every phase passed.

  `,
}

var (
	fsckMaster            = cmdFsck.Flag.String("master", "localhost:8765", "master address")
	fsckChecksum          = cmdFsck.Flag.Bool("checksum", false, "also run checksum scans over all matching tablet replicas")
	fsckTimeoutSec        = cmdFsck.Flag.Int("checksum_timeout_sec", 3600, "maximum total seconds to wait for a checksum scan to complete before timing out")
	fsckScanConcurrency   = cmdFsck.Flag.Int("checksum_scan_concurrency", 4, "number of concurrent checksum scans to execute per tablet server")
	fsckSnapshot          = cmdFsck.Flag.Bool("checksum_snapshot", true, "should the checksum scanner use a snapshot scan")
	fsckSnapshotTimestamp = cmdFsck.Flag.Uint64("checksum_snapshot_timestamp", 0, "timestamp to use for snapshot checksum scans, defaults to 0, which uses the current timestamp of a tablet server involved in the scan")
	fsckFetchConcurrency  = cmdFsck.Flag.Int("fetch_replica_info_concurrency", 20, "number of concurrent tablet servers to fetch replica info from")
	fsckTables            listFlag
	fsckTablets           listFlag
)

func runFsck(cmd *Command, args []string) bool {
	if len(args) != 0 {
		cmd.Usage()
	}

	util.LoadConfiguration("fsck", false)
	applyFsckConfig(cmd)

	master := client.NewMasterClient(*fsckMaster)
	cluster := fsck.NewCluster(master)
	checker := fsck.NewChecker(cluster)
	checker.FetchConcurrency = *fsckFetchConcurrency
	checker.SetTableFilters(fsckTables)
	checker.SetTabletIDFilters(fsckTablets)

	ok := true
	if err := checker.CheckMasterRunning(); err != nil {
		glog.Errorf("master is not reachable: %v", err)
		return false
	}
	if err := checker.FetchTableAndTabletInfo(); err != nil {
		glog.Errorf("fetching the cluster topology failed: %v", err)
		return false
	}
	if err := checker.FetchInfoFromTabletServers(); err != nil {
		// Partial snapshots are still worth checking; the verifier will
		// report the unreachable servers' replicas.
		glog.Errorf("fetching info from the tablet servers failed: %v", err)
		ok = false
	}
	if err := checker.CheckTablesConsistency(); err != nil {
		glog.Errorf("table consistency check failed: %v", err)
		ok = false
	}

	if *fsckChecksum {
		opts := fsck.ChecksumOptions{
			Timeout:           time.Duration(*fsckTimeoutSec) * time.Second,
			ScanConcurrency:   *fsckScanConcurrency,
			UseSnapshot:       *fsckSnapshot,
			SnapshotTimestamp: *fsckSnapshotTimestamp,
		}
		if err := checker.ChecksumData(opts); err != nil {
			glog.Errorf("checksum scan failed: %v", err)
			if errors.Is(err, fsck.ErrTimedOut) {
				glog.Errorf("in-flight scans are abandoned, their late results are discarded")
			}
			ok = false
		}
	}

	if !ok {
		return false
	}
	glog.V(0).Infof("cluster at %s is consistent", *fsckMaster)
	return true
}

// applyFsckConfig lets fsck.toml override the built-in defaults of the
// checksum flags. Flags passed on the command line always win.
func applyFsckConfig(cmd *Command) {
	v := util.GetViper()
	v.SetDefault("checksum.timeout_sec", 3600)
	v.SetDefault("checksum.scan_concurrency", 4)
	v.SetDefault("checksum.snapshot", true)
	v.SetDefault("checksum.snapshot_timestamp", uint64(0))
	v.SetDefault("fetch.replica_info_concurrency", 20)

	passed := make(map[string]bool)
	cmd.Flag.Visit(func(f *flag.Flag) {
		passed[f.Name] = true
	})
	if !passed["checksum_timeout_sec"] {
		*fsckTimeoutSec = v.GetInt("checksum.timeout_sec")
	}
	if !passed["checksum_scan_concurrency"] {
		*fsckScanConcurrency = v.GetInt("checksum.scan_concurrency")
	}
	if !passed["checksum_snapshot"] {
		*fsckSnapshot = v.GetBool("checksum.snapshot")
	}
	if !passed["checksum_snapshot_timestamp"] {
		*fsckSnapshotTimestamp = v.GetUint64("checksum.snapshot_timestamp")
	}
	if !passed["fetch_replica_info_concurrency"] {
		*fsckFetchConcurrency = v.GetInt("fetch.replica_info_concurrency")
	}
}
