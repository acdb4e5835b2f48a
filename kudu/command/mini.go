package command

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/golang/glog"

	"github.com/jimmy-src/kudu/kudu/client"
	"github.com/jimmy-src/kudu/kudu/fsck"
	"github.com/jimmy-src/kudu/kudu/server"
)

func init() {
	cmdMini.Run = runMini // break init cycle
}

var cmdMini = &Command{
	UsageLine: "mini [-servers=3] [-tables=2] [-tablets=4] [-rows=1000]",
	Short:     "start an in-process demo cluster and fsck it",
	Long: `Mini starts a master and a set of tablet servers inside this process,
  loads them with synthetic tables, and then runs the full consistency check
  against them, including checksum scans.

  With -corrupt, one replica's checksum is deliberately broken so the
  mismatch reporting can be seen end to end.

  `,
}

var (
	miniServers = cmdMini.Flag.Int("servers", 3, "number of tablet servers to start")
	miniTables  = cmdMini.Flag.Int("tables", 2, "number of tables to create")
	miniTablets = cmdMini.Flag.Int("tablets", 4, "number of tablets per table")
	miniRows    = cmdMini.Flag.Int("rows", 1000, "number of rows per tablet replica")
	miniCorrupt = cmdMini.Flag.Bool("corrupt", false, "break one replica's checksum to demonstrate mismatch reporting")
)

func runMini(cmd *Command, args []string) bool {
	if len(args) != 0 {
		cmd.Usage()
	}

	cluster, err := server.StartMiniCluster(*miniServers)
	if err != nil {
		glog.Errorf("starting the mini cluster: %v", err)
		return false
	}
	defer cluster.Shutdown()

	numReplicas := 3
	if numReplicas > *miniServers {
		numReplicas = *miniServers
	}
	for i := 0; i < *miniTables; i++ {
		name := fmt.Sprintf("demo_%d", i)
		if err := cluster.CreateTable(name, *miniTablets, numReplicas, *miniRows); err != nil {
			glog.Errorf("creating table %s: %v", name, err)
			return false
		}
	}
	totalRows := int64(*miniTables) * int64(*miniTablets) * int64(numReplicas) * int64(*miniRows)
	fmt.Printf("mini cluster up: master at %s, %d tablet servers, %s rows loaded\n",
		cluster.Master.Address(), *miniServers, humanize.Comma(totalRows))

	if *miniCorrupt {
		victim := cluster.TabletServers[0]
		victim.OverrideChecksum("demo_0-tablet-0000", 0xdead)
		fmt.Printf("corrupted replica of demo_0-tablet-0000 on %s\n", victim.UUID())
	}

	master := client.NewMasterClient(cluster.Master.Address())
	checker := fsck.NewChecker(fsck.NewCluster(master))

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
		glog.Errorf("fetching info from the tablet servers failed: %v", err)
		ok = false
	}
	if err := checker.CheckTablesConsistency(); err != nil {
		glog.Errorf("table consistency check failed: %v", err)
		ok = false
	}
	opts := fsck.NewChecksumOptions()
	opts.Timeout = 5 * time.Minute
	if err := checker.ChecksumData(opts); err != nil {
		glog.Errorf("checksum scan failed: %v", err)
		ok = false
	}
	return ok
}
