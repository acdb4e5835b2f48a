package fsck

import (
	"fmt"
	"time"

	"github.com/golang/glog"
)

// ReplicaRole is the master's view of a replica's consensus role.
type ReplicaRole string

const (
	RoleLeader   ReplicaRole = "LEADER"
	RoleFollower ReplicaRole = "FOLLOWER"
	RoleLearner  ReplicaRole = "LEARNER"
)

// TabletState is a tablet server's local view of one of its replicas.
type TabletState string

const (
	StateUnknown       TabletState = "UNKNOWN"
	StateBootstrapping TabletState = "BOOTSTRAPPING"
	StateRunning       TabletState = "RUNNING"
	StateStopped       TabletState = "STOPPED"
	StateFailed        TabletState = "FAILED"
	StateTombstoned    TabletState = "TOMBSTONED"
)

// TabletStatus is one entry of a tablet server's local replica map.
type TabletStatus struct {
	State      TabletState
	LastStatus string
	DataState  string
}

// Table is one table of the cluster, read-only once fetched.
type Table struct {
	Name        string
	Schema      []byte // opaque, forwarded to the tablet server when a scan starts
	NumReplicas int
	Tablets     []*Tablet
}

// Tablet is one shard of a table.
type Tablet struct {
	ID       string
	Table    *Table
	Replicas []*Replica
}

// Replica is one copy of a tablet, identified by the hosting server's uuid.
type Replica struct {
	TabletServerUUID string
	Role             ReplicaRole
}

func (r *Replica) IsLeader() bool {
	return r.Role == RoleLeader
}

func (r *Replica) IsFollower() bool {
	return r.Role == RoleFollower
}

// Master lists the cluster topology. Implementations connect to the real
// metadata authority; tests substitute fakes.
type Master interface {
	// Connect verifies the master is reachable. Idempotent.
	Connect() error
	// RetrieveTablesList returns all tables, without their tablets.
	RetrieveTablesList() ([]*Table, error)
	// RetrieveTabletServers returns the tablet server directory keyed by uuid.
	RetrieveTabletServers() (map[string]TabletServer, error)
	// RetrieveTabletsList fills table.Tablets with the table's tablets and
	// their replicas.
	RetrieveTabletsList(table *Table) error
}

// ChecksumCallbacks receive updates from an asynchronous checksum scan. The
// tablet server client invokes them from its own goroutine; Finished is called
// exactly once per scan.
type ChecksumCallbacks interface {
	Progress(deltaRows, deltaBytes int64)
	Finished(err error, checksum uint64)
}

// TabletServer is the per-server surface the checker consumes.
type TabletServer interface {
	UUID() string
	Address() string
	// FetchInfo retrieves the server's replica map and current timestamp.
	// Success makes the server healthy; failure marks it unreachable.
	FetchInfo() error
	// IsHealthy reports whether FetchInfo succeeded.
	IsHealthy() bool
	// CurrentTimestamp is the server-reported timestamp captured by FetchInfo.
	CurrentTimestamp() uint64
	// ReplicaState looks up the server's local state for a tablet. Only valid
	// on a healthy server; unknown tablet ids map to StateUnknown.
	ReplicaState(tabletID string) TabletState
	TabletStatusMap() map[string]TabletStatus
	// RunTabletChecksumScanAsync starts a checksum scan and returns
	// immediately; callbacks fire as the scan progresses.
	RunTabletChecksumScanAsync(tabletID string, schema []byte, opts ChecksumOptions, callbacks ChecksumCallbacks)
}

// ChecksumOptions configure the checksum phase.
type ChecksumOptions struct {
	// Timeout bounds the entire checksum phase.
	Timeout time.Duration
	// ScanConcurrency is the max concurrent scans per tablet server.
	ScanConcurrency int
	UseSnapshot     bool
	// SnapshotTimestamp of CurrentTimestamp is resolved at scan time to the
	// current timestamp of the first healthy tablet server.
	SnapshotTimestamp uint64
}

// CurrentTimestamp asks for the snapshot timestamp to be resolved at runtime.
const CurrentTimestamp = uint64(0)

func NewChecksumOptions() ChecksumOptions {
	return ChecksumOptions{
		Timeout:           3600 * time.Second,
		ScanConcurrency:   4,
		UseSnapshot:       true,
		SnapshotTimestamp: CurrentTimestamp,
	}
}

// Cluster is the snapshot of tables, tablets, replicas and tablet servers the
// checks run against. It is frozen after FetchTableAndTabletInfo.
type Cluster struct {
	master        Master
	tables        []*Table
	tabletServers map[string]TabletServer
}

func NewCluster(master Master) *Cluster {
	return &Cluster{
		master: master,
	}
}

func (c *Cluster) Master() Master {
	return c.master
}

func (c *Cluster) Tables() []*Table {
	return c.tables
}

func (c *Cluster) TabletServers() map[string]TabletServer {
	return c.tabletServers
}

// FetchTableAndTabletInfo loads the whole topology from the master: the table
// list, the tablet server directory, and each table's tablets. These calls are
// serialized; only the later per-server probe fans out.
func (c *Cluster) FetchTableAndTabletInfo() error {
	if err := c.master.Connect(); err != nil {
		return err
	}
	tables, err := c.master.RetrieveTablesList()
	if err != nil {
		return fmt.Errorf("retrieve tables list: %v", err)
	}
	c.tables = tables
	servers, err := c.master.RetrieveTabletServers()
	if err != nil {
		return fmt.Errorf("retrieve tablet servers: %v", err)
	}
	c.tabletServers = servers
	for _, table := range c.tables {
		glog.V(1).Infof("retrieving tablets for table %s", table.Name)
		if err := c.master.RetrieveTabletsList(table); err != nil {
			return fmt.Errorf("retrieve tablets of table %s: %v", table.Name, err)
		}
	}
	return nil
}
