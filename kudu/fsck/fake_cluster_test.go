package fsck

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// fakeMaster serves a canned topology.
type fakeMaster struct {
	connectErr error
	tables     []*Table
	servers    map[string]TabletServer
	tablets    map[string][]*Tablet // keyed by table name
}

func (m *fakeMaster) Connect() error {
	return m.connectErr
}

func (m *fakeMaster) RetrieveTablesList() ([]*Table, error) {
	return m.tables, nil
}

func (m *fakeMaster) RetrieveTabletServers() (map[string]TabletServer, error) {
	return m.servers, nil
}

func (m *fakeMaster) RetrieveTabletsList(table *Table) error {
	table.Tablets = m.tablets[table.Name]
	for _, tablet := range table.Tablets {
		tablet.Table = table
	}
	return nil
}

// fakeScan configures one replica scan on a fake tablet server.
type fakeScan struct {
	checksum uint64
	err      error
	rows     int64
	bytes    int64
	hang     bool // never report back, to exercise the deadline
}

// fakeTabletServer is an in-memory TabletServer with scripted scan outcomes.
type fakeTabletServer struct {
	uuid     string
	address  string
	fetchErr error

	mu        sync.Mutex
	healthy   bool
	timestamp uint64
	statuses  map[string]TabletStatus
	scans     map[string]fakeScan
	scanDelay time.Duration

	// Concurrency accounting for the scheduler cap tests.
	inFlight    atomic.Int32
	maxInFlight atomic.Int32

	// Snapshot timestamps the scans were invoked with.
	scanTimestamps   []uint64
	scanTimestampsMu sync.Mutex
}

func newFakeTabletServer(uuid, address string) *fakeTabletServer {
	return &fakeTabletServer{
		uuid:      uuid,
		address:   address,
		timestamp: 12345,
		statuses:  make(map[string]TabletStatus),
		scans:     make(map[string]fakeScan),
	}
}

func (f *fakeTabletServer) withRunning(tabletIDs ...string) *fakeTabletServer {
	for _, id := range tabletIDs {
		f.statuses[id] = TabletStatus{State: StateRunning, DataState: "TABLET_DATA_READY"}
	}
	return f
}

func (f *fakeTabletServer) withScan(tabletID string, scan fakeScan) *fakeTabletServer {
	f.scans[tabletID] = scan
	return f
}

func (f *fakeTabletServer) UUID() string    { return f.uuid }
func (f *fakeTabletServer) Address() string { return f.address }

func (f *fakeTabletServer) FetchInfo() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		f.healthy = false
		return f.fetchErr
	}
	f.healthy = true
	return nil
}

func (f *fakeTabletServer) IsHealthy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy
}

func (f *fakeTabletServer) CurrentTimestamp() uint64 {
	return f.timestamp
}

func (f *fakeTabletServer) ReplicaState(tabletID string) TabletState {
	if status, ok := f.statuses[tabletID]; ok {
		return status.State
	}
	return StateUnknown
}

func (f *fakeTabletServer) TabletStatusMap() map[string]TabletStatus {
	return f.statuses
}

func (f *fakeTabletServer) RunTabletChecksumScanAsync(tabletID string, schema []byte, opts ChecksumOptions, callbacks ChecksumCallbacks) {
	f.scanTimestampsMu.Lock()
	f.scanTimestamps = append(f.scanTimestamps, opts.SnapshotTimestamp)
	f.scanTimestampsMu.Unlock()

	go func() {
		current := f.inFlight.Add(1)
		for {
			max := f.maxInFlight.Load()
			if current <= max || f.maxInFlight.CompareAndSwap(max, current) {
				break
			}
		}
		defer f.inFlight.Add(-1)

		scan := f.scans[tabletID]
		if f.scanDelay > 0 {
			time.Sleep(f.scanDelay)
		}
		if scan.hang {
			return
		}
		if scan.rows > 0 || scan.bytes > 0 {
			callbacks.Progress(scan.rows, scan.bytes)
		}
		callbacks.Finished(scan.err, scan.checksum)
	}()
}

// threeNodeCluster builds the canonical test topology: table t1 with R=3, one
// tablet abc replicated on u1 (leader), u2 and u3, all RUNNING and returning
// checksum 42.
func threeNodeCluster() (*Cluster, map[string]*fakeTabletServer) {
	u1 := newFakeTabletServer("u1", "ts1:7050").withRunning("abc").withScan("abc", fakeScan{checksum: 42, rows: 10, bytes: 1024})
	u2 := newFakeTabletServer("u2", "ts2:7050").withRunning("abc").withScan("abc", fakeScan{checksum: 42, rows: 10, bytes: 1024})
	u3 := newFakeTabletServer("u3", "ts3:7050").withRunning("abc").withScan("abc", fakeScan{checksum: 42, rows: 10, bytes: 1024})

	table := &Table{Name: "t1", Schema: []byte(`{"cols":["k","v"]}`), NumReplicas: 3}
	tablet := &Tablet{
		ID: "abc",
		Replicas: []*Replica{
			{TabletServerUUID: "u1", Role: RoleLeader},
			{TabletServerUUID: "u2", Role: RoleFollower},
			{TabletServerUUID: "u3", Role: RoleFollower},
		},
	}

	master := &fakeMaster{
		tables:  []*Table{table},
		servers: map[string]TabletServer{"u1": u1, "u2": u2, "u3": u3},
		tablets: map[string][]*Tablet{"t1": {tablet}},
	}
	return NewCluster(master), map[string]*fakeTabletServer{"u1": u1, "u2": u2, "u3": u3}
}

var errScanFailed = errors.New("scan failed: tablet not running")
