package fsck

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncBuffer makes a bytes.Buffer safe for the concurrent warns emitted
// during the fetch fan-out.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestChecker(cluster *Cluster) (*Checker, *syncBuffer, *syncBuffer) {
	out := &syncBuffer{}
	errSink := &syncBuffer{}
	checker := NewChecker(cluster)
	checker.SetSinks(out, errSink)
	return checker, out, errSink
}

func fetchAll(t *testing.T, checker *Checker) {
	t.Helper()
	require.NoError(t, checker.FetchTableAndTabletInfo())
	require.NoError(t, checker.FetchInfoFromTabletServers())
}

func TestCheckMasterRunning(t *testing.T) {
	cluster, _ := threeNodeCluster()
	checker, _, errSink := newTestChecker(cluster)

	require.NoError(t, checker.CheckMasterRunning())
	assert.Contains(t, errSink.String(), "INFO: Connected to the Master")
}

func TestCheckMasterRunningUnreachable(t *testing.T) {
	cluster := NewCluster(&fakeMaster{connectErr: errors.New("connection refused")})
	checker, _, _ := newTestChecker(cluster)

	assert.Error(t, checker.CheckMasterRunning())
}

func TestCleanClusterMetadata(t *testing.T) {
	cluster, _ := threeNodeCluster()
	checker, _, errSink := newTestChecker(cluster)
	fetchAll(t, checker)

	require.NoError(t, checker.CheckTablesConsistency())
	assert.Contains(t, errSink.String(), "Table t1 is HEALTHY (1 tablets checked)")
	assert.Contains(t, errSink.String(), "The metadata for 1 table(s) is HEALTHY")
	assert.NotContains(t, errSink.String(), "OK state", "infos are suppressed for clean tablets")
}

func TestMissingLeader(t *testing.T) {
	cluster, _ := threeNodeCluster()
	for _, replica := range clusterTablet(cluster).Replicas {
		replica.Role = RoleFollower
	}
	checker, _, errSink := newTestChecker(cluster)
	fetchAll(t, checker)

	err := checker.CheckTablesConsistency()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCorruption))
	assert.Contains(t, errSink.String(), "ERROR: No leader detected")
}

func TestNoLeaderErrorEvenWhenAllRunning(t *testing.T) {
	// Every replica RUNNING, but no leader: still an error.
	cluster, servers := threeNodeCluster()
	for _, ts := range servers {
		assert.Equal(t, StateRunning, ts.statuses["abc"].State)
	}
	for _, replica := range clusterTablet(cluster).Replicas {
		replica.Role = RoleFollower
	}
	checker, _, _ := newTestChecker(cluster)
	fetchAll(t, checker)

	assert.True(t, errors.Is(checker.CheckTablesConsistency(), ErrCorruption))
}

func TestUnavailableTabletServer(t *testing.T) {
	cluster, servers := threeNodeCluster()
	servers["u3"].fetchErr = errors.New("connection timed out")
	checker, _, errSink := newTestChecker(cluster)
	require.NoError(t, checker.FetchTableAndTabletInfo())

	err := checker.FetchInfoFromTabletServers()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNetwork))
	assert.Contains(t, errSink.String(), "Fetched info from 2 Tablet Servers, 1 weren't reachable")

	// The partial snapshot is still checkable; the unreachable server's
	// replica is a warning, and any warning makes the tablet bad.
	err = checker.CheckTablesConsistency()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCorruption))
	assert.Contains(t, errSink.String(), "Should have a replica on TS u3 (ts3:7050), but TS is unavailable")
}

func TestFetchNoTabletServers(t *testing.T) {
	master := &fakeMaster{
		tables:  []*Table{{Name: "t1", NumReplicas: 1}},
		servers: map[string]TabletServer{},
	}
	cluster := NewCluster(master)
	checker, _, _ := newTestChecker(cluster)
	require.NoError(t, checker.FetchTableAndTabletInfo())

	assert.True(t, errors.Is(checker.FetchInfoFromTabletServers(), ErrNotFound))
}

func TestFetchManyServersWithSmallPool(t *testing.T) {
	servers := make(map[string]TabletServer)
	fakes := make([]*fakeTabletServer, 0, 30)
	for i := 0; i < 30; i++ {
		ts := newFakeTabletServer(fmt.Sprintf("u%02d", i), fmt.Sprintf("ts%02d:7050", i))
		servers[ts.uuid] = ts
		fakes = append(fakes, ts)
	}
	master := &fakeMaster{tables: []*Table{}, servers: servers}
	cluster := NewCluster(master)
	checker, _, _ := newTestChecker(cluster)
	checker.FetchConcurrency = 5
	require.NoError(t, checker.FetchTableAndTabletInfo())

	require.NoError(t, checker.FetchInfoFromTabletServers())
	for _, ts := range fakes {
		assert.True(t, ts.IsHealthy())
	}
}

func TestReplicaCountWarning(t *testing.T) {
	cluster, _ := threeNodeCluster()
	tablet := clusterTablet(cluster)
	tablet.Replicas = tablet.Replicas[:2]
	checker, _, errSink := newTestChecker(cluster)
	fetchAll(t, checker)

	err := checker.CheckTablesConsistency()
	assert.True(t, errors.Is(err, ErrCorruption))
	assert.Contains(t, errSink.String(), "Tablet abc of table 't1' has 2 instead of 3 replicas")
}

func TestReplicaCountCheckDisabled(t *testing.T) {
	cluster, _ := threeNodeCluster()
	tablet := clusterTablet(cluster)
	tablet.Replicas = tablet.Replicas[:2]
	checker, _, _ := newTestChecker(cluster)
	checker.CheckReplicaCount = false
	fetchAll(t, checker)

	// Two healthy RUNNING replicas out of R=3 still form a majority, and the
	// leader is present, so without the count check the tablet is clean.
	assert.NoError(t, checker.CheckTablesConsistency())
}

func TestMissingReplicaOnTabletServer(t *testing.T) {
	cluster, servers := threeNodeCluster()
	delete(servers["u2"].statuses, "abc")
	checker, _, errSink := newTestChecker(cluster)
	fetchAll(t, checker)

	err := checker.CheckTablesConsistency()
	assert.True(t, errors.Is(err, ErrCorruption))
	assert.Contains(t, errSink.String(), "Missing a tablet replica on tablet server u2 (ts2:7050)")
}

func TestBadStateWarningIncludesStatus(t *testing.T) {
	cluster, servers := threeNodeCluster()
	servers["u2"].statuses["abc"] = TabletStatus{
		State:      StateFailed,
		LastStatus: "unable to open log segment",
		DataState:  "TABLET_DATA_TOMBSTONED",
	}
	checker, _, errSink := newTestChecker(cluster)
	fetchAll(t, checker)

	err := checker.CheckTablesConsistency()
	assert.True(t, errors.Is(err, ErrCorruption))
	diag := errSink.String()
	assert.Contains(t, diag, "Bad state on TS u2 (ts2:7050): FAILED")
	assert.Contains(t, diag, "Last status: unable to open log segment")
	assert.Contains(t, diag, "Data state:  TABLET_DATA_TOMBSTONED")
	// Infos for the running replicas show up because the tablet has issues.
	assert.Contains(t, diag, "OK state on TS u1 (ts1:7050): RUNNING")
}

func TestNoMajorityRunning(t *testing.T) {
	cluster, servers := threeNodeCluster()
	servers["u2"].statuses["abc"] = TabletStatus{State: StateBootstrapping}
	servers["u3"].statuses["abc"] = TabletStatus{State: StateBootstrapping}
	checker, _, errSink := newTestChecker(cluster)
	fetchAll(t, checker)

	err := checker.CheckTablesConsistency()
	assert.True(t, errors.Is(err, ErrCorruption))
	assert.Contains(t, errSink.String(),
		"Tablet abc of table 't1' does not have a majority of replicas in RUNNING state")
}

func TestNoMajorityAlive(t *testing.T) {
	cluster, servers := threeNodeCluster()
	servers["u2"].fetchErr = errors.New("down")
	servers["u3"].fetchErr = errors.New("down")
	checker, _, errSink := newTestChecker(cluster)
	require.NoError(t, checker.FetchTableAndTabletInfo())
	_ = checker.FetchInfoFromTabletServers()

	err := checker.CheckTablesConsistency()
	assert.True(t, errors.Is(err, ErrCorruption))
	assert.Contains(t, errSink.String(),
		"Tablet abc of table 't1' does not have a majority of replicas on live tablet servers")
}

func TestMajorityMath(t *testing.T) {
	expected := map[int]int{1: 1, 2: 2, 3: 2, 4: 3, 5: 3, 7: 4}
	for numReplicas, majority := range expected {
		assert.Equal(t, majority, majoritySize(numReplicas), "R=%d", numReplicas)
	}
}

func TestTableFilters(t *testing.T) {
	cluster, _ := threeNodeCluster()
	checker, _, errSink := newTestChecker(cluster)
	fetchAll(t, checker)

	checker.SetTableFilters([]string{"nope*"})
	require.NoError(t, checker.CheckTablesConsistency())
	assert.Contains(t, errSink.String(), "The cluster doesn't have any matching tables")
}

func TestFilterMonotonicity(t *testing.T) {
	// Table t1 has a bad tablet abc (no leader) and a clean tablet def.
	cluster, servers := threeNodeCluster()
	for _, replica := range clusterTablet(cluster).Replicas {
		replica.Role = RoleFollower
	}
	master := cluster.Master().(*fakeMaster)
	table := master.tables[0]
	clean := &Tablet{
		ID:    "def",
		Table: table,
		Replicas: []*Replica{
			{TabletServerUUID: "u1", Role: RoleLeader},
			{TabletServerUUID: "u2", Role: RoleFollower},
			{TabletServerUUID: "u3", Role: RoleFollower},
		},
	}
	master.tablets["t1"] = append(master.tablets["t1"], clean)
	for _, ts := range servers {
		ts.statuses["def"] = TabletStatus{State: StateRunning}
	}

	checker, _, _ := newTestChecker(cluster)
	fetchAll(t, checker)

	// Unfiltered: unhealthy.
	require.Error(t, checker.CheckTablesConsistency())

	// Narrowing to a set that still contains the bad tablet stays unhealthy.
	checker.SetTabletIDFilters([]string{"abc"})
	require.Error(t, checker.CheckTablesConsistency())
	checker.SetTabletIDFilters([]string{"a?c", "def"})
	require.Error(t, checker.CheckTablesConsistency())
}

func TestTabletFilterNoMatches(t *testing.T) {
	cluster, _ := threeNodeCluster()
	checker, _, errSink := newTestChecker(cluster)
	fetchAll(t, checker)

	checker.SetTabletIDFilters([]string{"zzz*"})
	require.NoError(t, checker.CheckTablesConsistency())
	assert.Contains(t, errSink.String(), "Table t1 has 0 matching tablets")
}

// clusterTablet returns the single tablet of the canonical test topology.
func clusterTablet(cluster *Cluster) *Tablet {
	return cluster.Master().(*fakeMaster).tablets["t1"][0]
}
