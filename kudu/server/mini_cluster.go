package server

import (
	"fmt"

	"github.com/jimmy-src/kudu/kudu/api"
)

// MiniCluster bundles a master and a set of tablet servers listening on
// loopback ports.
type MiniCluster struct {
	Master        *MasterServer
	TabletServers []*TabletServer
}

// StartMiniCluster starts a master and numTabletServers tablet servers on
// 127.0.0.1 with ephemeral ports and registers the servers with the master.
func StartMiniCluster(numTabletServers int) (*MiniCluster, error) {
	cluster := &MiniCluster{
		Master: NewMasterServer(),
	}
	if _, err := cluster.Master.Start("127.0.0.1:0"); err != nil {
		return nil, fmt.Errorf("start master: %v", err)
	}
	for i := 0; i < numTabletServers; i++ {
		ts := NewTabletServer()
		address, err := ts.Start("127.0.0.1:0")
		if err != nil {
			cluster.Shutdown()
			return nil, fmt.Errorf("start tablet server %d: %v", i, err)
		}
		cluster.Master.RegisterTabletServer(ts.UUID(), address)
		cluster.TabletServers = append(cluster.TabletServers, ts)
	}
	return cluster, nil
}

// CreateTable creates a table whose tablets are replicated round-robin over
// the tablet servers, each replica loaded with the same deterministic rows.
func (mc *MiniCluster) CreateTable(name string, numTablets, numReplicas, rowsPerTablet int) error {
	if numReplicas > len(mc.TabletServers) {
		return fmt.Errorf("table %s wants %d replicas but the cluster has %d tablet servers",
			name, numReplicas, len(mc.TabletServers))
	}
	schema := []byte(fmt.Sprintf(`{"table":%q,"columns":["key","value"]}`, name))
	mc.Master.AddTable(name, schema, numReplicas)

	for t := 0; t < numTablets; t++ {
		tabletID := fmt.Sprintf("%s-tablet-%04d", name, t)
		rows := make([]string, 0, rowsPerTablet)
		for r := 0; r < rowsPerTablet; r++ {
			rows = append(rows, fmt.Sprintf("%s|%08d|value-%d", tabletID, r, r))
		}

		var replicas []api.ReplicaInfo
		for r := 0; r < numReplicas; r++ {
			ts := mc.TabletServers[(t+r)%len(mc.TabletServers)]
			role := "FOLLOWER"
			if r == 0 {
				role = "LEADER"
			}
			replicas = append(replicas, api.ReplicaInfo{
				TabletServerUUID: ts.UUID(),
				Role:             role,
			})
			ts.AddReplica(tabletID, rows)
		}
		mc.Master.AddTablet(name, tabletID, replicas)
	}
	return nil
}

func (mc *MiniCluster) Shutdown() {
	for _, ts := range mc.TabletServers {
		ts.Shutdown()
	}
	if mc.Master != nil {
		mc.Master.Shutdown()
	}
}
