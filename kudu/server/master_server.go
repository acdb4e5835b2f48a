package server

import (
	"net"
	"net/http"
	"sync"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/jimmy-src/kudu/kudu/api"
)

// MasterServer is the metadata authority of the simulated cluster.
type MasterServer struct {
	uuid    string
	address string

	mu      sync.Mutex
	tables  []*api.TableInfo
	tablets map[string][]api.TabletInfo // keyed by table name
	servers []api.TabletServerInfo

	httpServer *http.Server
	listener   net.Listener
}

func NewMasterServer() *MasterServer {
	return &MasterServer{
		uuid:    uuid.NewString(),
		tablets: make(map[string][]api.TabletInfo),
	}
}

func (ms *MasterServer) Address() string {
	return ms.address
}

func (ms *MasterServer) AddTable(name string, schema []byte, numReplicas int) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.tables = append(ms.tables, &api.TableInfo{
		Name:        name,
		Schema:      schema,
		NumReplicas: numReplicas,
	})
}

func (ms *MasterServer) AddTablet(tableName, tabletID string, replicas []api.ReplicaInfo) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.tablets[tableName] = append(ms.tablets[tableName], api.TabletInfo{
		ID:       tabletID,
		Replicas: replicas,
	})
}

func (ms *MasterServer) RegisterTabletServer(serverUUID, address string) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.servers = append(ms.servers, api.TabletServerInfo{
		UUID:    serverUUID,
		Address: address,
	})
}

func (ms *MasterServer) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc(api.MasterPingPath, ms.pingHandler).Methods(http.MethodGet)
	router.HandleFunc(api.MasterTablesPath, ms.tablesHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/tables/{table}/tablets", ms.tabletsHandler).Methods(http.MethodGet)
	router.HandleFunc(api.MasterTabletServersPath, ms.tabletServersHandler).Methods(http.MethodGet)
	return router
}

func (ms *MasterServer) Start(bindAddress string) (string, error) {
	listener, err := net.Listen("tcp", bindAddress)
	if err != nil {
		return "", err
	}
	ms.listener = listener
	ms.address = listener.Addr().String()
	ms.httpServer = &http.Server{Handler: ms.Handler()}
	go func() {
		if err := ms.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			glog.Warningf("master server: %v", err)
		}
	}()
	glog.V(1).Infof("master server serving on %s", ms.address)
	return ms.address, nil
}

func (ms *MasterServer) Shutdown() {
	if ms.httpServer != nil {
		_ = ms.httpServer.Close()
	}
}

func (ms *MasterServer) pingHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, api.PingResponse{UUID: ms.uuid})
}

func (ms *MasterServer) tablesHandler(w http.ResponseWriter, r *http.Request) {
	ms.mu.Lock()
	tables := make([]api.TableInfo, 0, len(ms.tables))
	for _, table := range ms.tables {
		tables = append(tables, *table)
	}
	ms.mu.Unlock()
	writeJSON(w, tables)
}

func (ms *MasterServer) tabletsHandler(w http.ResponseWriter, r *http.Request) {
	tableName := mux.Vars(r)["table"]
	ms.mu.Lock()
	tablets, ok := ms.tablets[tableName]
	snapshot := make([]api.TabletInfo, len(tablets))
	copy(snapshot, tablets)
	ms.mu.Unlock()
	if !ok {
		http.Error(w, "table not found: "+tableName, http.StatusNotFound)
		return
	}
	writeJSON(w, snapshot)
}

func (ms *MasterServer) tabletServersHandler(w http.ResponseWriter, r *http.Request) {
	ms.mu.Lock()
	servers := make([]api.TabletServerInfo, len(ms.servers))
	copy(servers, ms.servers)
	ms.mu.Unlock()
	writeJSON(w, servers)
}

func writeJSON(w http.ResponseWriter, value interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(value); err != nil {
		glog.Warningf("encode response: %v", err)
	}
}
