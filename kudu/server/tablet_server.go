// Package server is an in-process master + tablet server pair speaking the
// same HTTP/JSON surface as a real cluster. The mini command runs it for
// demos; the end-to-end tests drive the checker against it.
package server

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"

	"github.com/jimmy-src/kudu/kudu/api"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const progressBatchRows = 100

type tabletReplica struct {
	status api.TabletStatusInfo
	rows   []string

	// Fault injection for the failure-path tests.
	scanError        string
	checksumOverride *uint64
}

// TabletServer hosts tablet replicas with synthetic row data.
type TabletServer struct {
	uuid    string
	address string

	mu               sync.Mutex
	currentTimestamp uint64
	replicas         map[string]*tabletReplica
	scanDelay        time.Duration

	httpServer *http.Server
	listener   net.Listener
}

func NewTabletServer() *TabletServer {
	return &TabletServer{
		uuid:             uuid.NewString(),
		currentTimestamp: uint64(time.Now().UnixMicro()),
		replicas:         make(map[string]*tabletReplica),
	}
}

func (ts *TabletServer) UUID() string {
	return ts.uuid
}

// Address is the listen address after Start.
func (ts *TabletServer) Address() string {
	return ts.address
}

func (ts *TabletServer) SetCurrentTimestamp(timestamp uint64) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.currentTimestamp = timestamp
}

// AddReplica hosts a RUNNING replica with the given rows.
func (ts *TabletServer) AddReplica(tabletID string, rows []string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.replicas[tabletID] = &tabletReplica{
		status: api.TabletStatusInfo{
			State:     "RUNNING",
			DataState: "TABLET_DATA_READY",
		},
		rows: rows,
	}
}

// SetReplicaStatus overrides the local state the server reports for a tablet.
func (ts *TabletServer) SetReplicaStatus(tabletID string, status api.TabletStatusInfo) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	replica, ok := ts.replicas[tabletID]
	if !ok {
		replica = &tabletReplica{}
		ts.replicas[tabletID] = replica
	}
	replica.status = status
}

func (ts *TabletServer) RemoveReplica(tabletID string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	delete(ts.replicas, tabletID)
}

// FailScans makes every scan of the tablet return the given error.
func (ts *TabletServer) FailScans(tabletID string, message string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if replica, ok := ts.replicas[tabletID]; ok {
		replica.scanError = message
	}
}

// OverrideChecksum forces the checksum the tablet's scans report, to fake a
// corrupt replica.
func (ts *TabletServer) OverrideChecksum(tabletID string, checksum uint64) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if replica, ok := ts.replicas[tabletID]; ok {
		replica.checksumOverride = &checksum
	}
}

// SetScanDelay slows every scan down, to exercise deadlines.
func (ts *TabletServer) SetScanDelay(delay time.Duration) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.scanDelay = delay
}

func (ts *TabletServer) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc(api.TabletServerStatusPath, ts.statusHandler).Methods(http.MethodGet)
	router.HandleFunc(api.TabletServerChecksumPath, ts.checksumHandler).Methods(http.MethodPost)
	return router
}

// Start listens on bindAddress ("host:0" picks a free port) and serves until
// Shutdown. Returns the bound address.
func (ts *TabletServer) Start(bindAddress string) (string, error) {
	listener, err := net.Listen("tcp", bindAddress)
	if err != nil {
		return "", err
	}
	ts.listener = listener
	ts.address = listener.Addr().String()
	ts.httpServer = &http.Server{Handler: ts.Handler()}
	go func() {
		if err := ts.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			glog.Warningf("tablet server %s: %v", ts.uuid, err)
		}
	}()
	glog.V(1).Infof("tablet server %s serving on %s", ts.uuid, ts.address)
	return ts.address, nil
}

func (ts *TabletServer) Shutdown() {
	if ts.httpServer != nil {
		_ = ts.httpServer.Close()
	}
}

func (ts *TabletServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	ts.mu.Lock()
	status := api.TabletServerStatus{
		UUID:             ts.uuid,
		CurrentTimestamp: ts.currentTimestamp,
		Tablets:          make(map[string]api.TabletStatusInfo, len(ts.replicas)),
	}
	for tabletID, replica := range ts.replicas {
		status.Tablets[tabletID] = replica.status
	}
	ts.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		glog.Warningf("tablet server %s: encode status: %v", ts.uuid, err)
	}
}

// checksumHandler streams progress events followed by one terminal event.
func (ts *TabletServer) checksumHandler(w http.ResponseWriter, r *http.Request) {
	var request api.ChecksumRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ts.mu.Lock()
	replica, hosted := ts.replicas[request.TabletID]
	var rows []string
	var scanError string
	var override *uint64
	delay := ts.scanDelay
	if hosted {
		rows = replica.rows
		scanError = replica.scanError
		override = replica.checksumOverride
	}
	ts.mu.Unlock()

	w.Header().Set("Content-Type", "application/x-ndjson")
	encoder := json.NewEncoder(w)
	flusher, _ := w.(http.Flusher)
	emit := func(event api.ChecksumEvent) {
		_ = encoder.Encode(event)
		if flusher != nil {
			flusher.Flush()
		}
	}

	if delay > 0 {
		time.Sleep(delay)
	}
	if !hosted {
		emit(api.ChecksumEvent{Done: true, Error: "tablet not found: " + request.TabletID})
		return
	}
	if scanError != "" {
		emit(api.ChecksumEvent{Done: true, Error: scanError})
		return
	}

	glog.V(1).Infof("tablet server %s scanning %s at snapshot %d", ts.uuid, request.TabletID, request.SnapshotTimestamp)
	digest := xxhash.New()
	var batchRows, batchBytes int64
	for _, row := range rows {
		_, _ = digest.WriteString(row)
		_, _ = digest.Write([]byte{'\n'})
		batchRows++
		batchBytes += int64(len(row)) + 1
		if batchRows == progressBatchRows {
			emit(api.ChecksumEvent{Rows: batchRows, Bytes: batchBytes})
			batchRows, batchBytes = 0, 0
		}
	}
	if batchRows > 0 {
		emit(api.ChecksumEvent{Rows: batchRows, Bytes: batchBytes})
	}

	checksum := digest.Sum64()
	if override != nil {
		checksum = *override
	}
	emit(api.ChecksumEvent{Done: true, Checksum: checksum})
}
