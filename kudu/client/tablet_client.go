package client

import (
	"bufio"
	"bytes"
	"fmt"
	"net/http"
	"sync"

	"github.com/golang/glog"

	"github.com/jimmy-src/kudu/kudu/api"
	"github.com/jimmy-src/kudu/kudu/fsck"
)

type fetchState int

const (
	stateUnfetched fetchState = iota
	stateFetched
	stateUnreachable
)

// TabletServerClient talks to one tablet server. FetchInfo populates the
// replica map once; the snapshot is read-only afterwards.
type TabletServerClient struct {
	uuid       string
	address    string
	httpClient *http.Client

	mu               sync.Mutex
	state            fetchState
	currentTimestamp uint64
	tabletStatus     map[string]fsck.TabletStatus
}

func NewTabletServerClient(uuid, address string) *TabletServerClient {
	return &TabletServerClient{
		uuid:    uuid,
		address: address,
		httpClient: &http.Client{
			Timeout: defaultRequestTimeout,
		},
	}
}

func (tc *TabletServerClient) UUID() string {
	return tc.uuid
}

func (tc *TabletServerClient) Address() string {
	return tc.address
}

func (tc *TabletServerClient) FetchInfo() error {
	var status api.TabletServerStatus
	if err := getJSON(tc.httpClient, tc.address, api.TabletServerStatusPath, &status); err != nil {
		tc.mu.Lock()
		tc.state = stateUnreachable
		tc.mu.Unlock()
		return err
	}

	tablets := make(map[string]fsck.TabletStatus, len(status.Tablets))
	for tabletID, info := range status.Tablets {
		tablets[tabletID] = fsck.TabletStatus{
			State:      fsck.TabletState(info.State),
			LastStatus: info.LastStatus,
			DataState:  info.DataState,
		}
	}

	tc.mu.Lock()
	tc.state = stateFetched
	tc.currentTimestamp = status.CurrentTimestamp
	tc.tabletStatus = tablets
	tc.mu.Unlock()
	return nil
}

func (tc *TabletServerClient) IsHealthy() bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.state == stateFetched
}

func (tc *TabletServerClient) CurrentTimestamp() uint64 {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.currentTimestamp
}

func (tc *TabletServerClient) ReplicaState(tabletID string) fsck.TabletState {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.state != stateFetched {
		panic(fmt.Sprintf("ReplicaState called on tablet server %s before a successful FetchInfo", tc.uuid))
	}
	if status, ok := tc.tabletStatus[tabletID]; ok {
		return status.State
	}
	return fsck.StateUnknown
}

func (tc *TabletServerClient) TabletStatusMap() map[string]fsck.TabletStatus {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.tabletStatus
}

// RunTabletChecksumScanAsync starts the scan in its own goroutine. The server
// streams progress events line by line; the terminal event carries the
// checksum or the scan error.
func (tc *TabletServerClient) RunTabletChecksumScanAsync(tabletID string, schema []byte, opts fsck.ChecksumOptions, callbacks fsck.ChecksumCallbacks) {
	go func() {
		checksum, err := tc.runChecksumScan(tabletID, schema, opts, callbacks)
		callbacks.Finished(err, checksum)
	}()
}

func (tc *TabletServerClient) runChecksumScan(tabletID string, schema []byte, opts fsck.ChecksumOptions, callbacks fsck.ChecksumCallbacks) (uint64, error) {
	request := api.ChecksumRequest{
		TabletID:          tabletID,
		Schema:            schema,
		UseSnapshot:       opts.UseSnapshot,
		SnapshotTimestamp: opts.SnapshotTimestamp,
	}
	body, err := json.Marshal(request)
	if err != nil {
		return 0, err
	}

	// Scans run under the phase-wide deadline managed by the caller, not the
	// per-request timeout used for the small metadata calls.
	scanClient := &http.Client{}
	resp, err := scanClient.Post("http://"+tc.address+api.TabletServerChecksumPath, "application/json", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("checksum scan of %s on %s: unexpected status %s", tabletID, tc.uuid, resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var event api.ChecksumEvent
		if err := json.Unmarshal(line, &event); err != nil {
			return 0, fmt.Errorf("checksum scan of %s on %s: bad event %q: %v", tabletID, tc.uuid, string(line), err)
		}
		if !event.Done {
			callbacks.Progress(event.Rows, event.Bytes)
			continue
		}
		if event.Error != "" {
			return 0, fmt.Errorf("%s", event.Error)
		}
		glog.V(1).Infof("checksum scan of %s on %s finished: %d", tabletID, tc.uuid, event.Checksum)
		return event.Checksum, nil
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("checksum scan of %s on %s: stream ended without a terminal event", tabletID, tc.uuid)
}
