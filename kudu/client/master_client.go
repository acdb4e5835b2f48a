// Package client implements the master and tablet server clients the checker
// drives, over the cluster's HTTP/JSON admin endpoints.
package client

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"
	jsoniter "github.com/json-iterator/go"

	"github.com/jimmy-src/kudu/kudu/api"
	"github.com/jimmy-src/kudu/kudu/fsck"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const defaultRequestTimeout = 30 * time.Second

// MasterClient talks to the master's admin endpoints.
type MasterClient struct {
	address    string
	httpClient *http.Client
}

func NewMasterClient(address string) *MasterClient {
	return &MasterClient{
		address: address,
		httpClient: &http.Client{
			Timeout: defaultRequestTimeout,
		},
	}
}

// Connect pings the master, retrying transient failures with exponential
// backoff before giving up.
func (mc *MasterClient) Connect() error {
	ping := func() error {
		var resp api.PingResponse
		if err := getJSON(mc.httpClient, mc.address, api.MasterPingPath, &resp); err != nil {
			glog.V(1).Infof("master %s not reachable yet: %v", mc.address, err)
			return err
		}
		glog.V(1).Infof("connected to master %s (uuid %s)", mc.address, resp.UUID)
		return nil
	}
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
	if err := backoff.Retry(ping, policy); err != nil {
		return fmt.Errorf("connect to master %s: %v", mc.address, err)
	}
	return nil
}

func (mc *MasterClient) RetrieveTablesList() ([]*fsck.Table, error) {
	var infos []api.TableInfo
	if err := getJSON(mc.httpClient, mc.address, api.MasterTablesPath, &infos); err != nil {
		return nil, err
	}
	tables := make([]*fsck.Table, 0, len(infos))
	for _, info := range infos {
		tables = append(tables, &fsck.Table{
			Name:        info.Name,
			Schema:      info.Schema,
			NumReplicas: info.NumReplicas,
		})
	}
	return tables, nil
}

func (mc *MasterClient) RetrieveTabletServers() (map[string]fsck.TabletServer, error) {
	var infos []api.TabletServerInfo
	if err := getJSON(mc.httpClient, mc.address, api.MasterTabletServersPath, &infos); err != nil {
		return nil, err
	}
	servers := make(map[string]fsck.TabletServer, len(infos))
	for _, info := range infos {
		servers[info.UUID] = NewTabletServerClient(info.UUID, info.Address)
	}
	return servers, nil
}

func (mc *MasterClient) RetrieveTabletsList(table *fsck.Table) error {
	path := fmt.Sprintf(api.MasterTabletsPathFormat, url.PathEscape(table.Name))
	var infos []api.TabletInfo
	if err := getJSON(mc.httpClient, mc.address, path, &infos); err != nil {
		return err
	}
	tablets := make([]*fsck.Tablet, 0, len(infos))
	for _, info := range infos {
		tablet := &fsck.Tablet{
			ID:    info.ID,
			Table: table,
		}
		for _, replica := range info.Replicas {
			tablet.Replicas = append(tablet.Replicas, &fsck.Replica{
				TabletServerUUID: replica.TabletServerUUID,
				Role:             fsck.ReplicaRole(replica.Role),
			})
		}
		tablets = append(tablets, tablet)
	}
	table.Tablets = tablets
	return nil
}

func getJSON(httpClient *http.Client, address, path string, result interface{}) error {
	requestURL := "http://" + address + path
	resp, err := httpClient.Get(requestURL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s: unexpected status %s: %s", requestURL, resp.Status, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(result)
}
