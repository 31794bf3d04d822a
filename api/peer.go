package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/pingcap/errors"

	"github.com/go-mysql-org/go-failover/failover"
)

// PeerClient reads a peer's master status from its /status endpoint. Peers
// are addressed by their MySQL address; the HTTP port is shared by the tier.
type PeerClient struct {
	client *http.Client
	port   int
}

func NewPeerClient(port int) *PeerClient {
	return &PeerClient{
		client: &http.Client{},
		port:   port,
	}
}

func (p *PeerClient) statusURL(addr string) (string, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return "", errors.Annotatef(err, "bad peer address %q", addr)
	}
	return fmt.Sprintf("http://%s/status", net.JoinHostPort(host, strconv.Itoa(p.port))), nil
}

// QueryPeerStatus returns the master status the peer publishes. Cancelling
// ctx aborts the request.
func (p *PeerClient) QueryPeerStatus(ctx context.Context, addr string) (int, error) {
	url, err := p.statusURL(addr)
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, errors.Trace(err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, errors.Trace(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, errors.Errorf("peer %s status: %s", addr, resp.Status)
	}

	var st failover.Status
	if err = json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return 0, errors.Annotatef(err, "decode status of %s", addr)
	}
	return st.MasterStatus, nil
}
