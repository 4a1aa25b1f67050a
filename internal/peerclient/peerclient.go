// Package peerclient is the outbound half of the cluster's internal RPC
// surface: it dials (and caches) a gRPC connection per peer address and
// issues unary Request calls against the same RequestService the gateway
// clients use, implementing both cluster.Prober (liveness) and
// distro.PeerClient (anti-entropy verify/fetch).
package peerclient

import (
	"context"
	"encoding/json"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/batata-io/batata/api/batatapb"
	"github.com/batata-io/batata/internal/berrors"
	"github.com/batata-io/batata/internal/breaker"
	"github.com/batata-io/batata/internal/cluster/distro"
	"github.com/batata-io/batata/internal/dispatch"
)

// Client caches one gRPC client per peer address for the lifetime of the
// process; peers never change address without a new cluster membership
// event, so there is no eviction beyond Close.
type Client struct {
	mu    sync.Mutex
	conns map[string]*grpc.ClientConn

	breakers *breaker.Registry
}

// New returns a Client with no circuit breaking. Use NewWithBreaker to
// trip calls to an unreachable peer open instead of retrying every RPC.
func New() *Client {
	return &Client{conns: make(map[string]*grpc.ClientConn)}
}

// NewWithBreaker wraps every outbound call in breakers.For(addr), so a
// peer that starts failing stops taking the full RPC timeout on every
// one of the cluster prober's and Distro's independent call sites.
func NewWithBreaker(breakers *breaker.Registry) *Client {
	return &Client{conns: make(map[string]*grpc.ClientConn), breakers: breakers}
}

func (c *Client) clientFor(addr string) (batatapb.RequestServiceClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[addr]; ok {
		return batatapb.NewRequestServiceClient(conn), nil
	}
	conn, err := grpc.Dial(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, berrors.Upstream(err, "dial peer %s", addr)
	}
	c.conns[addr] = conn
	return batatapb.NewRequestServiceClient(conn), nil
}

func (c *Client) call(ctx context.Context, addr, reqType string, body interface{}, respType string, resp interface{}) error {
	var br *breaker.Breaker
	if c.breakers != nil {
		br = c.breakers.For(addr)
		if !br.Allow() {
			return berrors.Upstream(nil, "circuit open for peer %s", addr)
		}
	}

	err := c.doCall(ctx, addr, reqType, body, respType, resp)
	if br != nil {
		if err != nil {
			br.RecordFailure()
		} else {
			br.RecordSuccess()
		}
	}
	return err
}

func (c *Client) doCall(ctx context.Context, addr, reqType string, body interface{}, respType string, resp interface{}) error {
	cl, err := c.clientFor(addr)
	if err != nil {
		return err
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return berrors.Internal(err, "marshal peer request")
	}
	out, err := cl.Request(ctx, &batatapb.Payload{
		RequestId: reqType,
		Metadata:  &batatapb.Metadata{Type: reqType},
		Body:      buf,
	})
	if err != nil {
		return berrors.Upstream(err, "peer rpc %s to %s", reqType, addr)
	}
	if out.GetMetadata().GetType() != respType {
		return berrors.Upstream(nil, "peer rpc %s returned unexpected type %s", reqType, out.GetMetadata().GetType())
	}
	if len(out.GetBody()) == 0 {
		return nil
	}
	return json.Unmarshal(out.GetBody(), resp)
}

// Probe implements cluster.Prober with a bare server-check round trip.
func (c *Client) Probe(ctx context.Context, addr string) error {
	var resp dispatch.ServerCheckResponse
	return c.call(ctx, addr, dispatch.TypeServerCheckRequest, struct{}{}, dispatch.TypeServerCheckResponse, &resp)
}

// Verify implements distro.PeerClient.
func (c *Client) Verify(ctx context.Context, peerAddr string, dataType distro.DataType, versions map[string]uint64) ([]string, error) {
	var resp dispatch.DistroVerifyResponse
	req := dispatch.DistroVerifyRequest{DataType: string(dataType), Versions: versions}
	if err := c.call(ctx, peerAddr, dispatch.TypeDistroVerifyRequest, &req, dispatch.TypeDistroVerifyResponse, &resp); err != nil {
		return nil, err
	}
	return resp.StaleKeys, nil
}

// Fetch implements distro.PeerClient.
func (c *Client) Fetch(ctx context.Context, peerAddr string, dataType distro.DataType, keys []string) ([]distro.Data, error) {
	var resp dispatch.DistroFetchResponse
	req := dispatch.DistroFetchRequest{DataType: string(dataType), Keys: keys}
	if err := c.call(ctx, peerAddr, dispatch.TypeDistroFetchRequest, &req, dispatch.TypeDistroFetchResponse, &resp); err != nil {
		return nil, err
	}
	out := make([]distro.Data, 0, len(resp.Items))
	for _, it := range resp.Items {
		out = append(out, distro.Data{Type: dataType, Key: it.Key, Content: it.Content, Version: it.Version, Source: it.Source})
	}
	return out, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for addr, conn := range c.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.conns, addr)
	}
	return firstErr
}
