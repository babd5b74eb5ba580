package client

import (
	"context"
	"fmt"
	"sync"

	"go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

/*
Connection to one endpoint along with the etcd services bound to it.
A session is never repointed: failing over replaces it with a new one.
*/
type Session struct {
	Endpoint Endpoint
	KV       etcdserverpb.KVClient
	Lease    etcdserverpb.LeaseClient
	Watch    etcdserverpb.WatchClient
	Cluster  etcdserverpb.ClusterClient
	conn     *grpc.ClientConn

	mu       sync.Mutex
	//Calls and streams holding the session, see acquire
	inFlight int
	retired  bool
}

func dialSession(ctx context.Context, endpoint Endpoint, dialOpts []grpc.DialOption) (*Session, error) {
	conn, err := grpc.DialContext(ctx, endpoint.Address(), dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("Failed to dial etcd endpoint %s: %w", endpoint.Address(), err)
	}

	return &Session{
		Endpoint: endpoint,
		KV:       etcdserverpb.NewKVClient(conn),
		Lease:    etcdserverpb.NewLeaseClient(conn),
		Watch:    etcdserverpb.NewWatchClient(conn),
		Cluster:  etcdserverpb.NewClusterClient(conn),
		conn:     conn,
	}, nil
}

func (sess *Session) Close() error {
	return sess.conn.Close()
}

func (sess *Session) acquire() {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.inFlight++
}

/*
Releases a reference taken by the session holder's current.
The connection of a retired session is closed along with its last reference.
*/
func (sess *Session) release() {
	sess.mu.Lock()
	sess.inFlight--
	closeConn := sess.retired && sess.inFlight == 0
	sess.mu.Unlock()

	if closeConn {
		sess.Close()
	}
}

/*
Marks the session as replaced. Calls already dispatched on it run to completion
and the connection is closed when the last of them releases it.
*/
func (sess *Session) retire() {
	sess.mu.Lock()
	sess.retired = true
	closeConn := sess.inFlight == 0
	sess.mu.Unlock()

	if closeConn {
		sess.Close()
	}
}

type dialFunc func(endpoint Endpoint) (*Session, error)

/*
Owns the single live session of a client.
*/
type sessionHolder struct {
	mu       sync.Mutex
	live     *Session
	closed   bool
	registry EndpointRegistry
	dial     dialFunc
	logger   *zap.Logger
	metrics  *Metrics
}

/*
Returns the live session, dialing the registry's current endpoint if there is none.
The session is acquired for the caller, which must release it once its call or stream is over.
*/
func (h *sessionHolder) current() (*Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrClientClosed
	}

	if h.live != nil {
		h.live.acquire()
		return h.live, nil
	}

	endpoint, ok := h.registry.Current()
	if !ok {
		var err error
		endpoint, err = h.registry.Select()
		if err != nil {
			return nil, err
		}
	}

	sess, err := h.dial(endpoint)
	if err != nil {
		return nil, err
	}
	h.logger.Debug("opened session", zap.String("endpoint", endpoint.Address()))
	h.live = sess
	sess.acquire()
	return sess, nil
}

/*
Discards the failed session and selects a new endpoint for the next one.
Does nothing if the failed session was already replaced by another caller.
*/
func (h *sessionHolder) failover(failed *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed || failed == nil || h.live != failed {
		return
	}

	h.live = nil
	h.metrics.Failovers.Inc()

	endpoint, err := h.registry.Select()
	if err != nil {
		h.logger.Error("failed to select a new endpoint", zap.String("failed_endpoint", failed.Endpoint.Address()), zap.Error(err))
	} else {
		h.logger.Warn("failing over", zap.String("failed_endpoint", failed.Endpoint.Address()), zap.String("endpoint", endpoint.Address()))
	}

	failed.retire()
}

func (h *sessionHolder) close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	if h.live != nil {
		h.live.Close()
		h.live = nil
	}
}
