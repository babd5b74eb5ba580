package client

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Ferlab-Ste-Justine/etcd-session/keymodels"
	"go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.uber.org/zap"
)

type keepAlive struct {
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

/*
Tracks the leases kept alive by the client, each one renewed by its own loop.
*/
type leaseKeeper struct {
	cli    *EtcdClient
	logger *zap.Logger

	mu      sync.Mutex
	tracked map[int64]*keepAlive
}

func newLeaseKeeper(cli *EtcdClient) *leaseKeeper {
	return &leaseKeeper{
		cli:     cli,
		logger:  cli.core.logger.With(zap.String("component", "lease")),
		tracked: make(map[int64]*keepAlive),
	}
}

func (lk *leaseKeeper) start(id int64, interval time.Duration) error {
	lk.mu.Lock()
	defer lk.mu.Unlock()

	if lk.cli.closed() {
		return ErrClientClosed
	}

	if _, ok := lk.tracked[id]; ok {
		return nil
	}

	ctx, cancel := context.WithCancel(lk.cli.core.lifetime)
	ka := &keepAlive{
		interval: interval,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	lk.tracked[id] = ka

	lk.cli.core.wg.Add(1)
	go func() {
		defer lk.cli.core.wg.Done()
		defer close(ka.done)
		lk.keepAlive(ctx, id, ka)
	}()

	return nil
}

/*
Stops the renewal loop of the lease and waits for it to exit. Returns false if the lease wasn't tracked.
*/
func (lk *leaseKeeper) stop(id int64) bool {
	lk.mu.Lock()
	ka, ok := lk.tracked[id]
	delete(lk.tracked, id)
	lk.mu.Unlock()

	if !ok {
		return false
	}

	ka.cancel()
	<-ka.done
	return true
}

func (lk *leaseKeeper) untrack(id int64, ka *keepAlive) {
	lk.mu.Lock()
	defer lk.mu.Unlock()

	if lk.tracked[id] == ka {
		delete(lk.tracked, id)
	}
}

func (lk *leaseKeeper) ids() []int64 {
	lk.mu.Lock()
	defer lk.mu.Unlock()

	ids := make([]int64, 0, len(lk.tracked))
	for id := range lk.tracked {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (lk *leaseKeeper) clear() {
	lk.mu.Lock()
	defer lk.mu.Unlock()
	lk.tracked = make(map[int64]*keepAlive)
}

var errLeaseExpired = errors.New("Lease expired or was revoked")

/*
Sends one keep alive for the lease on a short lived stream and waits for the acknowledgment.
*/
func (lk *leaseKeeper) renew(ctx context.Context, sess *Session, id int64) (int64, error) {
	reqCtx, cancel := lk.cli.requestContext(ctx)
	defer cancel()

	stream, err := sess.Lease.LeaseKeepAlive(reqCtx)
	if err != nil {
		return 0, err
	}

	err = stream.Send(&etcdserverpb.LeaseKeepAliveRequest{ID: id})
	if err != nil {
		return 0, err
	}

	resp, err := stream.Recv()
	if err != nil {
		return 0, err
	}
	stream.CloseSend()

	if resp.TTL <= 0 {
		return 0, errLeaseExpired
	}
	return resp.TTL, nil
}

func (lk *leaseKeeper) keepAlive(ctx context.Context, id int64, ka *keepAlive) {
	logger := lk.logger.With(zap.Int64("lease_id", id))
	metrics := lk.cli.core.metrics

	for ctx.Err() == nil {
		sess, err := lk.cli.core.sessions.current()
		if err == nil {
			var ttl int64
			ttl, err = lk.renew(ctx, sess, id)
			sess.release()
			switch {
			case err == nil:
				metrics.LeaseRenewals.WithLabelValues("ok").Inc()
				logger.Debug("renewed lease", zap.Int64("ttl", ttl))
			case ctx.Err() != nil:
				return
			case errors.Is(err, errLeaseExpired) || isLeaseNotFound(err):
				metrics.LeaseRenewals.WithLabelValues("expired").Inc()
				logger.Error("lease no longer exists, stopping keep alive", zap.Error(err))
				lk.untrack(id, ka)
				return
			case isConnectivityError(ctx, err):
				metrics.LeaseRenewals.WithLabelValues("unreachable").Inc()
				logger.Warn("could not renew lease", zap.String("endpoint", sess.Endpoint.Address()), zap.Error(err))
				lk.cli.core.sessions.failover(sess)
			default:
				metrics.LeaseRenewals.WithLabelValues("failed").Inc()
				logger.Warn("lease renewal rejected", zap.Error(err))
			}
		} else if ctx.Err() == nil {
			logger.Warn("no session to renew lease", zap.Error(err))
		}

		if !lk.cli.sleep(ctx, ka.interval) {
			return
		}
	}
}

/*
Creates a lease with the given ttl in seconds. If id is 0, the server picks the id.
*/
func (cli *EtcdClient) GrantLease(ttl int64, id int64) (keymodels.Lease, error) {
	var res *etcdserverpb.LeaseGrantResponse
	err := cli.invoke("lease_grant", func(ctx context.Context, sess *Session) error {
		var err error
		res, err = sess.Lease.LeaseGrant(ctx, &etcdserverpb.LeaseGrantRequest{
			TTL: ttl,
			ID:  id,
		})
		return err
	})
	if err != nil {
		return keymodels.Lease{}, err
	}

	if res.Error != "" {
		return keymodels.Lease{}, fmt.Errorf("Failed to grant lease: %s", res.Error)
	}

	lease := keymodels.Lease{
		ID:        res.ID,
		Ttl:       res.TTL,
		Timestamp: time.Now(),
	}
	if res.Header != nil {
		lease.Revision = res.Header.Revision
	}
	return lease, nil
}

/*
Stops keeping alive the lease if it was, then revokes it, deleting all the keys attached to it.
*/
func (cli *EtcdClient) RevokeLease(id int64) error {
	cli.core.leases.stop(id)

	return cli.invoke("lease_revoke", func(ctx context.Context, sess *Session) error {
		_, err := sess.Lease.LeaseRevoke(ctx, &etcdserverpb.LeaseRevokeRequest{ID: id})
		return err
	})
}

/*
Renews the lease every interval until it is revoked, it expires on the server or the client is closed.
A failed renewal is not retried before the next interval, so the interval should be well below the ttl.
Keeping alive a lease that is already kept alive does nothing.
*/
func (cli *EtcdClient) KeepLeaseAlive(id int64, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("Invalid keep alive interval %s for lease %d", interval, id)
	}
	return cli.core.leases.start(id, interval)
}

/*
Stops keeping alive the lease without revoking it. Returns false if it wasn't kept alive.
*/
func (cli *EtcdClient) StopLeaseKeepAlive(id int64) bool {
	return cli.core.leases.stop(id)
}

/*
Ids of the leases currently kept alive, in increasing order
*/
func (cli *EtcdClient) KeptAliveLeases() []int64 {
	return cli.core.leases.ids()
}
