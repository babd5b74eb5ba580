package client

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type EtcdClient struct {
	Retries        uint64
	RetryInterval  time.Duration
	RequestTimeout time.Duration
	Context        context.Context
	core           *clientCore
}

//State shared by all the copies of a client made with SetContext
type clientCore struct {
	opts      EtcdClientOptions
	registry  EndpointRegistry
	sessions  *sessionHolder
	watches   *watchMux
	leases    *leaseKeeper
	logger    *zap.Logger
	metrics   *Metrics
	lifetime  context.Context
	stop      context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

/*
Returns a copy of the client whose requests run under the given context.
The copy shares its session, watches and leases with the client it was made from.
*/
func (cli *EtcdClient) SetContext(ctx context.Context) *EtcdClient {
	return &EtcdClient{
		Retries:        cli.Retries,
		RetryInterval:  cli.RetryInterval,
		RequestTimeout: cli.RequestTimeout,
		Context:        ctx,
		core:           cli.core,
	}
}

/*
Stops the member refresh, the watches and the lease keep alives, then closes the connection.
*/
func (cli *EtcdClient) Close() {
	cli.core.closeOnce.Do(func() {
		cli.core.stop()
		cli.core.sessions.close()
		cli.core.wg.Wait()
		cli.core.leases.clear()
		cli.core.logger.Debug("etcd client closed")
	})
}

func (cli *EtcdClient) Registry() EndpointRegistry {
	return cli.core.registry
}

func (cli *EtcdClient) Metrics() *Metrics {
	return cli.core.metrics
}

func (cli *EtcdClient) closed() bool {
	return cli.core.lifetime.Err() != nil
}

func shouldRetry(ctx context.Context, err error, retries uint64) bool {
	if retries == 0 {
		return false
	}

	return isConnectivityError(ctx, err)
}

/*
Waits for d unless the client or ctx is done first. Returns false in the latter case.
*/
func (cli *EtcdClient) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-cli.core.lifetime.Done():
		return false
	}
}

func (cli *EtcdClient) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if cli.RequestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, cli.RequestTimeout)
}

/*
Runs a call issuing exactly one unary request against the current session.
Connectivity failures fail over to another endpoint and are retried until the
configured number of attempts is used up. Other errors are returned as is.
*/
func (cli *EtcdClient) invoke(operation string, call func(ctx context.Context, sess *Session) error) error {
	retries := cli.Retries
	if retries == 0 {
		retries = 1
	}

	for attempt := uint64(1); ; attempt++ {
		if cli.closed() {
			return ErrClientClosed
		}

		sess, err := cli.core.sessions.current()
		if err != nil {
			return err
		}

		ctx, cancel := cli.requestContext(cli.Context)
		err = call(ctx, sess)
		cancel()
		sess.release()

		if err == nil {
			return nil
		}

		if cli.closed() {
			return ErrClientClosed
		}

		if !shouldRetry(cli.Context, err, retries-attempt) {
			return err
		}

		cli.core.logger.Warn(
			"retrying request after connectivity failure",
			zap.String("operation", operation),
			zap.String("endpoint", sess.Endpoint.Address()),
			zap.Uint64("attempt", attempt),
			zap.Error(err),
		)
		cli.core.metrics.Retries.WithLabelValues(operation).Inc()

		if !cli.sleep(cli.Context, cli.RetryInterval) {
			if cli.closed() {
				return ErrClientClosed
			}
			return err
		}

		cli.core.sessions.failover(sess)
	}
}
