package client

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.etcd.io/etcd/client/pkg/v3/transport"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

type EtcdClientOptions struct {
	//Tls is used only if CaCertPath is set. Client certificate and key are optional.
	ClientCertPath         string
	ClientKeyPath          string
	CaCertPath             string
	EtcdEndpoints          []string
	ConnectionTimeout      time.Duration
	RequestTimeout         time.Duration
	//Number of times a unary request is attempted before its last error is returned
	Retries                uint64
	RetryInterval          time.Duration
	MemberRefreshInterval  time.Duration
	DisableMemberRefresh   bool
	WatchReconnectInterval time.Duration
	//Defaults to a RandomRegistry over EtcdEndpoints
	Registry               EndpointRegistry
	//Custom dialer for the grpc connections, mostly useful for tests
	Dialer                 func(ctx context.Context, address string) (net.Conn, error)
	Logger                 *zap.Logger
	MetricsRegisterer      prometheus.Registerer
}

func (opts *EtcdClientOptions) SetDefaults() {
	if opts.ConnectionTimeout == 0 {
		opts.ConnectionTimeout = 5 * time.Second
	}

	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = 10 * time.Second
	}

	if opts.Retries == 0 {
		opts.Retries = 10
	}

	if opts.RetryInterval == 0 {
		opts.RetryInterval = time.Second
	}

	if opts.MemberRefreshInterval == 0 {
		opts.MemberRefreshInterval = 60 * time.Second
	}

	if opts.WatchReconnectInterval == 0 {
		opts.WatchReconnectInterval = time.Second
	}

	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
}

func getDialOptions(opts EtcdClientOptions) ([]grpc.DialOption, error) {
	dialOpts := []grpc.DialOption{
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff:           backoff.DefaultConfig,
			MinConnectTimeout: opts.ConnectionTimeout,
		}),
	}

	if opts.CaCertPath == "" {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	} else {
		tlsInfo := transport.TLSInfo{
			CertFile:      opts.ClientCertPath,
			KeyFile:       opts.ClientKeyPath,
			TrustedCAFile: opts.CaCertPath,
		}
		tlsConf, err := tlsInfo.ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("Failed to load tls configuration: %w", err)
		}
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(credentials.NewTLS(tlsConf)))
	}

	if opts.Dialer != nil {
		dialOpts = append(dialOpts, grpc.WithContextDialer(opts.Dialer))
	}

	return dialOpts, nil
}

/*
Creates a client for the cluster. Connections are established lazily on the first request.
ctx is the context the client's requests run under, see SetContext.
*/
func Connect(ctx context.Context, opts EtcdClientOptions) (*EtcdClient, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	opts.SetDefaults()

	registry := opts.Registry
	if registry == nil {
		endpoints, err := ParseEndpoints(opts.EtcdEndpoints)
		if err != nil {
			return nil, err
		}
		if len(endpoints) == 0 {
			return nil, ErrNoEndpoints
		}
		registry = NewRandomRegistry(endpoints)
	}

	if _, err := registry.Select(); err != nil {
		return nil, err
	}

	dialOpts, err := getDialOptions(opts)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(opts.MetricsRegisterer)
	if err != nil {
		return nil, fmt.Errorf("Failed to register client metrics: %w", err)
	}

	lifetime, stop := context.WithCancel(context.Background())
	core := &clientCore{
		opts:     opts,
		registry: registry,
		logger:   opts.Logger,
		metrics:  metrics,
		lifetime: lifetime,
		stop:     stop,
	}
	core.sessions = &sessionHolder{
		registry: registry,
		logger:   opts.Logger,
		metrics:  metrics,
		dial: func(endpoint Endpoint) (*Session, error) {
			return dialSession(lifetime, endpoint, dialOpts)
		},
	}

	cli := &EtcdClient{
		Retries:        opts.Retries,
		RetryInterval:  opts.RetryInterval,
		RequestTimeout: opts.RequestTimeout,
		Context:        ctx,
		core:           core,
	}
	core.watches = newWatchMux(cli)
	core.leases = newLeaseKeeper(cli)

	if !opts.DisableMemberRefresh {
		core.wg.Add(1)
		go func() {
			defer core.wg.Done()
			cli.refreshMembers(opts.MemberRefreshInterval)
		}()
	}

	return cli, nil
}
