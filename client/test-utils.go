package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Ferlab-Ste-Justine/etcd-session/testutils"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

/*
Makes a request fail as unavailable every few milliseconds, the way a leader change would, until done is closed.
*/
func keepFailingRequestsInBackground(cluster *testutils.FakeCluster, done <-chan struct{}, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()

		for {
			select {
			case <-time.After(20 * time.Millisecond):
				cluster.FailNextRequests(1, status.Error(codes.Unavailable, "etcdserver: leader changed"))
			case <-done:
				return
			}
		}
	}()
}

func launchFakeCluster(t *testing.T, leaseUnit time.Duration) *testutils.FakeCluster {
	cluster := testutils.NewFakeCluster(testutils.FakeClusterOpts{LeaseTimeUnit: leaseUnit})
	t.Cleanup(cluster.Close)
	return cluster
}

/*
Connects a client to the fake cluster with short timings. Fields set in opts take precedence.
The client is closed when the test ends, before the cluster.
*/
func setupTestEnv(t *testing.T, cluster *testutils.FakeCluster, opts EtcdClientOptions) *EtcdClient {
	if len(opts.EtcdEndpoints) == 0 && opts.Registry == nil {
		opts.EtcdEndpoints = cluster.Endpoints()
	}
	opts.Dialer = cluster.Dialer()

	if opts.Logger == nil {
		opts.Logger = zaptest.NewLogger(t)
	}
	if opts.ConnectionTimeout == 0 {
		opts.ConnectionTimeout = time.Second
	}
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = 2 * time.Second
	}
	if opts.RetryInterval == 0 {
		opts.RetryInterval = 10 * time.Millisecond
	}
	if opts.WatchReconnectInterval == 0 {
		opts.WatchReconnectInterval = 20 * time.Millisecond
	}

	cli, err := Connect(context.Background(), opts)
	if err != nil {
		t.Fatalf("Test setup failed at the connection stage: %s", err.Error())
	}
	t.Cleanup(cli.Close)

	return cli
}

/*
Registry going through its candidates in order, so tests know which endpoint is used.
*/
type orderedRegistry struct {
	mu         sync.Mutex
	candidates []Endpoint
	next       int
	current    *Endpoint
	selections []Endpoint
}

func newOrderedRegistry(t *testing.T, addrs []string) *orderedRegistry {
	endpoints, err := ParseEndpoints(addrs)
	if err != nil {
		t.Fatalf("Failed to parse test endpoints: %s", err.Error())
	}
	return &orderedRegistry{candidates: endpoints}
}

func (reg *orderedRegistry) Select() (Endpoint, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if len(reg.candidates) == 0 {
		return Endpoint{}, ErrNoEndpoints
	}
	selected := reg.candidates[reg.next%len(reg.candidates)]
	reg.next++
	reg.current = &selected
	reg.selections = append(reg.selections, selected)
	return selected, nil
}

func (reg *orderedRegistry) Current() (Endpoint, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if reg.current == nil {
		return Endpoint{}, false
	}
	return *reg.current, true
}

func (reg *orderedRegistry) ReplaceCandidates(candidates []Endpoint) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.candidates = append([]Endpoint{}, candidates...)
}

func (reg *orderedRegistry) Candidates() []Endpoint {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return append([]Endpoint{}, reg.candidates...)
}

func (reg *orderedRegistry) Selections() []Endpoint {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return append([]Endpoint{}, reg.selections...)
}

/*
Polls the condition until it holds or the timeout is reached.
*/
func waitFor(timeout time.Duration, condition func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return condition()
}
