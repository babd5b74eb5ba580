package testutils

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.etcd.io/etcd/api/v3/mvccpb"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

const bufferSize = 1024 * 1024

type FakeClusterOpts struct {
	//Client addresses of the nodes, as host:port
	Addresses     []string
	//Wall clock duration of one second of lease ttl
	LeaseTimeUnit time.Duration
}

func (opts *FakeClusterOpts) SetDefaults() {
	if len(opts.Addresses) == 0 {
		opts.Addresses = []string{"127.0.0.1:3379", "127.0.0.2:3379", "127.0.0.3:3379"}
	}

	if opts.LeaseTimeUnit == 0 {
		opts.LeaseTimeUnit = time.Second
	}
}

/*
In process stand-in for an etcd cluster.
Every node serves the etcd v3 KV, Watch, Lease and Cluster grpc services over an in memory listener
and all nodes share the same store. Faults can be injected to exercise client recovery.
*/
type FakeCluster struct {
	store   *fakeStore
	mu      sync.Mutex
	nodes   []*fakeNode
	members []*etcdserverpb.Member

	failedCalls      int
	failedErr        error
	failedKeepAlives int
	methodFailures   map[string]*injectedFailure
	calls            map[string]int

	breakCh chan struct{}
	streams map[*responseQueue]bool

	stop chan struct{}
	wg   sync.WaitGroup
}

type injectedFailure struct {
	count int
	err   error
}

type fakeNode struct {
	cluster  *FakeCluster
	memberId uint64
	addr     string
	server   *grpc.Server
	lis      *bufconn.Listener
	stopped  bool
}

func NewFakeCluster(opts FakeClusterOpts) *FakeCluster {
	opts.SetDefaults()

	cluster := &FakeCluster{
		store:          newFakeStore(opts.LeaseTimeUnit),
		calls:          make(map[string]int),
		methodFailures: make(map[string]*injectedFailure),
		breakCh:        make(chan struct{}),
		streams:        make(map[*responseQueue]bool),
		stop:           make(chan struct{}),
	}

	for idx, addr := range opts.Addresses {
		node := &fakeNode{
			cluster:  cluster,
			memberId: uint64(idx + 1),
			addr:     addr,
		}
		node.serve()
		cluster.nodes = append(cluster.nodes, node)
		cluster.members = append(cluster.members, &etcdserverpb.Member{
			ID:         node.memberId,
			Name:       fmt.Sprintf("etcd%d", idx),
			PeerURLs:   []string{fmt.Sprintf("https://%s", peerAddress(addr))},
			ClientURLs: []string{fmt.Sprintf("https://%s", addr)},
		})
	}

	expireInterval := opts.LeaseTimeUnit / 10
	if expireInterval < 5*time.Millisecond {
		expireInterval = 5 * time.Millisecond
	}
	cluster.wg.Add(1)
	go func() {
		defer cluster.wg.Done()
		ticker := time.NewTicker(expireInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				cluster.store.expire()
			case <-cluster.stop:
				return
			}
		}
	}()

	return cluster
}

//Peer port is the client port plus one, like in the test etcd clusters
func peerAddress(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return addr
	}
	return net.JoinHostPort(host, strconv.Itoa(portNum+1))
}

func (n *fakeNode) serve() {
	n.lis = bufconn.Listen(bufferSize)
	n.server = grpc.NewServer(
		grpc.UnaryInterceptor(n.cluster.unaryInterceptor),
	)
	etcdserverpb.RegisterKVServer(n.server, n)
	etcdserverpb.RegisterWatchServer(n.server, n)
	etcdserverpb.RegisterLeaseServer(n.server, n)
	etcdserverpb.RegisterClusterServer(n.server, n)
	n.stopped = false

	server := n.server
	lis := n.lis
	go server.Serve(lis)
}

/*
Client addresses of the nodes, in the order they were given.
*/
func (c *FakeCluster) Endpoints() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	endpoints := []string{}
	for _, node := range c.nodes {
		endpoints = append(endpoints, node.addr)
	}
	return endpoints
}

/*
Dial function routing client addresses to the in memory listeners.
Stopped or unknown nodes refuse the connection.
*/
func (c *FakeCluster) Dialer() func(context.Context, string) (net.Conn, error) {
	return func(ctx context.Context, addr string) (net.Conn, error) {
		c.mu.Lock()
		var lis *bufconn.Listener
		for _, node := range c.nodes {
			if node.addr == addr && !node.stopped {
				lis = node.lis
			}
		}
		c.mu.Unlock()

		if lis == nil {
			return nil, &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
		}
		return lis.DialContext(ctx)
	}
}

func (c *FakeCluster) node(addr string) (*fakeNode, error) {
	for _, node := range c.nodes {
		if node.addr == addr {
			return node, nil
		}
	}
	return nil, fmt.Errorf("No fake node listens on %s", addr)
}

/*
Stops a node's server. Its open connections are dropped and new ones are refused.
*/
func (c *FakeCluster) StopNode(addr string) error {
	c.mu.Lock()
	node, err := c.node(addr)
	if err != nil || node.stopped {
		c.mu.Unlock()
		return err
	}
	node.stopped = true
	server := node.server
	c.mu.Unlock()

	server.Stop()
	return nil
}

func (c *FakeCluster) StartNode(addr string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	node, err := c.node(addr)
	if err != nil {
		return err
	}
	if node.stopped {
		node.serve()
	}
	return nil
}

/*
Makes the next n unary requests, on any node, fail with the given error.
*/
func (c *FakeCluster) FailNextRequests(n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedCalls = n
	c.failedErr = err
}

/*
Makes the next n unary requests for a full grpc method name fail with the given error.
*/
func (c *FakeCluster) FailNextRequestsTo(method string, n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.methodFailures[method] = &injectedFailure{count: n, err: err}
}

/*
Makes the next n keep-alive streams fail as unavailable before reading the lease id.
*/
func (c *FakeCluster) FailNextKeepAlives(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedKeepAlives = n
}

/*
Number of unary requests received for a full grpc method name, ie: /etcdserverpb.KV/Put
*/
func (c *FakeCluster) RequestCount(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[method]
}

/*
Number of keep-alive requests received for a lease.
*/
func (c *FakeCluster) KeepAliveCount(leaseId int64) int {
	return c.store.keepAliveCount(leaseId)
}

func (c *FakeCluster) Leases() []int64 {
	return c.store.leaseIds()
}

/*
Overrides the member list returned by the cluster service.
*/
func (c *FakeCluster) SetMembers(members []*etcdserverpb.Member) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.members = members
}

/*
Terminates every open watch stream with an unavailable error.
*/
func (c *FakeCluster) BreakWatchStreams() {
	c.mu.Lock()
	defer c.mu.Unlock()
	close(c.breakCh)
	c.breakCh = make(chan struct{})
}

/*
Sends a response, as is, on every open watch stream.
*/
func (c *FakeCluster) InjectWatchResponse(resp *etcdserverpb.WatchResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for queue := range c.streams {
		queue.push(resp)
	}
}

/*
Number of watch streams currently open across all nodes.
*/
func (c *FakeCluster) WatchStreams() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.streams)
}

func (c *FakeCluster) Close() {
	close(c.stop)
	c.wg.Wait()

	c.mu.Lock()
	servers := []*grpc.Server{}
	for _, node := range c.nodes {
		if !node.stopped {
			node.stopped = true
			servers = append(servers, node.server)
		}
	}
	c.mu.Unlock()

	for _, server := range servers {
		server.Stop()
	}
}

func (c *FakeCluster) unaryInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	c.mu.Lock()
	c.calls[info.FullMethod]++
	if failure, ok := c.methodFailures[info.FullMethod]; ok && failure.count > 0 {
		failure.count--
		err := failure.err
		c.mu.Unlock()
		return nil, err
	}
	if c.failedCalls > 0 {
		c.failedCalls--
		err := c.failedErr
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()

	return handler(ctx, req)
}

func (n *fakeNode) Range(ctx context.Context, req *etcdserverpb.RangeRequest) (*etcdserverpb.RangeResponse, error) {
	return n.cluster.store.rangeKeys(n.memberId, req)
}

func (n *fakeNode) Put(ctx context.Context, req *etcdserverpb.PutRequest) (*etcdserverpb.PutResponse, error) {
	return n.cluster.store.put(n.memberId, req)
}

func (n *fakeNode) DeleteRange(ctx context.Context, req *etcdserverpb.DeleteRangeRequest) (*etcdserverpb.DeleteRangeResponse, error) {
	return n.cluster.store.deleteRange(n.memberId, req)
}

func (n *fakeNode) Txn(ctx context.Context, req *etcdserverpb.TxnRequest) (*etcdserverpb.TxnResponse, error) {
	return nil, status.Error(codes.Unimplemented, "Transactions are not supported by the fake cluster")
}

func (n *fakeNode) Compact(ctx context.Context, req *etcdserverpb.CompactionRequest) (*etcdserverpb.CompactionResponse, error) {
	return nil, status.Error(codes.Unimplemented, "Compaction is not supported by the fake cluster")
}

func (n *fakeNode) LeaseGrant(ctx context.Context, req *etcdserverpb.LeaseGrantRequest) (*etcdserverpb.LeaseGrantResponse, error) {
	return n.cluster.store.grant(n.memberId, req)
}

func (n *fakeNode) LeaseRevoke(ctx context.Context, req *etcdserverpb.LeaseRevokeRequest) (*etcdserverpb.LeaseRevokeResponse, error) {
	return n.cluster.store.revoke(n.memberId, req)
}

func (n *fakeNode) LeaseTimeToLive(ctx context.Context, req *etcdserverpb.LeaseTimeToLiveRequest) (*etcdserverpb.LeaseTimeToLiveResponse, error) {
	return n.cluster.store.timeToLive(n.memberId, req), nil
}

func (n *fakeNode) LeaseLeases(ctx context.Context, req *etcdserverpb.LeaseLeasesRequest) (*etcdserverpb.LeaseLeasesResponse, error) {
	resp := &etcdserverpb.LeaseLeasesResponse{}
	for _, id := range n.cluster.store.leaseIds() {
		resp.Leases = append(resp.Leases, &etcdserverpb.LeaseStatus{ID: id})
	}
	return resp, nil
}

func (n *fakeNode) LeaseKeepAlive(stream etcdserverpb.Lease_LeaseKeepAliveServer) error {
	c := n.cluster
	c.mu.Lock()
	if c.failedKeepAlives > 0 {
		c.failedKeepAlives--
		c.mu.Unlock()
		return status.Error(codes.Unavailable, "Keep-alive stream unavailable")
	}
	c.mu.Unlock()

	for {
		req, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		ttl := c.store.renew(req.ID)
		c.store.mu.Lock()
		header := c.store.header(n.memberId)
		c.store.mu.Unlock()

		err = stream.Send(&etcdserverpb.LeaseKeepAliveResponse{
			Header: header,
			ID:     req.ID,
			TTL:    ttl,
		})
		if err != nil {
			return err
		}
	}
}

func (n *fakeNode) MemberList(ctx context.Context, req *etcdserverpb.MemberListRequest) (*etcdserverpb.MemberListResponse, error) {
	c := n.cluster
	c.mu.Lock()
	members := append([]*etcdserverpb.Member{}, c.members...)
	c.mu.Unlock()

	c.store.mu.Lock()
	header := c.store.header(n.memberId)
	c.store.mu.Unlock()

	return &etcdserverpb.MemberListResponse{Header: header, Members: members}, nil
}

func (n *fakeNode) MemberAdd(ctx context.Context, req *etcdserverpb.MemberAddRequest) (*etcdserverpb.MemberAddResponse, error) {
	return nil, status.Error(codes.Unimplemented, "Membership changes are not supported by the fake cluster")
}

func (n *fakeNode) MemberRemove(ctx context.Context, req *etcdserverpb.MemberRemoveRequest) (*etcdserverpb.MemberRemoveResponse, error) {
	return nil, status.Error(codes.Unimplemented, "Membership changes are not supported by the fake cluster")
}

func (n *fakeNode) MemberUpdate(ctx context.Context, req *etcdserverpb.MemberUpdateRequest) (*etcdserverpb.MemberUpdateResponse, error) {
	return nil, status.Error(codes.Unimplemented, "Membership changes are not supported by the fake cluster")
}

func (n *fakeNode) MemberPromote(ctx context.Context, req *etcdserverpb.MemberPromoteRequest) (*etcdserverpb.MemberPromoteResponse, error) {
	return nil, status.Error(codes.Unimplemented, "Membership changes are not supported by the fake cluster")
}

func (n *fakeNode) Watch(stream etcdserverpb.Watch_WatchServer) error {
	c := n.cluster
	store := c.store
	queue := newResponseQueue()

	c.mu.Lock()
	broken := c.breakCh
	c.streams[queue] = true
	c.mu.Unlock()

	var mu sync.Mutex
	watchers := make(map[int64]*storeWatcher)
	nextId := int64(0)

	defer func() {
		c.mu.Lock()
		delete(c.streams, queue)
		c.mu.Unlock()

		mu.Lock()
		defer mu.Unlock()
		for _, w := range watchers {
			store.unwatch(w)
		}
	}()

	header := func(revision int64) *etcdserverpb.ResponseHeader {
		return &etcdserverpb.ResponseHeader{ClusterId: 1, MemberId: n.memberId, Revision: revision, RaftTerm: 1}
	}

	recvErr := make(chan error, 1)
	go func() {
		for {
			req, err := stream.Recv()
			if err != nil {
				recvErr <- err
				return
			}

			switch union := req.RequestUnion.(type) {
			case *etcdserverpb.WatchRequest_CreateRequest:
				cr := union.CreateRequest
				if len(cr.RangeEnd) > 0 && !(len(cr.RangeEnd) == 1 && cr.RangeEnd[0] == 0) && string(cr.RangeEnd) <= string(cr.Key) {
					queue.push(&etcdserverpb.WatchResponse{
						Header:       header(0),
						WatchId:      -1,
						Created:      true,
						Canceled:     true,
						CancelReason: "Invalid watch range",
					})
					continue
				}

				mu.Lock()
				id := nextId
				nextId++
				mu.Unlock()

				w := &storeWatcher{
					key:    cr.Key,
					end:    cr.RangeEnd,
					prevKv: cr.PrevKv,
					send: func(revision int64, events []*mvccpb.Event) {
						queue.push(&etcdserverpb.WatchResponse{Header: header(revision), WatchId: id, Events: events})
					},
				}
				mu.Lock()
				watchers[id] = w
				mu.Unlock()

				store.watch(w, cr.StartRevision, func(revision int64) {
					queue.push(&etcdserverpb.WatchResponse{Header: header(revision), WatchId: id, Created: true})
				})
			case *etcdserverpb.WatchRequest_CancelRequest:
				id := union.CancelRequest.WatchId
				mu.Lock()
				w, ok := watchers[id]
				delete(watchers, id)
				mu.Unlock()

				if ok {
					store.unwatch(w)
					queue.push(&etcdserverpb.WatchResponse{Header: header(0), WatchId: id, Canceled: true})
				}
			}
		}
	}()

	for {
		select {
		case <-queue.ready:
			for _, resp := range queue.drain() {
				err := stream.Send(resp)
				if err != nil {
					return err
				}
			}
		case err := <-recvErr:
			if err == io.EOF {
				return nil
			}
			return err
		case <-broken:
			return status.Error(codes.Unavailable, "Watch stream broken")
		case <-stream.Context().Done():
			return stream.Context().Err()
		}
	}
}

/*
Unbounded queue of watch responses. Pushing never blocks.
*/
type responseQueue struct {
	mu    sync.Mutex
	items []*etcdserverpb.WatchResponse
	ready chan struct{}
}

func newResponseQueue() *responseQueue {
	return &responseQueue{ready: make(chan struct{}, 1)}
}

func (q *responseQueue) push(resp *etcdserverpb.WatchResponse) {
	q.mu.Lock()
	q.items = append(q.items, resp)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *responseQueue) drain() []*etcdserverpb.WatchResponse {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}
