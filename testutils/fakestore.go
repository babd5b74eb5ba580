package testutils

import (
	"bytes"
	"sort"
	"sync"
	"time"

	"go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.etcd.io/etcd/api/v3/mvccpb"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
)

type fakeLease struct {
	id       int64
	ttl      int64
	deadline time.Time
	keys     map[string]bool
}

type storeWatcher struct {
	key    []byte
	end    []byte
	prevKv bool
	send   func(revision int64, events []*mvccpb.Event)
}

/*
In memory key value store with revisions, leases and watches, shared by the nodes of a FakeCluster.
*/
type fakeStore struct {
	mu         sync.Mutex
	revision   int64
	keys       map[string]*mvccpb.KeyValue
	history    []*mvccpb.Event
	leases     map[int64]*fakeLease
	nextLease  int64
	watchers   map[*storeWatcher]bool
	leaseUnit  time.Duration
	keepAlives map[int64]int
}

func newFakeStore(leaseUnit time.Duration) *fakeStore {
	return &fakeStore{
		revision:   1,
		keys:       make(map[string]*mvccpb.KeyValue),
		history:    []*mvccpb.Event{},
		leases:     make(map[int64]*fakeLease),
		nextLease:  1000,
		watchers:   make(map[*storeWatcher]bool),
		leaseUnit:  leaseUnit,
		keepAlives: make(map[int64]int),
	}
}

func inRange(key []byte, start []byte, end []byte) bool {
	if len(end) == 0 {
		return bytes.Equal(key, start)
	}
	if len(end) == 1 && end[0] == 0 {
		return bytes.Compare(key, start) >= 0
	}
	return bytes.Compare(key, start) >= 0 && bytes.Compare(key, end) < 0
}

func copyKv(kv *mvccpb.KeyValue) *mvccpb.KeyValue {
	if kv == nil {
		return nil
	}
	copied := *kv
	return &copied
}

//Caller holds the lock
func (s *fakeStore) notify(revision int64, events []*mvccpb.Event) {
	for w := range s.watchers {
		matched := []*mvccpb.Event{}
		for _, ev := range events {
			if inRange(ev.Kv.Key, w.key, w.end) {
				matched = append(matched, watcherEvent(w, ev))
			}
		}
		if len(matched) > 0 {
			w.send(revision, matched)
		}
	}
}

func watcherEvent(w *storeWatcher, ev *mvccpb.Event) *mvccpb.Event {
	out := &mvccpb.Event{Type: ev.Type, Kv: copyKv(ev.Kv)}
	if w.prevKv {
		out.PrevKv = copyKv(ev.PrevKv)
	}
	return out
}

//Caller holds the lock
func (s *fakeStore) commit(events []*mvccpb.Event) {
	s.history = append(s.history, events...)
	s.notify(s.revision, events)
}

//Caller holds the lock
func (s *fakeStore) deleteKeys(keys []string) []*mvccpb.Event {
	if len(keys) == 0 {
		return []*mvccpb.Event{}
	}

	s.revision++
	events := []*mvccpb.Event{}
	for _, key := range keys {
		prev := s.keys[key]
		delete(s.keys, key)
		if prev.Lease != 0 {
			if lease, ok := s.leases[prev.Lease]; ok {
				delete(lease.keys, key)
			}
		}
		events = append(events, &mvccpb.Event{
			Type:   mvccpb.DELETE,
			Kv:     &mvccpb.KeyValue{Key: []byte(key), ModRevision: s.revision},
			PrevKv: prev,
		})
	}
	s.commit(events)
	return events
}

//Caller holds the lock
func (s *fakeStore) expireLocked(now time.Time) {
	expired := []int64{}
	for id, lease := range s.leases {
		if now.After(lease.deadline) {
			expired = append(expired, id)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i] < expired[j] })

	for _, id := range expired {
		s.revokeLocked(id)
	}
}

func (s *fakeStore) expire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(time.Now())
}

//Caller holds the lock
func (s *fakeStore) revokeLocked(id int64) {
	lease := s.leases[id]
	delete(s.leases, id)

	keys := []string{}
	for key := range lease.keys {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	s.deleteKeys(keys)
}

func (s *fakeStore) header(memberId uint64) *etcdserverpb.ResponseHeader {
	return &etcdserverpb.ResponseHeader{
		ClusterId: 1,
		MemberId:  memberId,
		Revision:  s.revision,
		RaftTerm:  1,
	}
}

func (s *fakeStore) put(memberId uint64, req *etcdserverpb.PutRequest) (*etcdserverpb.PutResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(time.Now())

	if len(req.Key) == 0 {
		return nil, rpctypes.ErrGRPCEmptyKey
	}

	if req.Lease != 0 {
		if _, ok := s.leases[req.Lease]; !ok {
			return nil, rpctypes.ErrGRPCLeaseNotFound
		}
	}

	key := string(req.Key)
	prev := s.keys[key]

	s.revision++
	kv := &mvccpb.KeyValue{
		Key:            []byte(key),
		Value:          req.Value,
		CreateRevision: s.revision,
		ModRevision:    s.revision,
		Version:        1,
		Lease:          req.Lease,
	}
	if prev != nil {
		kv.CreateRevision = prev.CreateRevision
		kv.Version = prev.Version + 1
		if prev.Lease != 0 && prev.Lease != req.Lease {
			if lease, ok := s.leases[prev.Lease]; ok {
				delete(lease.keys, key)
			}
		}
	}
	if req.Lease != 0 {
		s.leases[req.Lease].keys[key] = true
	}
	s.keys[key] = kv

	s.commit([]*mvccpb.Event{{Type: mvccpb.PUT, Kv: copyKv(kv), PrevKv: copyKv(prev)}})

	resp := &etcdserverpb.PutResponse{Header: s.header(memberId)}
	if req.PrevKv {
		resp.PrevKv = copyKv(prev)
	}
	return resp, nil
}

//Caller holds the lock
func (s *fakeStore) keysAt(revision int64) map[string]*mvccpb.KeyValue {
	if revision <= 0 || revision >= s.revision {
		return s.keys
	}

	keys := make(map[string]*mvccpb.KeyValue)
	for _, ev := range s.history {
		if ev.Kv.ModRevision > revision {
			break
		}
		if ev.Type == mvccpb.DELETE {
			delete(keys, string(ev.Kv.Key))
		} else {
			keys[string(ev.Kv.Key)] = ev.Kv
		}
	}
	return keys
}

func sortValue(kv *mvccpb.KeyValue, target etcdserverpb.RangeRequest_SortTarget) (int64, []byte) {
	switch target {
	case etcdserverpb.RangeRequest_VERSION:
		return kv.Version, nil
	case etcdserverpb.RangeRequest_CREATE:
		return kv.CreateRevision, nil
	case etcdserverpb.RangeRequest_MOD:
		return kv.ModRevision, nil
	case etcdserverpb.RangeRequest_VALUE:
		return 0, kv.Value
	}
	return 0, kv.Key
}

func (s *fakeStore) rangeKeys(memberId uint64, req *etcdserverpb.RangeRequest) (*etcdserverpb.RangeResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(time.Now())

	if req.Revision > s.revision {
		return nil, rpctypes.ErrGRPCFutureRev
	}

	kvs := []*mvccpb.KeyValue{}
	for _, kv := range s.keysAt(req.Revision) {
		if inRange(kv.Key, req.Key, req.RangeEnd) {
			kvs = append(kvs, copyKv(kv))
		}
	}

	sort.Slice(kvs, func(i, j int) bool { return bytes.Compare(kvs[i].Key, kvs[j].Key) < 0 })
	if req.SortOrder != etcdserverpb.RangeRequest_NONE {
		sort.SliceStable(kvs, func(i, j int) bool {
			iNum, iBytes := sortValue(kvs[i], req.SortTarget)
			jNum, jBytes := sortValue(kvs[j], req.SortTarget)
			var less bool
			var equal bool
			if iBytes != nil || jBytes != nil {
				cmp := bytes.Compare(iBytes, jBytes)
				less, equal = cmp < 0, cmp == 0
			} else {
				less, equal = iNum < jNum, iNum == jNum
			}
			if req.SortOrder == etcdserverpb.RangeRequest_DESCEND {
				return !less && !equal
			}
			return less
		})
	}

	resp := &etcdserverpb.RangeResponse{
		Header: s.header(memberId),
		Count:  int64(len(kvs)),
	}
	if req.Limit > 0 && int64(len(kvs)) > req.Limit {
		kvs = kvs[:req.Limit]
		resp.More = true
	}
	resp.Kvs = kvs
	return resp, nil
}

func (s *fakeStore) deleteRange(memberId uint64, req *etcdserverpb.DeleteRangeRequest) (*etcdserverpb.DeleteRangeResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(time.Now())

	keys := []string{}
	for key, kv := range s.keys {
		if inRange(kv.Key, req.Key, req.RangeEnd) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	events := s.deleteKeys(keys)
	resp := &etcdserverpb.DeleteRangeResponse{
		Header:  s.header(memberId),
		Deleted: int64(len(keys)),
	}
	if req.PrevKv {
		for _, ev := range events {
			resp.PrevKvs = append(resp.PrevKvs, copyKv(ev.PrevKv))
		}
	}
	return resp, nil
}

func (s *fakeStore) grant(memberId uint64, req *etcdserverpb.LeaseGrantRequest) (*etcdserverpb.LeaseGrantResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(time.Now())

	id := req.ID
	if id == 0 {
		s.nextLease++
		id = s.nextLease
	}
	if _, ok := s.leases[id]; ok {
		return nil, rpctypes.ErrGRPCLeaseExist
	}

	s.leases[id] = &fakeLease{
		id:       id,
		ttl:      req.TTL,
		deadline: time.Now().Add(time.Duration(req.TTL) * s.leaseUnit),
		keys:     make(map[string]bool),
	}

	return &etcdserverpb.LeaseGrantResponse{
		Header: s.header(memberId),
		ID:     id,
		TTL:    req.TTL,
	}, nil
}

func (s *fakeStore) revoke(memberId uint64, req *etcdserverpb.LeaseRevokeRequest) (*etcdserverpb.LeaseRevokeResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(time.Now())

	if _, ok := s.leases[req.ID]; !ok {
		return nil, rpctypes.ErrGRPCLeaseNotFound
	}
	s.revokeLocked(req.ID)

	return &etcdserverpb.LeaseRevokeResponse{Header: s.header(memberId)}, nil
}

/*
Renews the lease and returns its ttl, or 0 if the lease does not exist.
*/
func (s *fakeStore) renew(id int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(time.Now())

	s.keepAlives[id]++
	lease, ok := s.leases[id]
	if !ok {
		return 0
	}
	lease.deadline = time.Now().Add(time.Duration(lease.ttl) * s.leaseUnit)
	return lease.ttl
}

func (s *fakeStore) keepAliveCount(id int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keepAlives[id]
}

func (s *fakeStore) timeToLive(memberId uint64, req *etcdserverpb.LeaseTimeToLiveRequest) *etcdserverpb.LeaseTimeToLiveResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(time.Now())

	resp := &etcdserverpb.LeaseTimeToLiveResponse{Header: s.header(memberId), ID: req.ID, TTL: -1}
	lease, ok := s.leases[req.ID]
	if !ok {
		return resp
	}

	resp.GrantedTTL = lease.ttl
	resp.TTL = int64(time.Until(lease.deadline) / s.leaseUnit)
	if req.Keys {
		for key := range lease.keys {
			resp.Keys = append(resp.Keys, []byte(key))
		}
	}
	return resp
}

func (s *fakeStore) leaseIds() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(time.Now())

	ids := []int64{}
	for id := range s.leases {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

/*
Registers a watcher. created is called with the current revision before any event is sent.
Events from startRevision on are replayed first if startRevision is set.
*/
func (s *fakeStore) watch(w *storeWatcher, startRevision int64, created func(revision int64)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	created(s.revision)

	if startRevision > 0 {
		var batch []*mvccpb.Event
		batchRevision := int64(0)
		for _, ev := range s.history {
			if ev.Kv.ModRevision < startRevision || !inRange(ev.Kv.Key, w.key, w.end) {
				continue
			}
			if ev.Kv.ModRevision != batchRevision && len(batch) > 0 {
				w.send(batchRevision, batch)
				batch = nil
			}
			batchRevision = ev.Kv.ModRevision
			batch = append(batch, watcherEvent(w, ev))
		}
		if len(batch) > 0 {
			w.send(batchRevision, batch)
		}
	}

	s.watchers[w] = true
}

func (s *fakeStore) unwatch(w *storeWatcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.watchers, w)
}
