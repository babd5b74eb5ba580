package client

import (
	"context"
	"sync"

	"github.com/Ferlab-Ste-Justine/etcd-session/keymodels"
	"github.com/google/uuid"
	"go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.etcd.io/etcd/api/v3/mvccpb"
)

type WatchState int

const (
	//Create request sent, no watch id assigned yet
	WatchPending WatchState = iota
	//Watch id assigned, events are delivered
	WatchCreated
	//Terminal. Queued events can still be read but no new ones are accepted.
	WatchCanceled
)

func (s WatchState) String() string {
	switch s {
	case WatchPending:
		return "pending"
	case WatchCreated:
		return "created"
	}
	return "canceled"
}

/*
One logical watch over the range [Key, RangeEnd).
A watcher survives the replacement of the watch stream: it goes back to pending and is
recreated on the new stream from the revision following the last event it delivered.
*/
type Watcher struct {
	Handle        string
	Key           string
	RangeEnd      string
	prevKv        bool
	startRevision int64
	mux           *watchMux

	mu              sync.Mutex
	state           WatchState
	watchId         int64
	stream          *watchStream
	nextRevision    int64
	cancelRequested bool
	err             error
	queue           []keymodels.WatchEvent
	notify          chan struct{}
	created         chan struct{}
	wasCreated      bool
	done            chan struct{}
}

func newWatcher(mux *watchMux, key string, rangeEnd string, startRevision int64, prevKv bool) *Watcher {
	return &Watcher{
		Handle:        uuid.NewString(),
		Key:           key,
		RangeEnd:      rangeEnd,
		prevKv:        prevKv,
		startRevision: startRevision,
		mux:           mux,
		state:         WatchPending,
		queue:         []keymodels.WatchEvent{},
		notify:        make(chan struct{}, 1),
		created:       make(chan struct{}),
		done:          make(chan struct{}),
	}
}

func (w *Watcher) State() WatchState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

/*
Returns the id assigned by the server on the current stream, if the watch is created.
*/
func (w *Watcher) WatchId() (int64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.watchId, w.state == WatchCreated
}

/*
Closed once the watcher is canceled
*/
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

/*
Reason the watcher was canceled. Nil if it is still live or was canceled by the caller.
*/
func (w *Watcher) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *Watcher) signal() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

/*
Blocks until at least one event is queued and returns the queued events that share the
revision of the first one, which is the set of changes of one server revision.
Once the watcher is canceled and its queue drained, the cancellation reason is returned,
or ErrWatchCanceled if the caller canceled it.
*/
func (w *Watcher) NextBatch(ctx context.Context) ([]keymodels.WatchEvent, error) {
	for {
		w.mu.Lock()
		if len(w.queue) > 0 {
			revision := w.queue[0].ModRevision
			count := 1
			for count < len(w.queue) && w.queue[count].ModRevision == revision {
				count++
			}
			batch := make([]keymodels.WatchEvent, count)
			copy(batch, w.queue[:count])
			w.queue = w.queue[count:]
			w.mu.Unlock()
			return batch, nil
		}
		if w.state == WatchCanceled {
			err := w.err
			w.mu.Unlock()
			if err == nil {
				err = ErrWatchCanceled
			}
			return nil, err
		}
		w.mu.Unlock()

		select {
		case <-w.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

/*
Returns the next event. See NextBatch for the termination behavior.
*/
func (w *Watcher) Next(ctx context.Context) (keymodels.WatchEvent, error) {
	for {
		w.mu.Lock()
		if len(w.queue) > 0 {
			ev := w.queue[0]
			w.queue = w.queue[1:]
			w.mu.Unlock()
			return ev, nil
		}
		if w.state == WatchCanceled {
			err := w.err
			w.mu.Unlock()
			if err == nil {
				err = ErrWatchCanceled
			}
			return keymodels.WatchEvent{}, err
		}
		w.mu.Unlock()

		select {
		case <-w.notify:
		case <-ctx.Done():
			return keymodels.WatchEvent{}, ctx.Err()
		}
	}
}

/*
Cancels the watch and waits for the server to acknowledge it, for the stream to be replaced or for ctx.
*/
func (w *Watcher) Cancel(ctx context.Context) error {
	w.mu.Lock()
	if w.state == WatchCanceled {
		w.mu.Unlock()
		return nil
	}
	w.cancelRequested = true
	state, id, ws := w.state, w.watchId, w.stream
	w.mu.Unlock()

	switch {
	case state == WatchCreated && ws != nil:
		if err := ws.cancelWatch(id); err != nil {
			//The stream is gone, there is nothing left to cancel on the server
			w.mux.discard(w, nil)
		}
	case ws == nil:
		w.mux.discard(w, nil)
	}
	//A pending watcher is canceled when its creation is acknowledged

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Watcher) createRequest() *etcdserverpb.WatchRequest {
	w.mu.Lock()
	defer w.mu.Unlock()

	revision := w.startRevision
	if w.nextRevision > 0 {
		revision = w.nextRevision
	}

	return &etcdserverpb.WatchRequest{
		RequestUnion: &etcdserverpb.WatchRequest_CreateRequest{
			CreateRequest: &etcdserverpb.WatchCreateRequest{
				Key:           []byte(w.Key),
				RangeEnd:      []byte(w.RangeEnd),
				StartRevision: revision,
				PrevKv:        w.prevKv,
			},
		},
	}
}

func (w *Watcher) markPending(ws *watchStream) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == WatchCanceled {
		return
	}
	w.state = WatchPending
	w.watchId = 0
	w.stream = ws
}

/*
Returns true if the watch must be canceled on the server right away.
*/
func (w *Watcher) markCreated(id int64, ws *watchStream, header *etcdserverpb.ResponseHeader) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == WatchCanceled {
		return true
	}
	w.state = WatchCreated
	w.watchId = id
	w.stream = ws
	if w.startRevision == 0 && w.nextRevision == 0 && header != nil {
		w.nextRevision = header.Revision + 1
	}
	if !w.wasCreated {
		w.wasCreated = true
		close(w.created)
	}
	return w.cancelRequested
}

func (w *Watcher) isCancelRequested() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancelRequested
}

func (w *Watcher) deliver(resp *etcdserverpb.WatchResponse) {
	w.mu.Lock()
	if w.state == WatchCanceled || w.cancelRequested {
		w.mu.Unlock()
		return
	}

	for _, ev := range resp.Events {
		w.queue = append(w.queue, watchEventFromPb(ev))
		if ev.Kv != nil && ev.Kv.ModRevision >= w.nextRevision {
			w.nextRevision = ev.Kv.ModRevision + 1
		}
	}

	//Progress notification: every change up to the header revision was sent
	if len(resp.Events) == 0 && resp.Header != nil && (w.startRevision == 0 || w.nextRevision > 0) {
		if resp.Header.Revision+1 > w.nextRevision {
			w.nextRevision = resp.Header.Revision + 1
		}
	}
	w.mu.Unlock()

	if len(resp.Events) > 0 {
		w.signal()
	}
}

/*
Moves the watcher to its terminal state. Returns false if it already was canceled.
*/
func (w *Watcher) finish(err error) bool {
	w.mu.Lock()
	if w.state == WatchCanceled {
		w.mu.Unlock()
		return false
	}
	w.state = WatchCanceled
	w.err = err
	w.stream = nil
	close(w.done)
	w.mu.Unlock()

	w.signal()
	return true
}

func watchEventFromPb(ev *mvccpb.Event) keymodels.WatchEvent {
	out := keymodels.WatchEvent{Type: keymodels.PutEvent}
	if ev.Type == mvccpb.DELETE {
		out.Type = keymodels.DeleteEvent
	}
	if ev.Kv != nil {
		out.Key = string(ev.Kv.Key)
		out.Value = string(ev.Kv.Value)
		out.Version = ev.Kv.Version
		out.CreateRevision = ev.Kv.CreateRevision
		out.ModRevision = ev.Kv.ModRevision
		out.Lease = ev.Kv.Lease
	}
	if ev.PrevKv != nil {
		out.HasPrev = true
		out.PrevValue = string(ev.PrevKv.Value)
	}
	return out
}
