package client

import (
	"context"
	"sync"

	"go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.uber.org/zap"
)

/*
One physical watch stream. Its reader goroutine is the only one receiving from the stream
and the only one writing in the watchers' queues. Sends are serialized with sendMu.
*/
type watchStream struct {
	mux     *watchMux
	session *Session
	stream  etcdserverpb.Watch_WatchClient
	cancel  context.CancelFunc
	logger  *zap.Logger

	sendMu sync.Mutex

	mu      sync.Mutex
	//Watchers whose creation was sent but not acknowledged, in send order
	pending []*Watcher
	active  map[int64]*Watcher
	err     error
	done    chan struct{}
}

func openWatchStream(mux *watchMux, sess *Session) (*watchStream, error) {
	ctx, cancel := context.WithCancel(mux.cli.core.lifetime)
	stream, err := sess.Watch.Watch(ctx)
	if err != nil {
		cancel()
		return nil, err
	}

	ws := &watchStream{
		mux:     mux,
		session: sess,
		stream:  stream,
		cancel:  cancel,
		logger:  mux.logger.With(zap.String("endpoint", sess.Endpoint.Address())),
		pending: []*Watcher{},
		active:  make(map[int64]*Watcher),
		done:    make(chan struct{}),
	}

	mux.cli.core.wg.Add(1)
	go func() {
		defer mux.cli.core.wg.Done()
		ws.read()
	}()

	return ws, nil
}

/*
Sends the creation request of the watcher, which the mux assigned to this stream beforehand.
The watcher is queued as pending under the send lock so that the pending order is the order
in which the server receives the requests.
*/
func (ws *watchStream) create(w *Watcher) error {
	ws.sendMu.Lock()
	defer ws.sendMu.Unlock()

	req := w.createRequest()

	ws.mu.Lock()
	ws.pending = append(ws.pending, w)
	ws.mu.Unlock()

	return ws.stream.Send(req)
}

func (ws *watchStream) cancelWatch(id int64) error {
	ws.sendMu.Lock()
	defer ws.sendMu.Unlock()

	return ws.stream.Send(&etcdserverpb.WatchRequest{
		RequestUnion: &etcdserverpb.WatchRequest_CancelRequest{
			CancelRequest: &etcdserverpb.WatchCancelRequest{
				WatchId: id,
			},
		},
	})
}

func (ws *watchStream) Err() error {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.err
}

func (ws *watchStream) fail(err error) {
	ws.mu.Lock()
	if ws.err == nil {
		ws.err = err
	}
	ws.mu.Unlock()
	ws.cancel()
}

func (ws *watchStream) read() {
	defer close(ws.done)

	for {
		resp, err := ws.stream.Recv()
		if err != nil {
			ws.fail(err)
			return
		}

		if err := ws.dispatch(resp); err != nil {
			ws.mux.cli.core.metrics.ProtocolFaults.Inc()
			ws.logger.Error("dropping watch stream", zap.Error(err))
			ws.fail(err)
			return
		}
	}
}

func (ws *watchStream) dispatch(resp *etcdserverpb.WatchResponse) error {
	switch {
	case resp.Created:
		return ws.resolveCreated(resp)
	case resp.Canceled:
		ws.resolveCanceled(resp)
		return nil
	}

	ws.mu.Lock()
	w, ok := ws.active[resp.WatchId]
	ws.mu.Unlock()
	if !ok {
		return &ProtocolFaultError{WatchId: resp.WatchId, Reason: "event for an unknown watch"}
	}

	w.deliver(resp)
	return nil
}

func (ws *watchStream) resolveCreated(resp *etcdserverpb.WatchResponse) error {
	ws.mu.Lock()
	if len(ws.pending) == 0 {
		ws.mu.Unlock()
		return &ProtocolFaultError{WatchId: resp.WatchId, Reason: "creation acknowledged with no pending watch"}
	}
	w := ws.pending[0]
	ws.pending = ws.pending[1:]

	if resp.Canceled || resp.WatchId == -1 {
		ws.mu.Unlock()
		ws.logger.Warn("watch creation rejected", zap.String("key", w.Key), zap.String("reason", resp.CancelReason))
		ws.mux.discard(w, &WatchRejectedError{Reason: resp.CancelReason, CompactRevision: resp.CompactRevision})
		return nil
	}

	if _, exists := ws.active[resp.WatchId]; exists {
		ws.mu.Unlock()
		return &ProtocolFaultError{WatchId: resp.WatchId, Reason: "watch id assigned twice on the same stream"}
	}
	ws.active[resp.WatchId] = w
	ws.mu.Unlock()

	if w.markCreated(resp.WatchId, ws, resp.Header) {
		ws.mux.cli.core.wg.Add(1)
		go func() {
			defer ws.mux.cli.core.wg.Done()
			if err := ws.cancelWatch(resp.WatchId); err != nil {
				ws.logger.Debug("could not send deferred watch cancellation", zap.Int64("watch_id", resp.WatchId), zap.Error(err))
			}
		}()
	}

	if len(resp.Events) > 0 {
		w.deliver(resp)
	}
	return nil
}

func (ws *watchStream) resolveCanceled(resp *etcdserverpb.WatchResponse) {
	ws.mu.Lock()
	w, ok := ws.active[resp.WatchId]
	delete(ws.active, resp.WatchId)
	ws.mu.Unlock()

	if !ok {
		ws.logger.Debug("cancellation for an unknown watch", zap.Int64("watch_id", resp.WatchId))
		return
	}

	var reason error
	if !w.isCancelRequested() {
		reason = &WatchRejectedError{Reason: resp.CancelReason, CompactRevision: resp.CompactRevision}
		ws.logger.Warn("watch canceled by server", zap.Int64("watch_id", resp.WatchId), zap.Error(reason))
	}
	ws.mux.discard(w, reason)
}
