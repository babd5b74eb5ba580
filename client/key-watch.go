package client

import (
	"strings"
	"sync"

	"github.com/Ferlab-Ste-Justine/etcd-session/keymodels"
	"go.uber.org/zap"
)

/*
Multiplexes all the watchers of a client on a single watch stream and replaces the stream when it fails.
*/
type watchMux struct {
	cli    *EtcdClient
	logger *zap.Logger

	mu       sync.Mutex
	current  *watchStream
	//Live watchers in the order they were added, recreated in that order on a new stream
	watchers []*Watcher
	started  bool
	closed   bool
}

func newWatchMux(cli *EtcdClient) *watchMux {
	return &watchMux{
		cli:      cli,
		logger:   cli.core.logger.With(zap.String("component", "watch")),
		watchers: []*Watcher{},
	}
}

func (m *watchMux) add(w *Watcher) error {
	m.mu.Lock()
	if m.closed || m.cli.closed() {
		m.mu.Unlock()
		return ErrClientClosed
	}

	m.watchers = append(m.watchers, w)
	m.cli.core.metrics.ActiveWatchers.Inc()

	if !m.started {
		m.started = true
		m.cli.core.wg.Add(1)
		go func() {
			defer m.cli.core.wg.Done()
			m.supervise()
		}()
	}

	//Assigned under the lock so that attach either sees the watcher or the watcher sees the new stream
	ws := m.current
	if ws != nil {
		w.markPending(ws)
	}
	m.mu.Unlock()

	if ws != nil {
		if err := ws.create(w); err != nil {
			//The stream is failing, the watcher will be recreated on the next one
			m.logger.Debug("could not send watch creation", zap.String("key", w.Key), zap.Error(err))
		}
	}

	return nil
}

/*
Stops tracking the watcher and moves it to its terminal state.
*/
func (m *watchMux) discard(w *Watcher, reason error) {
	m.mu.Lock()
	for idx, tracked := range m.watchers {
		if tracked == w {
			m.watchers = append(m.watchers[:idx:idx], m.watchers[idx+1:]...)
			m.cli.core.metrics.ActiveWatchers.Dec()
			break
		}
	}
	m.mu.Unlock()

	w.finish(reason)
}

func (m *watchMux) shutdown() {
	m.mu.Lock()
	m.closed = true
	watchers := m.watchers
	m.watchers = []*Watcher{}
	m.current = nil
	m.mu.Unlock()

	for _, w := range watchers {
		if w.finish(ErrClientClosed) {
			m.cli.core.metrics.ActiveWatchers.Dec()
		}
	}
}

/*
Opens a stream and recreates all the live watchers on it.
*/
func (m *watchMux) attach() (*watchStream, *Session, error) {
	sess, err := m.cli.core.sessions.current()
	if err != nil {
		return nil, nil, err
	}

	ws, err := openWatchStream(m, sess)
	if err != nil {
		return nil, sess, err
	}

	m.mu.Lock()
	m.current = ws
	watchers := append([]*Watcher{}, m.watchers...)
	for _, w := range watchers {
		w.markPending(ws)
	}
	m.mu.Unlock()

	for _, w := range watchers {
		if err := ws.create(w); err != nil {
			m.logger.Debug("could not send watch creation", zap.String("key", w.Key), zap.Error(err))
			break
		}
	}
	m.logger.Debug("watch stream opened", zap.String("endpoint", sess.Endpoint.Address()), zap.Int("watchers", len(watchers)))

	return ws, sess, nil
}

/*
Moves the watchers of a failed stream back to pending, finishing those whose cancellation was requested.
*/
func (m *watchMux) detach(ws *watchStream) {
	m.mu.Lock()
	if m.current == ws {
		m.current = nil
	}
	live := []*Watcher{}
	canceled := []*Watcher{}
	for _, w := range m.watchers {
		if w.isCancelRequested() {
			canceled = append(canceled, w)
			m.cli.core.metrics.ActiveWatchers.Dec()
			continue
		}
		w.markPending(nil)
		live = append(live, w)
	}
	m.watchers = live
	m.mu.Unlock()

	for _, w := range canceled {
		w.finish(nil)
	}
}

func (m *watchMux) supervise() {
	defer m.shutdown()

	lifetime := m.cli.core.lifetime
	interval := m.cli.core.opts.WatchReconnectInterval

	for !m.cli.closed() {
		ws, sess, err := m.attach()
		if err != nil {
			if sess != nil {
				sess.release()
			}
			if m.cli.closed() {
				return
			}
			m.logger.Warn("could not open watch stream", zap.Error(err))
			if sess != nil {
				m.cli.core.sessions.failover(sess)
			}
			if !m.cli.sleep(lifetime, interval) {
				return
			}
			continue
		}

		<-ws.done
		m.detach(ws)
		sess.release()

		if m.cli.closed() {
			return
		}

		m.cli.core.metrics.WatchReconnects.Inc()
		m.logger.Warn("watch stream failed, reconnecting", zap.String("endpoint", sess.Endpoint.Address()), zap.Error(ws.Err()))
		m.cli.core.sessions.failover(sess)

		if !m.cli.sleep(lifetime, interval) {
			return
		}
	}
}

type WatchOptions struct {
	//End of the watched range, exclusive. Ignored if IsPrefix is set.
	RangeEnd   string
	IsPrefix   bool
	//Revision to start watching from. 0 watches changes after the current revision.
	Revision   int64
	PrevKv     bool
	//Strip the watched key from the keys of the notifications returned by Watch
	TrimPrefix bool
}

/*
Creates a watcher over the key (or range) and waits until the server acknowledges it.
Events are read with the watcher's Next or NextBatch methods and it keeps delivering across
reconnections until it is canceled or the client is closed.
*/
func (cli *EtcdClient) Subscribe(key string, opts WatchOptions) (*Watcher, error) {
	rangeEnd := opts.RangeEnd
	if opts.IsPrefix {
		rangeEnd = PrefixRangeEnd(key)
	}

	w := newWatcher(cli.core.watches, key, rangeEnd, opts.Revision, opts.PrevKv)
	if err := cli.core.watches.add(w); err != nil {
		return nil, err
	}

	select {
	case <-w.created:
		return w, nil
	case <-w.done:
		err := w.Err()
		if err == nil {
			err = ErrWatchCanceled
		}
		return nil, err
	case <-cli.Context.Done():
		cli.abandonWatcher(w)
		return nil, cli.Context.Err()
	}
}

func (cli *EtcdClient) abandonWatcher(w *Watcher) {
	ctx, cancel := cli.requestContext(cli.core.lifetime)
	defer cancel()

	if err := w.Cancel(ctx); err != nil {
		cli.core.logger.Debug("watch cancellation not acknowledged", zap.String("key", w.Key), zap.Error(err))
	}
}

type WatchNotification struct {
	Changes keymodels.WatchInfo
	Events  []keymodels.WatchEvent
	Error   error
}

/*
Watch the key (or prefix or range) for changes and returns a channel that notifies of any changes,
one notification per store revision. Reconnections are handled internally. The channel is closed
when the client's context is canceled, after a terminal error notification, or when the client is closed.
*/
func (cli *EtcdClient) Watch(wKey string, opts WatchOptions) <-chan WatchNotification {
	outChan := make(chan WatchNotification)

	go func() {
		defer close(outChan)

		w, err := cli.Subscribe(wKey, opts)
		if err != nil {
			if cli.Context.Err() == nil {
				select {
				case outChan <- WatchNotification{Error: err}:
				case <-cli.Context.Done():
				}
			}
			return
		}
		defer cli.abandonWatcher(w)

		for {
			events, err := w.NextBatch(cli.Context)
			if err != nil {
				if cli.Context.Err() != nil {
					return
				}
				select {
				case outChan <- WatchNotification{Error: err}:
				case <-cli.Context.Done():
				}
				return
			}

			if opts.TrimPrefix {
				for idx := range events {
					events[idx].Key = strings.TrimPrefix(events[idx].Key, wKey)
				}
			}

			select {
			case outChan <- WatchNotification{Changes: keymodels.NewWatchInfo(events), Events: events}:
			case <-cli.Context.Done():
				return
			}
		}
	}()

	return outChan
}
