package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	raftv3 "go.etcd.io/raft/v3"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	//No endpoint is available to select from. Never retried.
	ErrNoEndpoints   = errors.New("No etcd endpoint is configured")
	//The client was closed while the operation was in progress
	ErrClientClosed  = errors.New("Etcd client is closed")
	//Returned by Watcher.Next once a canceled watcher has been drained
	ErrWatchCanceled = errors.New("Watch was canceled")
)

/*
The watch stream received a message that can not be correlated with any watcher.
The stream it occured on is discarded and replaced.
*/
type ProtocolFaultError struct {
	WatchId int64
	Reason  string
}

func (e *ProtocolFaultError) Error() string {
	return fmt.Sprintf("Watch stream protocol fault on watch id %d: %s", e.WatchId, e.Reason)
}

/*
The server refused to create or maintain a watch.
*/
type WatchRejectedError struct {
	Reason          string
	CompactRevision int64
}

func (e *WatchRejectedError) Error() string {
	if e.CompactRevision > 0 {
		return fmt.Sprintf("Watch canceled by server, revision compacted at %d: %s", e.CompactRevision, e.Reason)
	}
	return fmt.Sprintf("Watch canceled by server: %s", e.Reason)
}

type InvalidSortError struct {
	SortBy string
}

func (e *InvalidSortError) Error() string {
	return fmt.Sprintf("Invalid sort option '%s': target must be one of key, version, create, mod, value", e.SortBy)
}

/*
Returns true if the error was caused by the connection to the endpoint rather than by the server
rejecting the request. ctx is the caller's context: cancellations and deadlines it caused are not
connectivity failures.
*/
func isConnectivityError(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil {
		return false
	}

	if errors.Is(err, ErrNoEndpoints) || errors.Is(err, ErrClientClosed) {
		return false
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	stat, ok := status.FromError(err)
	if !ok {
		return false
	}

	switch stat.Code() {
	case codes.Unavailable:
		return true
	case codes.Canceled, codes.DeadlineExceeded:
		//The caller's context is alive so the transport gave up on the call
		return true
	}

	return stat.Message() == raftv3.ErrProposalDropped.Error()
}

/*
Returns true if the server reported that the lease does not exist.
*/
func isLeaseNotFound(err error) bool {
	if errors.Is(err, rpctypes.ErrGRPCLeaseNotFound) {
		return true
	}
	return rpctypes.Error(err) == rpctypes.ErrLeaseNotFound
}
