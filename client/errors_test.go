package client

import (
	"context"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"

	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	raftv3 "go.etcd.io/raft/v3"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestIsConnectivityError(t *testing.T) {
	live := context.Background()

	retryable := []error{
		status.Error(codes.Unavailable, "etcdserver: leader changed"),
		status.Error(codes.DeadlineExceeded, "context deadline exceeded"),
		status.Error(codes.Canceled, "grpc: the client connection is closing"),
		status.Error(codes.Unknown, raftv3.ErrProposalDropped.Error()),
		io.EOF,
		fmt.Errorf("Failed to read: %w", io.ErrUnexpectedEOF),
		&net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED},
	}
	for _, err := range retryable {
		if !isConnectivityError(live, err) {
			t.Errorf("Expected %v to be a connectivity error", err)
		}
	}

	rejections := []error{
		nil,
		status.Error(codes.InvalidArgument, "bad request"),
		status.Error(codes.NotFound, "not found"),
		status.Error(codes.FailedPrecondition, "failed precondition"),
		rpctypes.ErrGRPCLeaseNotFound,
		rpctypes.ErrGRPCCompacted,
		ErrNoEndpoints,
		ErrClientClosed,
		fmt.Errorf("Failed to connect: %w", ErrNoEndpoints),
		&InvalidSortError{SortBy: "size"},
	}
	for _, err := range rejections {
		if isConnectivityError(live, err) {
			t.Errorf("Expected %v not to be a connectivity error", err)
		}
	}

	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	if isConnectivityError(canceled, status.Error(codes.Canceled, "context canceled")) {
		t.Errorf("Expected a cancellation caused by the caller not to be a connectivity error")
	}
	if isConnectivityError(canceled, status.Error(codes.Unavailable, "unavailable")) {
		t.Errorf("Expected no error to be retried once the caller's context is done")
	}
}

func TestIsLeaseNotFound(t *testing.T) {
	if !isLeaseNotFound(rpctypes.ErrGRPCLeaseNotFound) {
		t.Errorf("Expected the grpc lease not found error to be detected")
	}
	if !isLeaseNotFound(status.Error(codes.NotFound, "etcdserver: requested lease not found")) {
		t.Errorf("Expected a lease not found status to be detected")
	}
	if isLeaseNotFound(status.Error(codes.NotFound, "something else")) {
		t.Errorf("Expected other not found errors not to be detected as lease not found")
	}
}

func TestErrorMessages(t *testing.T) {
	fault := &ProtocolFaultError{WatchId: 3, Reason: "event for an unknown watch"}
	if fault.Error() == "" {
		t.Errorf("Expected protocol fault error to have a message")
	}

	rejected := &WatchRejectedError{Reason: "compacted", CompactRevision: 12}
	if rejected.Error() == "" {
		t.Errorf("Expected watch rejection error to have a message")
	}
}
