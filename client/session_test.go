package client

import (
	"context"
	"testing"
	"time"

	"go.etcd.io/etcd/api/v3/etcdserverpb"
	"google.golang.org/grpc/connectivity"
)

func TestFailoverKeepsCallsInFlight(t *testing.T) {
	cluster := launchFakeCluster(t, time.Second)
	cli := setupTestEnv(t, cluster, EtcdClientOptions{DisableMemberRefresh: true})

	sess, err := cli.core.sessions.current()
	if err != nil {
		t.Errorf("Error occured getting the session: %s", err.Error())
		return
	}

	//Another component fails over while the call is still holding the session
	cli.core.sessions.failover(sess)

	if sess.conn.GetState() == connectivity.Shutdown {
		t.Errorf("Expected the connection of a replaced session to stay open while it is held")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = sess.KV.Put(ctx, &etcdserverpb.PutRequest{Key: []byte("held"), Value: []byte("value")})
	if err != nil {
		t.Errorf("Expected a call on a replaced but held session to succeed and got: %s", err.Error())
	}

	sess.release()

	if sess.conn.GetState() != connectivity.Shutdown {
		t.Errorf("Expected the connection of a replaced session to be closed with its last release")
	}

	next, err := cli.core.sessions.current()
	if err != nil {
		t.Errorf("Error occured getting the new session: %s", err.Error())
		return
	}
	defer next.release()

	if next == sess {
		t.Errorf("Expected failing over to replace the session")
	}
}

func TestRetiredSessionWithoutCallsIsClosed(t *testing.T) {
	cluster := launchFakeCluster(t, time.Second)
	cli := setupTestEnv(t, cluster, EtcdClientOptions{DisableMemberRefresh: true})

	sess, err := cli.core.sessions.current()
	if err != nil {
		t.Errorf("Error occured getting the session: %s", err.Error())
		return
	}
	sess.release()

	cli.core.sessions.failover(sess)

	if sess.conn.GetState() != connectivity.Shutdown {
		t.Errorf("Expected the connection of a replaced session nobody holds to be closed right away")
	}
}
