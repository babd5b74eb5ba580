package client

import (
	"context"
	"testing"
	"time"

	"github.com/Ferlab-Ste-Justine/etcd-session/testutils"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap/zaptest"
)

/*
Runs the client against a real etcd cluster, using the official etcd client to observe its effects.
*/
func TestAgainstEtcdCluster(t *testing.T) {
	if testing.Short() || !testutils.EtcdBinaryAvailable() {
		t.Skip("Skipping test against a real etcd cluster: short mode or no etcd binary in the path")
	}

	clusterOpts := testutils.EtcdTestClusterOpts{Insecure: true}
	tearDown, launchErr := testutils.LaunchTestEtcdCluster(t.TempDir(), clusterOpts)
	if launchErr != nil {
		t.Errorf("Error occured launching test etcd cluster: %s", launchErr.Error())
		return
	}

	defer func() {
		errs := tearDown()
		if len(errs) > 0 {
			t.Errorf("Errors occured tearing down etcd cluster: %s", errs[0].Error())
		}
	}()

	clusterOpts.SetDefaults("")
	endpoints := clusterOpts.ClientEndpoints()

	cli, err := Connect(context.Background(), EtcdClientOptions{
		EtcdEndpoints:          endpoints,
		ConnectionTimeout:      time.Second,
		RequestTimeout:         2 * time.Second,
		RetryInterval:          500 * time.Millisecond,
		Retries:                40,
		WatchReconnectInterval: 100 * time.Millisecond,
		Logger:                 zaptest.NewLogger(t),
	})
	if err != nil {
		t.Errorf("Test setup failed at the connection stage: %s", err.Error())
		return
	}
	defer cli.Close()

	observer, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Errorf("Failed to create the observer client: %s", err.Error())
		return
	}
	defer observer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	observed := observer.Watch(ctx, "/integration/", clientv3.WithPrefix())

	_, err = cli.PutKey("/integration/from-session", "value1")
	if err != nil {
		t.Errorf("Error occured setting a key: %s", err.Error())
		return
	}

	select {
	case resp := <-observed:
		if len(resp.Events) != 1 || string(resp.Events[0].Kv.Value) != "value1" {
			t.Errorf("Expected the observer to see the put of value1")
		}
	case <-ctx.Done():
		t.Errorf("Observer did not see the put")
	}

	w, err := cli.Subscribe("/integration/from-observer", WatchOptions{})
	if err != nil {
		t.Errorf("Error occured creating the watch: %s", err.Error())
		return
	}

	_, err = observer.Put(ctx, "/integration/from-observer", "value2")
	if err != nil {
		t.Errorf("Observer failed to set a key: %s", err.Error())
	}

	ev, err := w.Next(ctx)
	if err != nil {
		t.Errorf("Error occured waiting for a watch event: %s", err.Error())
	} else if ev.Value != "value2" {
		t.Errorf("Expected the watch to see the observer's put of value2 and got %s", ev.Value)
	}

	lease, err := cli.GrantLease(5, 0)
	if err != nil {
		t.Errorf("Error occured granting a lease: %s", err.Error())
		return
	}
	_, err = cli.Put("/integration/leased", "value3", PutOptions{Lease: lease.ID})
	if err != nil {
		t.Errorf("Error occured setting a key with a lease: %s", err.Error())
	}
	err = cli.KeepLeaseAlive(lease.ID, time.Second)
	if err != nil {
		t.Errorf("Error occured keeping alive the lease: %s", err.Error())
	}

	time.Sleep(6 * time.Second)

	ttl, err := observer.TimeToLive(ctx, clientv3.LeaseID(lease.ID))
	if err != nil {
		t.Errorf("Observer failed to get the lease ttl: %s", err.Error())
	} else if ttl.TTL <= 0 {
		t.Errorf("Expected the kept alive lease to still be alive past its ttl")
	}

	err = cli.RevokeLease(lease.ID)
	if err != nil {
		t.Errorf("Error occured revoking the lease: %s", err.Error())
	}

	getResp, err := observer.Get(ctx, "/integration/leased")
	if err != nil {
		t.Errorf("Observer failed to get a key: %s", err.Error())
	} else if len(getResp.Kvs) != 0 {
		t.Errorf("Expected the key of the revoked lease to be deleted")
	}

	members, err := cli.GetMembers()
	if err != nil {
		t.Errorf("Getting members failed: %s", err.Error())
	} else if len(members.Members) != 3 {
		t.Errorf("Expected 3 members in the reply, not %d", len(members.Members))
	}

	if err := w.Cancel(ctx); err != nil {
		t.Errorf("Error occured canceling the watch: %s", err.Error())
	}
}
