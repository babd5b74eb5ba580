package client

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
)

//One second of lease ttl lasts this long on the fake cluster
const leaseUnit = 50 * time.Millisecond

func TestGrantLease(t *testing.T) {
	cluster := launchFakeCluster(t, leaseUnit)
	cli := setupTestEnv(t, cluster, EtcdClientOptions{DisableMemberRefresh: true})

	lease, err := cli.GrantLease(10, 0)
	if err != nil {
		t.Errorf("Error occured granting a lease: %s", err.Error())
		return
	}
	if lease.ID == 0 || lease.Ttl != 10 {
		t.Errorf("Expected a lease with a server assigned id and a ttl of 10, got id %d and ttl %d", lease.ID, lease.Ttl)
	}
	if lease.Deadline().Before(time.Now()) {
		t.Errorf("Expected the deadline of a new lease to be in the future")
	}

	chosen, err := cli.GrantLease(10, 5000)
	if err != nil {
		t.Errorf("Error occured granting a lease with a chosen id: %s", err.Error())
	}
	if chosen.ID != 5000 {
		t.Errorf("Expected the lease to have the chosen id 5000 and it had %d", chosen.ID)
	}

	_, err = cli.GrantLease(10, 5000)
	if !errors.Is(err, rpctypes.ErrGRPCLeaseExist) {
		t.Errorf("Expected granting an existing lease id to fail with lease exists and got: %v", err)
	}

	err = cli.KeepLeaseAlive(5000, 0)
	if err == nil {
		t.Errorf("Expected keeping alive a lease with a zero interval to fail")
	}
}

func TestKeepLeaseAlive(t *testing.T) {
	cluster := launchFakeCluster(t, leaseUnit)
	cli := setupTestEnv(t, cluster, EtcdClientOptions{DisableMemberRefresh: true})

	lease, err := cli.GrantLease(4, 0)
	if err != nil {
		t.Errorf("Error occured granting a lease: %s", err.Error())
		return
	}

	_, err = cli.Put("leased", "value", PutOptions{Lease: lease.ID})
	if err != nil {
		t.Errorf("Error occured setting a key with a lease: %s", err.Error())
	}

	err = cli.KeepLeaseAlive(lease.ID, 30*time.Millisecond)
	if err != nil {
		t.Errorf("Error occured keeping alive the lease: %s", err.Error())
	}
	err = cli.KeepLeaseAlive(lease.ID, 30*time.Millisecond)
	if err != nil {
		t.Errorf("Expected keeping alive a lease twice to succeed and got: %s", err.Error())
	}

	kept := cli.KeptAliveLeases()
	if len(kept) != 1 || kept[0] != lease.ID {
		t.Errorf("Expected the lease to be listed as kept alive")
	}

	//Well past the ttl of 200ms
	time.Sleep(600 * time.Millisecond)

	info, err := cli.GetKey("leased", GetKeyOptions{})
	if err != nil {
		t.Errorf("Error occured getting a key: %s", err.Error())
	}
	if !info.Found() || info.Lease != lease.ID {
		t.Errorf("Expected the key of a kept alive lease to still exist")
	}

	if count := cluster.KeepAliveCount(lease.ID); count < 5 {
		t.Errorf("Expected at least 5 keep alives to reach the cluster and there were %d", count)
	}
	if renewals := testutil.ToFloat64(cli.Metrics().LeaseRenewals.WithLabelValues("ok")); renewals < 5 {
		t.Errorf("Expected at least 5 successful renewals to be counted and there were %f", renewals)
	}
}

func TestRevokeLease(t *testing.T) {
	cluster := launchFakeCluster(t, leaseUnit)
	cli := setupTestEnv(t, cluster, EtcdClientOptions{DisableMemberRefresh: true})

	lease, err := cli.GrantLease(20, 0)
	if err != nil {
		t.Errorf("Error occured granting a lease: %s", err.Error())
		return
	}

	_, err = cli.Put("leased", "value", PutOptions{Lease: lease.ID})
	if err != nil {
		t.Errorf("Error occured setting a key with a lease: %s", err.Error())
	}

	err = cli.KeepLeaseAlive(lease.ID, 20*time.Millisecond)
	if err != nil {
		t.Errorf("Error occured keeping alive the lease: %s", err.Error())
	}

	renewed := waitFor(5*time.Second, func() bool {
		return cluster.KeepAliveCount(lease.ID) >= 2
	})
	if !renewed {
		t.Errorf("Expected the lease to be renewed before revoking it")
	}

	err = cli.RevokeLease(lease.ID)
	if err != nil {
		t.Errorf("Error occured revoking the lease: %s", err.Error())
	}

	if len(cli.KeptAliveLeases()) != 0 {
		t.Errorf("Expected the revoked lease not to be kept alive anymore")
	}

	info, err := cli.GetKey("leased", GetKeyOptions{})
	if err != nil {
		t.Errorf("Error occured getting a key: %s", err.Error())
	}
	if info.Found() {
		t.Errorf("Expected the key attached to the revoked lease to be deleted")
	}

	count := cluster.KeepAliveCount(lease.ID)
	time.Sleep(150 * time.Millisecond)
	if after := cluster.KeepAliveCount(lease.ID); after != count {
		t.Errorf("Expected no keep alive after the revocation and there were %d more", after-count)
	}

	if len(cluster.Leases()) != 0 {
		t.Errorf("Expected the revoked lease to be gone from the cluster")
	}
}

func TestExpiredLeaseStopsKeepAlive(t *testing.T) {
	cluster := launchFakeCluster(t, leaseUnit)
	cli := setupTestEnv(t, cluster, EtcdClientOptions{DisableMemberRefresh: true})

	lease, err := cli.GrantLease(2, 0)
	if err != nil {
		t.Errorf("Error occured granting a lease: %s", err.Error())
		return
	}

	expired := waitFor(5*time.Second, func() bool {
		return len(cluster.Leases()) == 0
	})
	if !expired {
		t.Errorf("Expected the lease to expire without keep alives")
	}

	err = cli.KeepLeaseAlive(lease.ID, 20*time.Millisecond)
	if err != nil {
		t.Errorf("Error occured keeping alive the lease: %s", err.Error())
	}

	untracked := waitFor(5*time.Second, func() bool {
		return len(cli.KeptAliveLeases()) == 0
	})
	if !untracked {
		t.Errorf("Expected the expired lease to stop being kept alive")
	}

	if count := cluster.KeepAliveCount(lease.ID); count != 1 {
		t.Errorf("Expected a single keep alive for an expired lease and there were %d", count)
	}
	if renewals := testutil.ToFloat64(cli.Metrics().LeaseRenewals.WithLabelValues("expired")); renewals != 1 {
		t.Errorf("Expected the expiry to be counted once and it was counted %f times", renewals)
	}
}

func TestKeepAliveRecoversFromFailures(t *testing.T) {
	cluster := launchFakeCluster(t, leaseUnit)
	cli := setupTestEnv(t, cluster, EtcdClientOptions{DisableMemberRefresh: true})

	lease, err := cli.GrantLease(20, 0)
	if err != nil {
		t.Errorf("Error occured granting a lease: %s", err.Error())
		return
	}

	cluster.FailNextKeepAlives(2)
	err = cli.KeepLeaseAlive(lease.ID, 20*time.Millisecond)
	if err != nil {
		t.Errorf("Error occured keeping alive the lease: %s", err.Error())
	}

	renewed := waitFor(5*time.Second, func() bool {
		return testutil.ToFloat64(cli.Metrics().LeaseRenewals.WithLabelValues("ok")) >= 1
	})
	if !renewed {
		t.Errorf("Expected the lease to be renewed once the keep alive failures stopped")
	}

	if failures := testutil.ToFloat64(cli.Metrics().LeaseRenewals.WithLabelValues("unreachable")); failures != 2 {
		t.Errorf("Expected 2 failed renewals to be counted and there were %f", failures)
	}
	if len(cli.KeptAliveLeases()) != 1 {
		t.Errorf("Expected the lease to still be kept alive after failed renewals")
	}
}

func TestStopLeaseKeepAlive(t *testing.T) {
	cluster := launchFakeCluster(t, leaseUnit)
	cli := setupTestEnv(t, cluster, EtcdClientOptions{DisableMemberRefresh: true})

	lease, err := cli.GrantLease(4, 0)
	if err != nil {
		t.Errorf("Error occured granting a lease: %s", err.Error())
		return
	}

	_, err = cli.Put("leased", "value", PutOptions{Lease: lease.ID})
	if err != nil {
		t.Errorf("Error occured setting a key with a lease: %s", err.Error())
	}

	err = cli.KeepLeaseAlive(lease.ID, 20*time.Millisecond)
	if err != nil {
		t.Errorf("Error occured keeping alive the lease: %s", err.Error())
	}

	if !cli.StopLeaseKeepAlive(lease.ID) {
		t.Errorf("Expected stopping the keep alive of a kept alive lease to return true")
	}
	if cli.StopLeaseKeepAlive(lease.ID) {
		t.Errorf("Expected stopping the keep alive of a lease that isn't kept alive to return false")
	}

	deleted := waitFor(5*time.Second, func() bool {
		info, err := cli.GetKey("leased", GetKeyOptions{})
		return err == nil && !info.Found()
	})
	if !deleted {
		t.Errorf("Expected the key to be deleted once its lease expired")
	}
}
