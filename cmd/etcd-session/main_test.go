package main

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/Ferlab-Ste-Justine/etcd-session/client"
	"github.com/Ferlab-Ste-Justine/etcd-session/testutils"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap/zaptest"
)

func fakeConnect(t *testing.T, cluster *testutils.FakeCluster) connectFunc {
	return func(ctx context.Context, opts client.EtcdClientOptions) (*client.EtcdClient, error) {
		opts.Dialer = cluster.Dialer()
		opts.DisableMemberRefresh = true
		opts.Logger = zaptest.NewLogger(t)
		return client.Connect(ctx, opts)
	}
}

func runCommand(ctx context.Context, t *testing.T, cluster *testutils.FakeCluster, args ...string) (string, error) {
	cmd, err := newRootCommand(fakeConnect(t, cluster))
	if err != nil {
		t.Fatalf("Error occured creating the root command: %s", err.Error())
	}

	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs(append([]string{"--endpoints", strings.Join(cluster.Endpoints(), ",")}, args...))

	err = cmd.ExecuteContext(ctx)
	return out.String(), err
}

func launchCluster(t *testing.T) *testutils.FakeCluster {
	cluster := testutils.NewFakeCluster(testutils.FakeClusterOpts{})
	t.Cleanup(cluster.Close)
	return cluster
}

func TestPutGetDel(t *testing.T) {
	cluster := launchCluster(t)
	ctx := context.Background()

	for _, key := range []string{"/app/b", "/app/a", "/other"} {
		_, err := runCommand(ctx, t, cluster, "put", key, "v"+key)
		if err != nil {
			t.Errorf("Error occured putting key %s: %s", key, err.Error())
		}
	}

	out, err := runCommand(ctx, t, cluster, "get", "/app/a")
	if err != nil {
		t.Errorf("Error occured getting a key: %s", err.Error())
	}
	if out != "/app/a=v/app/a\n" {
		t.Errorf("Unexpected output for a single key: %q", out)
	}

	out, err = runCommand(ctx, t, cluster, "get", "/app/", "--prefix", "--sort", "-key")
	if err != nil {
		t.Errorf("Error occured getting a prefix: %s", err.Error())
	}
	if out != "/app/b=v/app/b\n/app/a=v/app/a\n" {
		t.Errorf("Unexpected output for a prefix: %q", out)
	}

	out, err = runCommand(ctx, t, cluster, "get", "/app/", "--prefix", "--limit", "1")
	if err != nil {
		t.Errorf("Error occured getting a limited prefix: %s", err.Error())
	}
	if out != "/app/a=v/app/a\n...\n" {
		t.Errorf("Unexpected output for a limited prefix: %q", out)
	}

	out, err = runCommand(ctx, t, cluster, "del", "/app/", "--prefix")
	if err != nil {
		t.Errorf("Error occured deleting a prefix: %s", err.Error())
	}
	if out != "2 deleted\n" {
		t.Errorf("Unexpected output for a deletion: %q", out)
	}

	out, err = runCommand(ctx, t, cluster, "get", "/", "--end", "0")
	if err != nil {
		t.Errorf("Error occured getting a range: %s", err.Error())
	}
	if out != "/other=v/other\n" {
		t.Errorf("Expected only the key outside the deleted prefix to remain, got %q", out)
	}
}

func TestGetInvalidSort(t *testing.T) {
	cluster := launchCluster(t)

	_, err := runCommand(context.Background(), t, cluster, "get", "/app/", "--prefix", "--sort", "size")
	if err == nil {
		t.Errorf("Expected an invalid sort option to be rejected")
	}
}

func TestLeaseGrantRevoke(t *testing.T) {
	cluster := launchCluster(t)
	ctx := context.Background()

	out, err := runCommand(ctx, t, cluster, "lease", "grant", "60")
	if err != nil {
		t.Fatalf("Error occured granting a lease: %s", err.Error())
	}

	var id, ttl int64
	_, err = fmt.Sscanf(out, "lease %d granted with ttl %d", &id, &ttl)
	if err != nil {
		t.Fatalf("Unexpected output for a lease grant: %q", out)
	}
	if ttl != 60 {
		t.Errorf("Expected a ttl of 60, got %d", ttl)
	}

	_, err = runCommand(ctx, t, cluster, "put", "/leased", "value", "--ttl", "60")
	if err != nil {
		t.Errorf("Error occured putting a key with a lease: %s", err.Error())
	}
	if len(cluster.Leases()) != 2 {
		t.Errorf("Expected 2 leases, got %d", len(cluster.Leases()))
	}

	out, err = runCommand(ctx, t, cluster, "lease", "revoke", fmt.Sprintf("%d", id))
	if err != nil {
		t.Errorf("Error occured revoking a lease: %s", err.Error())
	}
	if out != fmt.Sprintf("lease %d revoked\n", id) {
		t.Errorf("Unexpected output for a lease revocation: %q", out)
	}
	if len(cluster.Leases()) != 1 {
		t.Errorf("Expected 1 lease left, got %d", len(cluster.Leases()))
	}

	_, err = runCommand(ctx, t, cluster, "lease", "revoke", "not-a-lease")
	if err == nil {
		t.Errorf("Expected an invalid lease id to be rejected")
	}
}

func TestPutKeepRevokesOnInterruption(t *testing.T) {
	cluster := launchCluster(t)

	_, err := runCommand(context.Background(), t, cluster, "put", "/kept", "value", "--keep")
	if err == nil {
		t.Errorf("Expected --keep without --ttl to be rejected")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	var out string
	go func() {
		var err error
		out, err = runCommand(ctx, t, cluster, "put", "/kept", "value", "--ttl", "1", "--keep", "--interval", "50ms")
		done <- err
	}()

	deadline := time.Now().Add(5 * time.Second)
	for len(cluster.Leases()) == 0 || cluster.KeepAliveCount(cluster.Leases()[0]) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("Lease was not kept alive in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Error occured keeping a key alive: %s", err.Error())
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Command did not exit after interruption")
	}

	if !strings.Contains(out, "revoked") {
		t.Errorf("Expected the lease to be revoked on exit, got %q", out)
	}
	if len(cluster.Leases()) != 0 {
		t.Errorf("Expected no lease left, got %d", len(cluster.Leases()))
	}

	got, err := runCommand(context.Background(), t, cluster, "get", "/kept")
	if err != nil {
		t.Errorf("Error occured getting the key: %s", err.Error())
	}
	if got != "" {
		t.Errorf("Expected the key to be deleted with its lease, got %q", got)
	}
}

func TestWatchReplay(t *testing.T) {
	cluster := launchCluster(t)
	ctx := context.Background()

	out, err := runCommand(ctx, t, cluster, "put", "/watched/a", "1")
	if err != nil {
		t.Fatalf("Error occured putting a key: %s", err.Error())
	}
	var revision int64
	fmt.Sscanf(out, "revision %d", &revision)

	runCommand(ctx, t, cluster, "put", "/watched/a", "2")
	runCommand(ctx, t, cluster, "put", "/unwatched", "3")
	runCommand(ctx, t, cluster, "del", "/watched/a")

	out, err = runCommand(ctx, t, cluster, "watch", "/watched/", "--prefix", "--prev-kv", "--rev", fmt.Sprintf("%d", revision), "--count", "3")
	if err != nil {
		t.Fatalf("Error occured watching a prefix: %s", err.Error())
	}

	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 {
		t.Fatalf("Expected 3 events, got %q", out)
	}
	if !strings.HasPrefix(lines[0], "PUT /watched/a=1 ") {
		t.Errorf("Unexpected first event: %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "PUT /watched/a=2, was 1 ") {
		t.Errorf("Unexpected second event: %q", lines[1])
	}
	if !strings.HasPrefix(lines[2], "DELETE /watched/a ") {
		t.Errorf("Unexpected third event: %q", lines[2])
	}
}

func TestWatchExitsOnInterruption(t *testing.T) {
	cluster := launchCluster(t)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := runCommand(ctx, t, cluster, "watch", "/quiet")
	if err != nil {
		t.Errorf("Expected an interrupted watch to exit cleanly, got %s", err.Error())
	}
}

func TestMembers(t *testing.T) {
	cluster := launchCluster(t)

	out, err := runCommand(context.Background(), t, cluster, "members")
	if err != nil {
		t.Fatalf("Error occured listing members: %s", err.Error())
	}

	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != len(cluster.Endpoints()) {
		t.Errorf("Expected %d members, got %q", len(cluster.Endpoints()), out)
	}
	for idx, endpoint := range cluster.Endpoints() {
		if !strings.Contains(out, fmt.Sprintf("etcd%d https://%s", idx, endpoint)) {
			t.Errorf("Expected member etcd%d with client url %s in %q", idx, endpoint, out)
		}
	}
}

func newTestConfig(t *testing.T) (*viper.Viper, *pflag.FlagSet) {
	v := viper.New()
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	addConnectionFlags(flags)
	if err := bindFlags(v, flags); err != nil {
		t.Fatalf("Error occured binding flags: %s", err.Error())
	}
	return v, flags
}

func TestClientOptionsDefaults(t *testing.T) {
	v, _ := newTestConfig(t)

	opts, err := clientOptions(v)
	if err != nil {
		t.Fatalf("Error occured building the options: %s", err.Error())
	}

	if len(opts.EtcdEndpoints) != 1 || opts.EtcdEndpoints[0] != "127.0.0.1:2379" {
		t.Errorf("Unexpected default endpoints: %v", opts.EtcdEndpoints)
	}
	if opts.Retries != 10 || opts.RetryInterval != time.Second {
		t.Errorf("Unexpected default retries: %d every %s", opts.Retries, opts.RetryInterval)
	}
	if opts.DisableMemberRefresh || opts.MemberRefreshInterval != 60*time.Second {
		t.Errorf("Expected the member refresh to be enabled every minute by default")
	}
}

func TestClientOptionsFromEnvironment(t *testing.T) {
	t.Setenv("ETCD_SESSION_ENDPOINTS", "10.0.0.1:2379, https://10.0.0.2:2379")
	t.Setenv("ETCD_SESSION_RETRIES", "3")
	t.Setenv("ETCD_SESSION_RETRY_INTERVAL", "250ms")
	t.Setenv("ETCD_SESSION_MEMBER_REFRESH_INTERVAL", "0s")

	v, flags := newTestConfig(t)

	opts, err := clientOptions(v)
	if err != nil {
		t.Fatalf("Error occured building the options: %s", err.Error())
	}

	if len(opts.EtcdEndpoints) != 2 || opts.EtcdEndpoints[0] != "10.0.0.1:2379" || opts.EtcdEndpoints[1] != "https://10.0.0.2:2379" {
		t.Errorf("Unexpected endpoints from the environment: %v", opts.EtcdEndpoints)
	}
	if opts.Retries != 3 || opts.RetryInterval != 250*time.Millisecond {
		t.Errorf("Unexpected retries from the environment: %d every %s", opts.Retries, opts.RetryInterval)
	}
	if !opts.DisableMemberRefresh {
		t.Errorf("Expected a zero refresh interval to disable the member refresh")
	}

	if err := flags.Set(retriesKey, "5"); err != nil {
		t.Fatalf("Error occured setting a flag: %s", err.Error())
	}
	opts, err = clientOptions(v)
	if err != nil {
		t.Fatalf("Error occured building the options: %s", err.Error())
	}
	if opts.Retries != 5 {
		t.Errorf("Expected the flag to take precedence over the environment, got %d retries", opts.Retries)
	}
}

func TestClientOptionsInvalidLogLevel(t *testing.T) {
	t.Setenv("ETCD_SESSION_LOG_LEVEL", "loud")
	v, _ := newTestConfig(t)

	_, err := clientOptions(v)
	if err == nil {
		t.Errorf("Expected an invalid log level to be rejected")
	}
}
