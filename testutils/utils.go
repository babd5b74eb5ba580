package testutils

import (
	"fmt"
	"os"
	"os/exec"
	"path"
	"strings"
)

func removeIfExists(path string) error {
	_, err := os.Stat(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return err
		}

		return nil
	}

	return os.RemoveAll(path)
}

/*
Returns true if an etcd binary can be found in the binary path
*/
func EtcdBinaryAvailable() bool {
	_, err := exec.LookPath("etcd")
	return err == nil
}

type TeardownTestCluster func() []error

type EtcdTestMember struct {
	Name       string
	Ip         string
	DataDir    string
	LogFile    string
	ClientPort int64
	PeerPort   int64
}

func (member *EtcdTestMember) ClientUrl(scheme string) string {
	return fmt.Sprintf("%s://%s:%d", scheme, member.Ip, member.ClientPort)
}

func (member *EtcdTestMember) PeerUrl(scheme string) string {
	return fmt.Sprintf("%s://%s:%d", scheme, member.Ip, member.PeerPort)
}

type EtcdTestClusterOpts struct {
	CaCertPath     string
	ServerCertPath string
	ServerKeyPath  string
	//Serve plain http without client certificate authentication
	Insecure       bool
	Ips            []string
	ClientPort     int64
	PeerPort       int64
}

func (opts *EtcdTestClusterOpts) SetDefaults(testDir string) {
	if !opts.Insecure {
		if opts.CaCertPath == "" {
			opts.CaCertPath = path.Join(testDir, "certs", "ca.crt")
		}

		if opts.ServerCertPath == "" {
			opts.ServerCertPath = path.Join(testDir, "certs", "server.crt")
		}

		if opts.ServerKeyPath == "" {
			opts.ServerKeyPath = path.Join(testDir, "certs", "server.key")
		}
	}

	if len(opts.Ips) != 3 {
		opts.Ips = []string{"127.0.0.1", "127.0.0.2", "127.0.0.3"}
	}

	if opts.ClientPort == 0 {
		opts.ClientPort = 3379
	}

	if opts.PeerPort == 0 {
		opts.PeerPort = 3380
	}
}

func (opts *EtcdTestClusterOpts) scheme() string {
	if opts.Insecure {
		return "http"
	}
	return "https"
}

/*
Client urls of the cluster members that would be launched with the options
*/
func (opts *EtcdTestClusterOpts) ClientEndpoints() []string {
	endpoints := []string{}
	for _, ip := range opts.Ips {
		endpoints = append(endpoints, fmt.Sprintf("%s:%d", ip, opts.ClientPort))
	}
	return endpoints
}

func (opts *EtcdTestClusterOpts) memberArgs(member EtcdTestMember, initialCluster string) []string {
	scheme := opts.scheme()
	args := []string{
		"--name", member.Name,
		"--advertise-client-urls", member.ClientUrl(scheme),
		"--listen-client-urls", member.ClientUrl(scheme),
		"--initial-advertise-peer-urls", member.PeerUrl(scheme),
		"--listen-peer-urls", member.PeerUrl(scheme),
		"--initial-cluster-token", "etcd-test-cluster",
		"--initial-cluster", initialCluster,
		"--data-dir", member.DataDir,
		"--log-outputs", member.LogFile,
		"--initial-cluster-state", "new",
	}

	if !opts.Insecure {
		args = append(args,
			"--client-cert-auth",
			"--trusted-ca-file", opts.CaCertPath,
			"--cert-file", opts.ServerCertPath,
			"--key-file", opts.ServerKeyPath,
			"--peer-client-cert-auth",
			"--peer-trusted-ca-file", opts.CaCertPath,
			"--peer-cert-file", opts.ServerCertPath,
			"--peer-key-file", opts.ServerKeyPath,
		)
	}

	return args
}

/*
Launch of trio of etcd nodes, running on loopback addresses by default and configured for mTLS unless
Insecure is set. A teardown method is returned to shut them down.
It is assumed that a recent etcd binary is located in the binary path.
*/
func LaunchTestEtcdCluster(testDir string, opts EtcdTestClusterOpts) (TeardownTestCluster, error) {
	opts.SetDefaults(testDir)

	members := []EtcdTestMember{}
	for idx, ip := range opts.Ips {
		name := fmt.Sprintf("etcd%d", idx)
		members = append(members, EtcdTestMember{
			Name:       name,
			Ip:         ip,
			DataDir:    path.Join(testDir, name+"-data"),
			LogFile:    path.Join(testDir, "etcd-logs", name+".log"),
			ClientPort: opts.ClientPort,
			PeerPort:   opts.PeerPort,
		})
	}

	err := removeIfExists(path.Join(testDir, "etcd-logs"))
	if err != nil {
		return func() []error { return nil }, err
	}

	for _, member := range members {
		err := removeIfExists(member.DataDir)
		if err != nil {
			return func() []error { return nil }, err
		}
	}

	err = os.MkdirAll(path.Join(testDir, "etcd-logs"), 0770)
	if err != nil {
		return func() []error { return nil }, err
	}

	initalClusterArr := []string{}
	for _, member := range members {
		initalClusterArr = append(initalClusterArr, fmt.Sprintf("%s=%s", member.Name, member.PeerUrl(opts.scheme())))
	}
	initialCluster := strings.Join(initalClusterArr, ",")

	cmds := []*exec.Cmd{}
	for _, member := range members {
		cmd := exec.Command("etcd", opts.memberArgs(member, initialCluster)...)
		err := cmd.Start()
		if err != nil {
			for _, cmd := range cmds {
				cmd.Process.Kill()
			}
			return func() []error { return nil }, err
		}
		cmds = append(cmds, cmd)
	}

	return func() []error {
		errs := []error{}
		for _, cmd := range cmds {
			err := cmd.Process.Kill()
			if err != nil {
				errs = append(errs, err)
			} else {
				cmd.Process.Wait()
			}
		}
		return errs
	}, nil
}
