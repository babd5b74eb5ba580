package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/Ferlab-Ste-Justine/etcd-session/client"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const envPrefix = "ETCD_SESSION"

const (
	endpointsKey         = "endpoints"
	caCertKey            = "ca-cert"
	clientCertKey        = "client-cert"
	clientKeyKey         = "client-key"
	connectionTimeoutKey = "connection-timeout"
	requestTimeoutKey    = "request-timeout"
	retriesKey           = "retries"
	retryIntervalKey     = "retry-interval"
	memberRefreshKey     = "member-refresh-interval"
	logLevelKey          = "log-level"
)

func addConnectionFlags(flags *pflag.FlagSet) {
	flags.StringSlice(endpointsKey, []string{"127.0.0.1:2379"}, "etcd endpoints, as host:port or urls")
	flags.String(caCertKey, "", "ca certificate used to verify the servers, enables tls")
	flags.String(clientCertKey, "", "client certificate for mutual tls")
	flags.String(clientKeyKey, "", "client key for mutual tls")
	flags.Duration(connectionTimeoutKey, 5*time.Second, "timeout to establish a connection")
	flags.Duration(requestTimeoutKey, 10*time.Second, "timeout of each request attempt")
	flags.Uint64(retriesKey, 10, "attempts made for a request before giving up")
	flags.Duration(retryIntervalKey, time.Second, "wait between attempts")
	flags.Duration(memberRefreshKey, 60*time.Second, "interval between refreshes of the endpoints from the member list, 0 disables it")
	flags.String(logLevelKey, "warn", "log level (debug|info|warn|error)")
}

/*
Binds the flags to viper keys, with ETCD_SESSION_ prefixed environment variables as fallback
*/
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	keys := []string{
		endpointsKey, caCertKey, clientCertKey, clientKeyKey, connectionTimeoutKey,
		requestTimeoutKey, retriesKey, retryIntervalKey, memberRefreshKey, logLevelKey,
	}
	for _, key := range keys {
		flag := flags.Lookup(key)
		if flag == nil {
			return fmt.Errorf("Flag %s is not defined", key)
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return err
		}
	}
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	atomicLevel, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("Invalid log level '%s': %w", level, err)
	}

	conf := zap.NewProductionConfig()
	conf.Level = atomicLevel
	conf.Encoding = "console"
	conf.OutputPaths = []string{"stderr"}
	return conf.Build()
}

/*
Builds the client options from the bound flags and environment
*/
func clientOptions(v *viper.Viper) (client.EtcdClientOptions, error) {
	logger, err := newLogger(v.GetString(logLevelKey))
	if err != nil {
		return client.EtcdClientOptions{}, err
	}

	endpoints := []string{}
	for _, endpoint := range v.GetStringSlice(endpointsKey) {
		//Comma separated lists come unsplit from the environment
		for _, part := range strings.Split(endpoint, ",") {
			if part = strings.TrimSpace(part); part != "" {
				endpoints = append(endpoints, part)
			}
		}
	}

	refresh := v.GetDuration(memberRefreshKey)

	return client.EtcdClientOptions{
		EtcdEndpoints:         endpoints,
		CaCertPath:            v.GetString(caCertKey),
		ClientCertPath:        v.GetString(clientCertKey),
		ClientKeyPath:         v.GetString(clientKeyKey),
		ConnectionTimeout:     v.GetDuration(connectionTimeoutKey),
		RequestTimeout:        v.GetDuration(requestTimeoutKey),
		Retries:               v.GetUint64(retriesKey),
		RetryInterval:         v.GetDuration(retryIntervalKey),
		MemberRefreshInterval: refresh,
		DisableMemberRefresh:  refresh <= 0,
		Logger:                logger,
	}, nil
}
