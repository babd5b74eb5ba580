package client

import (
	"context"
	"time"

	"go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.uber.org/zap"
)

type EtcdMember struct {
	Id         uint64
	Name       string
	PeerUrls   []string
	ClientUrls []string
	IsLearner  bool
}

type EtcdMembers struct {
	ClusterId   uint64
	ResponderId uint64
	Revision    int64
	RaftTerm    uint64
	Members     []EtcdMember
}

/*
Returns the client urls of all the members as endpoints, without duplicates.
Urls that can't be parsed are returned separately.
*/
func (members *EtcdMembers) ClientEndpoints() ([]Endpoint, []string) {
	endpoints := []Endpoint{}
	invalid := []string{}
	seen := make(map[Endpoint]bool)
	for _, member := range members.Members {
		for _, clientUrl := range member.ClientUrls {
			endpoint, err := ParseEndpoint(clientUrl)
			if err != nil {
				invalid = append(invalid, clientUrl)
				continue
			}
			if seen[endpoint] {
				continue
			}
			seen[endpoint] = true
			endpoints = append(endpoints, endpoint)
		}
	}
	return endpoints, invalid
}

/*
Returns the members of the cluster
*/
func (cli *EtcdClient) GetMembers() (EtcdMembers, error) {
	var listResp *etcdserverpb.MemberListResponse
	listErr := cli.invoke("member_list", func(ctx context.Context, sess *Session) error {
		var err error
		listResp, err = sess.Cluster.MemberList(ctx, &etcdserverpb.MemberListRequest{})
		return err
	})
	if listErr != nil {
		return EtcdMembers{}, listErr
	}

	members := EtcdMembers{
		Members: []EtcdMember{},
	}
	if listResp.Header != nil {
		members.ClusterId = listResp.Header.ClusterId
		members.ResponderId = listResp.Header.MemberId
		members.Revision = listResp.Header.Revision
		members.RaftTerm = listResp.Header.RaftTerm
	}
	for _, member := range listResp.Members {
		members.Members = append(members.Members, EtcdMember{
			Id:         member.ID,
			Name:       member.Name,
			PeerUrls:   member.PeerURLs,
			ClientUrls: member.ClientURLs,
			IsLearner:  member.IsLearner,
		})
	}

	return members, nil
}

/*
Replaces the candidate endpoints with the client urls of the cluster members, once per interval,
until the client is closed. Connectivity failures are retried at the next interval
while any other error ends the refresh, leaving the last known candidates in place.
*/
func (cli *EtcdClient) refreshMembers(interval time.Duration) {
	logger := cli.core.logger.With(zap.String("component", "member_refresh"))
	refresher := cli.SetContext(cli.core.lifetime)

	for !cli.closed() {
		members, err := refresher.GetMembers()
		if err != nil {
			if cli.closed() {
				return
			}
			if !isConnectivityError(cli.core.lifetime, err) {
				cli.core.metrics.MemberRefreshes.WithLabelValues("failed").Inc()
				logger.Error("stopping member refresh", zap.Error(err))
				return
			}
			cli.core.metrics.MemberRefreshes.WithLabelValues("unreachable").Inc()
			logger.Warn("could not list members", zap.Error(err))
		} else {
			endpoints, invalid := members.ClientEndpoints()
			for _, clientUrl := range invalid {
				logger.Warn("ignoring invalid member client url", zap.String("url", clientUrl))
			}

			if len(endpoints) == 0 {
				logger.Warn("member list has no client urls, keeping current candidates")
			} else {
				cli.core.registry.ReplaceCandidates(endpoints)
				cli.core.metrics.MemberRefreshes.WithLabelValues("ok").Inc()
				logger.Debug("refreshed candidate endpoints", zap.Int("candidates", len(endpoints)))
			}
		}

		if !cli.sleep(cli.core.lifetime, interval) {
			return
		}
	}
}
