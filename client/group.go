package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

type GroupMemberOptions struct {
	//Ttl of the member's lease in seconds. Defaults to 10.
	Ttl               int64
	//Defaults to a third of the ttl
	KeepAliveInterval time.Duration
}

func (opts *GroupMemberOptions) SetDefaults() {
	if opts.Ttl <= 0 {
		opts.Ttl = 10
	}

	if opts.KeepAliveInterval <= 0 {
		opts.KeepAliveInterval = time.Duration(opts.Ttl) * time.Second / 3
	}
}

/*
Membership of the client in a group. The member key is attached to a lease the client keeps alive,
so the member drops out of the group once the client stops renewing it.
*/
type GroupMembership struct {
	GroupPrefix string
	MemberId    string
	LeaseId     int64
	cli         *EtcdClient
}

/*
Join a group as represented by groupPrefix. A member with id memberId and content memberContent will be added.
*/
func (cli *EtcdClient) JoinGroup(groupPrefix string, memberId string, memberContent string, opts GroupMemberOptions) (*GroupMembership, error) {
	opts.SetDefaults()

	lease, err := cli.GrantLease(opts.Ttl, 0)
	if err != nil {
		return nil, fmt.Errorf("Failed to grant lease for group member %s: %w", memberId, err)
	}

	_, err = cli.Put(fmt.Sprintf("%s%s", groupPrefix, memberId), memberContent, PutOptions{Lease: lease.ID})
	if err != nil {
		return nil, cli.abandonMemberLease(lease.ID, err)
	}

	err = cli.KeepLeaseAlive(lease.ID, opts.KeepAliveInterval)
	if err != nil {
		return nil, cli.abandonMemberLease(lease.ID, err)
	}

	return &GroupMembership{
		GroupPrefix: groupPrefix,
		MemberId:    memberId,
		LeaseId:     lease.ID,
		cli:         cli,
	}, nil
}

/*
Revokes the lease of a member that failed to join. A failed revocation is reported along with the cause,
the lease then lingers on the server until its ttl runs out.
*/
func (cli *EtcdClient) abandonMemberLease(leaseId int64, cause error) error {
	err := cli.RevokeLease(leaseId)
	if err == nil {
		return cause
	}

	cli.core.logger.Warn("could not revoke lease of a member that failed to join", zap.Int64("lease_id", leaseId), zap.Error(err))
	return fmt.Errorf("%w (revoking lease %d also failed: %s)", cause, leaseId, err.Error())
}

/*
Leave the group. The member's lease is revoked, removing the member key.
*/
func (m *GroupMembership) Leave() error {
	return m.cli.RevokeLease(m.LeaseId)
}

/*
Get a list of group members of a group represented by groupPrefix
First return value are a map of members, with its keys being member ids and values being the passed member contents.
Second return value is the etcd revision at the time the result was obtained
*/
func (cli *EtcdClient) GetGroupMembers(groupPrefix string) (map[string]string, int64, error) {
	info, err := cli.GetPrefix(groupPrefix, RangeOptions{})
	if err != nil {
		return nil, -1, err
	}

	return info.ToMap().ToValueMap(groupPrefix), info.Revision, nil
}

/*
Wait until a group as represented by groupPrefix has reached a threshold number of members
Last argument is a done channel that can be closed to halt the wait.
Return argument is a channel that will received an error if there is an issue or otherwise will be closed when the wait condition is fulfilled
*/
func (cli *EtcdClient) WaitGroupCountThreshold(groupPrefix string, threshold int64, doneCh <-chan struct{}) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		members, rev, err := cli.GetGroupMembers(groupPrefix)
		if err != nil {
			errCh <- err
			return
		}

		if int64(len(members)) >= threshold {
			return
		}

		ctx, cancel := context.WithCancel(cli.Context)
		defer cancel()

		wcCh := cli.SetContext(ctx).Watch(groupPrefix, WatchOptions{IsPrefix: true, TrimPrefix: true, Revision: rev + 1})
		defer func() {
			cancel()
			for range wcCh {
			}
		}()

		for {
			select {
			case res, ok := <-wcCh:
				if !ok {
					errCh <- errors.New("Watch stopped before reaching threshold")
					return
				}

				if res.Error != nil {
					errCh <- res.Error
					return
				}

				res.Changes.ApplyOn(members)
				if int64(len(members)) >= threshold {
					return
				}
			case <-doneCh:
				return
			}
		}
	}()
	return errCh
}
