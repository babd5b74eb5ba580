package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Ferlab-Ste-Justine/etcd-session/client"
	"github.com/Ferlab-Ste-Justine/etcd-session/keymodels"
	"github.com/spf13/cobra"
)

func newPutCommand(a *app) *cobra.Command {
	var ttl int64
	var keep bool
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "put KEY VALUE",
		Short: "Set the value of a key, optionally attached to a lease",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if keep && ttl <= 0 {
				return fmt.Errorf("A ttl is required to keep the key alive")
			}

			cli, err := a.client(cmd)
			if err != nil {
				return err
			}
			defer cli.Close()

			opts := client.PutOptions{}
			if ttl > 0 {
				lease, err := cli.GrantLease(ttl, 0)
				if err != nil {
					return err
				}
				opts.Lease = lease.ID
				fmt.Fprintf(cmd.OutOrStdout(), "lease %d granted with ttl %d\n", lease.ID, lease.Ttl)
			}

			res, err := cli.Put(args[0], args[1], opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revision %d\n", res.Revision)

			if !keep {
				return nil
			}
			return keepUntilDone(cmd, cli, opts.Lease, keepAliveInterval(interval, ttl))
		},
	}

	cmd.Flags().Int64Var(&ttl, "ttl", 0, "attach the key to a new lease with this ttl in seconds")
	cmd.Flags().BoolVar(&keep, "keep", false, "keep the lease alive until interrupted, then revoke it")
	cmd.Flags().DurationVar(&interval, "interval", 0, "keep alive interval, defaults to a third of the ttl")
	return cmd
}

func keepAliveInterval(interval time.Duration, ttl int64) time.Duration {
	if interval > 0 {
		return interval
	}
	return time.Duration(ttl) * time.Second / 3
}

/*
Keeps the lease alive until the command's context is done, then revokes it.
*/
func keepUntilDone(cmd *cobra.Command, cli *client.EtcdClient, leaseId int64, interval time.Duration) error {
	err := cli.KeepLeaseAlive(leaseId, interval)
	if err != nil {
		return err
	}

	<-cmd.Context().Done()

	err = cli.SetContext(context.WithoutCancel(cmd.Context())).RevokeLease(leaseId)
	if err != nil {
		return fmt.Errorf("Failed to revoke lease %d: %w", leaseId, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "lease %d revoked\n", leaseId)
	return nil
}

func newGetCommand(a *app) *cobra.Command {
	var prefix bool
	var end string
	var sortBy string
	var limit int64
	var revision int64

	cmd := &cobra.Command{
		Use:   "get KEY",
		Short: "Read a key, a prefix or a range",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, _, err := client.ParseSortOption(sortBy); err != nil {
				return err
			}

			cli, err := a.client(cmd)
			if err != nil {
				return err
			}
			defer cli.Close()

			opts := client.RangeOptions{Limit: limit, SortBy: sortBy, Revision: revision}

			var info client.KeyRangeInfo
			switch {
			case prefix:
				info, err = cli.GetPrefix(args[0], opts)
			case end != "":
				info, err = cli.GetKeyRange(args[0], end, opts)
			default:
				info, err = cli.GetKeyRange(args[0], "", opts)
			}
			if err != nil {
				return err
			}

			for _, key := range info.Keys {
				fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", key.Key, key.Value)
			}
			if info.More {
				fmt.Fprintln(cmd.OutOrStdout(), "...")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&prefix, "prefix", false, "read all the keys with KEY as prefix")
	cmd.Flags().StringVar(&end, "end", "", "read the range [KEY, END)")
	cmd.Flags().StringVar(&sortBy, "sort", "", "sort by key, version, create, mod or value, prefixed with - for descending order")
	cmd.Flags().Int64Var(&limit, "limit", 0, "maximum number of keys to return")
	cmd.Flags().Int64Var(&revision, "rev", 0, "read at this store revision")
	return cmd
}

func newDelCommand(a *app) *cobra.Command {
	var prefix bool
	var end string

	cmd := &cobra.Command{
		Use:   "del KEY",
		Short: "Delete a key, a prefix or a range",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := a.client(cmd)
			if err != nil {
				return err
			}
			defer cli.Close()

			rangeEnd := end
			if prefix {
				rangeEnd = client.PrefixRangeEnd(args[0])
			}

			res, err := cli.DeleteKeyRange(args[0], rangeEnd, false)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d deleted\n", res.Deleted)
			return nil
		},
	}

	cmd.Flags().BoolVar(&prefix, "prefix", false, "delete all the keys with KEY as prefix")
	cmd.Flags().StringVar(&end, "end", "", "delete the range [KEY, END)")
	return cmd
}

func formatEvent(ev keymodels.WatchEvent) string {
	if ev.IsDeletion() {
		return fmt.Sprintf("%s %s (revision %d)", ev.Type.String(), ev.Key, ev.ModRevision)
	}
	if ev.HasPrev {
		return fmt.Sprintf("%s %s=%s, was %s (revision %d)", ev.Type.String(), ev.Key, ev.Value, ev.PrevValue, ev.ModRevision)
	}
	return fmt.Sprintf("%s %s=%s (revision %d)", ev.Type.String(), ev.Key, ev.Value, ev.ModRevision)
}

func newWatchCommand(a *app) *cobra.Command {
	var prefix bool
	var end string
	var revision int64
	var prevKv bool
	var count int

	cmd := &cobra.Command{
		Use:   "watch KEY",
		Short: "Print the changes of a key, a prefix or a range until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := a.client(cmd)
			if err != nil {
				return err
			}
			defer cli.Close()

			w, err := cli.Subscribe(args[0], client.WatchOptions{
				RangeEnd: end,
				IsPrefix: prefix,
				Revision: revision,
				PrevKv:   prevKv,
			})
			if err != nil {
				return err
			}

			seen := 0
			for count <= 0 || seen < count {
				ev, err := w.Next(cmd.Context())
				if err != nil {
					if cmd.Context().Err() != nil {
						return nil
					}
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), formatEvent(ev))
				seen++
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&prefix, "prefix", false, "watch all the keys with KEY as prefix")
	cmd.Flags().StringVar(&end, "end", "", "watch the range [KEY, END)")
	cmd.Flags().Int64Var(&revision, "rev", 0, "replay the changes from this store revision")
	cmd.Flags().BoolVar(&prevKv, "prev-kv", false, "print the previous values")
	cmd.Flags().IntVar(&count, "count", 0, "exit after this many events")
	return cmd
}

func parseLeaseId(arg string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(arg), 0, 64)
	if err != nil {
		return 0, fmt.Errorf("Invalid lease id '%s': %w", arg, err)
	}
	return id, nil
}

func newLeaseCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lease",
		Short: "Grant, revoke and keep alive leases",
	}

	grant := &cobra.Command{
		Use:   "grant TTL",
		Short: "Grant a lease with a ttl in seconds",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ttl, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || ttl <= 0 {
				return fmt.Errorf("Invalid ttl '%s'", args[0])
			}

			cli, err := a.client(cmd)
			if err != nil {
				return err
			}
			defer cli.Close()

			lease, err := cli.GrantLease(ttl, 0)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "lease %d granted with ttl %d\n", lease.ID, lease.Ttl)
			return nil
		},
	}

	revoke := &cobra.Command{
		Use:   "revoke ID",
		Short: "Revoke a lease, deleting its keys",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseLeaseId(args[0])
			if err != nil {
				return err
			}

			cli, err := a.client(cmd)
			if err != nil {
				return err
			}
			defer cli.Close()

			err = cli.RevokeLease(id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "lease %d revoked\n", id)
			return nil
		},
	}

	var interval time.Duration
	keepAlive := &cobra.Command{
		Use:   "keep-alive ID",
		Short: "Keep a lease alive until interrupted, then revoke it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseLeaseId(args[0])
			if err != nil {
				return err
			}

			cli, err := a.client(cmd)
			if err != nil {
				return err
			}
			defer cli.Close()

			return keepUntilDone(cmd, cli, id, interval)
		},
	}
	keepAlive.Flags().DurationVar(&interval, "interval", time.Second, "keep alive interval")

	cmd.AddCommand(grant, revoke, keepAlive)
	return cmd
}

func newMembersCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "members",
		Short: "List the cluster members",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := a.client(cmd)
			if err != nil {
				return err
			}
			defer cli.Close()

			members, err := cli.GetMembers()
			if err != nil {
				return err
			}

			for _, member := range members.Members {
				learner := ""
				if member.IsLearner {
					learner = " (learner)"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%x %s%s %s\n", member.Id, member.Name, learner, strings.Join(member.ClientUrls, ","))
			}
			return nil
		},
	}
}
