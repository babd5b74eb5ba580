package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Ferlab-Ste-Justine/etcd-session/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type connectFunc func(ctx context.Context, opts client.EtcdClientOptions) (*client.EtcdClient, error)

type app struct {
	v       *viper.Viper
	connect connectFunc
}

/*
Connects with the configured options, under a context canceled on interruption.
*/
func (a *app) client(cmd *cobra.Command) (*client.EtcdClient, error) {
	opts, err := clientOptions(a.v)
	if err != nil {
		return nil, err
	}

	cli, err := a.connect(cmd.Context(), opts)
	if err != nil {
		return nil, fmt.Errorf("Failed to connect to etcd: %w", err)
	}
	return cli, nil
}

func newRootCommand(connect connectFunc) (*cobra.Command, error) {
	a := &app{v: viper.New(), connect: connect}

	cmd := &cobra.Command{
		Use:           "etcd-session",
		Short:         "Read, write and watch etcd keys over a self healing session",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	addConnectionFlags(cmd.PersistentFlags())
	if err := bindFlags(a.v, cmd.PersistentFlags()); err != nil {
		return nil, err
	}

	cmd.AddCommand(
		newPutCommand(a),
		newGetCommand(a),
		newDelCommand(a),
		newWatchCommand(a),
		newLeaseCommand(a),
		newMembersCommand(a),
	)

	return cmd, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, err := newRootCommand(client.Connect)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}

	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		stop()
		os.Exit(1)
	}
}
