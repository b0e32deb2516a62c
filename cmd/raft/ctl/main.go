// Command ctl talks to a raft node over its CliService.
//
//	ctl -addr 127.0.0.1:8001 -group kv apply "SET a=1"
//	ctl -addr 127.0.0.1:8001 -group kv peers
//	ctl -addr 127.0.0.1:8001 -group kv change-peers 127.0.0.1:8001 127.0.0.1:8002 127.0.0.1:8004
//	ctl -addr 127.0.0.1:8001 -group kv transfer [peer]
//	ctl -addr 127.0.0.1:8002 -group kv read-index
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"raftd/internal/raft"
	"raftd/internal/raft/proto"
)

var errUsage = errors.New("usage: ctl [-addr host:port] [-group id] [-timeout d] apply|peers|change-peers|transfer|read-index [args]")

type clients struct {
	cli  proto.CliServiceClient
	raft proto.RaftServiceClient
}

type command func(ctx context.Context, c clients, group string, args []string, out io.Writer) error

var commands = map[string]command{
	"apply":        applyCmd,
	"peers":        peersCmd,
	"change-peers": changePeersCmd,
	"transfer":     transferCmd,
	"read-index":   readIndexCmd,
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Fatal(err)
	}
}

func run(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("ctl", flag.ContinueOnError)
	addr := fs.String("addr", "127.0.0.1:8001", "address of the node to talk to")
	group := fs.String("group", "default", "raft group id")
	timeout := fs.Duration("timeout", 10*time.Second, "request timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errUsage
	}
	cmd, ok := commands[fs.Arg(0)]
	if !ok {
		return fmt.Errorf("unknown command %q: %w", fs.Arg(0), errUsage)
	}

	conn, err := grpc.NewClient(*addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("connect to %s: %w", *addr, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	c := clients{cli: proto.NewCliServiceClient(conn), raft: proto.NewRaftServiceClient(conn)}
	if err := cmd(ctx, c, *group, fs.Args()[1:], out); err != nil {
		return raft.FromGRPC(err)
	}
	return nil
}

func applyCmd(ctx context.Context, c clients, group string, args []string, out io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("apply needs a command: %w", errUsage)
	}
	resp, err := c.cli.Apply(ctx, &proto.ApplyRequest{GroupId: group, Data: []byte(strings.Join(args, " "))})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "applied at index %d\n", resp.Index)
	return nil
}

func peersCmd(ctx context.Context, c clients, group string, _ []string, out io.Writer) error {
	resp, err := c.cli.ListPeers(ctx, &proto.ListPeersRequest{GroupId: group})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "term %d, leader %s\n", resp.Term, resp.LeaderId)
	for _, p := range resp.Peers {
		fmt.Fprintln(out, p)
	}
	return nil
}

func changePeersCmd(ctx context.Context, c clients, group string, args []string, out io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("change-peers needs the new peer list: %w", errUsage)
	}
	if _, err := raft.ParsePeerIDs(args); err != nil {
		return err
	}
	resp, err := c.cli.ChangePeers(ctx, &proto.ChangePeersRequest{GroupId: group, NewPeers: args})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s -> %s\n", strings.Join(resp.OldPeers, ","), strings.Join(resp.NewPeers, ","))
	return nil
}

func transferCmd(ctx context.Context, c clients, group string, args []string, out io.Writer) error {
	req := &proto.TransferLeaderRequest{GroupId: group}
	if len(args) > 0 {
		if _, err := raft.ParsePeerID(args[0]); err != nil {
			return err
		}
		req.PeerId = args[0]
	}
	if _, err := c.cli.TransferLeader(ctx, req); err != nil {
		return err
	}
	fmt.Fprintln(out, "leadership transfer started")
	return nil
}

// readIndexCmd tags the read with a fresh request id so it can be traced in the node logs.
func readIndexCmd(ctx context.Context, c clients, group string, _ []string, out io.Writer) error {
	reqID := uuid.New()
	resp, err := c.raft.ReadIndex(ctx, &proto.ReadIndexRequest{GroupId: group, Entries: [][]byte{reqID[:]}})
	if err != nil {
		return err
	}
	if !resp.Success {
		return raft.ErrNotLeader
	}
	fmt.Fprintf(out, "read index %d (request %s)\n", resp.Index, reqID)
	return nil
}
