// Package ctl implements transitctl, the owner's command line for one
// identity host. Every command except "token" talks to the host's admin
// gRPC service with an owner access token.
package ctl

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/dmitrijs2005/peertransit/internal/common"

	gs "github.com/dmitrijs2005/peertransit/internal/server/grpc"
)

var errUsage = errors.New("usage")

// Admin is the owner surface the commands drive. *grpc.AdminClient
// implements it.
type Admin interface {
	Upload(ctx context.Context, req *gs.UploadRequest) (*gs.UploadResponse, error)
	DeleteFile(ctx context.Context, req *gs.FileRequest) error
	SendReadReceipt(ctx context.Context, req *gs.FileRequest) error
	GetTransferHistory(ctx context.Context, req *gs.FileRequest) (*gs.TransferHistoryResponse, error)
	WaitForEmptyOutbox(ctx context.Context, req *gs.WaitForEmptyOutboxRequest) error
	ListOutbox(ctx context.Context, req *gs.DriveFilter) (*gs.OutboxListResponse, error)
	RemoveOutboxItem(ctx context.Context, req *gs.ItemRequest) error
	SetOutboxPriority(ctx context.Context, req *gs.SetPriorityRequest) error
	ProcessOutbox(ctx context.Context) (*gs.ProcessOutboxResponse, error)
	ListInbox(ctx context.Context, req *gs.DriveFilter) (*gs.InboxListResponse, error)
	RemoveInboxItem(ctx context.Context, req *gs.ItemRequest) error
	ProcessInbox(ctx context.Context, req *gs.DriveFilter) (*gs.InboxResultResponse, error)
	CreateDrive(ctx context.Context, req *gs.CreateDriveRequest) (*gs.Drive, error)
	ListDrives(ctx context.Context) (*gs.ListDrivesResponse, error)
	DeleteDrive(ctx context.Context, req *gs.ItemRequest) error
	UpsertConnection(ctx context.Context, req *gs.UpsertConnectionRequest) error
	Close() error
}

// dialAdmin is a seam for tests.
var dialAdmin = func(addr, token string) (Admin, error) {
	return gs.NewAdminClient(addr, token)
}

type command struct {
	summary string
	run     func(ctx context.Context, a Admin, out io.Writer, args []string) error
}

var commands = map[string]command{
	"drives":          {"list drives", listDrives},
	"drive-create":    {"create a drive", createDrive},
	"drive-delete":    {"retire a drive; its parked inbox items are discarded", deleteDrive},
	"connect":         {"create or update a connection and its grants", connect},
	"upload":          {"store a file and send it to recipients", upload},
	"delete":          {"delete a file and tell its recipients", deleteFile},
	"receipt":         {"send a read receipt for a received file", readReceipt},
	"history":         {"show per-recipient transfer status of a file", history},
	"wait":            {"wait until a drive's outbox is empty", waitOutbox},
	"outbox":          {"list outbox items", listOutbox},
	"outbox-process":  {"deliver due outbox items now", processOutbox},
	"outbox-remove":   {"remove an outbox item", removeOutbox},
	"outbox-priority": {"change an outbox item's priority", setPriority},
	"inbox":           {"list inbox items", listInbox},
	"inbox-process":   {"apply pending inbox items now", processInbox},
	"inbox-remove":    {"remove an inbox item", removeInbox},
}

func usage(out io.Writer, fs *flag.FlagSet) {
	fmt.Fprintln(out, "usage: transitctl [-a addr] [-t token] <command> [flags]")
	fs.PrintDefaults()
	fmt.Fprintln(out, "\ncommands:")
	fmt.Fprintf(out, "  %-16s %s\n", "token", "issue an owner access token (asks for the host secret)")
	for _, name := range slices.Sorted(maps.Keys(commands)) {
		fmt.Fprintf(out, "  %-16s %s\n", name, commands[name].summary)
	}
}

// Run parses args (without the program name) and executes one command.
func Run(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("transitctl", flag.ContinueOnError)
	fs.SetOutput(out)
	addr := fs.String("a", "localhost:50051", "host gRPC address")
	token := fs.String("t", "", "owner access token; asked for when empty")
	fs.Usage = func() { usage(out, fs) }
	if err := fs.Parse(args); err != nil {
		return err
	}

	rest := fs.Args()
	if len(rest) == 0 {
		usage(out, fs)
		return errUsage
	}
	name, cmdArgs := rest[0], rest[1:]

	if name == "token" {
		return issueToken(out, cmdArgs)
	}
	cmd, ok := commands[name]
	if !ok {
		usage(out, fs)
		return fmt.Errorf("%w: unknown command %q", errUsage, name)
	}

	tok := *token
	if tok == "" {
		b, err := GetSecret(out, "Owner token")
		if err != nil {
			return err
		}
		tok = string(b)
		common.WipeByteArray(b)
	}

	admin, err := dialAdmin(*addr, tok)
	if err != nil {
		return fmt.Errorf("connect %s: %w", *addr, err)
	}
	defer admin.Close()

	return cmd.run(ctx, admin, out, cmdArgs)
}
