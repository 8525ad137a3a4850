package ctl

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dmitrijs2005/peertransit/internal/common"
	"github.com/dmitrijs2005/peertransit/internal/server/auth"
	"github.com/dmitrijs2005/peertransit/internal/server/services"
	"github.com/dmitrijs2005/peertransit/internal/timex"
	"github.com/dmitrijs2005/peertransit/internal/transit"
	"github.com/google/uuid"

	gs "github.com/dmitrijs2005/peertransit/internal/server/grpc"
)

func newFlagSet(name string, out io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(out)
	return fs
}

func parseUUID(flagName, s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: -%s: %v", errUsage, flagName, err)
	}
	return id, nil
}

func parseOptionalUUID(flagName, s string) (*uuid.UUID, error) {
	if s == "" {
		return nil, nil
	}
	id, err := parseUUID(flagName, s)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func fileFlags(fs *flag.FlagSet) (drive, file *string) {
	return fs.String("drive", "", "drive id"), fs.String("file", "", "file id")
}

func parseFile(drive, file string) (*gs.FileRequest, error) {
	d, err := parseUUID("drive", drive)
	if err != nil {
		return nil, err
	}
	f, err := parseUUID("file", file)
	if err != nil {
		return nil, err
	}
	return &gs.FileRequest{File: transit.FileIdentifier{DriveID: d, FileID: f}}, nil
}

func issueToken(out io.Writer, args []string) error {
	fs := newFlagSet("token", out)
	identity := fs.String("identity", "", "identity of the host the token is for")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *identity == "" {
		return fmt.Errorf("%w: -identity is required", errUsage)
	}

	secret, err := GetSecret(out, "Host secret key")
	if err != nil {
		return err
	}
	defer common.WipeByteArray(secret)

	tok, err := auth.GenerateToken(*identity, secret, *ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, tok)
	return err
}

func listDrives(ctx context.Context, a Admin, out io.Writer, args []string) error {
	if err := newFlagSet("drives", out).Parse(args); err != nil {
		return err
	}
	resp, err := a.ListDrives(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tALIAS\tTYPE\tNAME\tCREATED")
	for _, d := range resp.Drives {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", d.ID, d.Target.Alias, d.Target.Type, d.Name, d.CreatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func createDrive(ctx context.Context, a Admin, out io.Writer, args []string) error {
	fs := newFlagSet("drive-create", out)
	alias := fs.String("alias", "", "drive alias; random when empty")
	dtype := fs.String("type", "", "drive type")
	name := fs.String("name", "", "display name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	t, err := parseUUID("type", *dtype)
	if err != nil {
		return err
	}
	al := uuid.New()
	if *alias != "" {
		if al, err = parseUUID("alias", *alias); err != nil {
			return err
		}
	}

	d, err := a.CreateDrive(ctx, &gs.CreateDriveRequest{Target: transit.TargetDrive{Alias: al, Type: t}, Name: *name})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "drive %s (alias %s, type %s)\n", d.ID, d.Target.Alias, d.Target.Type)
	return err
}

func deleteDrive(ctx context.Context, a Admin, out io.Writer, args []string) error {
	fs := newFlagSet("drive-delete", out)
	drive := fs.String("drive", "", "drive id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := parseUUID("drive", *drive)
	if err != nil {
		return err
	}
	if err := a.DeleteDrive(ctx, &gs.ItemRequest{ID: id}); err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "drive %s deleted\n", id)
	return err
}

// grantList collects repeated -grant <drive-id>:<perms> flags, where perms
// is any combination of r (read), w (write) and k (storage key).
type grantList []services.DriveGrant

func (g *grantList) String() string {
	parts := make([]string, 0, len(*g))
	for _, x := range *g {
		perms := ""
		if x.CanRead {
			perms += "r"
		}
		if x.CanWrite {
			perms += "w"
		}
		if x.HasStorageKey {
			perms += "k"
		}
		parts = append(parts, x.DriveID.String()+":"+perms)
	}
	return strings.Join(parts, ",")
}

func (g *grantList) Set(v string) error {
	id, perms, _ := strings.Cut(v, ":")
	driveID, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("drive id: %w", err)
	}
	grant := services.DriveGrant{DriveID: driveID}
	for _, p := range perms {
		switch p {
		case 'r':
			grant.CanRead = true
		case 'w':
			grant.CanWrite = true
		case 'k':
			grant.HasStorageKey = true
		default:
			return fmt.Errorf("unknown permission %q", p)
		}
	}
	*g = append(*g, grant)
	return nil
}

func connect(ctx context.Context, a Admin, out io.Writer, args []string) error {
	fs := newFlagSet("connect", out)
	identity := fs.String("identity", "", "peer identity")
	blocked := fs.Bool("blocked", false, "block the peer")
	var grants grantList
	fs.Var(&grants, "grant", "drive grant <drive-id>:<r|w|k...>, repeatable")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *identity == "" {
		return fmt.Errorf("%w: -identity is required", errUsage)
	}

	secret, err := GetSecret(out, "Shared secret for "+*identity)
	if err != nil {
		return err
	}
	defer common.WipeByteArray(secret)

	err = a.UpsertConnection(ctx, &gs.UpsertConnectionRequest{
		Identity:     *identity,
		SharedSecret: secret,
		Blocked:      *blocked,
		Grants:       grants,
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "connection %s saved (%d grants)\n", *identity, len(grants))
	return err
}

func upload(ctx context.Context, a Admin, out io.Writer, args []string) error {
	fs := newFlagSet("upload", out)
	alias := fs.String("alias", "", "storage drive alias")
	dtype := fs.String("type", "", "storage drive type")
	path := fs.String("file", "", "payload file; omit to keep the stored payload on overwrite")
	to := fs.String("to", "", "comma separated recipients")
	global := fs.Bool("global", false, "address recipients' copies by global transit id")
	remoteAlias := fs.String("remote-alias", "", "recipient drive alias, defaults to the storage drive")
	remoteType := fs.String("remote-type", "", "recipient drive type, defaults to the storage drive")
	overwrite := fs.String("overwrite", "", "file id to overwrite")
	kind := fs.String("kind", string(transit.KindStandard), "standard or comment")
	refGTID := fs.String("ref", "", "global transit id of the file a comment refers to")
	encrypted := fs.Bool("encrypted", false, "encrypt the payload")
	contentType := fs.String("content-type", "", "payload content type")
	appData := fs.String("app-data", "", "application data stored in the header")
	priority := fs.Int("priority", -1, "outbox priority, lower runs first; -1 for the default")
	depends := fs.String("depends", "", "file id whose deliveries must finish first")
	if err := fs.Parse(args); err != nil {
		return err
	}

	storage, err := parseTarget("alias", *alias, "type", *dtype)
	if err != nil {
		return err
	}
	req := &gs.UploadRequest{
		Instructions: transit.TransferInstructions{
			TransferIV: common.GenerateRandByteArray(16),
			Storage:    transit.StorageTarget{Drive: storage},
			Distribution: transit.DistributionTarget{
				Recipients:         splitList(*to),
				UseGlobalTransitID: *global,
			},
		},
		Kind: transit.FileSystemKind(*kind),
		Metadata: transit.FileMetadata{
			AppData:     *appData,
			ContentType: *contentType,
			IsEncrypted: *encrypted,
		},
	}
	if *remoteAlias != "" || *remoteType != "" {
		remote, err := parseTarget("remote-alias", *remoteAlias, "remote-type", *remoteType)
		if err != nil {
			return err
		}
		req.Instructions.Distribution.RemoteTargetDrive = &remote
	}
	if req.Instructions.Storage.OverwriteFileID, err = parseOptionalUUID("overwrite", *overwrite); err != nil {
		return err
	}
	if req.DependencyFileID, err = parseOptionalUUID("depends", *depends); err != nil {
		return err
	}
	if *refGTID != "" {
		gtid, err := parseUUID("ref", *refGTID)
		if err != nil {
			return err
		}
		req.Metadata.ReferencedFile = &transit.GlobalTransitIDFileIdentifier{
			TargetDrive:     req.Instructions.RemoteDrive(),
			GlobalTransitID: gtid,
		}
	}
	if *priority >= 0 {
		req.Priority = priority
	}
	if *path != "" {
		if req.Payload, err = os.ReadFile(*path); err != nil {
			return err
		}
	}

	resp, err := a.Upload(ctx, req)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "file %s version %d\n", resp.File, resp.VersionTag)
	if resp.GlobalTransitID != nil {
		fmt.Fprintf(out, "global transit id %s\n", resp.GlobalTransitID)
	}
	return printStatuses(out, resp.Recipients)
}

func parseTarget(aliasFlag, alias, typeFlag, dtype string) (transit.TargetDrive, error) {
	a, err := parseUUID(aliasFlag, alias)
	if err != nil {
		return transit.TargetDrive{}, err
	}
	t, err := parseUUID(typeFlag, dtype)
	if err != nil {
		return transit.TargetDrive{}, err
	}
	return transit.TargetDrive{Alias: a, Type: t}, nil
}

func printStatuses(out io.Writer, statuses map[string]transit.TransferStatus) error {
	if len(statuses) == 0 {
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RECIPIENT\tSTATUS")
	names := make([]string, 0, len(statuses))
	for r := range statuses {
		names = append(names, r)
	}
	slices.Sort(names)
	for _, r := range names {
		fmt.Fprintf(tw, "%s\t%s\n", r, statuses[r])
	}
	return tw.Flush()
}

func deleteFile(ctx context.Context, a Admin, out io.Writer, args []string) error {
	fs := newFlagSet("delete", out)
	drive, file := fileFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	req, err := parseFile(*drive, *file)
	if err != nil {
		return err
	}
	if err := a.DeleteFile(ctx, req); err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "file %s deleted\n", req.File)
	return err
}

func readReceipt(ctx context.Context, a Admin, out io.Writer, args []string) error {
	fs := newFlagSet("receipt", out)
	drive, file := fileFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	req, err := parseFile(*drive, *file)
	if err != nil {
		return err
	}
	if err := a.SendReadReceipt(ctx, req); err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "read receipt queued for %s\n", req.File)
	return err
}

func history(ctx context.Context, a Admin, out io.Writer, args []string) error {
	fs := newFlagSet("history", out)
	drive, file := fileFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	req, err := parseFile(*drive, *file)
	if err != nil {
		return err
	}
	resp, err := a.GetTransferHistory(ctx, req)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RECIPIENT\tSTATUS\tATTEMPTED\tQUEUED\tREAD")
	for _, r := range resp.Records {
		read := "-"
		if r.ReadAt != nil {
			read = r.ReadAt.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n", r.Recipient, r.LatestStatus, r.AttemptedAt.Format(time.RFC3339), r.StillQueued, read)
	}
	return tw.Flush()
}

func waitOutbox(ctx context.Context, a Admin, out io.Writer, args []string) error {
	fs := newFlagSet("wait", out)
	drive := fs.String("drive", "", "drive id")
	timeout := fs.Duration("timeout", 30*time.Second, "how long to wait")
	if err := fs.Parse(args); err != nil {
		return err
	}
	d, err := parseUUID("drive", *drive)
	if err != nil {
		return err
	}
	if err := a.WaitForEmptyOutbox(ctx, &gs.WaitForEmptyOutboxRequest{DriveID: d, Timeout: timex.Duration{Duration: *timeout}}); err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, "outbox empty")
	return err
}

func driveFilter(name string, out io.Writer, args []string) (*gs.DriveFilter, error) {
	fs := newFlagSet(name, out)
	drive := fs.String("drive", "", "only items of this drive")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	id, err := parseOptionalUUID("drive", *drive)
	if err != nil {
		return nil, err
	}
	return &gs.DriveFilter{DriveID: id}, nil
}

func itemID(name string, out io.Writer, args []string) (uuid.UUID, error) {
	fs := newFlagSet(name, out)
	id := fs.String("id", "", "item id")
	if err := fs.Parse(args); err != nil {
		return uuid.Nil, err
	}
	return parseUUID("id", *id)
}

func listOutbox(ctx context.Context, a Admin, out io.Writer, args []string) error {
	filter, err := driveFilter("outbox", out, args)
	if err != nil {
		return err
	}
	resp, err := a.ListOutbox(ctx, filter)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tRECIPIENT\tFILE\tINSTRUCTION\tPRIORITY\tATTEMPTS\tNEXT RUN\tLEASED\tLAST ERROR")
	for _, it := range resp.Items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\t%t\t%s\n", it.ID, it.Recipient, it.FileID, it.Instruction,
			it.Priority, it.AttemptCount, it.NextRunAt.Format(time.RFC3339), it.Leased, it.LastError)
	}
	return tw.Flush()
}

func processOutbox(ctx context.Context, a Admin, out io.Writer, args []string) error {
	if err := newFlagSet("outbox-process", out).Parse(args); err != nil {
		return err
	}
	resp, err := a.ProcessOutbox(ctx)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "processed %d\n", resp.Processed)
	return err
}

func removeOutbox(ctx context.Context, a Admin, out io.Writer, args []string) error {
	id, err := itemID("outbox-remove", out, args)
	if err != nil {
		return err
	}
	return a.RemoveOutboxItem(ctx, &gs.ItemRequest{ID: id})
}

func setPriority(ctx context.Context, a Admin, out io.Writer, args []string) error {
	fs := newFlagSet("outbox-priority", out)
	id := fs.String("id", "", "item id")
	priority := fs.Int("priority", 0, "new priority, lower runs first")
	if err := fs.Parse(args); err != nil {
		return err
	}
	target, err := parseUUID("id", *id)
	if err != nil {
		return err
	}
	return a.SetOutboxPriority(ctx, &gs.SetPriorityRequest{ID: target, Priority: *priority})
}

func listInbox(ctx context.Context, a Admin, out io.Writer, args []string) error {
	filter, err := driveFilter("inbox", out, args)
	if err != nil {
		return err
	}
	resp, err := a.ListInbox(ctx, filter)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tID\tSENDER\tINSTRUCTION\tDRIVE\tGTID\tRECEIVED\tLEASED")
	for _, it := range resp.Items {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%t\n", it.Seq, it.ID, it.Sender, it.Instruction, it.DriveID,
			it.GlobalTransitID, it.ReceivedAt.Format(time.RFC3339), it.Leased)
	}
	return tw.Flush()
}

func processInbox(ctx context.Context, a Admin, out io.Writer, args []string) error {
	filter, err := driveFilter("inbox-process", out, args)
	if err != nil {
		return err
	}
	resp, err := a.ProcessInbox(ctx, filter)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "applied %d, discarded %d, pending %d\n", resp.Applied, resp.Discarded, resp.Pending)
	return err
}

func removeInbox(ctx context.Context, a Admin, out io.Writer, args []string) error {
	id, err := itemID("inbox-remove", out, args)
	if err != nil {
		return err
	}
	return a.RemoveInboxItem(ctx, &gs.ItemRequest{ID: id})
}
