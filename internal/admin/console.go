// Package admin is the operator console for sealkeeper: archiving projects,
// submitting decrypted key shares and running the maintenance jobs by hand.
package admin

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/dmitrijs2005/sealkeeper/internal/archive"
	"github.com/dmitrijs2005/sealkeeper/internal/logging"
	"github.com/dmitrijs2005/sealkeeper/internal/rotation"
	"github.com/dmitrijs2005/sealkeeper/internal/server/models"
	"github.com/fatih/color"
)

var (
	ErrUsage          = errors.New("usage")
	ErrUnknownCommand = errors.New("unknown command")
	ErrNoRotation     = errors.New("rotation needs a default encryption key")
)

// Operator is the archive surface the console drives. archive.Manager
// satisfies it.
type Operator interface {
	CreateArchive(ctx context.Context, projectID string, threshold int) (*models.ArchivedProject, error)
	DecryptKeyPart(ctx context.Context, keyPartID string, share []byte) (*archive.DecryptResult, error)
	ReapStalePartialRestores(ctx context.Context, timeout time.Duration) (int, error)
	AutoArchiveIdleProjects(ctx context.Context, after time.Duration) (int, error)
	DeleteExpiredArchives(ctx context.Context, after time.Duration) (int, error)
}

type Rotator interface {
	Run(ctx context.Context) (rotation.Report, error)
}

type Options struct {
	Operator Operator
	// Rotator may be nil when no default key is configured.
	Rotator Rotator
	Logger  logging.Logger

	Threshold           int
	StaleRestoreTimeout time.Duration

	In  io.Reader
	Out io.Writer
}

type Console struct {
	ops     Operator
	rotator Rotator
	logger  logging.Logger

	threshold    int
	staleTimeout time.Duration

	in   *bufio.Reader
	inFd int
	out  io.Writer
}

// inputFd returns the descriptor behind in, or -1 when in is not a file.
func inputFd(in io.Reader) int {
	if f, ok := in.(interface{ Fd() uintptr }); ok {
		return int(f.Fd())
	}
	return -1
}

func NewConsole(o Options) *Console {
	if o.Logger == nil {
		o.Logger = logging.NewNopLogger()
	}
	return &Console{
		ops:          o.Operator,
		rotator:      o.Rotator,
		logger:       o.Logger,
		threshold:    o.Threshold,
		staleTimeout: o.StaleRestoreTimeout,
		in:           bufio.NewReader(o.In),
		inFd:         inputFd(o.In),
		out:          o.Out,
	}
}

const helpText = `Available commands:
  archive <project-id> [threshold]   archive a project
  submit <key-part-id> [share]       submit a decrypted key share (prompts if omitted)
  reap [timeout]                     reset partial restores older than timeout
  auto-archive <idle>                archive projects idle for longer than idle
  delete-expired <age>               delete archives older than age
  rotate                             re-encrypt stored data under the default key
  help
  exit | quit`

// Run reads commands until EOF or "exit". Command errors are printed and the
// loop continues.
func (c *Console) Run(ctx context.Context) {
	fmt.Fprintln(c.out, "sealkeeper admin console (type 'help' for commands)")
	for {
		fmt.Fprint(c.out, color.CyanString("sk> "))
		line, err := c.in.ReadString('\n')
		parts := strings.Fields(line)
		if len(parts) > 0 {
			if parts[0] == "exit" || parts[0] == "quit" {
				fmt.Fprintln(c.out, "Bye!")
				return
			}
			if execErr := c.Exec(ctx, parts); execErr != nil {
				fmt.Fprintln(c.out, color.RedString("✗")+" error: "+execErr.Error())
			}
		}
		if err != nil || ctx.Err() != nil {
			return
		}
	}
}

// Exec runs a single command given as fields, e.g. {"archive", "<id>", "3"}.
func (c *Console) Exec(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: empty command", ErrUsage)
	}
	cmd, args := args[0], args[1:]

	switch cmd {
	case "help":
		fmt.Fprintln(c.out, helpText)
		return nil
	case "archive":
		return c.archive(ctx, args)
	case "submit":
		return c.submit(ctx, args)
	case "reap":
		return c.reap(ctx, args)
	case "auto-archive":
		return c.autoArchive(ctx, args)
	case "delete-expired":
		return c.deleteExpired(ctx, args)
	case "rotate":
		return c.rotate(ctx)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownCommand, cmd)
	}
}

func (c *Console) archive(ctx context.Context, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return fmt.Errorf("%w: archive <project-id> [threshold]", ErrUsage)
	}
	threshold := c.threshold
	if len(args) == 2 {
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("%w: threshold must be a number", ErrUsage)
		}
		threshold = n
	}

	a, err := c.ops.CreateArchive(ctx, args[0], threshold)
	if err != nil {
		return err
	}
	c.logger.Info(ctx, "project archived", "project_id", args[0], "archive_id", a.ID)
	fmt.Fprintf(c.out, "%s archived %s as %s (threshold %d)\n", color.GreenString("✓"), args[0], color.YellowString(a.ID), a.Threshold)
	return nil
}

func (c *Console) submit(ctx context.Context, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return fmt.Errorf("%w: submit <key-part-id> [share]", ErrUsage)
	}

	var (
		share []byte
		err   error
	)
	if len(args) == 2 {
		share, err = decodeShare(args[1])
	} else {
		share, err = GetShare(c.in, c.out, c.inFd)
	}
	if err != nil {
		return err
	}

	res, err := c.ops.DecryptKeyPart(ctx, args[0], share)
	if err != nil {
		return err
	}
	switch res.Status {
	case archive.StatusProjectRestored:
		fmt.Fprintf(c.out, "%s project restored as %s\n", color.GreenString("✓"), color.YellowString(res.ProjectID))
	default:
		fmt.Fprintf(c.out, "%s key part accepted (%d of %d)\n", color.GreenString("✓"), res.Decrypted, res.Threshold)
	}
	return nil
}

func durationArg(args []string, def time.Duration, usage string) (time.Duration, error) {
	switch len(args) {
	case 0:
		if def > 0 {
			return def, nil
		}
	case 1:
		d, err := time.ParseDuration(args[0])
		if err == nil && d > 0 {
			return d, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrUsage, usage)
}

func (c *Console) reap(ctx context.Context, args []string) error {
	timeout, err := durationArg(args, c.staleTimeout, "reap [timeout]")
	if err != nil {
		return err
	}
	n, err := c.ops.ReapStalePartialRestores(ctx, timeout)
	fmt.Fprintf(c.out, "reset %d key parts\n", n)
	return err
}

func (c *Console) autoArchive(ctx context.Context, args []string) error {
	after, err := durationArg(args, 0, "auto-archive <idle>")
	if err != nil {
		return err
	}
	n, err := c.ops.AutoArchiveIdleProjects(ctx, after)
	fmt.Fprintf(c.out, "archived %d projects\n", n)
	return err
}

func (c *Console) deleteExpired(ctx context.Context, args []string) error {
	after, err := durationArg(args, 0, "delete-expired <age>")
	if err != nil {
		return err
	}
	n, err := c.ops.DeleteExpiredArchives(ctx, after)
	fmt.Fprintf(c.out, "deleted %d archives\n", n)
	return err
}

func (c *Console) rotate(ctx context.Context) error {
	if c.rotator == nil {
		return ErrNoRotation
	}
	rep, err := c.rotator.Run(ctx)
	fmt.Fprintf(c.out, "fields rotated %d skipped %d, blobs rotated %d skipped %d, failures %d\n",
		rep.FieldsRotated, rep.FieldsSkipped, rep.BlobsRotated, rep.BlobsSkipped, rep.Failures)
	return err
}
