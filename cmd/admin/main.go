// Command admin is the sealkeeper operator console. With -exec it runs one
// command and exits, otherwise it reads commands from stdin.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dmitrijs2005/sealkeeper/internal/admin"
	"github.com/dmitrijs2005/sealkeeper/internal/flagx"
	"github.com/dmitrijs2005/sealkeeper/internal/logging"
	"github.com/dmitrijs2005/sealkeeper/internal/server"
	"github.com/dmitrijs2005/sealkeeper/internal/server/config"
)

// parseExec returns the fields of the -exec command. No fields means the
// interactive console.
func parseExec(args []string) []string {
	var cmd string
	fs := flag.NewFlagSet("admin", flag.ContinueOnError)
	fs.StringVar(&cmd, "exec", "", "run a single console command, e.g. \"archive <project-id> 3\"")
	_ = fs.Parse(flagx.FilterArgs(args, []string{"-exec", "--exec"}))
	return strings.Fields(cmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.LoadConfig()
	oneShot := parseExec(os.Args[1:])

	logger, err := logging.New(cfg.LogFormat, os.Stderr)
	if err != nil {
		log.Fatalf("%v", err)
	}

	comp, err := server.Open(ctx, cfg)
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer comp.DB.Close()

	var rotator admin.Rotator
	if comp.Keyring.Default() != nil {
		rotator = server.NewRotationPass(comp, logger.With("component", "rotation"), false)
	}

	console := admin.NewConsole(admin.Options{
		Operator:            server.NewArchiveManager(comp, cfg, logger.With("component", "archive")),
		Rotator:             rotator,
		Logger:              logger,
		Threshold:           cfg.ArchivingThreshold,
		StaleRestoreTimeout: cfg.StaleRestoreTimeout,
		In:                  os.Stdin,
		Out:                 os.Stdout,
	})

	if len(oneShot) == 0 {
		console.Run(ctx)
		return
	}
	if err := console.Exec(ctx, oneShot); err != nil {
		logger.Error(ctx, "command failed", "command", oneShot[0], "error", err)
		comp.DB.Close()
		os.Exit(1)
	}
}
