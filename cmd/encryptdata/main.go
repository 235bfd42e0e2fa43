// Command encryptdata rewrites all stored data under the default encryption
// key, or back to plaintext with -decrypt.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/dmitrijs2005/sealkeeper/internal/cryptox"
	"github.com/dmitrijs2005/sealkeeper/internal/flagx"
	"github.com/dmitrijs2005/sealkeeper/internal/logging"
	"github.com/dmitrijs2005/sealkeeper/internal/server"
	"github.com/dmitrijs2005/sealkeeper/internal/server/config"
)

var (
	errNoKeys         = errors.New("no encryption keys configured")
	errNoDefaultKey   = errors.New("no default encryption key id configured")
	errInvalidDefault = errors.New("invalid default encryption key id")
)

func parseDecrypt(args []string) bool {
	var decrypt bool
	fs := flag.NewFlagSet("encryptdata", flag.ContinueOnError)
	fs.BoolVar(&decrypt, "decrypt", false, "decrypt all data instead of encrypting it")
	_ = fs.Parse(flagx.FilterBoolArgs(args, []string{"-decrypt", "--decrypt"}))
	return decrypt
}

// prepare checks and adjusts cfg for a rotation run. Reads always accept
// plaintext; -decrypt drops the default key.
func prepare(ctx context.Context, cfg *config.Config, decrypt bool, logger logging.Logger) error {
	keys, err := cryptox.ParseKeys([]byte(cfg.EncryptionKeys))
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return errNoKeys
	}

	if decrypt {
		if cfg.DefaultEncryptionKeyID != "" {
			logger.Warn(ctx, "ignoring the configured default encryption key in decrypt mode", "key_id", cfg.DefaultEncryptionKeyID)
		}
		cfg.DefaultEncryptionKeyID = ""
	} else if cfg.DefaultEncryptionKeyID == "" {
		return errNoDefaultKey
	}
	cfg.PlaintextFallback = true

	if _, err := cfg.Keyring(); err != nil {
		return fmt.Errorf("%w: %w", errInvalidDefault, err)
	}
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.LoadConfig()
	decrypt := parseDecrypt(os.Args[1:])

	logger, err := logging.New(cfg.LogFormat, os.Stdout)
	if err != nil {
		log.Fatalf("%v", err)
	}

	if err := prepare(ctx, cfg, decrypt, logger); err != nil {
		log.Fatalf("%v", err)
	}

	comp, err := server.Open(ctx, cfg)
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer comp.DB.Close()

	rep, err := server.NewRotationPass(comp, logger, decrypt).Run(ctx)
	logger.Info(ctx, "encryptdata finished",
		"decrypt", decrypt,
		"fields_rotated", rep.FieldsRotated,
		"blobs_rotated", rep.BlobsRotated,
		"failures", rep.Failures)
	if err != nil {
		logger.Error(ctx, "some values could not be rotated", "error", err)
		comp.DB.Close()
		os.Exit(1)
	}
}
