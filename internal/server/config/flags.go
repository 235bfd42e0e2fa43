package config

import (
	"flag"
	"os"
	"time"

	"github.com/dmitrijs2005/sealkeeper/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-d string   PostgreSQL DSN
//	-l string   log format ("json" or "zap")
//	-m string   metrics listen address
//	-s string   blob backend ("s3", "fs", "memory")
//	-o string   blob root directory for the fs backend
//	-u string   S3 root user
//	-p string   S3 root password
//	-b string   S3 bucket name
//	-g string   S3 region
//	-e string   S3 base endpoint (e.g., "http://127.0.0.1:9000/")
//	-k string   default encryption key id
//	-t int      archiving threshold
//	-r string   Redis address for the task lock
//	-x int      stale restore timeout, minutes
//
// The function first filters os.Args to only the flags it recognizes using
// flagx.FilterArgs, so tools can define their own flags next to these.
func parseFlags(config *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-d", "-l", "-m", "-s", "-o", "-u", "-p", "-b", "-g", "-e", "-k", "-t", "-r", "-x"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.LogFormat, "l", config.LogFormat, "log format")
	fs.StringVar(&config.MetricsAddr, "m", config.MetricsAddr, "metrics listen address")
	fs.StringVar(&config.BlobBackend, "s", config.BlobBackend, "blob backend")
	fs.StringVar(&config.BlobRoot, "o", config.BlobRoot, "blob root directory")
	fs.StringVar(&config.S3RootUser, "u", config.S3RootUser, "S3 root user")
	fs.StringVar(&config.S3RootPassword, "p", config.S3RootPassword, "S3 root password")
	fs.StringVar(&config.S3Bucket, "b", config.S3Bucket, "S3 bucket")
	fs.StringVar(&config.S3Region, "g", config.S3Region, "S3 region")
	fs.StringVar(&config.S3BaseEndpoint, "e", config.S3BaseEndpoint, "S3 base endpoint")
	fs.StringVar(&config.DefaultEncryptionKeyID, "k", config.DefaultEncryptionKeyID, "default encryption key id")
	fs.IntVar(&config.ArchivingThreshold, "t", config.ArchivingThreshold, "archiving threshold")
	fs.StringVar(&config.RedisAddr, "r", config.RedisAddr, "redis address")
	staleMinutes := fs.Int("x", int(config.StaleRestoreTimeout.Minutes()), "stale restore timeout (in minutes)")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	// Only an explicit -x replaces a possibly sub-minute value from JSON.
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "x" {
			config.StaleRestoreTimeout = time.Duration(*staleMinutes) * time.Minute
		}
	})
}
