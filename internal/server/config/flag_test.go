package config

import (
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlags(t *testing.T) {
	origArgs := os.Args
	t.Cleanup(func() { os.Args = origArgs })

	base := func() *Config {
		c := &Config{}
		c.LoadDefaults()
		return c
	}

	tests := []struct {
		expected    func() *Config
		name        string
		args        []string
		expectPanic bool
	}{
		{name: "all flags", args: []string{"cmd",
			"-d", "db", "-l", "zap", "-m", ":9191", "-s", "fs", "-o", "/data",
			"-u", "user", "-p", "password", "-b", "bucket", "-g", "us-west-1", "-e", "http://endpoint",
			"-k", "2025", "-t", "4", "-r", "redis:6379", "-x", "30",
		}, expected: func() *Config {
			c := base()
			c.DatabaseDSN = "db"
			c.LogFormat = "zap"
			c.MetricsAddr = ":9191"
			c.BlobBackend = "fs"
			c.BlobRoot = "/data"
			c.S3RootUser = "user"
			c.S3RootPassword = "password"
			c.S3Bucket = "bucket"
			c.S3Region = "us-west-1"
			c.S3BaseEndpoint = "http://endpoint"
			c.DefaultEncryptionKeyID = "2025"
			c.ArchivingThreshold = 4
			c.RedisAddr = "redis:6379"
			c.StaleRestoreTimeout = 30 * time.Minute
			return c
		}},
		{name: "foreign flags ignored", args: []string{"cmd", "-decrypt", "-d", "db"}, expected: func() *Config {
			c := base()
			c.DatabaseDSN = "db"
			return c
		}},
		{name: "bad int", args: []string{"cmd", "-t", "many"}, expectPanic: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Args = tt.args
			config := base()

			if tt.expectPanic {
				require.Panics(t, func() { parseFlags(config) })
				return
			}
			require.NotPanics(t, func() { parseFlags(config) })
			assert.Empty(t, cmp.Diff(tt.expected(), config))
		})
	}
}

func TestParseFlags_KeepsSubMinuteTimeoutWithoutFlag(t *testing.T) {
	origArgs := os.Args
	t.Cleanup(func() { os.Args = origArgs })
	os.Args = []string{"cmd"}

	c := &Config{StaleRestoreTimeout: 90 * time.Second}
	parseFlags(c)
	assert.Equal(t, 90*time.Second, c.StaleRestoreTimeout)
}
