package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/dmitrijs2005/sealkeeper/internal/flagx"
	"github.com/dmitrijs2005/sealkeeper/internal/timex"
)

// JsonConfig is the on-disk form of Config. Durations use timex.Duration so
// both "72h" and integer nanoseconds are accepted; pointer fields tell an
// explicit false or 0 apart from a missing key. encryption_keys is the raw
// key list, see cryptox.ParseKeys.
type JsonConfig struct {
	DatabaseDSN string `json:"database_dsn"`
	LogFormat   string `json:"log_format"`
	MetricsAddr string `json:"metrics_addr"`

	BlobBackend    string `json:"blob_backend"`
	BlobRoot       string `json:"blob_root"`
	S3RootUser     string `json:"s3_root_user"`
	S3RootPassword string `json:"s3_root_password"`
	S3Bucket       string `json:"s3_bucket"`
	S3Region       string `json:"s3_region"`
	S3BaseEndpoint string `json:"s3_base_endpoint"`

	EncryptionKeys         json.RawMessage `json:"encryption_keys"`
	DefaultEncryptionKeyID string          `json:"default_encryption_key_id"`
	PlaintextFallback      *bool           `json:"plaintext_fallback"`
	ChunkSize              int             `json:"chunk_size"`
	Algorithm              string          `json:"algorithm"`

	ArchivingThreshold     int             `json:"archiving_threshold"`
	MembersCanArchive      *bool           `json:"members_can_archive"`
	StaleRestoreTimeout    *timex.Duration `json:"stale_restore_timeout"`
	AutoArchiveAfter       *timex.Duration `json:"auto_archive_after"`
	AutoDeleteArchiveAfter *timex.Duration `json:"auto_delete_archive_after"`

	ReaperInterval   *timex.Duration `json:"reaper_interval"`
	RotationInterval *timex.Duration `json:"rotation_interval"`
	RedisAddr        string          `json:"redis_addr"`
}

// parseJson loads values from the JSON file named by the -c or -config
// flag. Keys missing from the file keep their current values. It panics if
// the file cannot be read or parsed.
func parseJson(config *Config) {
	jsonConfigFile := flagx.ConfigPath(os.Args[1:])
	if jsonConfigFile == "" {
		return
	}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	c := &JsonConfig{}
	if err := json.Unmarshal(file, c); err != nil {
		panic(err)
	}

	c.apply(config)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func (c *JsonConfig) apply(config *Config) {
	setString(&config.DatabaseDSN, c.DatabaseDSN)
	setString(&config.LogFormat, c.LogFormat)
	setString(&config.MetricsAddr, c.MetricsAddr)

	setString(&config.BlobBackend, c.BlobBackend)
	setString(&config.BlobRoot, c.BlobRoot)
	setString(&config.S3RootUser, c.S3RootUser)
	setString(&config.S3RootPassword, c.S3RootPassword)
	setString(&config.S3Bucket, c.S3Bucket)
	setString(&config.S3Region, c.S3Region)
	setString(&config.S3BaseEndpoint, c.S3BaseEndpoint)

	if len(c.EncryptionKeys) > 0 && string(c.EncryptionKeys) != "null" {
		config.EncryptionKeys = string(c.EncryptionKeys)
	}
	setString(&config.DefaultEncryptionKeyID, c.DefaultEncryptionKeyID)
	if c.PlaintextFallback != nil {
		config.PlaintextFallback = *c.PlaintextFallback
	}
	if c.ChunkSize != 0 {
		config.ChunkSize = c.ChunkSize
	}
	setString(&config.Algorithm, c.Algorithm)

	if c.ArchivingThreshold != 0 {
		config.ArchivingThreshold = c.ArchivingThreshold
	}
	if c.MembersCanArchive != nil {
		config.MembersCanArchive = *c.MembersCanArchive
	}
	for _, d := range []struct {
		src *timex.Duration
		dst *time.Duration
	}{
		{c.StaleRestoreTimeout, &config.StaleRestoreTimeout},
		{c.AutoArchiveAfter, &config.AutoArchiveAfter},
		{c.AutoDeleteArchiveAfter, &config.AutoDeleteArchiveAfter},
		{c.ReaperInterval, &config.ReaperInterval},
		{c.RotationInterval, &config.RotationInterval},
	} {
		if d.src != nil {
			*d.dst = d.src.Duration
		}
	}
	setString(&config.RedisAddr, c.RedisAddr)
}
