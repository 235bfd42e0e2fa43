package config

import (
	"os"
	"strconv"
)

// Environment variables for settings that should not appear in files or
// process listings.
const (
	EnvDatabaseDSN            = "DATABASE_DSN"
	EnvEncryptionKeys         = "ENCRYPTION_KEYS"
	EnvDefaultEncryptionKeyID = "DEFAULT_ENCRYPTION_KEY_ID"
	EnvPlaintextFallback      = "ENCRYPTION_PLAINTEXT_FALLBACK"
	EnvS3RootPassword         = "S3_ROOT_PASSWORD"
	EnvRedisAddr              = "REDIS_ADDR"
)

// parseEnv overlays set environment variables. An unparsable boolean
// panics, like a bad JSON file.
func parseEnv(config *Config) {
	for name, dst := range map[string]*string{
		EnvDatabaseDSN:            &config.DatabaseDSN,
		EnvEncryptionKeys:         &config.EncryptionKeys,
		EnvDefaultEncryptionKeyID: &config.DefaultEncryptionKeyID,
		EnvS3RootPassword:         &config.S3RootPassword,
		EnvRedisAddr:              &config.RedisAddr,
	} {
		if v, ok := os.LookupEnv(name); ok {
			*dst = v
		}
	}

	if v, ok := os.LookupEnv(EnvPlaintextFallback); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			panic(err)
		}
		config.PlaintextFallback = b
	}
}
