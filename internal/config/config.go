// Package config reads famtask settings from FAMTASK_* environment
// variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dukerupert/famtask/internal/blob"
	"github.com/dukerupert/famtask/internal/entitlement"
)

type Config struct {
	Port      string
	DBPath    string
	LogLevel  string
	LogFormat string // text or json
	BaseURL   string

	JWTSecret string
	JWTIssuer string
	TokenTTL  time.Duration

	Entitlement entitlement.Config
	S3          blob.S3Config

	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubject    string

	Backup Backup
	Device Device
}

// Backup holds the settings used by `famtask backup`. Archives go to the
// photo bucket under Prefix.
type Backup struct {
	Passphrase string
	Prefix     string
	Retention  time.Duration
}

// Device holds the settings used by `famtask device`.
type Device struct {
	LocalDBPath string
	ServerURL   string // http(s) address of the server
	Token       string
	FamilyID    string
	MemberID    string
	Timezone    string
	Port        string
}

// Load reads the environment, filling in defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:      getenv("FAMTASK_PORT", "8080"),
		DBPath:    getenv("FAMTASK_DB_PATH", "famtask.db"),
		LogLevel:  os.Getenv("FAMTASK_LOG_LEVEL"),
		LogFormat: getenv("FAMTASK_LOG_FORMAT", "text"),
		JWTSecret: os.Getenv("FAMTASK_JWT_SECRET"),
		JWTIssuer: getenv("FAMTASK_JWT_ISSUER", "famtask"),
		Entitlement: entitlement.Config{
			URL:    os.Getenv("FAMTASK_ENTITLEMENT_URL"),
			APIKey: os.Getenv("FAMTASK_ENTITLEMENT_KEY"),
		},
		S3: blob.S3Config{
			Endpoint:  os.Getenv("FAMTASK_S3_ENDPOINT"),
			Bucket:    os.Getenv("FAMTASK_S3_BUCKET"),
			Region:    getenv("FAMTASK_S3_REGION", "us-east-1"),
			AccessKey: os.Getenv("FAMTASK_S3_ACCESS_KEY"),
			SecretKey: os.Getenv("FAMTASK_S3_SECRET_KEY"),
			Prefix:    os.Getenv("FAMTASK_S3_PREFIX"),
		},
		VAPIDPublicKey:  os.Getenv("FAMTASK_VAPID_PUBLIC_KEY"),
		VAPIDPrivateKey: os.Getenv("FAMTASK_VAPID_PRIVATE_KEY"),
		VAPIDSubject:    os.Getenv("FAMTASK_VAPID_SUBJECT"),
		Backup: Backup{
			Passphrase: os.Getenv("FAMTASK_BACKUP_PASSPHRASE"),
			Prefix:     getenv("FAMTASK_BACKUP_PREFIX", "backups"),
		},
		Device: Device{
			LocalDBPath: getenv("FAMTASK_LOCAL_DB_PATH", "famtask-local.db"),
			ServerURL:   getenv("FAMTASK_SERVER_URL", "http://localhost:8080"),
			Token:       os.Getenv("FAMTASK_DEVICE_TOKEN"),
			FamilyID:    os.Getenv("FAMTASK_FAMILY_ID"),
			MemberID:    os.Getenv("FAMTASK_MEMBER_ID"),
			Timezone:    getenv("FAMTASK_TIMEZONE", "Local"),
			Port:        getenv("FAMTASK_DEVICE_PORT", "8081"),
		},
	}
	cfg.BaseURL = getenv("FAMTASK_BASE_URL", "http://localhost:"+cfg.Port)

	var err error
	if cfg.TokenTTL, err = duration("FAMTASK_TOKEN_TTL", 30*24*time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.Entitlement.CacheTTL, err = duration("FAMTASK_ENTITLEMENT_CACHE_TTL", 0); err != nil {
		return Config{}, err
	}
	if cfg.Entitlement.GracePeriod, err = duration("FAMTASK_ENTITLEMENT_GRACE", 0); err != nil {
		return Config{}, err
	}
	if cfg.Backup.Retention, err = duration("FAMTASK_BACKUP_RETENTION", 30*24*time.Hour); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// PushEnabled reports whether both VAPID keys are set.
func (c Config) PushEnabled() bool {
	return c.VAPIDPublicKey != "" && c.VAPIDPrivateKey != ""
}

// Location resolves the device timezone.
func (d Device) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(d.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", d.Timezone, err)
	}
	return loc, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func duration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		// Plain numbers are seconds.
		secs, nerr := strconv.Atoi(v)
		if nerr != nil {
			return 0, fmt.Errorf("parse %s: %w", key, err)
		}
		return time.Duration(secs) * time.Second, nil
	}
	return d, nil
}
