package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/basekick-labs/logfeed/internal/logger"
	"github.com/spf13/viper"
)

// Config holds all configuration for logfeed
type Config struct {
	Run       RunConfig
	Ingest    IngestConfig
	Fanout    FanoutConfig
	Influx    InfluxConfig
	Archive   ArchiveConfig
	Audit     AuditConfig
	Scheduler SchedulerConfig
	Server    ServerConfig
	Log       LogConfig
}

type RunConfig struct {
	Root             string // Directory whose subdirectories hold the input files
	ArchiveSuffix    string // Archive directory created inside each subdirectory
	Extension        string // Input file name suffix (case-sensitive)
	DestinationsFile string // YAML descriptor source with the "influxdb" list
	FileWorkers      int    // Files processed concurrently within a subdirectory
}

type IngestConfig struct {
	BatchSize          int    // Points per write; 1 sends one write per line
	MaxLineSize        int64  // Longest accepted input line in bytes
	OnDecodeError      string // "skip" or "abort"
	TimePrecision      string // Unit of numeric timestamps: ns, us, ms, s
	IncludeExtraFields bool   // Add keys other than h, t, d, v as fields
}

type FanoutConfig struct {
	ConnectionMode     string // "pooled" or "per_write"
	Parallel           bool   // Write to destinations concurrently
	OnError            string // "abort" or "continue"
	BreakerMaxFailures int    // 0 disables per-destination circuit breakers
	BreakerCooldown    time.Duration
}

type InfluxConfig struct {
	Timeout   time.Duration
	Gzip      bool
	UserAgent string
}

type ArchiveConfig struct {
	Backend   string // "move" (rename beside the input), "local", "s3" or "azure"
	Prefix    string // Object key prefix for storage backends
	LocalPath string
	// S3/MinIO configuration
	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3AccessKey string // Or AWS_ACCESS_KEY_ID
	S3SecretKey string // Or AWS_SECRET_ACCESS_KEY
	S3UseSSL    bool
	S3PathStyle bool
	// Azure Blob Storage configuration
	AzureConnectionString   string
	AzureAccountName        string
	AzureAccountKey         string
	AzureSASToken           string
	AzureContainer          string
	AzureEndpoint           string
	AzureUseManagedIdentity bool
}

type AuditConfig struct {
	Enabled       bool
	DBPath        string
	RetentionDays int
}

type SchedulerConfig struct {
	Schedule   string // Cron spec; empty runs once and exits
	RunOnStart bool   // Run immediately when the daemon starts
}

type ServerConfig struct {
	Enabled      bool
	Host         string
	Port         int
	ReadTimeout  int
	WriteTimeout int
	// TLS Configuration
	TLSEnabled  bool
	TLSCertFile string
	TLSKeyFile  string
}

type LogConfig struct {
	Level  string
	Format string
	File   string // Append-mode log file; empty logs to stdout
}

// Load loads configuration from defaults, an optional TOML file and LOGFEED_* environment variables.
// configFile selects an explicit file; otherwise logfeed.toml is searched in the usual places.
func Load(configFile string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("LOGFEED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", configFile, err)
		}
	} else {
		v.SetConfigName("logfeed")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/logfeed/")
		v.AddConfigPath("$HOME/.logfeed/")

		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
			// Config file not found is OK, use defaults
		}
	}

	maxLineSize, err := ParseSize(v.GetString("ingest.max_line_size"))
	if err != nil {
		return nil, fmt.Errorf("invalid ingest.max_line_size: %w", err)
	}

	cfg := &Config{
		Run: RunConfig{
			Root:             v.GetString("run.root"),
			ArchiveSuffix:    v.GetString("run.archive_suffix"),
			Extension:        v.GetString("run.extension"),
			DestinationsFile: v.GetString("run.destinations_file"),
			FileWorkers:      v.GetInt("run.file_workers"),
		},
		Ingest: IngestConfig{
			BatchSize:          v.GetInt("ingest.batch_size"),
			MaxLineSize:        maxLineSize,
			OnDecodeError:      v.GetString("ingest.on_decode_error"),
			TimePrecision:      v.GetString("ingest.time_precision"),
			IncludeExtraFields: v.GetBool("ingest.include_extra_fields"),
		},
		Fanout: FanoutConfig{
			ConnectionMode:     v.GetString("fanout.connection_mode"),
			Parallel:           v.GetBool("fanout.parallel"),
			OnError:            v.GetString("fanout.on_error"),
			BreakerMaxFailures: v.GetInt("fanout.breaker_max_failures"),
			BreakerCooldown:    v.GetDuration("fanout.breaker_cooldown"),
		},
		Influx: InfluxConfig{
			Timeout:   v.GetDuration("influx.timeout"),
			Gzip:      v.GetBool("influx.gzip"),
			UserAgent: v.GetString("influx.user_agent"),
		},
		Archive: ArchiveConfig{
			Backend:                 v.GetString("archive.backend"),
			Prefix:                  v.GetString("archive.prefix"),
			LocalPath:               v.GetString("archive.local_path"),
			S3Bucket:                v.GetString("archive.s3_bucket"),
			S3Region:                v.GetString("archive.s3_region"),
			S3Endpoint:              v.GetString("archive.s3_endpoint"),
			S3AccessKey:             v.GetString("archive.s3_access_key"),
			S3SecretKey:             v.GetString("archive.s3_secret_key"),
			S3UseSSL:                v.GetBool("archive.s3_use_ssl"),
			S3PathStyle:             v.GetBool("archive.s3_path_style"),
			AzureConnectionString:   v.GetString("archive.azure_connection_string"),
			AzureAccountName:        v.GetString("archive.azure_account_name"),
			AzureAccountKey:         v.GetString("archive.azure_account_key"),
			AzureSASToken:           v.GetString("archive.azure_sas_token"),
			AzureContainer:          v.GetString("archive.azure_container"),
			AzureEndpoint:           v.GetString("archive.azure_endpoint"),
			AzureUseManagedIdentity: v.GetBool("archive.azure_use_managed_identity"),
		},
		Audit: AuditConfig{
			Enabled:       v.GetBool("audit.enabled"),
			DBPath:        v.GetString("audit.db_path"),
			RetentionDays: v.GetInt("audit.retention_days"),
		},
		Scheduler: SchedulerConfig{
			Schedule:   v.GetString("scheduler.schedule"),
			RunOnStart: v.GetBool("scheduler.run_on_start"),
		},
		Server: ServerConfig{
			Enabled:      v.GetBool("server.enabled"),
			Host:         v.GetString("server.host"),
			Port:         v.GetInt("server.port"),
			ReadTimeout:  v.GetInt("server.read_timeout"),
			WriteTimeout: v.GetInt("server.write_timeout"),
			TLSEnabled:   v.GetBool("server.tls_enabled"),
			TLSCertFile:  v.GetString("server.tls_cert_file"),
			TLSKeyFile:   v.GetString("server.tls_key_file"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			File:   v.GetString("log.file"),
		},
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Run defaults
	v.SetDefault("run.root", ".")
	v.SetDefault("run.archive_suffix", ".old")
	v.SetDefault("run.extension", ".log")
	v.SetDefault("run.destinations_file", "influx_config.yml")
	v.SetDefault("run.file_workers", 1)

	// Ingest defaults
	v.SetDefault("ingest.batch_size", 1)
	v.SetDefault("ingest.max_line_size", "1MB")
	v.SetDefault("ingest.on_decode_error", "skip")
	v.SetDefault("ingest.time_precision", "ns")
	v.SetDefault("ingest.include_extra_fields", false)

	// Fan-out defaults
	v.SetDefault("fanout.connection_mode", "pooled")
	v.SetDefault("fanout.parallel", false)
	v.SetDefault("fanout.on_error", "abort")
	v.SetDefault("fanout.breaker_max_failures", 0)
	v.SetDefault("fanout.breaker_cooldown", "30s")

	// Destination client defaults
	v.SetDefault("influx.timeout", "10s")
	v.SetDefault("influx.gzip", false)
	v.SetDefault("influx.user_agent", "logfeed")

	// Archive defaults
	v.SetDefault("archive.backend", "move")
	v.SetDefault("archive.prefix", "")
	v.SetDefault("archive.local_path", "./archive")
	v.SetDefault("archive.s3_region", "us-east-1")
	v.SetDefault("archive.s3_use_ssl", true)
	v.SetDefault("archive.s3_path_style", false) // Set true for MinIO

	// Run ledger defaults
	v.SetDefault("audit.enabled", false)
	v.SetDefault("audit.db_path", "./logfeed_ledger.db")
	v.SetDefault("audit.retention_days", 90)

	// Scheduler defaults
	v.SetDefault("scheduler.schedule", "")
	v.SetDefault("scheduler.run_on_start", true)

	// Status server defaults
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8095)
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 30)
	v.SetDefault("server.tls_enabled", false)
	v.SetDefault("server.tls_cert_file", "")
	v.SetDefault("server.tls_key_file", "")

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")
}

// Validate rejects unknown policies and out-of-range values
func (cfg *Config) Validate() error {
	if cfg.Run.Root == "" {
		return fmt.Errorf("run.root must not be empty")
	}
	if cfg.Run.Extension == "" {
		return fmt.Errorf("run.extension must not be empty")
	}
	if cfg.Run.ArchiveSuffix == "" || strings.ContainsAny(cfg.Run.ArchiveSuffix, `/\`) {
		return fmt.Errorf("run.archive_suffix must be a single directory name, got %q", cfg.Run.ArchiveSuffix)
	}
	if cfg.Run.DestinationsFile == "" {
		return fmt.Errorf("run.destinations_file must not be empty")
	}
	if cfg.Run.FileWorkers < 1 {
		return fmt.Errorf("run.file_workers must be at least 1, got %d", cfg.Run.FileWorkers)
	}

	if !logger.ValidLevel(cfg.Log.Level) {
		return fmt.Errorf("invalid log.level %q", cfg.Log.Level)
	}
	if err := oneOf("log.format", cfg.Log.Format, "json", "console"); err != nil {
		return err
	}

	if cfg.Ingest.BatchSize < 1 {
		return fmt.Errorf("ingest.batch_size must be at least 1, got %d", cfg.Ingest.BatchSize)
	}
	if cfg.Ingest.MaxLineSize < 1024 {
		return fmt.Errorf("ingest.max_line_size must be at least 1KB")
	}
	if err := oneOf("ingest.on_decode_error", cfg.Ingest.OnDecodeError, "skip", "abort"); err != nil {
		return err
	}
	if err := oneOf("ingest.time_precision", cfg.Ingest.TimePrecision, "ns", "us", "ms", "s"); err != nil {
		return err
	}

	if err := oneOf("fanout.connection_mode", cfg.Fanout.ConnectionMode, "pooled", "per_write"); err != nil {
		return err
	}
	if err := oneOf("fanout.on_error", cfg.Fanout.OnError, "abort", "continue"); err != nil {
		return err
	}
	if cfg.Fanout.BreakerMaxFailures < 0 {
		return fmt.Errorf("fanout.breaker_max_failures must not be negative")
	}
	if cfg.Influx.Timeout <= 0 {
		return fmt.Errorf("influx.timeout must be positive")
	}

	if err := oneOf("archive.backend", cfg.Archive.Backend, "move", "local", "s3", "minio", "azure"); err != nil {
		return err
	}
	if cfg.Audit.Enabled && cfg.Audit.DBPath == "" {
		return fmt.Errorf("audit.db_path is required when the ledger is enabled")
	}
	if cfg.Server.Enabled && (cfg.Server.Port <= 0 || cfg.Server.Port > 65535) {
		return fmt.Errorf("server.port out of range: %d", cfg.Server.Port)
	}
	if cfg.Server.Enabled {
		if err := cfg.Server.ValidateTLS(); err != nil {
			return err
		}
	}
	return nil
}

func oneOf(key, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("invalid %s %q (allowed: %s)", key, value, strings.Join(allowed, ", "))
}

// ValidateTLS validates TLS configuration when TLS is enabled.
// Returns nil if TLS is disabled or if configuration is valid.
func (cfg *ServerConfig) ValidateTLS() error {
	if !cfg.TLSEnabled {
		return nil
	}

	if cfg.TLSCertFile == "" {
		return fmt.Errorf("TLS enabled but server.tls_cert_file not specified")
	}
	if cfg.TLSKeyFile == "" {
		return fmt.Errorf("TLS enabled but server.tls_key_file not specified")
	}

	for _, f := range []struct{ kind, path string }{
		{"certificate", cfg.TLSCertFile},
		{"key", cfg.TLSKeyFile},
	} {
		info, err := os.Stat(f.path)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("TLS %s file not found: %s", f.kind, f.path)
			}
			return fmt.Errorf("cannot access TLS %s file %s: %w", f.kind, f.path, err)
		}
		if info.IsDir() {
			return fmt.Errorf("TLS %s path is a directory, not a file: %s", f.kind, f.path)
		}
	}
	return nil
}

// ParseSize parses a human-readable size string (e.g., "1MB", "512KB") to bytes.
// Supports: B, KB, MB, GB (case-insensitive).
func ParseSize(sizeStr string) (int64, error) {
	sizeStr = strings.TrimSpace(strings.ToUpper(sizeStr))
	if sizeStr == "" {
		return 0, fmt.Errorf("empty size string")
	}

	// Define multipliers (order matters: check longer suffixes first)
	type unitInfo struct {
		suffix     string
		multiplier int64
	}
	units := []unitInfo{
		{"GB", 1024 * 1024 * 1024},
		{"MB", 1024 * 1024},
		{"KB", 1024},
		{"B", 1},
	}

	// Try each suffix from longest to shortest
	for _, unit := range units {
		if strings.HasSuffix(sizeStr, unit.suffix) {
			numStr := strings.TrimSuffix(sizeStr, unit.suffix)
			numStr = strings.TrimSpace(numStr)

			// Ensure the remaining string is a valid number (no trailing non-numeric chars)
			var num float64
			var trailing string
			n, _ := fmt.Sscanf(numStr, "%f%s", &num, &trailing)
			if n == 0 {
				return 0, fmt.Errorf("invalid size number: %s", numStr)
			}
			if trailing != "" {
				// There's extra text after the number - likely an unrecognized unit like "T" in "1TB"
				return 0, fmt.Errorf("invalid size format: %s (use e.g., '1GB', '500MB', '100KB')", sizeStr)
			}
			if num < 0 {
				return 0, fmt.Errorf("size cannot be negative: %s", sizeStr)
			}
			return int64(num * float64(unit.multiplier)), nil
		}
	}

	// Try parsing as plain number (bytes)
	var num int64
	var trailing string
	n, _ := fmt.Sscanf(sizeStr, "%d%s", &num, &trailing)
	if n == 0 || trailing != "" {
		return 0, fmt.Errorf("invalid size format: %s (use e.g., '1GB', '500MB', '100KB')", sizeStr)
	}
	if num < 0 {
		return 0, fmt.Errorf("size cannot be negative: %s", sizeStr)
	}
	return num, nil
}
