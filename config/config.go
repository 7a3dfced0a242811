// Package config loads gateway settings from DICOM_RECEIVER_* environment
// variables with documented defaults.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// DefaultPIITags lists the DICOM attribute keywords substituted during
// anonymization when DICOM_RECEIVER_PII_TAGS is unset.
var DefaultPIITags = []string{
	"PatientName",
	"PatientID",
	"PatientBirthDate",
	"PatientAddress",
	"PatientTelephoneNumbers",
	"OtherPatientIDs",
	"OtherPatientNames",
}

// Config holds every runtime setting of the gateway.
type Config struct {
	// DICOM listener
	Port    int
	AETitle string

	// Paths
	DataDir     string
	StorageDir  string
	ZipDir      string
	MappingFile string
	NodesFile   string
	LedgerFile  string
	AETableFile string
	LogFile     string

	// Study completion
	QuiescenceTimeout time.Duration

	// Central API
	APIBaseURL  string
	APIUsername string
	APIPassword string
	APIToken    string
	MaxRetries  int
	RetryDelay  time.Duration

	// Upload pipeline
	AutoUpload         bool
	CleanupAfterUpload bool

	// Anonymization
	PIITags []string

	LogLevel string
}

// Load reads the configuration from the environment. Unset variables take
// their defaults; malformed numeric or boolean values are an error.
func Load() (*Config, error) {
	cfg := &Config{
		Port:               11112,
		AETitle:            "DICOMRCV",
		DataDir:            "data",
		QuiescenceTimeout:  60 * time.Second,
		MaxRetries:         3,
		RetryDelay:         5 * time.Second,
		AutoUpload:         false,
		CleanupAfterUpload: false,
		PIITags:            append([]string(nil), DefaultPIITags...),
		LogLevel:           "info",
	}

	var err error
	if cfg.Port, err = intEnv("DICOM_RECEIVER_PORT", cfg.Port); err != nil {
		return nil, err
	}
	cfg.AETitle = stringEnv("DICOM_RECEIVER_AE_TITLE", cfg.AETitle)
	if len(cfg.AETitle) > 16 {
		return nil, fmt.Errorf("AE title %q exceeds 16 characters", cfg.AETitle)
	}

	cfg.DataDir = stringEnv("DICOM_RECEIVER_DATA_DIR", cfg.DataDir)
	cfg.StorageDir = stringEnv("DICOM_RECEIVER_STORAGE_DIR", filepath.Join(cfg.DataDir, "storage"))
	cfg.ZipDir = stringEnv("DICOM_RECEIVER_ZIP_DIR", filepath.Join(cfg.DataDir, "zips"))
	mappingName := stringEnv("DICOM_RECEIVER_MAPPING_FILENAME", "patient_mapping.json")
	cfg.MappingFile = filepath.Join(cfg.DataDir, mappingName)
	cfg.NodesFile = stringEnv("DICOM_RECEIVER_NODES_FILE", filepath.Join(cfg.DataDir, "nodes.json"))
	cfg.LedgerFile = stringEnv("DICOM_RECEIVER_LEDGER_FILE", filepath.Join(cfg.DataDir, "forwarding_ledger.json"))
	cfg.AETableFile = stringEnv("DICOM_RECEIVER_AE_TABLE_FILE", filepath.Join(cfg.DataDir, "ae_table.json"))
	cfg.LogFile = stringEnv("DICOM_RECEIVER_LOG_FILE", "")

	timeoutSecs, err := intEnv("DICOM_RECEIVER_STUDY_TIMEOUT", int(cfg.QuiescenceTimeout/time.Second))
	if err != nil {
		return nil, err
	}
	cfg.QuiescenceTimeout = time.Duration(timeoutSecs) * time.Second

	cfg.APIBaseURL = stringEnv("DICOM_RECEIVER_API_URL", "")
	cfg.APIUsername = stringEnv("DICOM_RECEIVER_API_USERNAME", "")
	cfg.APIPassword = stringEnv("DICOM_RECEIVER_API_PASSWORD", "")
	cfg.APIToken = stringEnv("DICOM_RECEIVER_API_TOKEN", "")

	if cfg.MaxRetries, err = intEnv("DICOM_RECEIVER_MAX_RETRIES", cfg.MaxRetries); err != nil {
		return nil, err
	}
	retrySecs, err := intEnv("DICOM_RECEIVER_RETRY_DELAY", int(cfg.RetryDelay/time.Second))
	if err != nil {
		return nil, err
	}
	cfg.RetryDelay = time.Duration(retrySecs) * time.Second

	if cfg.AutoUpload, err = boolEnv("DICOM_RECEIVER_AUTO_UPLOAD", cfg.AutoUpload); err != nil {
		return nil, err
	}
	if cfg.CleanupAfterUpload, err = boolEnv("DICOM_RECEIVER_CLEANUP_AFTER_UPLOAD", cfg.CleanupAfterUpload); err != nil {
		return nil, err
	}

	if raw := os.Getenv("DICOM_RECEIVER_PII_TAGS"); raw != "" {
		cfg.PIITags = splitList(raw)
	}

	cfg.LogLevel = stringEnv("DICOM_RECEIVER_LOG_LEVEL", cfg.LogLevel)

	return cfg, nil
}

// EnsureDirs creates the data, storage and zip directories.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.DataDir, c.StorageDir, c.ZipDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Print writes the effective configuration to w with secrets masked.
func (c *Config) Print(w io.Writer) {
	fmt.Fprintf(w, "port:                  %d\n", c.Port)
	fmt.Fprintf(w, "ae_title:              %s\n", c.AETitle)
	fmt.Fprintf(w, "data_dir:              %s\n", c.DataDir)
	fmt.Fprintf(w, "storage_dir:           %s\n", c.StorageDir)
	fmt.Fprintf(w, "zip_dir:               %s\n", c.ZipDir)
	fmt.Fprintf(w, "mapping_file:          %s\n", c.MappingFile)
	fmt.Fprintf(w, "nodes_file:            %s\n", c.NodesFile)
	fmt.Fprintf(w, "ledger_file:           %s\n", c.LedgerFile)
	fmt.Fprintf(w, "ae_table_file:         %s\n", c.AETableFile)
	fmt.Fprintf(w, "study_timeout:         %s\n", c.QuiescenceTimeout)
	fmt.Fprintf(w, "api_url:               %s\n", c.APIBaseURL)
	fmt.Fprintf(w, "api_username:          %s\n", c.APIUsername)
	fmt.Fprintf(w, "api_password:          %s\n", mask(c.APIPassword))
	fmt.Fprintf(w, "api_token:             %s\n", mask(c.APIToken))
	fmt.Fprintf(w, "max_retries:           %d\n", c.MaxRetries)
	fmt.Fprintf(w, "retry_delay:           %s\n", c.RetryDelay)
	fmt.Fprintf(w, "auto_upload:           %t\n", c.AutoUpload)
	fmt.Fprintf(w, "cleanup_after_upload:  %t\n", c.CleanupAfterUpload)
	fmt.Fprintf(w, "pii_tags:              %s\n", strings.Join(c.PIITags, ","))
	fmt.Fprintf(w, "log_level:             %s\n", c.LogLevel)
	if c.LogFile != "" {
		fmt.Fprintf(w, "log_file:              %s\n", c.LogFile)
	}
}

func mask(s string) string {
	if s == "" {
		return "(unset)"
	}
	return "********"
}

func stringEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q", key, v)
	}
	return n, nil
}

func boolEnv(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid value for %s: %q", key, v)
	}
	return b, nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
