package config

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 11112, cfg.Port)
	assert.Equal(t, "DICOMRCV", cfg.AETitle)
	assert.Equal(t, 60*time.Second, cfg.QuiescenceTimeout)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 5*time.Second, cfg.RetryDelay)
	assert.False(t, cfg.AutoUpload)
	assert.Equal(t, DefaultPIITags, cfg.PIITags)
	assert.Equal(t, filepath.Join("data", "patient_mapping.json"), cfg.MappingFile)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("DICOM_RECEIVER_PORT", "104")
	t.Setenv("DICOM_RECEIVER_AE_TITLE", "GATEWAY")
	t.Setenv("DICOM_RECEIVER_STUDY_TIMEOUT", "120")
	t.Setenv("DICOM_RECEIVER_AUTO_UPLOAD", "true")
	t.Setenv("DICOM_RECEIVER_PII_TAGS", "PatientName, PatientID")
	t.Setenv("DICOM_RECEIVER_DATA_DIR", "/var/lib/dicomgw")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 104, cfg.Port)
	assert.Equal(t, "GATEWAY", cfg.AETitle)
	assert.Equal(t, 2*time.Minute, cfg.QuiescenceTimeout)
	assert.True(t, cfg.AutoUpload)
	assert.Equal(t, []string{"PatientName", "PatientID"}, cfg.PIITags)
	assert.Equal(t, filepath.Join("/var/lib/dicomgw", "storage"), cfg.StorageDir)
}

func TestLoad_InvalidPort(t *testing.T) {
	t.Setenv("DICOM_RECEIVER_PORT", "not-a-number")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_AETitleTooLong(t *testing.T) {
	t.Setenv("DICOM_RECEIVER_AE_TITLE", "THIS_AE_TITLE_IS_TOO_LONG")

	_, err := Load()
	assert.Error(t, err)
}

func TestPrint_MasksSecrets(t *testing.T) {
	t.Setenv("DICOM_RECEIVER_API_PASSWORD", "hunter2")
	t.Setenv("DICOM_RECEIVER_API_TOKEN", "tok-abc")

	cfg, err := Load()
	require.NoError(t, err)

	var buf bytes.Buffer
	cfg.Print(&buf)

	out := buf.String()
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "tok-abc")
	assert.Contains(t, out, "********")
}

func TestEnsureDirs(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DICOM_RECEIVER_DATA_DIR", dir)

	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.EnsureDirs())

	assert.DirExists(t, cfg.StorageDir)
	assert.DirExists(t, cfg.ZipDir)
}
