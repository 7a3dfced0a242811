package gateway

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Uploader pushes a packaged study to the central API.
type Uploader interface {
	UploadDataset(ctx context.Context, zipPath, name string) (int, error)
}

// Pipeline packages quiesced studies into ZIP archives and optionally
// uploads them. It is wired to the study monitor's completion callback.
type Pipeline struct {
	identity   identityNamer
	store      studyLocator
	uploader   Uploader
	zipDir     string
	autoUpload bool
	cleanup    bool
	timeout    time.Duration
	logger     *zap.Logger
}

type identityNamer interface {
	AnonymizedNameForStudy(studyUID string) (string, bool)
}

type studyLocator interface {
	ResolveStudy(studyUID string) string
}

// PipelineConfig carries the knobs of the upload pipeline.
type PipelineConfig struct {
	ZipDir             string
	AutoUpload         bool
	CleanupAfterUpload bool
	UploadTimeout      time.Duration
}

// NewPipeline builds the study packaging pipeline. uploader may be nil,
// which disables uploads regardless of AutoUpload.
func NewPipeline(ids identityNamer, store studyLocator, uploader Uploader, cfg PipelineConfig, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.UploadTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Pipeline{
		identity:   ids,
		store:      store,
		uploader:   uploader,
		zipDir:     cfg.ZipDir,
		autoUpload: cfg.AutoUpload,
		cleanup:    cfg.CleanupAfterUpload,
		timeout:    timeout,
		logger:     logger,
	}
}

// OnStudyComplete packages a quiesced study and, when configured, uploads
// it and removes the on-disk copy. Matches monitor.CompletionFunc.
func (p *Pipeline) OnStudyComplete(studyUID string) {
	zipPath, err := p.PackageStudy(studyUID)
	if err != nil {
		p.logger.Error("Failed to package study",
			zap.String("study_uid", studyUID),
			zap.Error(err))
		return
	}

	p.logger.Info("Study packaged",
		zap.String("study_uid", studyUID),
		zap.String("zip_path", zipPath))

	if !p.autoUpload || p.uploader == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	id, err := p.uploader.UploadDataset(ctx, zipPath, strings.TrimSuffix(filepath.Base(zipPath), ".zip"))
	if err != nil {
		p.logger.Error("Failed to upload study",
			zap.String("study_uid", studyUID),
			zap.String("zip_path", zipPath),
			zap.Error(err))
		return
	}

	p.logger.Info("Study uploaded",
		zap.String("study_uid", studyUID),
		zap.Int("dataset_id", id))

	if p.cleanup {
		studyPath := p.store.ResolveStudy(studyUID)
		if studyPath == "" {
			return
		}
		if err := os.RemoveAll(studyPath); err != nil {
			p.logger.Warn("Failed to remove uploaded study",
				zap.String("path", studyPath),
				zap.Error(err))
			return
		}
		p.logger.Info("Removed uploaded study", zap.String("path", studyPath))
	}
}

// PackageStudy zips the study directory under the configured ZIP
// directory and returns the archive path. The archive is named after the
// study's anonymized patient name and the last segment of the study UID.
func (p *Pipeline) PackageStudy(studyUID string) (string, error) {
	studyPath := p.store.ResolveStudy(studyUID)
	if studyPath == "" {
		return "", fmt.Errorf("study %s not found in storage", studyUID)
	}

	if err := os.MkdirAll(p.zipDir, 0o755); err != nil {
		return "", err
	}

	zipPath := filepath.Join(p.zipDir, p.archiveName(studyUID))
	if err := zipDirectory(studyPath, zipPath); err != nil {
		os.Remove(zipPath)
		return "", err
	}
	return zipPath, nil
}

func (p *Pipeline) archiveName(studyUID string) string {
	name := "unknown"
	if p.identity != nil {
		if anon, ok := p.identity.AnonymizedNameForStudy(studyUID); ok && anon != "" {
			name = anon
		}
	}

	suffix := studyUID
	if idx := strings.LastIndex(studyUID, "."); idx >= 0 && idx < len(studyUID)-1 {
		suffix = studyUID[idx+1:]
	}
	return fmt.Sprintf("%s_%s.zip", name, suffix)
}

// zipDirectory archives every instance file under root, keeping paths
// relative to the study directory.
func zipDirectory(root, zipPath string) error {
	out, err := os.Create(zipPath)
	if err != nil {
		return err
	}
	defer out.Close()

	archive := zip.NewWriter(out)

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".dcm") {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		writer, err := archive.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		file, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(writer, file)
		file.Close()
		return err
	})
	if err != nil {
		archive.Close()
		return err
	}
	return archive.Close()
}
