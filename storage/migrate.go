package storage

import (
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// MigrateLegacyLayout moves instances stored in the old two-level layout
// <root>/<study>/<series>/*.dcm into the four-level layout, assigning each
// study to its patient via the provided patient-to-studies index. Studies
// absent from the index go under "unknown". Emptied legacy directories are
// removed.
func (s *Store) MigrateLegacyLayout(patientStudies map[string][]string) error {
	studyOwner := make(map[string]string)
	for patientID, studies := range patientStudies {
		for _, studyUID := range studies {
			studyOwner[studyUID] = patientID
		}
	}

	topDirs, err := s.subdirs(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, name := range topDirs {
		legacyStudyPath := filepath.Join(s.root, name)
		if !s.isLegacyStudy(legacyStudyPath) {
			continue
		}

		patient := unknownPatient
		if owner, ok := studyOwner[name]; ok {
			patient = SanitizePatientID(owner)
		}

		if err := s.migrateStudy(legacyStudyPath, name, patient); err != nil {
			s.logger.Error("Failed to migrate legacy study",
				zap.String("study", name),
				zap.Error(err))
			continue
		}
		s.logger.Info("Migrated legacy study",
			zap.String("study", name),
			zap.String("patient", patient))
	}
	return nil
}

// isLegacyStudy reports whether a top-level directory holds the old layout:
// series subdirectories with .dcm files directly inside, no scans segment.
func (s *Store) isLegacyStudy(path string) bool {
	seriesDirs, err := s.subdirs(path)
	if err != nil {
		return false
	}
	for _, seriesName := range seriesDirs {
		entries, err := os.ReadDir(filepath.Join(path, seriesName))
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() && entry.Name() == scansDir {
				return false
			}
			if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".dcm") {
				return true
			}
		}
	}
	return false
}

func (s *Store) migrateStudy(legacyStudyPath, studyUID, patient string) error {
	seriesDirs, err := s.subdirs(legacyStudyPath)
	if err != nil {
		return err
	}

	for _, seriesUID := range seriesDirs {
		legacySeriesPath := filepath.Join(legacyStudyPath, seriesUID)
		targetDir := filepath.Join(s.root, patient, studyUID, seriesUID, scansDir)
		if err := os.MkdirAll(targetDir, 0o755); err != nil {
			return err
		}

		entries, err := os.ReadDir(legacySeriesPath)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".dcm") {
				continue
			}
			src := filepath.Join(legacySeriesPath, entry.Name())
			dst := filepath.Join(targetDir, entry.Name())
			if err := os.Rename(src, dst); err != nil {
				return err
			}
		}

		// Prune the series directory if emptied
		if remaining, err := os.ReadDir(legacySeriesPath); err == nil && len(remaining) == 0 {
			os.Remove(legacySeriesPath)
		}
	}

	if remaining, err := os.ReadDir(legacyStudyPath); err == nil && len(remaining) == 0 {
		os.Remove(legacyStudyPath)
	}
	return nil
}
