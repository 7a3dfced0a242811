// Package storage lays out received instances in a four-level on-disk
// hierarchy and answers local catalogue queries by walking it.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/caio-sobreiro/dicomgw/dicom"
	"github.com/caio-sobreiro/dicomgw/types"
)

// scansDir is the last directory segment before instance files.
const scansDir = "scans"

// unknownPatient is the patient segment when no usable PatientID exists.
const unknownPatient = "unknown"

var (
	tagStudyDate         = dicom.Tag{Group: 0x0008, Element: 0x0020}
	tagSeriesDate        = dicom.Tag{Group: 0x0008, Element: 0x0021}
	tagStudyTime         = dicom.Tag{Group: 0x0008, Element: 0x0030}
	tagSeriesTime        = dicom.Tag{Group: 0x0008, Element: 0x0031}
	tagAccessionNumber   = dicom.Tag{Group: 0x0008, Element: 0x0050}
	tagModality          = dicom.Tag{Group: 0x0008, Element: 0x0060}
	tagSOPClassUID       = dicom.Tag{Group: 0x0008, Element: 0x0016}
	tagSOPInstanceUID    = dicom.Tag{Group: 0x0008, Element: 0x0018}
	tagStudyDescription  = dicom.Tag{Group: 0x0008, Element: 0x1030}
	tagSeriesDescription = dicom.Tag{Group: 0x0008, Element: 0x103E}
	tagRefPhysician      = dicom.Tag{Group: 0x0008, Element: 0x0090}
	tagPatientName       = dicom.Tag{Group: 0x0010, Element: 0x0010}
	tagPatientID         = dicom.Tag{Group: 0x0010, Element: 0x0020}
	tagPatientBirthDate  = dicom.Tag{Group: 0x0010, Element: 0x0030}
	tagPatientSex        = dicom.Tag{Group: 0x0010, Element: 0x0040}
	tagStudyID           = dicom.Tag{Group: 0x0020, Element: 0x0010}
	tagSeriesNumber      = dicom.Tag{Group: 0x0020, Element: 0x0011}
	tagInstanceNumber    = dicom.Tag{Group: 0x0020, Element: 0x0013}
)

// Store answers path and catalogue queries over the hierarchy
// <root>/<patient>/<study>/<series>/scans/<sop>.dcm.
type Store struct {
	root   string
	logger *zap.Logger
}

// NewStore creates a store rooted at root.
func NewStore(root string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{root: root, logger: logger}
}

// Root returns the storage root directory.
func (s *Store) Root() string {
	return s.root
}

// SanitizePatientID strips every character outside [A-Za-z0-9._ -] from a
// PatientID so it can be used as a path segment. An empty result becomes
// "unknown".
func SanitizePatientID(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '_' || r == ' ' || r == '-':
			b.WriteRune(r)
		}
	}
	out := strings.TrimSpace(b.String())
	if out == "" {
		return unknownPatient
	}
	return out
}

// InstancePath returns the deterministic path for an instance and ensures
// its directory exists. The patient segment comes from the dataset's
// sanitized PatientID when a dataset is given.
func (s *Store) InstancePath(studyUID, seriesUID, sopUID string, ds *dicom.Dataset) (string, error) {
	if studyUID == "" || seriesUID == "" || sopUID == "" {
		return "", fmt.Errorf("instance path requires study, series and SOP instance UIDs")
	}

	patient := unknownPatient
	if ds != nil {
		patient = SanitizePatientID(ds.GetString(tagPatientID))
	}

	dir := filepath.Join(s.root, patient, studyUID, seriesUID, scansDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", dir, err)
	}
	return filepath.Join(dir, sopUID+".dcm"), nil
}

// ResolveStudy scans patient directories for a study and returns its path.
// When the study is not found under any patient the legacy two-level path
// is returned so callers can still probe pre-migration data.
func (s *Store) ResolveStudy(studyUID string) string {
	entries, err := os.ReadDir(s.root)
	if err == nil {
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			candidate := filepath.Join(s.root, entry.Name(), studyUID)
			if info, err := os.Stat(candidate); err == nil && info.IsDir() {
				return candidate
			}
		}
	}
	return filepath.Join(s.root, studyUID)
}

// Patients lists one record per patient directory, reading descriptive
// tags from the first parseable instance under it.
func (s *Store) Patients() ([]types.Patient, error) {
	patientDirs, err := s.subdirs(s.root)
	if err != nil {
		return nil, err
	}

	var patients []types.Patient
	for _, patientDir := range patientDirs {
		ds := s.firstInstanceUnder(filepath.Join(s.root, patientDir))
		p := types.Patient{ID: patientDir}
		if ds != nil {
			p.Name = ds.GetString(tagPatientName)
			if id := ds.GetString(tagPatientID); id != "" {
				p.ID = id
			}
			p.BirthDate = ds.GetString(tagPatientBirthDate)
			p.Sex = ds.GetString(tagPatientSex)
		}
		patients = append(patients, p)
	}
	return patients, nil
}

// Studies lists every study across all patients.
func (s *Store) Studies() ([]types.Study, error) {
	patientDirs, err := s.subdirs(s.root)
	if err != nil {
		return nil, err
	}

	var studies []types.Study
	for _, patientDir := range patientDirs {
		forPatient, err := s.studiesUnder(filepath.Join(s.root, patientDir))
		if err != nil {
			s.logger.Warn("Failed to read patient directory",
				zap.String("patient", patientDir),
				zap.Error(err))
			continue
		}
		studies = append(studies, forPatient...)
	}
	return studies, nil
}

// StudiesForPatient lists the studies stored under one sanitized PatientID.
func (s *Store) StudiesForPatient(patientID string) ([]types.Study, error) {
	return s.studiesUnder(filepath.Join(s.root, SanitizePatientID(patientID)))
}

func (s *Store) studiesUnder(patientPath string) ([]types.Study, error) {
	studyDirs, err := s.subdirs(patientPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var studies []types.Study
	for _, studyUID := range studyDirs {
		studyPath := filepath.Join(patientPath, studyUID)
		study := types.Study{InstanceUID: studyUID}

		seriesDirs, err := s.subdirs(studyPath)
		if err != nil {
			continue
		}
		study.NumberOfSeries = len(seriesDirs)
		for _, seriesUID := range seriesDirs {
			files, _ := s.instanceFiles(filepath.Join(studyPath, seriesUID))
			study.NumberOfImages += len(files)
		}

		if ds := s.firstInstanceUnder(studyPath); ds != nil {
			study.ID = ds.GetString(tagStudyID)
			study.Date = ds.GetString(tagStudyDate)
			study.Time = ds.GetString(tagStudyTime)
			study.Description = ds.GetString(tagStudyDescription)
			study.AccessionNum = ds.GetString(tagAccessionNumber)
			study.RefPhysician = ds.GetString(tagRefPhysician)
			study.PatientName = ds.GetString(tagPatientName)
			study.PatientID = ds.GetString(tagPatientID)
		}
		studies = append(studies, study)
	}
	return studies, nil
}

// SeriesForStudy lists the series of a study with descriptive tags from
// the first instance of each.
func (s *Store) SeriesForStudy(studyUID string) ([]types.Series, error) {
	studyPath := s.ResolveStudy(studyUID)
	seriesDirs, err := s.subdirs(studyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var series []types.Series
	for _, seriesUID := range seriesDirs {
		seriesPath := filepath.Join(studyPath, seriesUID)
		rec := types.Series{InstanceUID: seriesUID, StudyUID: studyUID}

		files, _ := s.instanceFiles(seriesPath)
		rec.NumberOfImages = len(files)

		if ds := s.firstInstanceUnder(seriesPath); ds != nil {
			rec.Number = ds.GetString(tagSeriesNumber)
			rec.Description = ds.GetString(tagSeriesDescription)
			rec.Modality = ds.GetString(tagModality)
			rec.Date = ds.GetString(tagSeriesDate)
			rec.Time = ds.GetString(tagSeriesTime)
		}
		series = append(series, rec)
	}
	return series, nil
}

// ImagesForSeries lists the instances of one series.
func (s *Store) ImagesForSeries(studyUID, seriesUID string) ([]types.Image, error) {
	files, err := s.FilesForSeries(studyUID, seriesUID)
	if err != nil {
		return nil, err
	}

	var images []types.Image
	for _, path := range files {
		img := types.Image{
			SOPInstanceUID: strings.TrimSuffix(filepath.Base(path), ".dcm"),
		}
		if ds := s.readHeader(path); ds != nil {
			if uid := ds.GetString(tagSOPInstanceUID); uid != "" {
				img.SOPInstanceUID = uid
			}
			img.SOPClassUID = ds.GetString(tagSOPClassUID)
			img.InstanceNumber = ds.GetString(tagInstanceNumber)
		}
		images = append(images, img)
	}
	return images, nil
}

// FilesForStudy lists every instance file of a study, sorted by path.
func (s *Store) FilesForStudy(studyUID string) ([]string, error) {
	studyPath := s.ResolveStudy(studyUID)
	seriesDirs, err := s.subdirs(studyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var files []string
	for _, seriesUID := range seriesDirs {
		forSeries, err := s.instanceFiles(filepath.Join(studyPath, seriesUID))
		if err != nil {
			continue
		}
		files = append(files, forSeries...)
	}
	sort.Strings(files)
	return files, nil
}

// FilesForSeries lists the instance files of one series, sorted by path.
func (s *Store) FilesForSeries(studyUID, seriesUID string) ([]string, error) {
	files, err := s.instanceFiles(filepath.Join(s.ResolveStudy(studyUID), seriesUID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// instanceFiles lists the .dcm files in a series directory, looking both
// in scans/ and directly in the directory for legacy data.
func (s *Store) instanceFiles(seriesPath string) ([]string, error) {
	dirs := []string{filepath.Join(seriesPath, scansDir), seriesPath}
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		var files []string
		for _, entry := range entries {
			if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".dcm") {
				files = append(files, filepath.Join(dir, entry.Name()))
			}
		}
		if len(files) > 0 {
			return files, nil
		}
	}

	if _, err := os.Stat(seriesPath); err != nil {
		return nil, err
	}
	return nil, nil
}

// firstInstanceUnder walks a directory tree and returns the header of the
// first parseable instance it finds.
func (s *Store) firstInstanceUnder(root string) *dicom.Dataset {
	var found *dicom.Dataset
	filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || found != nil {
			return filepath.SkipAll
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".dcm") {
			return nil
		}
		if ds := s.readHeader(path); ds != nil {
			found = ds
			return filepath.SkipAll
		}
		return nil
	})
	return found
}

// readHeader reads the descriptive tags of a stored instance without
// decoding pixel data. Returns nil on any read or parse error.
func (s *Store) readHeader(path string) *dicom.Dataset {
	data, err := os.ReadFile(path)
	if err != nil {
		s.logger.Warn("Failed to read instance", zap.String("path", path), zap.Error(err))
		return nil
	}

	var transferSyntax string
	if dicom.HasPart10Header(data) {
		data, transferSyntax, err = dicom.StripPart10HeaderWithTransferSyntax(data)
		if err != nil {
			s.logger.Warn("Failed to strip file meta", zap.String("path", path), zap.Error(err))
			return nil
		}
	}

	ds, err := dicom.ParseDatasetHeaderWithTransferSyntax(data, transferSyntax)
	if err != nil {
		s.logger.Warn("Failed to parse instance", zap.String("path", path), zap.Error(err))
		return nil
	}
	return ds
}

func (s *Store) subdirs(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
