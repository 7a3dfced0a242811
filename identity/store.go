// Package identity maintains the reversible anonymization mapping between
// original patient identifiers and the substituted values written to disk.
package identity

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/caio-sobreiro/dicomgw/dicom"
)

// piiAttribute describes one attribute subject to substitution.
type piiAttribute struct {
	Tag dicom.Tag
	VR  string
}

// piiAttributes maps DICOM attribute keywords to their tag and VR.
var piiAttributes = map[string]piiAttribute{
	"PatientName":             {dicom.Tag{Group: 0x0010, Element: 0x0010}, dicom.VR_PN},
	"PatientID":               {dicom.Tag{Group: 0x0010, Element: 0x0020}, dicom.VR_LO},
	"PatientBirthDate":        {dicom.Tag{Group: 0x0010, Element: 0x0030}, dicom.VR_DA},
	"PatientAddress":          {dicom.Tag{Group: 0x0010, Element: 0x1040}, dicom.VR_LO},
	"PatientTelephoneNumbers": {dicom.Tag{Group: 0x0010, Element: 0x2154}, dicom.VR_SH},
	"OtherPatientIDs":         {dicom.Tag{Group: 0x0010, Element: 0x1000}, dicom.VR_LO},
	"OtherPatientNames":       {dicom.Tag{Group: 0x0010, Element: 0x1001}, dicom.VR_PN},
}

var studyInstanceUIDTag = dicom.Tag{Group: 0x0020, Element: 0x000D}

// anonymizedValue replaces every substituted attribute except PatientName
// and PatientID.
const anonymizedValue = "ANON"

// mappingDocument is the on-disk shape of the identity mapping.
type mappingDocument struct {
	PatientInfo     map[string]map[string]string `json:"patient_info"`
	PatientNameMap  map[string]string            `json:"patient_name_map"`
	PatientStudyMap map[string][]string          `json:"patient_study_map"`
}

// Store is the thread-safe identity mapping. All reads and writes are
// serialized by one mutex; the mapping file is rewritten inside the
// critical section so the document on disk always reflects the latest
// mutation.
type Store struct {
	mu      sync.Mutex
	mapPath string
	piiTags []string
	logger  *zap.Logger

	patientInfo map[string]map[string]string
	nameMap     map[string]string
	nextCounter int
}

// NewStore loads the mapping at mapPath. A missing file starts an empty
// store; a malformed file is logged and also starts empty, never failing
// the caller.
func NewStore(mapPath string, piiTags []string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Store{
		mapPath:     mapPath,
		piiTags:     piiTags,
		logger:      logger,
		patientInfo: make(map[string]map[string]string),
		nameMap:     make(map[string]string),
		nextCounter: 1,
	}
	s.load()
	return s
}

func (s *Store) load() {
	data, err := os.ReadFile(s.mapPath)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Error("Failed to read identity mapping, starting empty",
				zap.String("path", s.mapPath),
				zap.Error(err))
		}
		return
	}

	var doc mappingDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		s.logger.Error("Malformed identity mapping, starting empty",
			zap.String("path", s.mapPath),
			zap.Error(err))
		return
	}

	if doc.PatientInfo == nil && doc.PatientNameMap == nil {
		// Old-format document: a bare per-study map without wrapper keys.
		var legacy map[string]map[string]string
		if err := json.Unmarshal(data, &legacy); err == nil && len(legacy) > 0 {
			s.logger.Info("Migrating legacy identity mapping format",
				zap.String("path", s.mapPath))
			doc.PatientInfo = legacy
		}
	}

	if doc.PatientInfo != nil {
		s.patientInfo = doc.PatientInfo
	}
	if doc.PatientNameMap != nil {
		s.nameMap = doc.PatientNameMap
	}
	s.nextCounter = recoverCounter(s.nameMap)
}

// recoverCounter returns max parseable numeric suffix over sub-* values
// plus one. Unparseable values are skipped so manual edits do not break
// allocation.
func recoverCounter(nameMap map[string]string) int {
	max := 0
	for _, tag := range nameMap {
		suffix, ok := strings.CutPrefix(tag, "sub-")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(suffix)
		if err != nil {
			continue
		}
		if n > max {
			max = n
		}
	}
	return max + 1
}

// Anonymize substitutes PII attributes in the dataset in place and records
// the originals. PatientName becomes the patient's sub-NNN tag, PatientID
// is recorded but kept, every other configured attribute becomes "ANON".
// Returns the original values observed on this call, keyed by attribute
// keyword. The mapping file is rewritten before returning.
func (s *Store) Anonymize(ds *dicom.Dataset) (map[string]string, error) {
	studyUID := ds.GetString(studyInstanceUIDTag)
	if studyUID == "" {
		return nil, fmt.Errorf("dataset has no StudyInstanceUID")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	originals := make(map[string]string)

	for _, keyword := range s.piiTags {
		attr, known := piiAttributes[keyword]
		if !known {
			s.logger.Warn("Unknown PII attribute keyword, skipping",
				zap.String("keyword", keyword))
			continue
		}

		value := ds.GetString(attr.Tag)
		if value == "" {
			continue
		}
		if keyword == "PatientName" {
			value = normalizePersonName(value)
		}

		record, exists := s.patientInfo[studyUID]
		if !exists {
			record = make(map[string]string)
			s.patientInfo[studyUID] = record
		}
		if _, seen := record[keyword]; !seen {
			record[keyword] = value
		}
		originals[keyword] = value

		switch keyword {
		case "PatientName":
			ds.AddElement(attr.Tag, attr.VR, s.tagForName(value))
		case "PatientID":
			// Kept original so downstream nodes can still identify patients.
		default:
			ds.AddElement(attr.Tag, attr.VR, anonymizedValue)
		}
	}

	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	return originals, nil
}

// tagForName returns the anonymization tag for an original patient name,
// allocating the next counter value on first sight.
func (s *Store) tagForName(name string) string {
	if tag, ok := s.nameMap[name]; ok {
		return tag
	}
	tag := fmt.Sprintf("sub-%03d", s.nextCounter)
	s.nextCounter++
	s.nameMap[name] = tag
	s.logger.Info("Assigned anonymization tag",
		zap.String("tag", tag))
	return tag
}

// Restore writes the recorded original values back into the dataset for
// every attribute captured for its study. Returns false when no record
// exists for the dataset's StudyInstanceUID.
func (s *Store) Restore(ds *dicom.Dataset) bool {
	studyUID := ds.GetString(studyInstanceUIDTag)
	if studyUID == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.patientInfo[studyUID]
	if !ok {
		return false
	}

	for keyword, value := range record {
		attr, known := piiAttributes[keyword]
		if !known {
			continue
		}
		ds.AddElement(attr.Tag, attr.VR, value)
	}
	return true
}

// AnonymizedNameForStudy returns the sub-NNN tag for the patient name
// recorded against a study.
func (s *Store) AnonymizedNameForStudy(studyUID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.patientInfo[studyUID]
	if !ok {
		return "", false
	}
	name, ok := record["PatientName"]
	if !ok {
		return "", false
	}
	tag, ok := s.nameMap[name]
	return tag, ok
}

// OriginalNameFor reverse-looks-up the original patient name for an
// anonymization tag.
func (s *Store) OriginalNameFor(tag string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, t := range s.nameMap {
		if t == tag {
			return name, true
		}
	}
	return "", false
}

// PatientStudies returns the derived patient-to-studies index.
func (s *Store) PatientStudies() map[string][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.patientStudyMapLocked()
}

// RestoreValues returns a copy of the recorded original values for a study.
func (s *Store) RestoreValues(studyUID string) (map[string]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.patientInfo[studyUID]
	if !ok {
		return nil, false
	}
	out := make(map[string]string, len(record))
	for k, v := range record {
		out[k] = v
	}
	return out, true
}

func (s *Store) patientStudyMapLocked() map[string][]string {
	index := make(map[string][]string)
	for studyUID, record := range s.patientInfo {
		patientID, ok := record["PatientID"]
		if !ok || patientID == "" {
			continue
		}
		index[patientID] = append(index[patientID], studyUID)
	}
	for _, studies := range index {
		sort.Strings(studies)
	}
	return index
}

// persistLocked writes the mapping document atomically: temp file in the
// same directory, fsync, rename over the live file. Caller holds the mutex.
func (s *Store) persistLocked() error {
	doc := mappingDocument{
		PatientInfo:     s.patientInfo,
		PatientNameMap:  s.nameMap,
		PatientStudyMap: s.patientStudyMapLocked(),
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode identity mapping: %w", err)
	}

	dir := filepath.Dir(s.mapPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create mapping directory: %w", err)
	}

	tmpPath := filepath.Join(dir, fmt.Sprintf(".mapping-%s.tmp", uuid.NewString()))
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create temp mapping file: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write mapping file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync mapping file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close mapping file: %w", err)
	}

	if err := os.Rename(tmpPath, s.mapPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace mapping file: %w", err)
	}
	return nil
}

// normalizePersonName drops trailing empty PN components so values like
// "DOE^JOHN^^^" and "DOE^JOHN" map to the same patient.
func normalizePersonName(name string) string {
	return strings.TrimRight(name, "^")
}
