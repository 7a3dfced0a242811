package centralapi

import (
	"encoding/json"
	"regexp"
	"sort"

	"github.com/caio-sobreiro/dicomgw/types"
)

// Catalogue is the response of the all_dicom_metadata endpoint.
type Catalogue struct {
	Results               []ResultEntry `json:"results"`
	TotalResultsWithDicom int           `json:"total_results_with_dicom"`
}

// ResultEntry is one processing result with its DICOM metadata.
type ResultEntry struct {
	Result    ResultInfo `json:"result"`
	DicomData DicomData  `json:"dicom_data"`
}

// ResultData is the per-result dicom_metadata response.
type ResultData = ResultEntry

// ResultInfo identifies a processing result on the API.
type ResultInfo struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// DicomData holds the study tree of one result.
type DicomData struct {
	Studies map[string]StudyMetadata `json:"studies"`
}

// StudyMetadata describes one study in the catalogue.
type StudyMetadata struct {
	PatientID        string                    `json:"patient_id"`
	PatientName      string                    `json:"patient_name"`
	StudyID          string                    `json:"study_id"`
	StudyDescription string                    `json:"study_description"`
	StudyDate        string                    `json:"study_date"`
	StudyTime        string                    `json:"study_time"`
	AccessionNumber  string                    `json:"accession_number"`
	Series           map[string]SeriesMetadata `json:"series"`
}

// SeriesMetadata describes one series in the catalogue.
type SeriesMetadata struct {
	SeriesNumber      json.Number        `json:"series_number"`
	SeriesDescription string             `json:"series_description"`
	Modality          string             `json:"modality"`
	Instances         []InstanceMetadata `json:"instances"`
}

// InstanceMetadata describes one instance in the catalogue.
type InstanceMetadata struct {
	SOPInstanceUID string      `json:"sop_instance_uid"`
	SOPClassUID    string      `json:"sop_class_uid"`
	InstanceNumber json.Number `json:"instance_number"`
	PatientName    string      `json:"patient_name"`
	PatientID      string      `json:"patient_id"`
}

// sentinelPattern matches the non-conformant numeric sentinels the API
// emits in value position, such as *** and -66.***. Quoted strings are
// matched first so tokens inside them are left alone.
var sentinelPattern = regexp.MustCompile(`"(?:[^"\\]|\\.)*"|-?[0-9.]*\*+[0-9.*]*`)

// ScrubSentinels replaces bare sentinel tokens with null so the document
// can be unmarshalled.
func ScrubSentinels(data []byte) []byte {
	return sentinelPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		if len(match) > 0 && match[0] == '"' {
			return match
		}
		return []byte("null")
	})
}

// ResultIDForStudy returns the result id holding a study.
func (c *Catalogue) ResultIDForStudy(studyUID string) (int, bool) {
	for _, entry := range c.Results {
		if _, ok := entry.DicomData.Studies[studyUID]; ok {
			return entry.Result.ID, true
		}
	}
	return 0, false
}

// Patients extracts one record per distinct PatientID across all results.
func (c *Catalogue) Patients() []types.Patient {
	seen := make(map[string]bool)
	var patients []types.Patient
	for _, entry := range c.Results {
		for _, studyUID := range sortedStudyUIDs(entry.DicomData.Studies) {
			study := entry.DicomData.Studies[studyUID]
			if study.PatientID == "" || seen[study.PatientID] {
				continue
			}
			seen[study.PatientID] = true
			patients = append(patients, types.Patient{
				Name: study.PatientName,
				ID:   study.PatientID,
			})
		}
	}
	return patients
}

// Studies extracts one record per StudyInstanceUID across all results.
func (c *Catalogue) Studies() []types.Study {
	seen := make(map[string]bool)
	var studies []types.Study
	for _, entry := range c.Results {
		for _, studyUID := range sortedStudyUIDs(entry.DicomData.Studies) {
			if seen[studyUID] {
				continue
			}
			seen[studyUID] = true
			meta := entry.DicomData.Studies[studyUID]

			study := types.Study{
				InstanceUID:    studyUID,
				ID:             meta.StudyID,
				Date:           meta.StudyDate,
				Time:           meta.StudyTime,
				Description:    meta.StudyDescription,
				AccessionNum:   meta.AccessionNumber,
				PatientName:    meta.PatientName,
				PatientID:      meta.PatientID,
				NumberOfSeries: len(meta.Series),
			}
			for _, series := range meta.Series {
				study.NumberOfImages += len(series.Instances)
			}
			studies = append(studies, study)
		}
	}
	return studies
}

// SeriesForStudy extracts the series records of one study.
func (c *Catalogue) SeriesForStudy(studyUID string) []types.Series {
	var series []types.Series
	for _, entry := range c.Results {
		meta, ok := entry.DicomData.Studies[studyUID]
		if !ok {
			continue
		}
		for _, seriesUID := range sortedSeriesUIDs(meta.Series) {
			sm := meta.Series[seriesUID]
			series = append(series, types.Series{
				InstanceUID:    seriesUID,
				StudyUID:       studyUID,
				Number:         sm.SeriesNumber.String(),
				Description:    sm.SeriesDescription,
				Modality:       sm.Modality,
				NumberOfImages: len(sm.Instances),
			})
		}
		break
	}
	return series
}

// ImagesForSeries extracts the instance records of one series. An empty
// seriesUID collects instances across every series of the study.
func (c *Catalogue) ImagesForSeries(studyUID, seriesUID string) []types.Image {
	var images []types.Image
	for _, entry := range c.Results {
		meta, ok := entry.DicomData.Studies[studyUID]
		if !ok {
			continue
		}
		for _, uid := range sortedSeriesUIDs(meta.Series) {
			if seriesUID != "" && uid != seriesUID {
				continue
			}
			for _, inst := range meta.Series[uid].Instances {
				images = append(images, types.Image{
					SOPInstanceUID: inst.SOPInstanceUID,
					SOPClassUID:    inst.SOPClassUID,
					InstanceNumber: inst.InstanceNumber.String(),
				})
			}
		}
		break
	}
	return images
}

func sortedStudyUIDs(studies map[string]StudyMetadata) []string {
	uids := make([]string, 0, len(studies))
	for uid := range studies {
		uids = append(uids, uid)
	}
	sort.Strings(uids)
	return uids
}

func sortedSeriesUIDs(series map[string]SeriesMetadata) []string {
	uids := make([]string, 0, len(series))
	for uid := range series {
		uids = append(uids, uid)
	}
	sort.Strings(uids)
	return uids
}
