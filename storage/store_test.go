package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caio-sobreiro/dicomgw/dicom"
	"github.com/caio-sobreiro/dicomgw/types"
)

func TestSanitizePatientID(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"PAT001", "PAT001"},
		{"pat 001", "pat 001"},
		{"a.b_c-d", "a.b_c-d"},
		{"p/a\\t*0?0:1", "pat001"},
		{"", "unknown"},
		{"///", "unknown"},
		{"  ", "unknown"},
	}

	for _, c := range cases {
		assert.Equal(t, c.want, SanitizePatientID(c.in), "input %q", c.in)
	}
}

func TestInstancePath(t *testing.T) {
	root := t.TempDir()
	store := NewStore(root, nil)

	ds := dicom.NewDataset()
	ds.AddElement(tagPatientID, dicom.VR_LO, "PAT001")

	path, err := store.InstancePath("1.2", "1.2.3", "1.2.3.4", ds)
	require.NoError(t, err)

	want := filepath.Join(root, "PAT001", "1.2", "1.2.3", "scans", "1.2.3.4.dcm")
	assert.Equal(t, want, path)
	assert.DirExists(t, filepath.Dir(path))
}

func TestInstancePath_NoDataset(t *testing.T) {
	root := t.TempDir()
	store := NewStore(root, nil)

	path, err := store.InstancePath("1.2", "1.2.3", "1.2.3.4", nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "unknown", "1.2", "1.2.3", "scans", "1.2.3.4.dcm"), path)
}

func TestInstancePath_MissingUIDs(t *testing.T) {
	store := NewStore(t.TempDir(), nil)

	_, err := store.InstancePath("", "1.2.3", "1.2.3.4", nil)
	assert.Error(t, err)
}

// writeInstance stores a minimal Part 10 file through the deterministic path.
func writeInstance(t *testing.T, store *Store, patientID, patientName, studyUID, seriesUID, sopUID, modality string) {
	t.Helper()

	ds := dicom.NewDataset()
	ds.AddElement(tagSOPClassUID, dicom.VR_UI, types.CTImageStorage)
	ds.AddElement(tagSOPInstanceUID, dicom.VR_UI, sopUID)
	ds.AddElement(dicom.Tag{Group: 0x0020, Element: 0x000D}, dicom.VR_UI, studyUID)
	ds.AddElement(dicom.Tag{Group: 0x0020, Element: 0x000E}, dicom.VR_UI, seriesUID)
	ds.AddElement(tagPatientName, dicom.VR_PN, patientName)
	ds.AddElement(tagPatientID, dicom.VR_LO, patientID)
	ds.AddElement(tagStudyDescription, dicom.VR_LO, "HEAD CT")
	if modality != "" {
		ds.AddElement(tagModality, dicom.VR_CS, modality)
	}

	file, err := dicom.BuildPart10File(dicom.FileMeta{
		MediaStorageSOPClassUID:    types.CTImageStorage,
		MediaStorageSOPInstanceUID: sopUID,
		TransferSyntaxUID:          types.ExplicitVRLittleEndian,
	}, ds.EncodeDataset())
	require.NoError(t, err)

	path, err := store.InstancePath(studyUID, seriesUID, sopUID, ds)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, file, 0o644))
}

func TestResolveStudy(t *testing.T) {
	root := t.TempDir()
	store := NewStore(root, nil)

	writeInstance(t, store, "PAT001", "sub-001", "1.2", "1.2.3", "1.2.3.4", "CT")

	assert.Equal(t, filepath.Join(root, "PAT001", "1.2"), store.ResolveStudy("1.2"))

	// Unknown study falls back to the legacy path
	assert.Equal(t, filepath.Join(root, "9.9"), store.ResolveStudy("9.9"))
}

func TestCatalogueAccessors(t *testing.T) {
	root := t.TempDir()
	store := NewStore(root, nil)

	writeInstance(t, store, "PAT001", "sub-001", "1.2", "1.2.3", "1.2.3.4", "CT")
	writeInstance(t, store, "PAT001", "sub-001", "1.2", "1.2.3", "1.2.3.5", "CT")
	writeInstance(t, store, "PAT001", "sub-001", "1.2", "1.2.9", "1.2.9.1", "MR")
	writeInstance(t, store, "PAT002", "sub-002", "2.1", "2.1.1", "2.1.1.1", "US")

	patients, err := store.Patients()
	require.NoError(t, err)
	require.Len(t, patients, 2)

	studies, err := store.Studies()
	require.NoError(t, err)
	require.Len(t, studies, 2)
	for _, study := range studies {
		if study.InstanceUID == "1.2" {
			assert.Equal(t, 2, study.NumberOfSeries)
			assert.Equal(t, 3, study.NumberOfImages)
			assert.Equal(t, "PAT001", study.PatientID)
			assert.Equal(t, "HEAD CT", study.Description)
		}
	}

	series, err := store.SeriesForStudy("1.2")
	require.NoError(t, err)
	require.Len(t, series, 2)
	assert.Equal(t, "CT", series[0].Modality)
	assert.Equal(t, 2, series[0].NumberOfImages)
	assert.Equal(t, "1.2", series[0].StudyUID)

	images, err := store.ImagesForSeries("1.2", "1.2.3")
	require.NoError(t, err)
	require.Len(t, images, 2)
	assert.Equal(t, "1.2.3.4", images[0].SOPInstanceUID)
	assert.Equal(t, types.CTImageStorage, images[0].SOPClassUID)

	files, err := store.FilesForStudy("1.2")
	require.NoError(t, err)
	assert.Len(t, files, 3)

	files, err = store.FilesForSeries("1.2", "1.2.3")
	require.NoError(t, err)
	assert.Len(t, files, 2)
}

func TestAccessors_MissingStudy(t *testing.T) {
	store := NewStore(t.TempDir(), nil)

	series, err := store.SeriesForStudy("9.9")
	require.NoError(t, err)
	assert.Empty(t, series)

	files, err := store.FilesForStudy("9.9")
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestMigrateLegacyLayout(t *testing.T) {
	root := t.TempDir()
	store := NewStore(root, nil)

	// Legacy layout: <root>/<study>/<series>/*.dcm
	legacySeries := filepath.Join(root, "1.2", "1.2.3")
	require.NoError(t, os.MkdirAll(legacySeries, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(legacySeries, "1.2.3.4.dcm"), []byte("x"), 0o644))

	err := store.MigrateLegacyLayout(map[string][]string{"PAT001": {"1.2"}})
	require.NoError(t, err)

	migrated := filepath.Join(root, "PAT001", "1.2", "1.2.3", "scans", "1.2.3.4.dcm")
	assert.FileExists(t, migrated)

	// The emptied legacy directories are pruned
	_, statErr := os.Stat(filepath.Join(root, "1.2"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestMigrateLegacyLayout_UnknownPatient(t *testing.T) {
	root := t.TempDir()
	store := NewStore(root, nil)

	legacySeries := filepath.Join(root, "3.4", "3.4.5")
	require.NoError(t, os.MkdirAll(legacySeries, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(legacySeries, "3.4.5.6.dcm"), []byte("x"), 0o644))

	require.NoError(t, store.MigrateLegacyLayout(nil))

	assert.FileExists(t, filepath.Join(root, "unknown", "3.4", "3.4.5", "scans", "3.4.5.6.dcm"))
}

func TestMigrateLegacyLayout_SkipsCurrentLayout(t *testing.T) {
	root := t.TempDir()
	store := NewStore(root, nil)

	writeInstance(t, store, "PAT001", "sub-001", "1.2", "1.2.3", "1.2.3.4", "CT")

	require.NoError(t, store.MigrateLegacyLayout(nil))

	// The four-level file is untouched
	assert.FileExists(t, filepath.Join(root, "PAT001", "1.2", "1.2.3", "scans", "1.2.3.4.dcm"))
}
