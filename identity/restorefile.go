package identity

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/caio-sobreiro/dicomgw/dicom"
)

var (
	sopClassUIDTag    = dicom.Tag{Group: 0x0008, Element: 0x0016}
	sopInstanceUIDTag = dicom.Tag{Group: 0x0008, Element: 0x0018}
)

// RestoreFile reads an anonymized Part 10 file, writes the recorded
// original values back into its dataset and saves the result at outPath.
// When mapPath is empty the mapping file is located from the storage
// layout around anonymizedPath.
func RestoreFile(anonymizedPath, outPath, mapPath string, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	data, err := os.ReadFile(anonymizedPath)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", anonymizedPath, err)
	}

	var (
		dataset        []byte
		transferSyntax string
	)
	if dicom.HasPart10Header(data) {
		dataset, transferSyntax, err = dicom.StripPart10HeaderWithTransferSyntax(data)
		if err != nil {
			return fmt.Errorf("failed to read file meta of %s: %w", anonymizedPath, err)
		}
	} else {
		dataset = data
	}

	ds, err := dicom.ParseDatasetWithTransferSyntax(dataset, transferSyntax)
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", anonymizedPath, err)
	}

	if mapPath == "" {
		mapPath, err = findMappingFile(anonymizedPath)
		if err != nil {
			return err
		}
		logger.Info("Using identity mapping", zap.String("path", mapPath))
	}

	store := NewStore(mapPath, nil, logger)
	if !store.Restore(ds) {
		return fmt.Errorf("no identity record for study %s", ds.GetString(studyInstanceUIDTag))
	}

	encoded, err := dicom.EncodeDatasetWithTransferSyntax(ds, transferSyntax)
	if err != nil {
		return fmt.Errorf("failed to encode restored dataset: %w", err)
	}

	file, err := dicom.BuildPart10File(dicom.FileMeta{
		MediaStorageSOPClassUID:    ds.GetString(sopClassUIDTag),
		MediaStorageSOPInstanceUID: ds.GetString(sopInstanceUIDTag),
		TransferSyntaxUID:          transferSyntax,
	}, encoded)
	if err != nil {
		return fmt.Errorf("failed to build restored file: %w", err)
	}

	if err := os.WriteFile(outPath, file, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", outPath, err)
	}

	logger.Info("Restored file written",
		zap.String("input", anonymizedPath),
		zap.String("output", outPath))
	return nil
}

// findMappingFile walks up from a stored instance path. The storage layout
// is <root>/<patient>/<study>/<series>/scans/<sop>.dcm, so the storage
// root is five levels above the file and the mapping usually sits next to
// the storage root in the data directory.
func findMappingFile(instancePath string) (string, error) {
	abs, err := filepath.Abs(instancePath)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(abs)
	for i := 0; i < 6; i++ {
		for _, candidate := range []string{
			filepath.Join(dir, "patient_mapping.json"),
			filepath.Join(filepath.Dir(dir), "patient_mapping.json"),
		} {
			if _, err := os.Stat(candidate); err == nil {
				return candidate, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", fmt.Errorf("no patient_mapping.json found near %s; pass the mapping path explicitly", instancePath)
}
