package types

// ApplicationContextUID identifies the DICOM application context proposed
// in every A-ASSOCIATE-RQ (PS3.7 Annex A).
const ApplicationContextUID = "1.2.840.10008.3.1.1.1"

// Verification service.
const VerificationSOPClass = "1.2.840.10008.1.1"

// Storage SOP classes the gateway accepts and forwards. The set mirrors
// the modalities the hospital deployment produces; anything else is
// rejected at association time.
const (
	ComputedRadiographyImageStorage        = "1.2.840.10008.5.1.4.1.1.1"
	DigitalXRayImageStorageForPresentation = "1.2.840.10008.5.1.4.1.1.1.1"
	DigitalXRayImageStorageForProcessing   = "1.2.840.10008.5.1.4.1.1.1.1.1"

	CTImageStorage         = "1.2.840.10008.5.1.4.1.1.2"
	EnhancedCTImageStorage = "1.2.840.10008.5.1.4.1.1.2.1"

	MRImageStorage         = "1.2.840.10008.5.1.4.1.1.4"
	EnhancedMRImageStorage = "1.2.840.10008.5.1.4.1.1.4.1"

	UltrasoundMultiFrameImageStorage = "1.2.840.10008.5.1.4.1.1.3.1"
	UltrasoundImageStorage           = "1.2.840.10008.5.1.4.1.1.6.1"

	SecondaryCaptureImageStorage = "1.2.840.10008.5.1.4.1.1.7"

	XRayAngiographicImageStorage      = "1.2.840.10008.5.1.4.1.1.12.1"
	XRayRadiofluoroscopicImageStorage = "1.2.840.10008.5.1.4.1.1.12.2"

	NuclearMedicineImageStorage = "1.2.840.10008.5.1.4.1.1.20"

	PETImageStorage         = "1.2.840.10008.5.1.4.1.1.128"
	EnhancedPETImageStorage = "1.2.840.10008.5.1.4.1.1.130"

	RTImageStorage = "1.2.840.10008.5.1.4.1.1.481.1"
	RTDoseStorage  = "1.2.840.10008.5.1.4.1.1.481.2"

	EncapsulatedPDFStorage = "1.2.840.10008.5.1.4.1.1.104.1"
)

// Query/Retrieve information models (PS3.4 Annex C).
const (
	StudyRootQueryRetrieveInformationModelFind = "1.2.840.10008.5.1.4.1.2.2.1"
	StudyRootQueryRetrieveInformationModelMove = "1.2.840.10008.5.1.4.1.2.2.2"
	StudyRootQueryRetrieveInformationModelGet  = "1.2.840.10008.5.1.4.1.2.2.3"

	PatientRootQueryRetrieveInformationModelFind = "1.2.840.10008.5.1.4.1.2.1.1"
	PatientRootQueryRetrieveInformationModelMove = "1.2.840.10008.5.1.4.1.2.1.2"
	PatientRootQueryRetrieveInformationModelGet  = "1.2.840.10008.5.1.4.1.2.1.3"

	PatientStudyOnlyQueryRetrieveInformationModelFind = "1.2.840.10008.5.1.4.1.2.3.1"
	PatientStudyOnlyQueryRetrieveInformationModelMove = "1.2.840.10008.5.1.4.1.2.3.2"
	PatientStudyOnlyQueryRetrieveInformationModelGet  = "1.2.840.10008.5.1.4.1.2.3.3"
)

// Modality Worklist, accepted so worklist-probing modalities can associate.
const ModalityWorklistInformationModelFind = "1.2.840.10008.5.1.4.31"

// SOPClassInfo describes a known SOP class.
type SOPClassInfo struct {
	UID      string
	Name     string
	Category string
}

// Categories used by the registry.
const (
	categoryVerification  = "Verification"
	categoryStorage       = "Storage"
	categoryQueryRetrieve = "Query/Retrieve"
	categoryWorklist      = "Worklist"
)

// GetSOPClassInfo resolves a SOP class UID. Unregistered UIDs come back
// with Name and Category "Unknown" so callers can log them verbatim.
func GetSOPClassInfo(uid string) *SOPClassInfo {
	info, ok := sopClassRegistry[uid]
	if !ok {
		return &SOPClassInfo{UID: uid, Name: "Unknown", Category: "Unknown"}
	}
	return &info
}

// IsStorageSOPClass reports whether uid names a storage SOP class.
func IsStorageSOPClass(uid string) bool {
	return GetSOPClassInfo(uid).Category == categoryStorage
}

// IsQueryRetrieveSOPClass reports whether uid names a Q/R information model.
func IsQueryRetrieveSOPClass(uid string) bool {
	return GetSOPClassInfo(uid).Category == categoryQueryRetrieve
}

var sopClassRegistry = buildSOPClassRegistry()

func buildSOPClassRegistry() map[string]SOPClassInfo {
	entries := []SOPClassInfo{
		{VerificationSOPClass, "Verification SOP Class", categoryVerification},

		{ComputedRadiographyImageStorage, "Computed Radiography Image Storage", categoryStorage},
		{DigitalXRayImageStorageForPresentation, "Digital X-Ray Image Storage - For Presentation", categoryStorage},
		{DigitalXRayImageStorageForProcessing, "Digital X-Ray Image Storage - For Processing", categoryStorage},
		{CTImageStorage, "CT Image Storage", categoryStorage},
		{EnhancedCTImageStorage, "Enhanced CT Image Storage", categoryStorage},
		{MRImageStorage, "MR Image Storage", categoryStorage},
		{EnhancedMRImageStorage, "Enhanced MR Image Storage", categoryStorage},
		{UltrasoundImageStorage, "Ultrasound Image Storage", categoryStorage},
		{UltrasoundMultiFrameImageStorage, "Ultrasound Multi-frame Image Storage", categoryStorage},
		{SecondaryCaptureImageStorage, "Secondary Capture Image Storage", categoryStorage},
		{XRayAngiographicImageStorage, "X-Ray Angiographic Image Storage", categoryStorage},
		{XRayRadiofluoroscopicImageStorage, "X-Ray Radiofluoroscopic Image Storage", categoryStorage},
		{NuclearMedicineImageStorage, "Nuclear Medicine Image Storage", categoryStorage},
		{PETImageStorage, "PET Image Storage", categoryStorage},
		{EnhancedPETImageStorage, "Enhanced PET Image Storage", categoryStorage},
		{RTImageStorage, "RT Image Storage", categoryStorage},
		{RTDoseStorage, "RT Dose Storage", categoryStorage},
		{EncapsulatedPDFStorage, "Encapsulated PDF Storage", categoryStorage},

		{StudyRootQueryRetrieveInformationModelFind, "Study Root Query/Retrieve - FIND", categoryQueryRetrieve},
		{StudyRootQueryRetrieveInformationModelMove, "Study Root Query/Retrieve - MOVE", categoryQueryRetrieve},
		{StudyRootQueryRetrieveInformationModelGet, "Study Root Query/Retrieve - GET", categoryQueryRetrieve},
		{PatientRootQueryRetrieveInformationModelFind, "Patient Root Query/Retrieve - FIND", categoryQueryRetrieve},
		{PatientRootQueryRetrieveInformationModelMove, "Patient Root Query/Retrieve - MOVE", categoryQueryRetrieve},
		{PatientRootQueryRetrieveInformationModelGet, "Patient Root Query/Retrieve - GET", categoryQueryRetrieve},
		{PatientStudyOnlyQueryRetrieveInformationModelFind, "Patient/Study Only Query/Retrieve - FIND", categoryQueryRetrieve},
		{PatientStudyOnlyQueryRetrieveInformationModelMove, "Patient/Study Only Query/Retrieve - MOVE", categoryQueryRetrieve},
		{PatientStudyOnlyQueryRetrieveInformationModelGet, "Patient/Study Only Query/Retrieve - GET", categoryQueryRetrieve},

		{ModalityWorklistInformationModelFind, "Modality Worklist - FIND", categoryWorklist},
	}

	registry := make(map[string]SOPClassInfo, len(entries))
	for _, e := range entries {
		registry[e.UID] = e
	}
	return registry
}
