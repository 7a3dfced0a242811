package types

// Transfer syntax UIDs the gateway negotiates (PS3.5 §10). The codec
// handles the two uncompressed Little Endian encodings; anything else is
// rejected during presentation context negotiation.
const (
	// ImplicitVRLittleEndian is the default DICOM transfer syntax every
	// conformant implementation must support.
	ImplicitVRLittleEndian = "1.2.840.10008.1.2"
	ExplicitVRLittleEndian = "1.2.840.10008.1.2.1"
)

var uncompressedLittleEndian = map[string]bool{
	ImplicitVRLittleEndian: true,
	ExplicitVRLittleEndian: true,
}

// IsCompressed reports whether a transfer syntax carries pixel data the
// codec cannot transcode. Unknown syntaxes count as compressed: treating
// them as plain Little Endian would corrupt the stream.
func IsCompressed(uid string) bool {
	return !uncompressedLittleEndian[uid]
}
