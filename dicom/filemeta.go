package dicom

import (
	"encoding/binary"
	"fmt"

	"github.com/caio-sobreiro/dicomgw/types"
)

// FileMeta describes the File Meta Information written ahead of a dataset
// in a DICOM Part 10 file.
type FileMeta struct {
	MediaStorageSOPClassUID    string
	MediaStorageSOPInstanceUID string
	TransferSyntaxUID          string
}

// BuildPart10File wraps an encoded dataset in a Part 10 container: 128-byte
// preamble, DICM prefix and a group 0x0002 File Meta Information header.
// The dataset bytes are written as-is, so meta.TransferSyntaxUID must match
// their encoding. An empty TransferSyntaxUID defaults to Explicit VR Little
// Endian.
func BuildPart10File(meta FileMeta, dataset []byte) ([]byte, error) {
	if meta.MediaStorageSOPClassUID == "" || meta.MediaStorageSOPInstanceUID == "" {
		return nil, fmt.Errorf("file meta requires SOP class and instance UIDs")
	}

	transferSyntax := meta.TransferSyntaxUID
	if transferSyntax == "" {
		transferSyntax = types.ExplicitVRLittleEndian
	}

	// File Meta Information is always Explicit VR Little Endian.
	var metaGroup []byte
	metaGroup = appendExplicitElement(metaGroup, 0x0002, 0x0001, "OB", []byte{0x00, 0x01})
	metaGroup = appendExplicitElement(metaGroup, 0x0002, 0x0002, "UI", padUID(meta.MediaStorageSOPClassUID))
	metaGroup = appendExplicitElement(metaGroup, 0x0002, 0x0003, "UI", padUID(meta.MediaStorageSOPInstanceUID))
	metaGroup = appendExplicitElement(metaGroup, 0x0002, 0x0010, "UI", padUID(transferSyntax))
	metaGroup = appendExplicitElement(metaGroup, 0x0002, 0x0012, "UI", padUID(types.GatewayImplementationClassUID))
	metaGroup = appendExplicitElement(metaGroup, 0x0002, 0x0013, "SH", padSpace(types.GatewayImplementationVersionName))

	groupLength := make([]byte, 4)
	binary.LittleEndian.PutUint32(groupLength, uint32(len(metaGroup)))

	out := make([]byte, 0, 132+12+len(metaGroup)+len(dataset))
	out = append(out, make([]byte, 128)...)
	out = append(out, []byte("DICM")...)
	out = appendExplicitElement(out, 0x0002, 0x0000, "UL", groupLength)
	out = append(out, metaGroup...)
	out = append(out, dataset...)

	return out, nil
}

// appendExplicitElement appends one Explicit VR Little Endian element.
func appendExplicitElement(buf []byte, group, element uint16, vr string, value []byte) []byte {
	buf = append(buf, byte(group), byte(group>>8))
	buf = append(buf, byte(element), byte(element>>8))
	buf = append(buf, vr...)

	switch vr {
	case "OB", "OW", "OF", "SQ", "UN", "UT":
		// Reserved bytes, then 32-bit length
		buf = append(buf, 0x00, 0x00)
		length := make([]byte, 4)
		binary.LittleEndian.PutUint32(length, uint32(len(value)))
		buf = append(buf, length...)
	default:
		length := make([]byte, 2)
		binary.LittleEndian.PutUint16(length, uint16(len(value)))
		buf = append(buf, length...)
	}

	return append(buf, value...)
}

// padUID null-pads a UID value to even length.
func padUID(uid string) []byte {
	value := []byte(uid)
	if len(value)%2 == 1 {
		value = append(value, 0x00)
	}
	return value
}

// padSpace space-pads a text value to even length.
func padSpace(s string) []byte {
	value := []byte(s)
	if len(value)%2 == 1 {
		value = append(value, ' ')
	}
	return value
}
