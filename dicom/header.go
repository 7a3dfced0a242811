package dicom

import (
	"encoding/binary"
)

// pixelDataGroupStart is the first tag group carrying bulk pixel data.
const pixelDataGroupStart = 0x7FE0

// ParseDatasetHeaderWithTransferSyntax parses the descriptive elements of a
// dataset, stopping before any element in group 0x7FE0 or later. Bulk pixel
// data is never decoded or copied.
func ParseDatasetHeaderWithTransferSyntax(data []byte, transferSyntaxUID string) (*Dataset, error) {
	implicit := transferSyntaxUID == TransferSyntaxImplicitVRLittleEndian

	dataset := NewDataset()
	offset := 0
	for offset+8 <= len(data) {
		group := binary.LittleEndian.Uint16(data[offset : offset+2])
		if group >= pixelDataGroupStart {
			break
		}
		element := binary.LittleEndian.Uint16(data[offset+2 : offset+4])
		tag := Tag{Group: group, Element: element}

		var (
			vr          string
			length      uint32
			valueOffset int
		)
		if implicit {
			length = binary.LittleEndian.Uint32(data[offset+4 : offset+8])
			valueOffset = offset + 8
			vr = vrForTag(tag)
		} else {
			vr = string(data[offset+4 : offset+6])
			if longVRs[vr] {
				if offset+12 > len(data) {
					return dataset, nil
				}
				length = binary.LittleEndian.Uint32(data[offset+8 : offset+12])
				valueOffset = offset + 12
			} else {
				length = uint32(binary.LittleEndian.Uint16(data[offset+6 : offset+8]))
				valueOffset = offset + 8
			}
		}

		if valueOffset+int(length) > len(data) {
			break
		}

		dataset.AddElement(tag, vr, decodeValue(vr, data[valueOffset:valueOffset+int(length)]))

		offset = valueOffset + int(length)
		if length%2 == 1 {
			offset++
		}
	}

	return dataset, nil
}
