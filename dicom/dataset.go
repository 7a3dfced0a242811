// Package dicom implements the subset of the DICOM data format the gateway
// needs: dataset parse/encode for Implicit and Explicit VR Little Endian,
// Part 10 header handling and file meta generation.
package dicom

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	"github.com/caio-sobreiro/dicomgw/types"
)

// Value representation codes (PS3.5 §6.2).
const (
	VR_AE = "AE" // Application Entity
	VR_AS = "AS" // Age String
	VR_AT = "AT" // Attribute Tag
	VR_CS = "CS" // Code String
	VR_DA = "DA" // Date
	VR_DS = "DS" // Decimal String
	VR_DT = "DT" // Date Time
	VR_FL = "FL" // Floating Point Single
	VR_FD = "FD" // Floating Point Double
	VR_IS = "IS" // Integer String
	VR_LO = "LO" // Long String
	VR_LT = "LT" // Long Text
	VR_OB = "OB" // Other Byte
	VR_OD = "OD" // Other Double
	VR_OF = "OF" // Other Float
	VR_OL = "OL" // Other Long
	VR_OV = "OV" // Other Very Long
	VR_OW = "OW" // Other Word
	VR_PN = "PN" // Person Name
	VR_SH = "SH" // Short String
	VR_SL = "SL" // Signed Long
	VR_SQ = "SQ" // Sequence of Items
	VR_SS = "SS" // Signed Short
	VR_ST = "ST" // Short Text
	VR_SV = "SV" // Signed Very Long
	VR_TM = "TM" // Time
	VR_UC = "UC" // Unlimited Characters
	VR_UI = "UI" // Unique Identifier
	VR_UL = "UL" // Unsigned Long
	VR_UN = "UN" // Unknown
	VR_UR = "UR" // Universal Resource
	VR_US = "US" // Unsigned Short
	VR_UT = "UT" // Unlimited Text
	VR_UV = "UV" // Unsigned Very Long
)

// Transfer syntaxes this codec understands.
const (
	TransferSyntaxImplicitVRLittleEndian = types.ImplicitVRLittleEndian
	TransferSyntaxExplicitVRLittleEndian = types.ExplicitVRLittleEndian
)

// longVRs use the 12-byte explicit header: VR, two reserved bytes, 4-byte
// length. Everything else carries a 2-byte length.
var longVRs = map[string]bool{
	VR_OB: true, VR_OD: true, VR_OF: true, VR_OL: true, VR_OV: true,
	VR_OW: true, VR_SQ: true, VR_SV: true, VR_UC: true, VR_UN: true,
	VR_UR: true, VR_UT: true, VR_UV: true,
}

// textVRs hold character data and decode to Go strings. Every other VR is
// binary and must pass through as raw bytes; NUL is a data byte there, not
// a terminator.
var textVRs = map[string]bool{
	VR_AE: true, VR_AS: true, VR_CS: true, VR_DA: true, VR_DS: true,
	VR_DT: true, VR_IS: true, VR_LO: true, VR_LT: true, VR_PN: true,
	VR_SH: true, VR_ST: true, VR_TM: true, VR_UC: true, VR_UI: true,
	VR_UR: true, VR_UT: true,
}

// Tag is a DICOM (group, element) pair.
type Tag struct {
	Group   uint16
	Element uint16
}

// String formats the tag as (gggg,eeee).
func (t Tag) String() string {
	return fmt.Sprintf("(%04x,%04x)", t.Group, t.Element)
}

// Element is a single data element.
type Element struct {
	Tag    Tag
	VR     string
	Length uint32
	Value  interface{}
}

// Dataset is a flat set of data elements keyed by tag. Sequences are not
// modelled; SQ values pass through as opaque bytes.
type Dataset struct {
	Elements map[Tag]*Element
}

// NewDataset returns an empty dataset.
func NewDataset() *Dataset {
	return &Dataset{Elements: make(map[Tag]*Element)}
}

// AddElement sets the element for tag, replacing any previous value.
func (d *Dataset) AddElement(tag Tag, vr string, value interface{}) {
	d.Elements[tag] = &Element{Tag: tag, VR: vr, Value: value}
}

// GetElement looks up an element by tag.
func (d *Dataset) GetElement(tag Tag) (*Element, bool) {
	element, exists := d.Elements[tag]
	return element, exists
}

// GetString returns the trimmed string value of tag, or "" when absent or
// not a string.
func (d *Dataset) GetString(tag Tag) string {
	if element, exists := d.Elements[tag]; exists {
		if str, ok := element.Value.(string); ok {
			return strings.TrimSpace(str)
		}
	}
	return ""
}

// GetStrings returns all values of a multi-valued element. Backslash is
// the DICOM value separator.
func (d *Dataset) GetStrings(tag Tag) []string {
	element, exists := d.Elements[tag]
	if !exists {
		return nil
	}
	switch v := element.Value.(type) {
	case string:
		parts := strings.Split(v, "\\")
		result := make([]string, len(parts))
		for i, part := range parts {
			result[i] = strings.TrimSpace(part)
		}
		return result
	case []string:
		return v
	}
	return nil
}

// sortedTags returns the dataset's tags in ascending (group, element)
// order, the order DICOM requires on the wire.
func (d *Dataset) sortedTags() []Tag {
	tags := make([]Tag, 0, len(d.Elements))
	for tag := range d.Elements {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool {
		if tags[i].Group != tags[j].Group {
			return tags[i].Group < tags[j].Group
		}
		return tags[i].Element < tags[j].Element
	})
	return tags
}

// ParseDataset parses an Explicit VR Little Endian dataset. Truncated
// trailing elements are dropped rather than failing the whole dataset.
func ParseDataset(data []byte) (*Dataset, error) {
	dataset := NewDataset()

	offset := 0
	for offset+8 <= len(data) {
		tag := Tag{
			Group:   binary.LittleEndian.Uint16(data[offset : offset+2]),
			Element: binary.LittleEndian.Uint16(data[offset+2 : offset+4]),
		}
		vr := string(data[offset+4 : offset+6])

		var length uint32
		var valueOffset int
		if longVRs[vr] {
			if offset+12 > len(data) {
				break
			}
			length = binary.LittleEndian.Uint32(data[offset+8 : offset+12])
			valueOffset = offset + 12
		} else {
			length = uint32(binary.LittleEndian.Uint16(data[offset+6 : offset+8]))
			valueOffset = offset + 8
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

// ParseDatasetWithTransferSyntax parses a dataset in the given transfer
// syntax. Unknown syntaxes are treated as Explicit VR LE, which also covers
// the empty default.
func ParseDatasetWithTransferSyntax(data []byte, transferSyntaxUID string) (*Dataset, error) {
	if transferSyntaxUID == TransferSyntaxImplicitVRLittleEndian {
		return parseImplicitVRDataset(data)
	}
	return ParseDataset(data)
}

func parseImplicitVRDataset(data []byte) (*Dataset, error) {
	dataset := NewDataset()

	offset := 0
	for offset+8 <= len(data) {
		tag := Tag{
			Group:   binary.LittleEndian.Uint16(data[offset : offset+2]),
			Element: binary.LittleEndian.Uint16(data[offset+2 : offset+4]),
		}
		length := binary.LittleEndian.Uint32(data[offset+4 : offset+8])
		valueOffset := offset + 8

		if valueOffset+int(length) > len(data) {
			break
		}

		vr := vrForTag(tag)
		dataset.AddElement(tag, vr, decodeValue(vr, data[valueOffset:valueOffset+int(length)]))

		offset = valueOffset + int(length)
		if length%2 == 1 {
			offset++
		}
	}

	return dataset, nil
}

// decodeValue converts raw element bytes to the in-memory value. Text VRs
// become strings with null terminators and padding dropped; binary VRs
// (pixel data included) are copied verbatim.
func decodeValue(vr string, data []byte) interface{} {
	if !textVRs[vr] {
		return append([]byte(nil), data...)
	}
	if len(data) == 0 {
		return ""
	}
	value := string(data)
	if idx := strings.IndexByte(value, 0); idx != -1 {
		value = value[:idx]
	}
	return strings.TrimSpace(value)
}

// implicitVRDictionary covers the tags the gateway reads from Implicit VR
// datasets. Anything else parses as UN, which is fine for pass-through.
var implicitVRDictionary = map[Tag]string{
	{0x0008, 0x0005}: VR_CS, // Specific Character Set
	{0x0008, 0x0016}: VR_UI, // SOP Class UID
	{0x0008, 0x0018}: VR_UI, // SOP Instance UID
	{0x0008, 0x0020}: VR_DA, // Study Date
	{0x0008, 0x0030}: VR_TM, // Study Time
	{0x0008, 0x0050}: VR_SH, // Accession Number
	{0x0008, 0x0052}: VR_CS, // Query/Retrieve Level
	{0x0008, 0x0054}: VR_AE, // Retrieve AE Title
	{0x0008, 0x0060}: VR_CS, // Modality
	{0x0008, 0x0080}: VR_LO, // Institution Name
	{0x0008, 0x0090}: VR_PN, // Referring Physician's Name
	{0x0008, 0x1030}: VR_LO, // Study Description
	{0x0008, 0x103E}: VR_LO, // Series Description
	{0x0008, 0x1040}: VR_LO, // Institutional Department Name
	{0x0008, 0x1050}: VR_PN, // Performing Physician's Name
	{0x0008, 0x1060}: VR_PN, // Name of Physician(s) Reading Study
	{0x0008, 0x1070}: VR_PN, // Operators' Name
	{0x0010, 0x0010}: VR_PN, // Patient's Name
	{0x0010, 0x0020}: VR_LO, // Patient ID
	{0x0010, 0x0030}: VR_DA, // Patient's Birth Date
	{0x0010, 0x0040}: VR_CS, // Patient's Sex
	{0x0010, 0x1010}: VR_AS, // Patient's Age
	{0x0018, 0x0015}: VR_CS, // Body Part Examined
	{0x0020, 0x000D}: VR_UI, // Study Instance UID
	{0x0020, 0x000E}: VR_UI, // Series Instance UID
	{0x0020, 0x0010}: VR_SH, // Study ID
	{0x0020, 0x0011}: VR_IS, // Series Number
	{0x0020, 0x0013}: VR_IS, // Instance Number
	{0x0020, 0x0020}: VR_CS, // Patient Orientation
}

func vrForTag(tag Tag) string {
	if vr, ok := implicitVRDictionary[tag]; ok {
		return vr
	}
	return VR_UN
}

// EncodeDataset encodes the dataset as Explicit VR Little Endian.
func (d *Dataset) EncodeDataset() []byte {
	var result []byte

	for _, tag := range d.sortedTags() {
		element := d.Elements[tag]

		result = binary.LittleEndian.AppendUint16(result, tag.Group)
		result = binary.LittleEndian.AppendUint16(result, tag.Element)
		result = append(result, []byte(element.VR)...)

		valueBytes := padEven(encodeValue(element), element.VR)

		if longVRs[element.VR] {
			result = append(result, 0x00, 0x00)
			result = binary.LittleEndian.AppendUint32(result, uint32(len(valueBytes)))
		} else {
			if len(valueBytes) > 0xFFFF {
				valueBytes = valueBytes[:0xFFFF]
			}
			result = binary.LittleEndian.AppendUint16(result, uint16(len(valueBytes)))
		}

		result = append(result, valueBytes...)
	}

	return result
}

// EncodeDatasetWithTransferSyntax encodes a dataset in the given transfer
// syntax. Unknown syntaxes fall back to Explicit VR LE.
func EncodeDatasetWithTransferSyntax(dataset *Dataset, transferSyntaxUID string) ([]byte, error) {
	if dataset == nil {
		return nil, nil
	}
	if transferSyntaxUID == TransferSyntaxImplicitVRLittleEndian {
		return encodeImplicitVRDataset(dataset), nil
	}
	return dataset.EncodeDataset(), nil
}

func encodeImplicitVRDataset(dataset *Dataset) []byte {
	var result []byte

	for _, tag := range dataset.sortedTags() {
		element := dataset.Elements[tag]

		result = binary.LittleEndian.AppendUint16(result, tag.Group)
		result = binary.LittleEndian.AppendUint16(result, tag.Element)

		valueBytes := padEven(encodeValue(element), element.VR)
		result = binary.LittleEndian.AppendUint32(result, uint32(len(valueBytes)))
		result = append(result, valueBytes...)
	}

	return result
}

// padEven pads value to even length. Text pads with space; UIDs and binary
// VRs pad with NUL (PS3.5 §6.2).
func padEven(value []byte, vr string) []byte {
	if len(value)%2 == 0 {
		return value
	}
	padded := make([]byte, len(value)+1)
	copy(padded, value)
	if textVRs[vr] && vr != VR_UI {
		padded[len(value)] = 0x20
	}
	return padded
}

// encodeValue serializes an element value. Raw byte values pass through
// unchanged; numeric command-group values are binary little endian;
// everything else is its string form.
func encodeValue(element *Element) []byte {
	switch v := element.Value.(type) {
	case []byte:
		return v
	case string:
		return []byte(strings.TrimRight(v, "\x00"))
	case []string:
		return []byte(strings.TrimRight(strings.Join(v, "\\"), "\x00"))
	case int:
		return []byte(fmt.Sprintf("%d", v))
	case uint16:
		return binary.LittleEndian.AppendUint16(nil, v)
	case uint32:
		return binary.LittleEndian.AppendUint32(nil, v)
	default:
		return []byte(fmt.Sprintf("%v", v))
	}
}
