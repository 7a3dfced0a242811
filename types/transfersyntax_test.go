package types

import "testing"

func TestTransferSyntaxUIDs(t *testing.T) {
	tests := []struct {
		name     string
		constant string
		expected string
	}{
		{"Implicit VR Little Endian", ImplicitVRLittleEndian, "1.2.840.10008.1.2"},
		{"Explicit VR Little Endian", ExplicitVRLittleEndian, "1.2.840.10008.1.2.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.constant != tt.expected {
				t.Errorf("UID = %s, want %s", tt.constant, tt.expected)
			}
		})
	}
}

func TestIsCompressed(t *testing.T) {
	tests := []struct {
		name string
		uid  string
		want bool
	}{
		{"Implicit VR Little Endian", ImplicitVRLittleEndian, false},
		{"Explicit VR Little Endian", ExplicitVRLittleEndian, false},
		{"JPEG Baseline", "1.2.840.10008.1.2.4.50", true},
		{"JPEG 2000 Lossless", "1.2.840.10008.1.2.4.90", true},
		{"RLE Lossless", "1.2.840.10008.1.2.5", true},
		{"Deflated Explicit VR", "1.2.840.10008.1.2.1.99", true},
		// Big endian is uncompressed but the codec cannot read it either;
		// it must not slip past the guard.
		{"Explicit VR Big Endian", "1.2.840.10008.1.2.2", true},
		{"Unknown UID", "1.2.3.4.5", true},
		{"Empty UID", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsCompressed(tt.uid)
			if got != tt.want {
				t.Errorf("IsCompressed(%s) = %v, want %v", tt.uid, got, tt.want)
			}
		})
	}
}

func BenchmarkIsCompressed(b *testing.B) {
	for i := 0; i < b.N; i++ {
		IsCompressed(ExplicitVRLittleEndian)
	}
}
