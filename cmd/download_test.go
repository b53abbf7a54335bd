package cmd

import "testing"

func TestDefaultAssetFilename(t *testing.T) {
	cases := []struct {
		pointer     string
		contentType string
		want        string
	}{
		{"file-service://file-ABC", "image/png", "file-ABC.png"},
		{"sediment://file_XYZ", "image/jpeg", "file_XYZ.jpg"},
		{"file-service://file-1", "application/octet-stream", "file-1.bin"},
		{"://", "", "asset.bin"},
	}
	for _, tc := range cases {
		if got := defaultAssetFilename(tc.pointer, tc.contentType); got != tc.want {
			t.Errorf("defaultAssetFilename(%q, %q) = %q, want %q", tc.pointer, tc.contentType, got, tc.want)
		}
	}
}
