package util

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"notes.pdf", "notes.pdf"},
		{`a<b>c:d"e.txt`, "a_b_c_d_e.txt"},
		{"trailing. . ", "trailing"},
		{"", "file"},
		{"///", "___"},
	}

	for _, tt := range tests {
		require.Equal(t, tt.want, SanitizeFilename(tt.in), tt.in)
	}
}

func TestSplitExt(t *testing.T) {
	base, ext := SplitExt("report.final.pdf")
	require.Equal(t, "report.final", base)
	require.Equal(t, ".pdf", ext)

	base, ext = SplitExt("noext")
	require.Equal(t, "noext", base)
	require.Equal(t, "", ext)
}
