package utility

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tarEntry struct {
	name string
	data string
}

// writeTarGz builds an archive; names ending in a slash become directories.
func writeTarGz(t *testing.T, fs afero.Fs, name string, entries []tarEntry) {
	t.Helper()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(e.data))}
		if strings.HasSuffix(e.name, "/") {
			hdr = &tar.Header{Name: e.name, Typeflag: tar.TypeDir, Mode: 0o755}
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if hdr.Typeflag == tar.TypeReg {
			_, err := tw.Write([]byte(e.data))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	require.NoError(t, afero.WriteFile(fs, name, buf.Bytes(), 0o644))
}

func TestExtractArchive(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeTarGz(t, fs, "/dl/f7-update.tgz", []tarEntry{
		{name: "f7-update-0.98.3/"},
		{name: "f7-update-0.98.3/update.fuf", data: "manifest"},
		{name: "f7-update-0.98.3/firmware.dfu", data: "image"},
		{name: "../escape.txt", data: "nope"},
		{name: "README", data: "readme"},
	})

	top, err := ExtractArchive(fs, "/dl/f7-update.tgz", "/work/pkg")
	require.NoError(t, err)

	assert.Equal(t, []string{"/work/pkg/README", "/work/pkg/f7-update-0.98.3"}, top)
	data, err := afero.ReadFile(fs, "/work/pkg/f7-update-0.98.3/update.fuf")
	require.NoError(t, err)
	assert.Equal(t, "manifest", string(data))

	exists, _ := afero.Exists(fs, "/work/escape.txt")
	assert.False(t, exists)
}

func TestExtractArchive_NotGzip(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/dl/plain.tgz", []byte("plain text"), 0o644))

	_, err := ExtractArchive(fs, "/dl/plain.tgz", "/work")
	assert.Error(t, err)
}
