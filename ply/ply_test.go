package ply

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/stretchr/testify/require"
)

func writeSplatFile(t *testing.T, path string, splats [][7]float32) {
	t.Helper()

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	header := "ply\nformat binary_little_endian 1.0\n" +
		"element vertex " + itoa(len(splats)) + "\n" +
		"property float32 x\nproperty float32 y\nproperty float32 z\n" +
		"property float32 nx\nproperty float32 ny\nproperty float32 nz\n" +
		"property float32 radius\n" +
		"end_header\n"
	_, err = f.WriteString(header)
	require.NoError(t, err)

	buf := make([]byte, 28)
	for _, s := range splats {
		for i, v := range s {
			binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
		}
		_, err = f.Write(buf)
		require.NoError(t, err)
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func TestReaderParsesSplatFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.ply")
	writeSplatFile(t, path, [][7]float32{
		{1, 2, 3, 0, 0, 1, 0.5},
		{4, 5, 6, 0, 1, 0, 0.25},
	})

	r, err := Open(path)
	require.NoError(t, err)
	require.Equal(t, uint64(2), r.NumVertices())
	require.Equal(t, 28, r.Layout().VertexSize)
	require.Equal(t, [7]int{0, 4, 8, 12, 16, 20, 24}, r.Layout().Offsets)

	h, err := r.NewHandle()
	require.NoError(t, err)
	defer h.Close()

	buf := make([]byte, 28)
	require.NoError(t, h.ReadRaw(1, buf))
	require.Equal(t, float32(4), math.Float32frombits(binary.LittleEndian.Uint32(buf)))
	require.Equal(t, float32(0.25), math.Float32frombits(binary.LittleEndian.Uint32(buf[24:])))
}

func TestReaderExtraProperties(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.ply")
	f, err := os.Create(path)
	require.NoError(t, err)

	// radius first and an extra confidence property between fields
	_, err = f.WriteString("ply\nformat binary_little_endian 1.0\n" +
		"comment generated by a scanner\n" +
		"element vertex 1\n" +
		"property float32 radius\n" +
		"property float32 confidence\n" +
		"property float32 x\nproperty float32 y\nproperty float32 z\n" +
		"property float32 nx\nproperty float32 ny\nproperty float32 nz\n" +
		"end_header\n")
	require.NoError(t, err)
	_, err = f.Write(make([]byte, 32))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	r, err := Open(path)
	require.NoError(t, err)
	require.Equal(t, 32, r.Layout().VertexSize)
	require.Equal(t, 0, r.Layout().Offsets[6])
	require.Equal(t, 8, r.Layout().Offsets[0])
}

func TestReaderRejectsBadFiles(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"not ply", "nope\n"},
		{"big endian", "ply\nformat binary_big_endian 1.0\nelement vertex 0\nend_header\n"},
		{"ascii", "ply\nformat ascii 1.0\nelement vertex 0\nend_header\n"},
		{"missing radius", "ply\nformat binary_little_endian 1.0\nelement vertex 0\n" +
			"property float32 x\nproperty float32 y\nproperty float32 z\n" +
			"property float32 nx\nproperty float32 ny\nproperty float32 nz\n" +
			"end_header\n"},
		{"double positions", "ply\nformat binary_little_endian 1.0\nelement vertex 0\n" +
			"property float64 x\nproperty float32 y\nproperty float32 z\n" +
			"property float32 nx\nproperty float32 ny\nproperty float32 nz\n" +
			"property float32 radius\nend_header\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "bad.ply")
			require.NoError(t, os.WriteFile(path, []byte(tt.header), 0o644))

			_, err := Open(path)
			require.Error(t, err)
			require.Equal(t, ErrTypeFormat, errors.Type(err))
		})
	}
}

func TestWriterRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.ply")

	w, err := NewWriter(path, 3, 1)
	require.NoError(t, err)
	require.NoError(t, w.WriteVertex(0, 0, 0))
	require.NoError(t, w.WriteVertex(1, 0, 0))
	require.NoError(t, w.WriteVertex(0, 1, 0))
	require.NoError(t, w.WriteTriangle(0, 1, 2))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "element vertex 3")
	require.Contains(t, string(data), "element face 1")

	// 3 vertices of 12 bytes + 1 face of 13 bytes after the header
	headerEnd := []byte("end_header\n")
	idx := indexOf(data, headerEnd)
	require.GreaterOrEqual(t, idx, 0)
	body := data[idx+len(headerEnd):]
	require.Len(t, body, 3*12+13)
	require.Equal(t, byte(3), body[36])
}

func indexOf(data, sub []byte) int {
	for i := 0; i+len(sub) <= len(data); i++ {
		match := true
		for j := range sub {
			if data[i+j] != sub[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

func TestWriterCountMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.ply")

	w, err := NewWriter(path, 2, 0)
	require.NoError(t, err)
	require.NoError(t, w.WriteVertex(0, 0, 0))
	require.Error(t, w.Close())

	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestWriterAbortDeletes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.ply")

	w, err := NewWriter(path, 1, 0)
	require.NoError(t, err)
	w.Abort()

	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
}
