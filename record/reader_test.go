package record

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeFile writes images on /a and /b and notes on /n, alternating
func writeFile(t *testing.T, truncateTail bool) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "in.bin")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := NewWriter(f, newTestCodec(t, true))
	for i := range 6 {
		at := time.UnixMilli(int64(1000 + i))
		switch i % 3 {
		case 0:
			_, err = w.WriteValue(at, "/a", newImage(uint64(i+1), "a", []byte{byte(i)}), WriteOptions{ExtMem: true})
		case 1:
			_, err = w.WriteValue(at, "/b", newImage(uint64(i+1), "b", nil), WriteOptions{})
		case 2:
			n := &note{Text: "n"}
			n.SetID(uint64(i + 1))
			_, err = w.WriteValue(at, "/n", n, WriteOptions{})
		}
		require.NoError(t, err)
	}
	if truncateTail {
		_, err = f.Write([]byte{0x84, 0x19})
		require.NoError(t, err)
	}
	return path
}

func TestReader_Index(t *testing.T) {
	rd, err := Open(writeFile(t, false), newTestCodec(t, true))
	require.NoError(t, err)
	defer rd.Close()

	require.NoError(t, rd.Index(nil, false))
	assert.Equal(t, 6, rd.IndexSize())

	recs := rd.Records(0, rd.IndexSize())
	for i, rec := range recs {
		assert.Equal(t, uint64(i+1), rec.ValueID)
		assert.Equal(t, uint64(1000+i), rec.TimeMs)
		assert.Nil(t, rec.Value)
		if i > 0 {
			assert.Equal(t, recs[i-1].Offset+recs[i-1].Length, rec.Offset)
		}
	}

	require.NoError(t, rd.Index(Topics("/a", "/n"), false))
	assert.Equal(t, 4, rd.IndexSize())
	for _, rec := range rd.Records(0, 4) {
		assert.NotEqual(t, "/b", rec.Topic)
	}
}

func TestReader_Records(t *testing.T) {
	rd, err := Open(writeFile(t, false), newTestCodec(t, true))
	require.NoError(t, err)
	defer rd.Close()
	require.NoError(t, rd.Index(nil, false))

	assert.Len(t, rd.Records(1, 3), 2)
	assert.Equal(t, uint64(2), rd.Records(1, 3)[0].ValueID)
	assert.Len(t, rd.Records(-5, 100), 6)
	assert.Empty(t, rd.Records(4, 2))
	assert.Empty(t, rd.Records(6, 7))
}

func TestReader_DecodeValues(t *testing.T) {
	// the reader does not know test::Note
	rd, err := Open(writeFile(t, false), newTestCodec(t, false))
	require.NoError(t, err)
	defer rd.Close()
	require.NoError(t, rd.Index(nil, true))

	for _, rec := range rd.Records(0, rd.IndexSize()) {
		if rec.TypeName == "test::Note" {
			assert.Nil(t, rec.Value)
			continue
		}
		require.NotNil(t, rec.Value, rec.Topic)
		assert.Equal(t, rec.ValueID, rec.Value.ID())
		assert.Nil(t, rec.Value.(*image).ExtMem())
	}

	first := rd.Records(0, 1)[0]
	v, err := rd.Value(first)
	require.NoError(t, err)
	assert.Equal(t, []byte{0}, v.(*image).ExtMem())
}

func TestReader_All(t *testing.T) {
	rd, err := Open(writeFile(t, true), newTestCodec(t, true))
	require.NoError(t, err)
	defer rd.Close()

	count := func() int {
		n := 0
		for _, err := range rd.All(nil) {
			require.NoError(t, err)
			n++
		}
		return n
	}
	assert.Equal(t, 6, count())
	assert.Equal(t, 6, count(), "sequence restarts from the beginning")

	var topics []string
	for rec, err := range rd.All(Topics("/b")) {
		require.NoError(t, err)
		topics = append(topics, rec.Topic)
	}
	assert.Equal(t, []string{"/b", "/b"}, topics)

	n := 0
	for range rd.All(nil) {
		n++
		if n == 2 {
			break
		}
	}
	assert.Equal(t, 2, n)

	require.NoError(t, rd.Index(nil, true))
	assert.Equal(t, 6, rd.IndexSize())
}

func TestReader_OpenMissing(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "none.bin"), newTestCodec(t, true))
	assert.Error(t, err)
}
