package record

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krishna-esrlabs/flux-mcf/errors"
	"github.com/krishna-esrlabs/flux-mcf/value"
)

type image struct {
	value.Base `cbor:"-"`
	_          struct{} `cbor:",toarray"`

	Width  int
	Height int
	Label  string
}

func (*image) TypeName() string { return "test::Image" }

type note struct {
	value.Base `cbor:"-"`
	_          struct{} `cbor:",toarray"`

	Text string
}

func (*note) TypeName() string { return "test::Note" }

func newTestCodec(t *testing.T, withNote bool) *value.Codec {
	t.Helper()
	r := value.NewRegistry()
	require.NoError(t, value.RegisterType[image](r))
	if withNote {
		require.NoError(t, value.RegisterType[note](r))
	}
	c, err := value.NewCodec(r)
	require.NoError(t, err)
	return c
}

func newImage(id uint64, label string, mem []byte) *image {
	img := &image{Width: 640, Height: 480, Label: label}
	img.SetID(id)
	if mem != nil {
		img.SetExtMem(mem)
	}
	return img
}

var ignoreBase = cmpopts.IgnoreUnexported(value.Base{})

func TestFrame_RoundTrip(t *testing.T) {
	pixels := bytes.Repeat([]byte{1, 2, 3, 4}, 4096)

	tests := []struct {
		name           string
		mem            []byte
		opts           WriteOptions
		wantHeader     ExtMemHeader
		wantCompressed bool
	}{
		{
			name:       "no ExtMem",
			opts:       WriteOptions{},
			wantHeader: ExtMemHeader{},
		},
		{
			name:       "ExtMem not selected",
			mem:        pixels,
			opts:       WriteOptions{},
			wantHeader: ExtMemHeader{},
		},
		{
			name:       "ExtMem uncompressed",
			mem:        pixels,
			opts:       WriteOptions{ExtMem: true},
			wantHeader: ExtMemHeader{Size: uint32(len(pixels)), Present: true},
		},
		{
			name:           "ExtMem compressed",
			mem:            pixels,
			opts:           WriteOptions{ExtMem: true, Compress: true},
			wantHeader:     ExtMemHeader{Size: uint32(len(pixels)), Present: true},
			wantCompressed: true,
		},
		{
			name:       "empty ExtMem",
			mem:        []byte{},
			opts:       WriteOptions{ExtMem: true, Compress: true},
			wantHeader: ExtMemHeader{Present: true},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			codec := newTestCodec(t, false)
			at := time.UnixMilli(1700000000123)
			in := newImage(42, "front", test.mem)

			var buf bytes.Buffer
			w := NewWriter(&buf, codec)
			n, err := w.WriteValue(at, "/camera/front", in, test.opts)
			require.NoError(t, err)
			assert.Equal(t, buf.Len(), n)
			assert.Equal(t, int64(n), w.Written())

			d := NewDecoder(bytes.NewReader(buf.Bytes()), codec)
			rec, err := d.Next()
			require.NoError(t, err)

			wantEnv := Envelope{TimeMs: 1700000000123, Topic: "/camera/front", TypeName: "test::Image", ValueID: 42}
			if diff := cmp.Diff(wantEnv, rec.Envelope); diff != "" {
				t.Errorf("envelope mismatch (-want +got):\n%s", diff)
			}
			assert.Equal(t, at, rec.Time())
			assert.Equal(t, int64(n), rec.Length)

			assert.Equal(t, test.wantCompressed, rec.Header.Compressed())
			if !test.wantCompressed {
				if diff := cmp.Diff(test.wantHeader, rec.Header); diff != "" {
					t.Errorf("header mismatch (-want +got):\n%s", diff)
				}
			} else {
				assert.Equal(t, test.wantHeader.Size, rec.Header.Size)
				assert.Less(t, rec.Header.CompressedSize, rec.Header.Size)
			}

			out, err := d.DecodeValue(rec, true)
			require.NoError(t, err)
			img := out.(*image)
			assert.Equal(t, uint64(42), img.ID())
			if diff := cmp.Diff(in, img, ignoreBase); diff != "" {
				t.Errorf("value mismatch (-want +got):\n%s", diff)
			}
			if test.wantHeader.Present {
				assert.NotNil(t, img.ExtMem())
				assert.Equal(t, test.mem, img.ExtMem())
			} else {
				assert.Nil(t, img.ExtMem())
			}

			_, err = d.Next()
			assert.ErrorIs(t, err, io.EOF)
		})
	}
}

func TestDecoder_Sequence(t *testing.T) {
	codec := newTestCodec(t, false)
	var buf bytes.Buffer
	w := NewWriter(&buf, codec)

	// the second record is larger than the initial read window
	big := strings.Repeat("x", 3*initialWindow)
	labels := []string{"a", big, "c"}
	for i, label := range labels {
		mem := []byte(fmt.Sprintf("mem-%d", i))
		_, err := w.WriteValue(time.UnixMilli(int64(i)), "/t", newImage(uint64(i+1), label, mem),
			WriteOptions{ExtMem: true})
		require.NoError(t, err)
	}

	d := NewDecoder(bytes.NewReader(buf.Bytes()), codec)
	var offsets []int64
	for i, label := range labels {
		rec, err := d.Next()
		require.NoError(t, err)
		offsets = append(offsets, rec.Offset)

		v, err := d.DecodeValue(rec, true)
		require.NoError(t, err)
		assert.Equal(t, label, v.(*image).Label)
		assert.Equal(t, []byte(fmt.Sprintf("mem-%d", i)), v.(*image).ExtMem())
	}
	_, err := d.Next()
	require.ErrorIs(t, err, io.EOF)
	assert.Equal(t, int64(buf.Len()), d.Offset())

	d.Seek(offsets[2])
	rec, err := d.Next()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), rec.ValueID)
}

func TestDecoder_Truncated(t *testing.T) {
	codec := newTestCodec(t, false)
	var buf bytes.Buffer
	w := NewWriter(&buf, codec)
	_, err := w.WriteValue(time.Now(), "/t", newImage(1, "first", nil), WriteOptions{})
	require.NoError(t, err)
	first := buf.Len()
	_, err = w.WriteValue(time.Now(), "/t", newImage(2, "second", nil), WriteOptions{})
	require.NoError(t, err)

	for _, cut := range []int{1, 4, buf.Len() - first - 1} {
		t.Run(fmt.Sprintf("cut %d", cut), func(t *testing.T) {
			data := buf.Bytes()[:buf.Len()-cut]
			d := NewDecoder(bytes.NewReader(data), codec)

			_, err := d.Next()
			require.NoError(t, err)
			_, err = d.Next()
			assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
		})
	}
}

func TestDecoder_ExtMemTruncated(t *testing.T) {
	codec := newTestCodec(t, false)
	var buf bytes.Buffer
	_, err := NewWriter(&buf, codec).WriteValue(time.Now(), "/t", newImage(1, "a", []byte("0123456789")),
		WriteOptions{ExtMem: true})
	require.NoError(t, err)

	data := buf.Bytes()[:buf.Len()-3]
	d := NewDecoder(bytes.NewReader(data), codec)
	rec, err := d.Next()
	require.NoError(t, err)

	_, err = d.ExtMem(rec)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestWriter_CompressionFallback(t *testing.T) {
	codec := newTestCodec(t, false)
	var buf bytes.Buffer
	w := NewWriter(&buf, codec)
	w.compress = func([]byte) ([]byte, error) { return nil, fmt.Errorf("out of memory") }

	mem := []byte("raw pixels")
	n, err := w.WriteValue(time.Now(), "/t", newImage(1, "a", mem), WriteOptions{ExtMem: true, Compress: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrSerialization)
	assert.Equal(t, buf.Len(), n)

	d := NewDecoder(bytes.NewReader(buf.Bytes()), codec)
	rec, err := d.Next()
	require.NoError(t, err)
	assert.False(t, rec.Header.Compressed())

	got, err := d.ExtMem(rec)
	require.NoError(t, err)
	assert.Equal(t, mem, got)
}

func TestWriter_EmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	_, err := NewWriter(&buf, newTestCodec(t, false)).Write(Frame{Envelope: Envelope{Topic: "/t"}})
	assert.ErrorIs(t, err, errors.ErrSerialization)
	assert.Zero(t, buf.Len())
}

func TestInflate_SizeMismatch(t *testing.T) {
	raw := []byte("0123456789")
	c, err := deflate(raw)
	require.NoError(t, err)

	got, err := inflate(c, uint32(len(raw)))
	require.NoError(t, err)
	assert.Equal(t, raw, got)

	_, err = inflate(c, uint32(len(raw)+2))
	assert.ErrorIs(t, err, errors.ErrSerialization)

	_, err = inflate(c, uint32(len(raw)-2))
	assert.ErrorIs(t, err, errors.ErrSerialization)

	_, err = inflate([]byte("not zlib"), 4)
	assert.ErrorIs(t, err, errors.ErrSerialization)
}
