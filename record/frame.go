package record

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"io"
	"math"
	"time"

	cbor "github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zlib"

	"github.com/krishna-esrlabs/flux-mcf/errors"
	"github.com/krishna-esrlabs/flux-mcf/value"
)

// Envelope identifies a record
type Envelope struct {
	_ struct{} `cbor:",toarray"`

	TimeMs   uint64
	Topic    string
	TypeName string
	ValueID  uint64
}

// Time returns the record time
func (e Envelope) Time() time.Time { return time.UnixMilli(int64(e.TimeMs)) }

// ExtMemHeader describes the external memory following a record
type ExtMemHeader struct {
	_ struct{} `cbor:",toarray"`

	Size           uint32
	Present        bool
	CompressedSize uint32
}

// StoredSize returns the number of ExtMem bytes following the header
func (h ExtMemHeader) StoredSize() int64 {
	if !h.Present {
		return 0
	}
	if h.CompressedSize > 0 {
		return int64(h.CompressedSize)
	}
	return int64(h.Size)
}

// Compressed reports whether the ExtMem bytes are deflated
func (h ExtMemHeader) Compressed() bool { return h.Present && h.CompressedSize > 0 }

// Frame is one record to be written. A nil ExtMem writes no external
// memory; an empty one writes a present header of size 0.
type Frame struct {
	Envelope Envelope
	Payload  cbor.RawMessage
	ExtMem   []byte
	Compress bool
}

// WriteOptions selects how the external memory of a value is written
type WriteOptions struct {
	ExtMem   bool
	Compress bool
}

func serializationError(method, format string, args ...any) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrSerialization, fmt.Sprintf(format, args...)),
		"record", method, "frame record")
}

func deflate(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(b); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// inflate decompresses b into exactly size bytes
func inflate(b []byte, size uint32) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, serializationError("inflate", "open zlib stream: %v", err)
	}
	defer zr.Close()

	out := make([]byte, size)
	if _, err := io.ReadFull(zr, out); err != nil {
		return nil, serializationError("inflate", "ExtMem shorter than declared %d bytes: %v", size, err)
	}
	var extra [1]byte
	if n, _ := zr.Read(extra[:]); n > 0 {
		return nil, serializationError("inflate", "ExtMem longer than declared %d bytes", size)
	}
	return out, nil
}

// Writer writes framed records to an io.Writer
type Writer struct {
	w        io.Writer
	codec    *value.Codec
	compress func([]byte) ([]byte, error)
	written  int64
}

// NewWriter creates a writer encoding values with codec
func NewWriter(w io.Writer, codec *value.Codec) *Writer {
	return &Writer{w: w, codec: codec, compress: deflate}
}

// Written returns the total number of bytes written
func (w *Writer) Written() int64 { return w.written }

// WriteValue frames v as received on topic at t
func (w *Writer) WriteValue(t time.Time, topic string, v value.Value, opts WriteOptions) (int, error) {
	payload, err := w.codec.EncodeFields(v)
	if err != nil {
		return 0, err
	}
	f := Frame{
		Envelope: Envelope{
			TimeMs:   uint64(t.UnixMilli()),
			Topic:    topic,
			TypeName: v.TypeName(),
			ValueID:  v.ID(),
		},
		Payload:  payload,
		Compress: opts.Compress,
	}
	if opts.ExtMem {
		f.ExtMem = value.ExtMemOf(v)
	}
	return w.Write(f)
}

// Write writes f. If compressing the ExtMem fails, the record is written
// uncompressed and the compression error is returned with n > 0.
func (w *Writer) Write(f Frame) (n int, err error) {
	env, err := w.codec.Marshal(f.Envelope)
	if err != nil {
		return 0, err
	}
	if len(f.Payload) == 0 {
		return 0, serializationError("Write", "empty payload for %s", f.Envelope.Topic)
	}
	if uint64(len(f.ExtMem)) > math.MaxUint32 {
		return 0, serializationError("Write", "ExtMem of %d bytes exceeds the header range", len(f.ExtMem))
	}

	h := ExtMemHeader{Size: uint32(len(f.ExtMem)), Present: f.ExtMem != nil}
	mem := f.ExtMem
	var compressErr error
	if len(f.ExtMem) > 0 && f.Compress {
		c, cerr := w.compress(f.ExtMem)
		if cerr == nil {
			h.CompressedSize = uint32(len(c))
			mem = c
		} else {
			compressErr = serializationError("Write",
				"compress ExtMem on %s, writing it uncompressed: %v", f.Envelope.Topic, cerr)
		}
	}
	header, err := w.codec.Marshal(h)
	if err != nil {
		return 0, err
	}

	buf := make([]byte, 0, len(env)+len(f.Payload)+len(header))
	buf = append(buf, env...)
	buf = append(buf, f.Payload...)
	buf = append(buf, header...)

	n, err = w.w.Write(buf)
	w.written += int64(n)
	if err != nil {
		return n, errors.WrapTransient(err, "Writer", "Write", "write record")
	}
	if h.Present {
		m, err := w.w.Write(mem)
		n += m
		w.written += int64(m)
		if err != nil {
			return n, errors.WrapTransient(err, "Writer", "Write", "write ExtMem")
		}
	}
	return n, compressErr
}

// Record is one decoded record together with its position in the stream
type Record struct {
	Envelope
	Header  ExtMemHeader
	Payload cbor.RawMessage

	Offset       int64 // of the envelope
	Length       int64 // of the whole record including ExtMem
	ExtMemOffset int64

	// Value is set when the reader was asked to decode values
	Value value.Value
}

const initialWindow = 64 << 10

// Decoder reads framed records from an io.ReaderAt. Record boundaries come
// from CBOR item framing and the ExtMem header only, so ExtMem bytes are
// skipped without being read.
type Decoder struct {
	r     io.ReaderAt
	codec *value.Codec
	off   int64

	buf    []byte
	bufOff int64
	atEOF  bool
}

// NewDecoder creates a decoder starting at offset 0
func NewDecoder(r io.ReaderAt, codec *value.Codec) *Decoder {
	return &Decoder{r: r, codec: codec}
}

// Offset returns the offset of the next record
func (d *Decoder) Offset() int64 { return d.off }

// Seek positions the decoder at off, which must be the start of a record
func (d *Decoder) Seek(off int64) { d.off = off }

// Next decodes the next record. It returns io.EOF at a clean end of the
// stream and io.ErrUnexpectedEOF for a truncated record.
func (d *Decoder) Next() (*Record, error) {
	start := d.off
	raw, err := d.item(start)
	if err != nil {
		return nil, err
	}
	rec := &Record{Offset: start}
	if err := d.codec.DecMode().Unmarshal(raw, &rec.Envelope); err != nil {
		return nil, serializationError("Next", "envelope at %d: %v", start, err)
	}
	off := start + int64(len(raw))

	payload, err := d.item(off)
	if err != nil {
		return nil, truncated(err)
	}
	rec.Payload = append(cbor.RawMessage(nil), payload...)
	off += int64(len(payload))

	raw, err = d.item(off)
	if err != nil {
		return nil, truncated(err)
	}
	if err := d.codec.DecMode().Unmarshal(raw, &rec.Header); err != nil {
		return nil, serializationError("Next", "ExtMem header at %d: %v", off, err)
	}
	off += int64(len(raw))

	rec.ExtMemOffset = off
	off += rec.Header.StoredSize()
	rec.Length = off - start
	d.off = off
	return rec, nil
}

func truncated(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

// item returns the raw bytes of the CBOR item at off, growing the read
// window until the item fits
func (d *Decoder) item(off int64) ([]byte, error) {
	for {
		if rel := off - d.bufOff; rel >= 0 && rel <= int64(len(d.buf)) {
			window := d.buf[rel:]
			var raw cbor.RawMessage
			rest, err := d.codec.DecMode().UnmarshalFirst(window, &raw)
			switch {
			case err == nil:
				return window[:len(window)-len(rest)], nil
			case len(window) == 0 && d.atEOF:
				return nil, io.EOF
			case stderrors.Is(err, io.ErrUnexpectedEOF) || stderrors.Is(err, io.EOF):
				if d.atEOF {
					return nil, io.ErrUnexpectedEOF
				}
			default:
				return nil, serializationError("Next", "item at %d: %v", off, err)
			}
		}
		if err := d.fill(off); err != nil {
			return nil, err
		}
	}
}

func (d *Decoder) fill(off int64) error {
	size := initialWindow
	if off == d.bufOff && len(d.buf) >= size {
		size = 2 * len(d.buf)
	}
	buf := make([]byte, size)
	n, err := d.r.ReadAt(buf, off)
	if err != nil && err != io.EOF {
		return errors.WrapTransient(err, "Decoder", "Next", "read record")
	}
	d.buf, d.bufOff = buf[:n], off
	d.atEOF = n < size
	return nil
}

// ExtMem reads the external memory of rec, decompressing it when needed. It
// returns nil when the record has none and an empty slice for an empty one.
func (d *Decoder) ExtMem(rec *Record) ([]byte, error) {
	if !rec.Header.Present {
		return nil, nil
	}
	size := rec.Header.StoredSize()
	if size == 0 {
		return []byte{}, nil
	}
	b := make([]byte, size)
	if _, err := d.r.ReadAt(b, rec.ExtMemOffset); err != nil {
		if err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, errors.WrapTransient(err, "Decoder", "ExtMem", "read ExtMem")
	}
	if !rec.Header.Compressed() {
		return b, nil
	}
	return inflate(b, rec.Header.Size)
}

// DecodeValue rebuilds the value of rec, attaching its ExtMem when withExtMem
// is set
func (d *Decoder) DecodeValue(rec *Record, withExtMem bool) (value.Value, error) {
	var mem []byte
	if withExtMem {
		var err error
		if mem, err = d.ExtMem(rec); err != nil {
			return nil, err
		}
	}
	return d.codec.DecodeFields(rec.TypeName, rec.ValueID, rec.Payload, mem)
}
