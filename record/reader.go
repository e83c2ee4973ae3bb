package record

import (
	stderrors "errors"
	"io"
	"iter"
	"os"

	"github.com/krishna-esrlabs/flux-mcf/errors"
	"github.com/krishna-esrlabs/flux-mcf/value"
)

// Filter selects records while indexing. A nil Filter selects all.
type Filter func(env Envelope) bool

// Topics returns a filter that selects records of the given topics
func Topics(topics ...string) Filter {
	set := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		set[t] = struct{}{}
	}
	return func(env Envelope) bool {
		_, ok := set[env.Topic]
		return ok
	}
}

// Reader gives random access to the records of a record file
type Reader struct {
	file  *os.File
	dec   *Decoder
	codec *value.Codec
	index []*Record
}

// Open opens a record file
func Open(path string, codec *value.Codec) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.WrapFatal(err, "Reader", "Open", "open record file")
	}
	return &Reader{file: f, dec: NewDecoder(f, codec), codec: codec}, nil
}

// Close closes the file
func (r *Reader) Close() error {
	return r.file.Close()
}

// Index scans the whole file and indexes the records selected by filter.
// With decodeValue set, the value of each record with a registered type is
// decoded without its ExtMem. A truncated last record ends the index
// without an error.
func (r *Reader) Index(filter Filter, decodeValue bool) error {
	r.index = r.index[:0]
	for rec, err := range r.All(filter) {
		if err != nil {
			return err
		}
		if decodeValue {
			if err := r.decode(rec); err != nil {
				return err
			}
		}
		r.index = append(r.index, rec)
	}
	return nil
}

func (r *Reader) decode(rec *Record) error {
	if !r.codec.Registry().Has(rec.TypeName) {
		return nil
	}
	v, err := r.dec.DecodeValue(rec, false)
	if err != nil {
		return errors.Wrap(err, "Reader", "Index", "decode value on "+rec.Topic)
	}
	rec.Value = v
	return nil
}

// IndexSize returns the number of indexed records
func (r *Reader) IndexSize() int { return len(r.index) }

// Records returns the indexed records in [start, end). Out of range bounds
// are clipped.
func (r *Reader) Records(start, end int) []*Record {
	start = max(start, 0)
	end = min(end, len(r.index))
	if start >= end {
		return nil
	}
	return r.index[start:end]
}

// All iterates over the records of the file selected by filter, without
// decoding values. It stops at the first error; a truncated last record is
// treated as the end of the file.
func (r *Reader) All(filter Filter) iter.Seq2[*Record, error] {
	return func(yield func(*Record, error) bool) {
		dec := NewDecoder(r.file, r.codec)
		for {
			rec, err := dec.Next()
			switch {
			case err == nil:
			case isEnd(err):
				return
			default:
				yield(nil, err)
				return
			}
			if filter != nil && !filter(rec.Envelope) {
				continue
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func isEnd(err error) bool {
	return stderrors.Is(err, io.EOF) || stderrors.Is(err, io.ErrUnexpectedEOF)
}

// ExtMem reads the external memory of rec
func (r *Reader) ExtMem(rec *Record) ([]byte, error) {
	return r.dec.ExtMem(rec)
}

// Value decodes the value of rec together with its ExtMem
func (r *Reader) Value(rec *Record) (value.Value, error) {
	return r.dec.DecodeValue(rec, true)
}
