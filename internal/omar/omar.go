// Package omar encodes and decodes the initial ramdisk image format:
// a flat sequence of 512-byte-aligned records, each a header, a name
// and (for regular files) the data, closed by an end-of-stream
// record.
package omar

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Record types.
const (
	TypeRegular = 0
	TypeDir     = 1
)

const (
	// BlockSize is the record alignment; directories occupy exactly
	// one block.
	BlockSize = 512

	// Revision is the format revision this codec writes.
	Revision = 1

	headerSize = 15
)

var (
	magic    = [4]byte{'O', 'M', 'A', 'R'}
	magicEOF = [4]byte{'R', 'A', 'M', 'O'}
)

var (
	ErrBadMagic  = errors.New("omar: bad record magic")
	ErrNotFound  = errors.New("omar: no such entry")
	ErrTruncated = errors.New("omar: truncated image")
)

// Node is one decoded entry.
type Node struct {
	Path string
	Type uint8
	Mode uint32
	Data []byte // nil for directories
}

// header is the on-disk record prefix.
//
//	magic   [4]byte
//	type    uint8
//	namelen uint8
//	len     uint32 little-endian
//	rev     uint8
//	mode    uint32 little-endian
func encodeHeader(typ, namelen uint8, length, mode uint32) []byte {
	b := make([]byte, headerSize)
	copy(b[0:4], magic[:])
	b[4] = typ
	b[5] = namelen
	binary.LittleEndian.PutUint32(b[6:10], length)
	b[10] = Revision
	binary.LittleEndian.PutUint32(b[11:15], mode)
	return b
}

// Walk calls fn for every record in the image until fn returns false
// or the end record is reached.
func Walk(img []byte, fn func(n Node) bool) error {
	off := 0
	for {
		if off+headerSize > len(img) {
			return ErrTruncated
		}
		hdr := img[off : off+headerSize]
		if [4]byte(hdr[0:4]) == magicEOF {
			return nil
		}
		if [4]byte(hdr[0:4]) != magic {
			return ErrBadMagic
		}

		typ := hdr[4]
		namelen := int(hdr[5])
		length := int(binary.LittleEndian.Uint32(hdr[6:10]))
		mode := binary.LittleEndian.Uint32(hdr[11:15])

		if off+headerSize+namelen > len(img) {
			return ErrTruncated
		}
		name := string(img[off+headerSize : off+headerSize+namelen])

		n := Node{Path: name, Type: typ, Mode: mode}
		var next int
		if typ == TypeDir {
			next = off + BlockSize
		} else {
			dataOff := off + headerSize + namelen
			if dataOff+length > len(img) {
				return ErrTruncated
			}
			n.Data = img[dataOff : dataOff+length]
			next = off + align(headerSize+namelen+length)
		}

		if !fn(n) {
			return nil
		}
		off = next
	}
}

func align(n int) int {
	return (n + BlockSize - 1) &^ (BlockSize - 1)
}

// Lookup finds an entry by path. Leading slashes are not stored in
// the image and are stripped from the query.
func Lookup(img []byte, path string) (Node, error) {
	for len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	var out Node
	found := false
	err := Walk(img, func(n Node) bool {
		if n.Path == path {
			out = n
			found = true
			return false
		}
		return true
	})
	if err != nil {
		return Node{}, err
	}
	if !found {
		return Node{}, ErrNotFound
	}
	return out, nil
}

// Writer builds an image.
type Writer struct {
	buf []byte
}

// NewWriter creates an empty image writer.
func NewWriter() *Writer {
	return &Writer{}
}

func (w *Writer) pad() {
	for len(w.buf)%BlockSize != 0 {
		w.buf = append(w.buf, 0)
	}
}

// AddDir appends a directory record.
func (w *Writer) AddDir(path string, mode uint32) error {
	if len(path) > 255 {
		return fmt.Errorf("omar: path too long: %q", path)
	}
	w.buf = append(w.buf, encodeHeader(TypeDir, uint8(len(path)), 0, mode)...)
	w.buf = append(w.buf, path...)
	w.pad()
	return nil
}

// AddFile appends a regular file record.
func (w *Writer) AddFile(path string, mode uint32, data []byte) error {
	if len(path) > 255 {
		return fmt.Errorf("omar: path too long: %q", path)
	}
	w.buf = append(w.buf, encodeHeader(TypeRegular, uint8(len(path)), uint32(len(data)), mode)...)
	w.buf = append(w.buf, path...)
	w.buf = append(w.buf, data...)
	w.pad()
	return nil
}

// Finish closes the stream and returns the image bytes.
func (w *Writer) Finish() []byte {
	end := make([]byte, headerSize)
	copy(end[0:4], magicEOF[:])
	w.buf = append(w.buf, end...)
	w.pad()
	return w.buf
}
