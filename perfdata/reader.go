// Copyright The Perfgrind Authors
// SPDX-License-Identifier: Apache-2.0

package perfdata // import "github.com/perfgrind/perfgrind/perfdata"

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrTruncated reports a record whose payload ends before its header-declared
// size. Unlike EOF at a header boundary this is always fatal: the stream can
// not be resynchronized.
var ErrTruncated = errors.New("truncated record")

// Reader decodes records from a byte stream. It allocates a single scratch
// buffer sized for the largest record seen and reuses it across records;
// the byte slices handed to decode functions never escape it.
type Reader struct {
	r   *bufio.Reader
	buf []byte
}

// NewReader returns a Reader decoding from r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Next returns the next mmap or sample record. Record types the profile does
// not consume are skipped silently. io.EOF is returned once the stream ends
// at a record boundary; a partial trailing header also terminates with io.EOF
// since the collector may have been interrupted mid-write.
func (r *Reader) Next() (Record, error) {
	for {
		var hdrBuf [HeaderSize]byte
		if _, err := io.ReadFull(r.r, hdrBuf[:]); err != nil {
			if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, io.EOF
			}
			return nil, err
		}

		hdr := Header{
			Type: binary.NativeEndian.Uint32(hdrBuf[0:4]),
			Misc: binary.NativeEndian.Uint16(hdrBuf[4:6]),
			Size: binary.NativeEndian.Uint16(hdrBuf[6:8]),
		}
		if hdr.Size < HeaderSize {
			return nil, fmt.Errorf("%w: header size %d below framing minimum", ErrTruncated, hdr.Size)
		}

		payloadLen := int(hdr.Size) - HeaderSize
		if cap(r.buf) < payloadLen {
			r.buf = make([]byte, payloadLen)
		}
		payload := r.buf[:payloadLen]
		if _, err := io.ReadFull(r.r, payload); err != nil {
			return nil, fmt.Errorf("%w: %d byte payload of record type %d: %v",
				ErrTruncated, payloadLen, hdr.Type, err)
		}

		switch hdr.Type {
		case RecordMmap:
			return decodeMmap(payload)
		case RecordSample:
			return decodeSample(payload)
		}
	}
}

func decodeMmap(payload []byte) (*MmapRecord, error) {
	if len(payload) < 32 {
		return nil, fmt.Errorf("%w: mmap record payload is %d bytes", ErrTruncated, len(payload))
	}
	rec := &MmapRecord{
		PID:        binary.NativeEndian.Uint32(payload[0:4]),
		TID:        binary.NativeEndian.Uint32(payload[4:8]),
		Address:    binary.NativeEndian.Uint64(payload[8:16]),
		Length:     binary.NativeEndian.Uint64(payload[16:24]),
		PageOffset: binary.NativeEndian.Uint64(payload[24:32]),
	}
	// File name is NUL terminated and padded to 8-byte alignment.
	name := payload[32:]
	for i, b := range name {
		if b == 0 {
			name = name[:i]
			break
		}
	}
	rec.FileName = string(name)
	return rec, nil
}

func decodeSample(payload []byte) (*SampleRecord, error) {
	if len(payload) < 16 {
		return nil, fmt.Errorf("%w: sample record payload is %d bytes", ErrTruncated, len(payload))
	}
	rec := &SampleRecord{IP: binary.NativeEndian.Uint64(payload[0:8])}
	nr := binary.NativeEndian.Uint64(payload[8:16])
	chain := payload[16:]
	if nr > uint64(len(chain)/8) {
		return nil, fmt.Errorf("%w: callchain claims %d frames, payload holds %d",
			ErrTruncated, nr, len(chain)/8)
	}
	rec.Callchain = make([]uint64, nr)
	for i := range rec.Callchain {
		rec.Callchain[i] = binary.NativeEndian.Uint64(chain[i*8 : i*8+8])
	}
	return rec, nil
}
