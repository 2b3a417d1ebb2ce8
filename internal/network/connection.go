package network

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// MaxFrameSize bounds a single frame on every transport.
const MaxFrameSize = 1 << 20

// Write sends b on a byte stream prefixed with its length as a little-endian
// uint32.
func Write(w io.Writer, b []byte) (int, error) {
	if len(b) > MaxFrameSize {
		return 0, errors.Errorf("frame of %d bytes exceeds limit of %d", len(b), MaxFrameSize)
	}

	header := new(bytes.Buffer)
	// write header which is the length of the buffer we are sending
	if err := binary.Write(header, binary.LittleEndian, uint32(len(b))); err != nil {
		return 0, err
	}

	// Append header (buffer size) and buffer together so the frame goes out in one write
	buffer := append(header.Bytes(), b...)
	return w.Write(buffer)
}

// Read reads one length-prefixed frame written by Write.
func Read(r io.Reader) ([]byte, int, error) {
	bufSize, err := readHeaderBufSize(r)
	if err != nil {
		return nil, 0, err
	}

	if bufSize > MaxFrameSize {
		return nil, 0, errors.Errorf("frame of %d bytes exceeds limit of %d", bufSize, MaxFrameSize)
	}

	buf := make([]byte, bufSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, 0, err
	}

	return buf, bufSize, nil
}

func readHeaderBufSize(r io.Reader) (int, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, err
	}

	return convertHeaderBytesToInt(header[:])
}

func convertHeaderBytesToInt(header []byte) (int, error) {
	var bufSize uint32
	if err := binary.Read(bytes.NewReader(header), binary.LittleEndian, &bufSize); err != nil {
		return 0, err
	}

	return int(bufSize), nil
}
