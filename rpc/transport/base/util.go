package base

import (
	"encoding/binary"
	"io"
	"net"
)

// Frame layout:
//   - 4 bytes: payload length (uint32, little endian)
//   - 8 bytes: requestID (uint64, little endian)
//   - N bytes: payload
//
// The requestID multiplexes many in-flight RPCs over one connection; the
// server echoes it back unchanged on the response frame.

const frameHeaderSize = 12

// writeFrame writes one frame to the connection.
func writeFrame(conn net.Conn, requestID uint64, data []byte) error {
	header := make([]byte, frameHeaderSize)
	binary.LittleEndian.PutUint32(header[:4], uint32(len(data)))
	binary.LittleEndian.PutUint64(header[4:12], requestID)

	b := net.Buffers{header, data}
	_, err := b.WriteTo(conn)
	return err
}

// readFrame reads one frame. The returned payload is freshly allocated and
// safe to retain.
func readFrame(conn net.Conn) (uint64, []byte, error) {
	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(conn, header); err != nil {
		return 0, nil, err
	}
	length := binary.LittleEndian.Uint32(header[:4])
	requestID := binary.LittleEndian.Uint64(header[4:12])
	if length == 0 {
		return requestID, []byte{}, nil
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(conn, data); err != nil {
		return 0, nil, err
	}
	return requestID, data, nil
}
