// Package wire implements velosd's length-framed binary protocol: a 7-byte
// frame header followed by a payload carrying a request or response, plus
// typed field readers/writers for command-specific payloads.
package wire

import (
	"encoding/binary"

	"github.com/velosd/velosd/internal/verrors"
)

const (
	magic0  byte = 0x56
	magic1  byte = 0x10
	version byte = 0x01

	// HeaderSize is the fixed size of a frame header in bytes.
	HeaderSize = 7

	// MaxPayload is the largest payload a frame may carry.
	MaxPayload = 4 * 1024 * 1024
)

// Header is the decoded form of a frame's 7-byte preamble.
type Header struct {
	PayloadLen uint32
}

// EncodeHeader writes a 7-byte frame header for a payload of length
// payloadLen into dst, which must be at least HeaderSize bytes, and returns
// the number of bytes written.
func EncodeHeader(dst []byte, payloadLen uint32) (int, error) {
	if payloadLen > MaxPayload {
		return 0, verrors.ErrPayloadTooLarge
	}
	if len(dst) < HeaderSize {
		return 0, verrors.ErrTruncated
	}
	dst[0] = magic0
	dst[1] = magic1
	dst[2] = version
	binary.LittleEndian.PutUint32(dst[3:7], payloadLen)
	return HeaderSize, nil
}

// DecodeHeader parses a 7-byte frame header from src.
func DecodeHeader(src []byte) (Header, error) {
	if len(src) < HeaderSize {
		return Header{}, verrors.ErrTruncated
	}
	if src[0] != magic0 || src[1] != magic1 {
		return Header{}, verrors.ErrInvalidMagic
	}
	if src[2] != version {
		return Header{}, verrors.ErrUnsupportedVersion
	}
	n := binary.LittleEndian.Uint32(src[3:7])
	if n > MaxPayload {
		return Header{}, verrors.ErrPayloadTooLarge
	}
	return Header{PayloadLen: n}, nil
}

// EncodeFrame appends a full frame (header + payload) to dst and returns the
// extended slice.
func EncodeFrame(dst []byte, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return dst, verrors.ErrPayloadTooLarge
	}
	var hdr [HeaderSize]byte
	if _, err := EncodeHeader(hdr[:], uint32(len(payload))); err != nil {
		return dst, err
	}
	dst = append(dst, hdr[:]...)
	dst = append(dst, payload...)
	return dst, nil
}

// Status codes carried by a response payload's first byte (after the id).
const (
	StatusOK  byte = 0
	StatusErr byte = 1
)

// Command is the closed set of request commands.
type Command byte

const (
	CmdProcessStart   Command = 0x01
	CmdProcessStop    Command = 0x02
	CmdProcessRestart Command = 0x03
	CmdProcessDelete  Command = 0x04
	CmdProcessList    Command = 0x05
	CmdProcessInfo    Command = 0x06
	CmdProcessScale   Command = 0x07
	CmdLogRead        Command = 0x10
	CmdStateSave      Command = 0x30
	CmdStateLoad      Command = 0x31
	CmdPing           Command = 0x40
	CmdShutdown       Command = 0x41
)

// Request is the decoded envelope of a request payload: u32 id, u8 command,
// then command-specific bytes.
type Request struct {
	ID      uint32
	Command Command
	Body    []byte
}

// EncodeRequest appends the request envelope (not including the frame
// header) to dst and returns the extended slice.
func EncodeRequest(dst []byte, req Request) ([]byte, error) {
	var hdr [5]byte
	binary.LittleEndian.PutUint32(hdr[0:4], req.ID)
	hdr[4] = byte(req.Command)
	dst = append(dst, hdr[:]...)
	dst = append(dst, req.Body...)
	return dst, nil
}

// DecodeRequest parses a request envelope from payload.
func DecodeRequest(payload []byte) (Request, error) {
	if len(payload) < 5 {
		return Request{}, verrors.ErrTruncated
	}
	return Request{
		ID:      binary.LittleEndian.Uint32(payload[0:4]),
		Command: Command(payload[4]),
		Body:    payload[5:],
	}, nil
}

// Response is the decoded envelope of a response payload: u32 id, u8 status,
// then command-specific bytes (or a UTF-8 error message when status=err).
type Response struct {
	ID     uint32
	Status byte
	Body   []byte
}

// EncodeResponse writes the response envelope.
func EncodeResponse(dst []byte, resp Response) []byte {
	var hdr [5]byte
	binary.LittleEndian.PutUint32(hdr[0:4], resp.ID)
	hdr[4] = resp.Status
	dst = append(dst, hdr[:]...)
	dst = append(dst, resp.Body...)
	return dst
}

// DecodeResponse parses a response envelope from payload.
func DecodeResponse(payload []byte) (Response, error) {
	if len(payload) < 5 {
		return Response{}, verrors.ErrTruncated
	}
	return Response{
		ID:     binary.LittleEndian.Uint32(payload[0:4]),
		Status: payload[4],
		Body:   payload[5:],
	}, nil
}
