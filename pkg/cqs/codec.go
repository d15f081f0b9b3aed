package cqs

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// FrameCodec is the boundary between the session layer and the byte-level
// wire format. The session and connections never inspect payload bytes;
// they hand Requests in and get Frames back.
type FrameCodec interface {
	// EncodeRequest frames a request under the given stream id.
	EncodeRequest(req *Request, stream int16) ([]byte, error)

	// DecodeFrame parses one complete frame. The transport guarantees whole
	// frames, so a short buffer is a protocol error rather than a retry.
	DecodeFrame(data []byte) (*Frame, error)
}

const (
	frameHeaderLen = 9

	protoVersionRequest  = 0x04
	protoVersionResponse = 0x84

	flagCompressed = 0x01
)

// NewFrameCodec builds the default codec. A non-nil compression config with
// Enabled set compresses request bodies and expects compressed response
// bodies when the compressed flag is present.
func NewFrameCodec(compression *CompressionConfig) FrameCodec {
	return &frameCodec{compression: compression}
}

type frameCodec struct {
	compression *CompressionConfig
}

func (fc *frameCodec) EncodeRequest(req *Request, stream int16) ([]byte, error) {

	body, op, err := fc.encodeBody(req)
	if err != nil {
		return nil, err
	}

	var flags byte
	if fc.compression != nil && fc.compression.Enabled && len(body) > 0 && op != OpStartup && op != OpOptions {
		buffer := &bytes.Buffer{}
		if err := handleCompression(fc.compression, body, buffer); err != nil {
			return nil, err
		}
		body = buffer.Bytes()
		flags |= flagCompressed
	}

	framed := make([]byte, frameHeaderLen, frameHeaderLen+len(body))
	framed[0] = protoVersionRequest
	framed[1] = flags
	binary.BigEndian.PutUint16(framed[2:4], uint16(stream))
	framed[4] = byte(op)
	binary.BigEndian.PutUint32(framed[5:9], uint32(len(body)))

	return append(framed, body...), nil
}

func (fc *frameCodec) encodeBody(req *Request) ([]byte, OpCode, error) {

	buffer := &bytes.Buffer{}

	switch req.Kind {
	case KindQuery:
		writeLongString(buffer, req.Query)
		writeConsistency(buffer, req.Consistency)
		writeValues(buffer, req.Values)
		return buffer.Bytes(), OpQuery, nil

	case KindPrepare:
		writeLongString(buffer, req.Query)
		return buffer.Bytes(), OpPrepare, nil

	case KindExecute:
		if len(req.PreparedID) == 0 {
			return nil, 0, errors.New("execute request carries no prepared id")
		}
		writeShortBytes(buffer, req.PreparedID)
		writeConsistency(buffer, req.Consistency)
		writeValues(buffer, req.Values)
		return buffer.Bytes(), OpExecute, nil

	case KindPing:
		return nil, OpOptions, nil

	default:
		return nil, 0, fmt.Errorf("unknown request kind %d", req.Kind)
	}
}

func (fc *frameCodec) DecodeFrame(data []byte) (*Frame, error) {

	if len(data) < frameHeaderLen {
		return nil, fmt.Errorf("%w: frame shorter than header (%d bytes)", ErrProtocolViolation, len(data))
	}

	if data[0] != protoVersionResponse {
		return nil, fmt.Errorf("%w: unexpected version byte 0x%02x", ErrProtocolViolation, data[0])
	}

	flags := data[1]
	stream := int16(binary.BigEndian.Uint16(data[2:4]))
	op := OpCode(data[4])
	length := binary.BigEndian.Uint32(data[5:9])

	if int(length) != len(data)-frameHeaderLen {
		return nil, fmt.Errorf("%w: body length %d does not match frame", ErrProtocolViolation, length)
	}

	body := data[frameHeaderLen:]
	if flags&flagCompressed != 0 {
		if fc.compression == nil || !fc.compression.Enabled {
			return nil, fmt.Errorf("%w: compressed frame but compression disabled", ErrProtocolViolation)
		}
		buffer := bytes.NewBuffer(body)
		if err := handleDecompression(fc.compression, buffer); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
		}
		body = buffer.Bytes()
	}

	frame := &Frame{Stream: stream, Op: op, Body: body}

	if op == OpError {
		if len(body) < 6 {
			return nil, fmt.Errorf("%w: error frame body too short", ErrProtocolViolation)
		}
		frame.ErrCode = int32(binary.BigEndian.Uint32(body[0:4]))
		textLen := int(binary.BigEndian.Uint16(body[4:6]))
		if 6+textLen <= len(body) {
			frame.ErrText = string(body[6 : 6+textLen])
		}
	}

	return frame, nil
}

// resultFromFrame converts a non-error frame into the caller-facing Result.
// Prepared ids are lifted out of RESULT bodies for KindPrepare requests so
// the session never parses payloads elsewhere.
func resultFromFrame(req *Request, frame *Frame) *Result {

	result := &Result{Op: frame.Op, Payload: frame.Body}

	if req.Kind == KindPrepare && frame.Op == OpResult && len(frame.Body) >= 6 {
		// kind [int] followed by prepared id [short bytes]
		idLen := int(binary.BigEndian.Uint16(frame.Body[4:6]))
		if 6+idLen <= len(frame.Body) {
			result.PreparedID = frame.Body[6 : 6+idLen]
		}
	}

	return result
}

func writeLongString(buffer *bytes.Buffer, s string) {
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(s)))
	buffer.Write(length[:])
	buffer.WriteString(s)
}

func writeShortBytes(buffer *bytes.Buffer, b []byte) {
	var length [2]byte
	binary.BigEndian.PutUint16(length[:], uint16(len(b)))
	buffer.Write(length[:])
	buffer.Write(b)
}

func writeConsistency(buffer *bytes.Buffer, c Consistency) {
	var raw [2]byte
	binary.BigEndian.PutUint16(raw[:], uint16(c))
	buffer.Write(raw[:])
}

func writeValues(buffer *bytes.Buffer, values [][]byte) {
	var count [2]byte
	binary.BigEndian.PutUint16(count[:], uint16(len(values)))
	buffer.Write(count[:])

	for _, value := range values {
		var length [4]byte
		binary.BigEndian.PutUint32(length[:], uint32(len(value)))
		buffer.Write(length[:])
		buffer.Write(value)
	}
}
