package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// Control request lengths, op code included
const (
	CreateLen  = 6
	SetPRNLen  = 3
	SelectLen  = 2
	ExecuteLen = 1
	CalcCRCLen = 1
)

// Request is a decoded DFU request. Write requests arrive on the data
// channel and carry Data; everything else comes from the control point.
type Request struct {
	Op     OpCode
	Object ObjectType
	Size   uint32
	PRN    uint16
	Data   []byte
}

// Response is sent back for every request. Offset/CRC are set for CRC and
// Select responses, MaxSize for Select only.
type Response struct {
	Op      OpCode
	Result  Result
	Ext     ExtError
	Offset  uint32
	CRC     uint32
	MaxSize uint32
}

// ParseControl decodes a control point frame. On failure it returns the
// result code to report; the op code is still filled in when known.
func ParseControl(data []byte) (*Request, Result) {
	if len(data) == 0 {
		return &Request{}, ResInvalidParameter
	}

	req := &Request{Op: OpCode(data[0])}
	want := 0
	switch req.Op {
	case OpCreate:
		want = CreateLen
	case OpSetPRN:
		want = SetPRNLen
	case OpSelect:
		want = SelectLen
	case OpExecute:
		want = ExecuteLen
	case OpCalcCRC:
		want = CalcCRCLen
	default:
		return req, ResOpCodeNotSupported
	}
	if len(data) != want {
		return req, ResInvalidParameter
	}

	switch req.Op {
	case OpCreate:
		req.Object = ObjectType(data[1])
		req.Size = binary.LittleEndian.Uint32(data[2:6])
	case OpSetPRN:
		req.PRN = binary.LittleEndian.Uint16(data[1:3])
	case OpSelect:
		req.Object = ObjectType(data[1])
	}
	return req, ResSuccess
}

// WriteRequest wraps data channel bytes.
func WriteRequest(data []byte) *Request {
	return &Request{Op: OpWrite, Data: data}
}

// Encode serializes a control request. Write requests encode to their raw
// data.
func (r *Request) Encode() []byte {
	switch r.Op {
	case OpCreate:
		b := make([]byte, CreateLen)
		b[0] = byte(r.Op)
		b[1] = byte(r.Object)
		binary.LittleEndian.PutUint32(b[2:6], r.Size)
		return b
	case OpSetPRN:
		b := make([]byte, SetPRNLen)
		b[0] = byte(r.Op)
		binary.LittleEndian.PutUint16(b[1:3], r.PRN)
		return b
	case OpSelect:
		return []byte{byte(r.Op), byte(r.Object)}
	case OpWrite:
		return r.Data
	default:
		return []byte{byte(r.Op)}
	}
}

// Encode serializes the response.
func (r *Response) Encode() []byte {
	// Packet format:
	// 0: 0x60
	// 1: request op code
	// 2: result
	// 3+: ext error byte, or offset/crc (crc), or max_size/offset/crc (select)

	b := []byte{byte(OpResponse), byte(r.Op), byte(r.Result)}

	if r.Result == ResExtError {
		return append(b, byte(r.Ext))
	}
	if r.Result != ResSuccess {
		return b
	}

	switch r.Op {
	case OpSelect:
		b = binary.LittleEndian.AppendUint32(b, r.MaxSize)
		b = binary.LittleEndian.AppendUint32(b, r.Offset)
		b = binary.LittleEndian.AppendUint32(b, r.CRC)
	case OpCalcCRC:
		b = binary.LittleEndian.AppendUint32(b, r.Offset)
		b = binary.LittleEndian.AppendUint32(b, r.CRC)
	}
	return b
}

// DecodeResponse parses a response frame.
func DecodeResponse(data []byte) (*Response, error) {
	if len(data) < 3 {
		return nil, errors.Errorf("response too short: %d bytes", len(data))
	}
	if OpCode(data[0]) != OpResponse {
		return nil, errors.Errorf("invalid response marker: 0x%02X", data[0])
	}

	r := &Response{Op: OpCode(data[1]), Result: Result(data[2])}
	rest := data[3:]

	if r.Result == ResExtError {
		if len(rest) < 1 {
			return nil, errors.New("extended error response without code")
		}
		r.Ext = ExtError(rest[0])
		return r, nil
	}
	if r.Result != ResSuccess {
		return r, nil
	}

	switch r.Op {
	case OpSelect:
		if len(rest) < 12 {
			return nil, errors.Errorf("select response too short: %d bytes", len(data))
		}
		r.MaxSize = binary.LittleEndian.Uint32(rest[0:4])
		r.Offset = binary.LittleEndian.Uint32(rest[4:8])
		r.CRC = binary.LittleEndian.Uint32(rest[8:12])
	case OpCalcCRC:
		if len(rest) < 8 {
			return nil, errors.Errorf("crc response too short: %d bytes", len(data))
		}
		r.Offset = binary.LittleEndian.Uint32(rest[0:4])
		r.CRC = binary.LittleEndian.Uint32(rest[4:8])
	}
	return r, nil
}

// IsSuccess returns true if the response indicates success.
func (r *Response) IsSuccess() bool {
	return r.Result == ResSuccess
}

// ErrorString returns a human-readable error message.
func (r *Response) ErrorString() string {
	if r.IsSuccess() {
		return ""
	}
	if r.Result == ResExtError {
		return fmt.Sprintf("%s: result=0x%02X ext=0x%02X (%s)", r.Op, byte(r.Result), byte(r.Ext), ExtErrorMessage(r.Ext))
	}
	return fmt.Sprintf("%s: result=0x%02X (%s)", r.Op, byte(r.Result), ResultMessage(r.Result))
}
