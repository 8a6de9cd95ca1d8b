package initcmd

import (
	"bytes"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// ErrDecode is returned for any malformed init packet.
var ErrDecode = errors.New("malformed init packet")

// field numbers
const (
	fPacketCommand       = 1
	fPacketSignedCommand = 2

	fSignedCommand   = 1
	fSignedType      = 2
	fSignedSignature = 3

	fCommandOpCode = 1
	fCommandInit   = 2

	fInitFwVersion = 1
	fInitHwVersion = 2
	fInitSdReq     = 3
	fInitType      = 4
	fInitSdSize    = 5
	fInitBlSize    = 6
	fInitAppSize   = 7
	fInitHash      = 8
	fInitIsDebug   = 9

	fHashType = 1
	fHashHash = 2
)

// fieldFunc handles one field. It returns the number of bytes consumed or
// a negative protowire error code.
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) int

func walk(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.Wrap(protowire.ParseError(n), "tag")
		}
		b = b[n:]

		m := fn(num, typ, b)
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return errors.Wrapf(protowire.ParseError(m), "field %d", num)
		}
		b = b[m:]
	}
	return nil
}

func consumeUint32(typ protowire.Type, b []byte, out *uint32) int {
	if typ != protowire.VarintType {
		return -1
	}
	v, n := protowire.ConsumeVarint(b)
	if n > 0 {
		*out = uint32(v)
	}
	return n
}

func consumeBytes(typ protowire.Type, b []byte, out *[]byte) int {
	if typ != protowire.BytesType {
		return -1
	}
	v, n := protowire.ConsumeBytes(b)
	if n > 0 {
		// decoded packets outlive the receive buffer
		*out = bytes.Clone(v)
	}
	return n
}

// Decode parses an init packet.
func Decode(raw []byte) (*Packet, error) {
	p := &Packet{}
	var inner error

	err := walk(raw, func(num protowire.Number, typ protowire.Type, b []byte) int {
		var msg []byte
		n := 0
		switch num {
		case fPacketCommand:
			if n = consumeBytes(typ, b, &msg); n > 0 {
				p.Command = &Command{}
				inner = decodeCommand(msg, p.Command)
			}
		case fPacketSignedCommand:
			if n = consumeBytes(typ, b, &msg); n > 0 {
				p.SignedCommand = &SignedCommand{}
				inner = decodeSignedCommand(msg, p.SignedCommand)
			}
		}
		if inner != nil {
			return -1
		}
		return n
	})
	if inner != nil {
		return nil, errors.Wrap(ErrDecode, inner.Error())
	}
	if err != nil {
		return nil, errors.Wrap(ErrDecode, err.Error())
	}
	if p.Init() == nil {
		return nil, errors.Wrap(ErrDecode, "no init command")
	}
	return p, nil
}

func decodeSignedCommand(raw []byte, sc *SignedCommand) error {
	var inner error
	err := walk(raw, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case fSignedCommand:
			n := consumeBytes(typ, b, &sc.Raw)
			if n > 0 {
				if inner = decodeCommand(sc.Raw, &sc.Command); inner != nil {
					return -1
				}
			}
			return n
		case fSignedType:
			var v uint32
			n := consumeUint32(typ, b, &v)
			sc.SignatureType = SignatureType(v)
			return n
		case fSignedSignature:
			return consumeBytes(typ, b, &sc.Signature)
		}
		return 0
	})
	if inner != nil {
		return inner
	}
	return err
}

func decodeCommand(raw []byte, c *Command) error {
	var inner error
	err := walk(raw, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case fCommandOpCode:
			var v uint32
			n := consumeUint32(typ, b, &v)
			c.OpCode = OpCode(v)
			return n
		case fCommandInit:
			var msg []byte
			n := consumeBytes(typ, b, &msg)
			if n > 0 {
				c.Init = &InitCommand{}
				if inner = decodeInit(msg, c.Init); inner != nil {
					return -1
				}
			}
			return n
		}
		return 0
	})
	if inner != nil {
		return inner
	}
	return err
}

func decodeInit(raw []byte, ic *InitCommand) error {
	var inner error
	err := walk(raw, func(num protowire.Number, typ protowire.Type, b []byte) int {
		var v uint32
		switch num {
		case fInitFwVersion:
			n := consumeUint32(typ, b, &v)
			ic.FwVersion = Uint32(v)
			return n
		case fInitHwVersion:
			n := consumeUint32(typ, b, &v)
			ic.HwVersion = Uint32(v)
			return n
		case fInitSdReq:
			return consumeSdReq(typ, b, &ic.SdReq)
		case fInitType:
			n := consumeUint32(typ, b, &v)
			ic.Type = FwType(v)
			return n
		case fInitSdSize:
			return consumeUint32(typ, b, &ic.SdSize)
		case fInitBlSize:
			return consumeUint32(typ, b, &ic.BlSize)
		case fInitAppSize:
			return consumeUint32(typ, b, &ic.AppSize)
		case fInitHash:
			var msg []byte
			n := consumeBytes(typ, b, &msg)
			if n > 0 {
				ic.Hash = &Hash{}
				if inner = decodeHash(msg, ic.Hash); inner != nil {
					return -1
				}
			}
			return n
		case fInitIsDebug:
			n := consumeUint32(typ, b, &v)
			ic.IsDebug = v != 0
			return n
		}
		return 0
	})
	if inner != nil {
		return inner
	}
	return err
}

// consumeSdReq accepts both packed and unpacked encodings.
func consumeSdReq(typ protowire.Type, b []byte, out *[]uint32) int {
	switch typ {
	case protowire.VarintType:
		v, n := protowire.ConsumeVarint(b)
		if n > 0 {
			*out = append(*out, uint32(v))
		}
		return n
	case protowire.BytesType:
		packed, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n
		}
		for len(packed) > 0 {
			v, m := protowire.ConsumeVarint(packed)
			if m < 0 {
				return m
			}
			*out = append(*out, uint32(v))
			packed = packed[m:]
		}
		return n
	}
	return -1
}

func decodeHash(raw []byte, h *Hash) error {
	return walk(raw, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case fHashType:
			var v uint32
			n := consumeUint32(typ, b, &v)
			h.Type = HashType(v)
			return n
		case fHashHash:
			return consumeBytes(typ, b, &h.Hash)
		}
		return 0
	})
}

// Encode serializes a packet.
func Encode(p *Packet) []byte {
	var b []byte
	if p.Command != nil {
		b = protowire.AppendTag(b, fPacketCommand, protowire.BytesType)
		b = protowire.AppendBytes(b, EncodeCommand(p.Command))
	}
	if p.SignedCommand != nil {
		b = protowire.AppendTag(b, fPacketSignedCommand, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeSignedCommand(p.SignedCommand))
	}
	return b
}

func encodeSignedCommand(sc *SignedCommand) []byte {
	raw := sc.Raw
	if raw == nil {
		raw = EncodeCommand(&sc.Command)
	}
	var b []byte
	b = protowire.AppendTag(b, fSignedCommand, protowire.BytesType)
	b = protowire.AppendBytes(b, raw)
	b = appendVarint(b, fSignedType, uint64(sc.SignatureType))
	b = protowire.AppendTag(b, fSignedSignature, protowire.BytesType)
	b = protowire.AppendBytes(b, sc.Signature)
	return b
}

// EncodeCommand serializes a command. Signatures are computed over its
// output.
func EncodeCommand(c *Command) []byte {
	var b []byte
	b = appendVarint(b, fCommandOpCode, uint64(c.OpCode))
	if c.Init != nil {
		b = protowire.AppendTag(b, fCommandInit, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeInit(c.Init))
	}
	return b
}

func encodeInit(ic *InitCommand) []byte {
	var b []byte
	if ic.FwVersion != nil {
		b = appendVarint(b, fInitFwVersion, uint64(*ic.FwVersion))
	}
	if ic.HwVersion != nil {
		b = appendVarint(b, fInitHwVersion, uint64(*ic.HwVersion))
	}
	if len(ic.SdReq) > 0 {
		var packed []byte
		for _, v := range ic.SdReq {
			packed = protowire.AppendVarint(packed, uint64(v))
		}
		b = protowire.AppendTag(b, fInitSdReq, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	b = appendVarint(b, fInitType, uint64(ic.Type))
	if ic.SdSize != 0 {
		b = appendVarint(b, fInitSdSize, uint64(ic.SdSize))
	}
	if ic.BlSize != 0 {
		b = appendVarint(b, fInitBlSize, uint64(ic.BlSize))
	}
	if ic.AppSize != 0 {
		b = appendVarint(b, fInitAppSize, uint64(ic.AppSize))
	}
	if ic.Hash != nil {
		var h []byte
		h = appendVarint(h, fHashType, uint64(ic.Hash.Type))
		h = protowire.AppendTag(h, fHashHash, protowire.BytesType)
		h = protowire.AppendBytes(h, ic.Hash.Hash)
		b = protowire.AppendTag(b, fInitHash, protowire.BytesType)
		b = protowire.AppendBytes(b, h)
	}
	if ic.IsDebug {
		b = appendVarint(b, fInitIsDebug, 1)
	}
	return b
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}
