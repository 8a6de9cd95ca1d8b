// Package initcmd encodes, decodes and signs init commands, the signed
// manifest sent ahead of a firmware image.
package initcmd

import (
	"fmt"

	"github.com/pkg/errors"
)

// FwType is the kind of image an init command describes.
type FwType uint32

const (
	FwApplication          FwType = 0
	FwSoftDevice           FwType = 1
	FwBootloader           FwType = 2
	FwSoftDeviceBootloader FwType = 3

	fwTypeMax = FwSoftDeviceBootloader
)

func (t FwType) String() string {
	switch t {
	case FwApplication:
		return "application"
	case FwSoftDevice:
		return "softdevice"
	case FwBootloader:
		return "bootloader"
	case FwSoftDeviceBootloader:
		return "softdevice+bootloader"
	default:
		return fmt.Sprintf("fwtype(%d)", uint32(t))
	}
}

// Valid reports whether t is a known type.
func (t FwType) Valid() bool { return t <= fwTypeMax }

// ParseFwType maps a type name to its value.
func ParseFwType(s string) (FwType, error) {
	for t := FwApplication; t <= fwTypeMax; t++ {
		if t.String() == s {
			return t, nil
		}
	}
	switch s {
	case "app":
		return FwApplication, nil
	case "sd":
		return FwSoftDevice, nil
	case "bl":
		return FwBootloader, nil
	case "sd+bl", "sd_bl":
		return FwSoftDeviceBootloader, nil
	}
	return 0, errors.Errorf("unknown firmware type %q", s)
}

type HashType uint32

const (
	HashNone   HashType = 0
	HashCRC    HashType = 1
	HashSHA128 HashType = 2
	HashSHA256 HashType = 3
	HashSHA512 HashType = 4
)

type SignatureType uint32

const (
	SignatureECDSAP256SHA256 SignatureType = 0
	SignatureED25519         SignatureType = 1
)

type OpCode uint32

const (
	OpInit OpCode = 1
)

// Hash is the digest of the finished image.
type Hash struct {
	Type HashType
	Hash []byte
}

// InitCommand describes the incoming image. Optional scalar fields are
// pointers; nil means the field was absent on the wire.
type InitCommand struct {
	FwVersion *uint32
	HwVersion *uint32
	SdReq     []uint32
	Type      FwType
	SdSize    uint32
	BlSize    uint32
	AppSize   uint32
	Hash      *Hash
	IsDebug   bool
}

// Size returns the total image size declared for the command's type.
func (c *InitCommand) Size() uint32 {
	switch c.Type {
	case FwApplication:
		return c.AppSize
	case FwSoftDevice:
		return c.SdSize
	case FwBootloader:
		return c.BlSize
	case FwSoftDeviceBootloader:
		return c.SdSize + c.BlSize
	default:
		return 0
	}
}

// Command wraps an init command with its op code.
type Command struct {
	OpCode OpCode
	Init   *InitCommand
}

// SignedCommand is a command with a detached signature. Raw holds the
// encoded command exactly as received; the signature covers these bytes.
type SignedCommand struct {
	Command       Command
	Raw           []byte
	SignatureType SignatureType
	Signature     []byte
}

// Packet is the top level init packet. At most one of Command and
// SignedCommand is set.
type Packet struct {
	Command       *Command
	SignedCommand *SignedCommand
}

// Init returns the init command of the packet, signed or not.
func (p *Packet) Init() *InitCommand {
	switch {
	case p.SignedCommand != nil:
		return p.SignedCommand.Command.Init
	case p.Command != nil:
		return p.Command.Init
	default:
		return nil
	}
}

// Uint32 returns a pointer to v.
func Uint32(v uint32) *uint32 { return &v }
