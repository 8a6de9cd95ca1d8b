package bank

import (
	"encoding/binary"

	"github.com/bigbag/secure-dfu/internal/flash"
)

// Companion stack images carry an info struct at a fixed offset from their
// start address.
const (
	SoftDeviceInfoOffset = 0x2000
	SoftDeviceMagic      = 0x51B1E5DB

	sdInfoMagic   = 0x04
	sdInfoSize    = 0x08
	sdInfoFWID    = 0x0C
	sdInfoVersion = 0x14
	sdInfoLen     = 0x18
)

// SoftDeviceInfo is the version info of a companion stack image.
type SoftDeviceInfo struct {
	Size    uint32
	FWID    uint16
	Version uint32
}

// MajorMinor drops the patch part of the version.
func (i SoftDeviceInfo) MajorMinor() uint32 { return i.Version / 1000 }

// Compatible reports whether two stacks share API version and size.
func (i SoftDeviceInfo) Compatible(o SoftDeviceInfo) bool {
	return i.MajorMinor() == o.MajorMinor() && i.Size == o.Size
}

// ReadSoftDeviceInfo reads the info struct of a stack image starting at base.
func ReadSoftDeviceInfo(dev flash.Device, base uint32) (SoftDeviceInfo, bool) {
	raw := make([]byte, sdInfoLen)
	if err := dev.Read(base+SoftDeviceInfoOffset, raw); err != nil {
		return SoftDeviceInfo{}, false
	}
	if binary.LittleEndian.Uint32(raw[sdInfoMagic:]) != SoftDeviceMagic {
		return SoftDeviceInfo{}, false
	}
	return SoftDeviceInfo{
		Size:    binary.LittleEndian.Uint32(raw[sdInfoSize:]),
		FWID:    binary.LittleEndian.Uint16(raw[sdInfoFWID:]),
		Version: binary.LittleEndian.Uint32(raw[sdInfoVersion:]),
	}, true
}

// EncodeSoftDeviceInfo returns an info struct as it appears in an image.
// Tools use it to build test images.
func EncodeSoftDeviceInfo(info SoftDeviceInfo) []byte {
	raw := make([]byte, sdInfoLen)
	binary.LittleEndian.PutUint32(raw[0:], sdInfoLen)
	binary.LittleEndian.PutUint32(raw[sdInfoMagic:], SoftDeviceMagic)
	binary.LittleEndian.PutUint32(raw[sdInfoSize:], info.Size)
	binary.LittleEndian.PutUint16(raw[sdInfoFWID:], info.FWID)
	binary.LittleEndian.PutUint32(raw[sdInfoVersion:], info.Version)
	return raw
}
