package settings

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/pkg/errors"
)

// Version is the settings format version stored in every record.
const Version = 1

const (
	// InitCommandMaxSize is the largest init command the record can hold.
	InitCommandMaxSize = 512

	// SharedDataSize is the payload size of the transport shared data.
	SharedDataSize = 64

	// MaxAdvNameLength is the longest advertising name that can be stored.
	MaxAdvNameLength = 20

	erasedWord = 0xFFFFFFFF
)

// BankCode describes the content of a bank.
type BankCode uint32

const (
	BankInvalid                   BankCode = 0x00
	BankValidApp                  BankCode = 0x01
	BankValidSoftDevice           BankCode = 0xA5
	BankValidBootloader           BankCode = 0xAA
	BankValidSoftDeviceBootloader BankCode = 0xAC
)

func (c BankCode) String() string {
	switch c {
	case BankInvalid:
		return "invalid"
	case BankValidApp:
		return "application"
	case BankValidSoftDevice:
		return "softdevice"
	case BankValidBootloader:
		return "bootloader"
	case BankValidSoftDeviceBootloader:
		return "softdevice+bootloader"
	default:
		return fmt.Sprintf("unknown(0x%02X)", uint32(c))
	}
}

// Bank selectors for Record.BankCurrent.
const (
	CurrentBank0 uint32 = 0
	CurrentBank1 uint32 = 1
)

// Bank layouts for Record.BankLayout.
const (
	LayoutSingle uint32 = 0
	LayoutDual   uint32 = 1
)

// Bank describes one image slot.
type Bank struct {
	Code      BankCode
	ImageSize uint32
	ImageCRC  uint32
}

// Progress tracks an ongoing update.
type Progress struct {
	CommandSize   uint32
	CommandOffset uint32
	CommandCRC    uint32

	DataObjectSize uint32

	FirmwareImageCRC        uint32
	FirmwareImageCRCLast    uint32
	FirmwareImageOffset     uint32
	FirmwareImageOffsetLast uint32

	UpdateStartAddress uint32
	FirmwareSize       uint32
}

// SharedKind tells what the shared data payload holds.
type SharedKind uint32

const (
	SharedPeerData SharedKind = 1
	SharedAdvName  SharedKind = 2
)

// SharedData is data handed from the application to the bootloader
// transport. It carries its own CRC.
type SharedData struct {
	CRC  uint32
	Kind SharedKind
	Data [SharedDataSize]byte
}

// Record is the persisted settings aggregate.
type Record struct {
	CRC                uint32
	SettingsVersion    uint32
	AppVersion         uint32
	BootloaderVersion  uint32
	BankLayout         uint32
	BankCurrent        uint32
	Bank0              Bank
	Bank1              Bank
	WriteOffset        uint32
	SDSize             uint32
	Progress           Progress
	TransportActivated uint32

	// Everything below is excluded from CRC.
	InitCommand [InitCommandMaxSize]byte
	SharedData  SharedData
}

// RecordSize is the encoded size of a Record.
var RecordSize = binary.Size(Record{})

var initCommandOffset = RecordSize - InitCommandMaxSize - binary.Size(SharedData{})

// Defaults returns the record written when flash holds no valid settings.
func Defaults() Record {
	var r Record
	r.SettingsVersion = Version
	r.SharedData.CRC = erasedWord
	r.SharedData.Kind = SharedKind(erasedWord)
	for i := range r.SharedData.Data {
		r.SharedData.Data[i] = 0xFF
	}
	return r
}

// Bytes encodes the record.
func (r *Record) Bytes() []byte {
	var buf bytes.Buffer
	buf.Grow(RecordSize)
	// writing fixed size data to a bytes.Buffer cannot fail
	_ = binary.Write(&buf, binary.LittleEndian, r)
	return buf.Bytes()
}

// Decode parses an encoded record.
func Decode(raw []byte) (Record, error) {
	var r Record
	if len(raw) < RecordSize {
		return r, errors.Errorf("settings record too short: %d bytes", len(raw))
	}
	if err := binary.Read(bytes.NewReader(raw[:RecordSize]), binary.LittleEndian, &r); err != nil {
		return r, errors.Wrap(err, "decode settings record")
	}
	return r, nil
}

// ComputeCRC returns the CRC over the record, excluding the CRC field, the
// init command and the shared data.
func (r *Record) ComputeCRC() uint32 {
	raw := r.Bytes()
	return crc32.ChecksumIEEE(raw[4:initCommandOffset])
}

// Valid reports whether the version and CRC match the content.
func (r *Record) Valid() bool {
	return r.SettingsVersion == Version && r.CRC != erasedWord && r.CRC == r.ComputeCRC()
}

// Current returns the current bank.
func (r *Record) Current() *Bank {
	if r.BankCurrent == CurrentBank1 {
		return &r.Bank1
	}
	return &r.Bank0
}

// Bank returns bank 0 or 1.
func (r *Record) Bank(n uint32) *Bank {
	if n == CurrentBank1 {
		return &r.Bank1
	}
	return &r.Bank0
}

// ClearProgress drops the progress and the stored init command.
func (r *Record) ClearProgress() {
	r.Progress = Progress{}
	for i := range r.InitCommand {
		r.InitCommand[i] = 0xFF
	}
	r.WriteOffset = 0
}

func (d *SharedData) computeCRC() uint32 {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, d.Kind)
	buf.Write(d.Data[:])
	return crc32.ChecksumIEEE(buf.Bytes())
}

// Valid reports whether the shared data CRC matches.
func (d *SharedData) Valid() bool {
	return d.CRC == d.computeCRC()
}

// Erased reports whether the shared data is in the erased state.
func (d *SharedData) Erased() bool {
	return d.CRC == erasedWord
}
