// Package bank decides where an update image is stored and moves it into
// place once it has been validated.
package bank

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/bigbag/secure-dfu/internal/flash"
	"github.com/bigbag/secure-dfu/internal/settings"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var ErrNoSpace = errors.New("not enough free flash for image")

// MBRParamsMagic marks a stack relocation request in the MBR params page.
const MBRParamsMagic = 0x5250424D

// Manager owns the bank fields of the settings record.
type Manager struct {
	layout Layout
	dev    flash.Device
	store  *settings.Store
	log    *logrus.Entry
}

// NewManager creates a bank manager.
func NewManager(layout Layout, dev flash.Device, store *settings.Store, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.WithField("component", "bank")
	}
	return &Manager{layout: layout, dev: dev, store: store, log: log}
}

func (m *Manager) Layout() Layout { return m.layout }

// CurrentSoftDevice returns the info of the installed companion stack.
func (m *Manager) CurrentSoftDevice() (SoftDeviceInfo, bool) {
	return ReadSoftDeviceInfo(m.dev, m.layout.MBRSize)
}

// AppStart is the start of bank 0, right after the installed companion
// stack.
func (m *Manager) AppStart() uint32 {
	size := m.layout.SoftDeviceSize
	if info, ok := m.CurrentSoftDevice(); ok {
		size = info.Size
	}
	return flash.AlignUp(m.layout.MBRSize+size, m.layout.PageSize)
}

// BankAddr returns the start address of bank n.
func (m *Manager) BankAddr(n uint32) uint32 {
	start := m.AppStart()
	if n == settings.CurrentBank1 {
		return start + flash.AlignUp(m.store.Record().Bank0.ImageSize, m.layout.PageSize)
	}
	return start
}

// FindCache picks the address an image of size bytes is written to. With
// dual banking the area after a valid application is preferred; otherwise
// bank 0 is overwritten. The chosen bank is invalidated and made current in
// the working record; the caller persists it.
func (m *Manager) FindCache(size uint32) (uint32, error) {
	if size == 0 {
		return 0, errors.New("image size is zero")
	}
	rec := m.store.Record()
	bank0 := m.AppStart()

	if m.layout.DualBank && rec.Bank0.Code == settings.BankValidApp {
		bank1 := m.BankAddr(settings.CurrentBank1)
		if bank1 < m.layout.AppEnd && size <= m.layout.AppEnd-bank1 {
			rec.Bank1 = settings.Bank{Code: settings.BankInvalid}
			rec.BankCurrent = settings.CurrentBank1
			m.log.Infof("image of %d bytes goes to bank 1 at 0x%08x", size, bank1)
			return bank1, nil
		}
		m.log.Infof("bank 1 too small for %d bytes, falling back to bank 0", size)
	}

	if bank0 >= m.layout.AppEnd || size > m.layout.AppEnd-bank0 {
		return 0, errors.Wrapf(ErrNoSpace, "%d bytes", size)
	}

	rec.Bank0 = settings.Bank{Code: settings.BankInvalid}
	rec.BankCurrent = settings.CurrentBank0
	m.log.Infof("image of %d bytes goes to bank 0 at 0x%08x", size, bank0)
	return bank0, nil
}

// Commit marks the current bank valid. An application landing in bank 1
// replaces the one in bank 0, so bank 0 is invalidated.
func (m *Manager) Commit(code settings.BankCode, size, crc uint32) {
	rec := m.store.Record()
	b := rec.Current()
	b.Code = code
	b.ImageSize = size
	b.ImageCRC = crc

	if code == settings.BankValidApp && rec.BankCurrent == settings.CurrentBank1 {
		m.log.Info("invalidating old application in bank 0")
		rec.Bank0.Code = settings.BankInvalid
	}
}

// Discard marks the current bank invalid.
func (m *Manager) Discard() {
	*m.store.Record().Current() = settings.Bank{Code: settings.BankInvalid}
}

// InvalidateApp drops the application in bank 0 when the update sits in
// bank 1. It is used when a new companion stack breaks the application.
func (m *Manager) InvalidateApp() {
	rec := m.store.Record()
	if rec.BankCurrent == settings.CurrentBank1 {
		m.log.Warn("application mismatches new companion stack, invalidating")
		rec.Bank0.Code = settings.BankInvalid
	}
}

// AppValid reports whether bank 0 holds an application matching its CRC.
func (m *Manager) AppValid() bool {
	b := m.store.Record().Bank0
	if b.Code != settings.BankValidApp {
		return false
	}
	buf := make([]byte, b.ImageSize)
	if err := m.dev.Read(m.AppStart(), buf); err != nil {
		return false
	}
	return crc32.ChecksumIEEE(buf) == b.ImageCRC
}

// Activate moves a validated image from its bank to where it runs from. It
// returns true when an image was activated and the device must reset.
// Progress is persisted page by page so a copy interrupted by power loss
// continues on the next call.
func (m *Manager) Activate() (bool, error) {
	rec := m.store.Record()
	cur := rec.BankCurrent
	b := *rec.Current()

	switch b.Code {
	case settings.BankValidApp:
		if cur == settings.CurrentBank0 {
			return false, nil
		}
	case settings.BankValidSoftDevice, settings.BankValidBootloader, settings.BankValidSoftDeviceBootloader:
	default:
		return false, nil
	}

	if rec.Progress.UpdateStartAddress == 0 {
		rec.Progress.UpdateStartAddress = m.BankAddr(cur)
		rec.WriteOffset = 0
		if err := m.persist(); err != nil {
			return false, err
		}
	}
	src := rec.Progress.UpdateStartAddress
	m.log.Infof("activating %s from bank %d at 0x%08x", b.Code, cur, src)

	var err error
	switch b.Code {
	case settings.BankValidApp:
		err = m.copy(src, m.AppStart(), 0, b.ImageSize)
	case settings.BankValidSoftDevice:
		err = m.copyStack(src, 0, b.ImageSize)
	case settings.BankValidBootloader:
		err = m.copy(src, m.layout.BootloaderStart, 0, b.ImageSize)
	case settings.BankValidSoftDeviceBootloader:
		sd := rec.SDSize
		if err = m.copyStack(src, 0, sd); err == nil {
			err = m.copy(src+sd, m.layout.BootloaderStart, sd, b.ImageSize-sd)
		}
	}
	if err != nil {
		return false, err
	}

	if b.Code == settings.BankValidApp {
		rec.Bank0 = b
	} else if cur == settings.CurrentBank0 {
		// the update overwrote the application
		rec.Bank0 = settings.Bank{Code: settings.BankInvalid}
	}
	rec.Bank1 = settings.Bank{Code: settings.BankInvalid}
	rec.BankCurrent = settings.CurrentBank0
	rec.Progress = settings.Progress{}
	rec.WriteOffset = 0
	if err := m.persist(); err != nil {
		return false, err
	}
	m.log.Infof("%s activated", b.Code)
	return true, nil
}

func (m *Manager) copyStack(src, base, n uint32) error {
	params := make([]byte, 16)
	binary.LittleEndian.PutUint32(params[0:], MBRParamsMagic)
	binary.LittleEndian.PutUint32(params[4:], src)
	binary.LittleEndian.PutUint32(params[8:], m.layout.MBRSize)
	binary.LittleEndian.PutUint32(params[12:], n)

	cur := make([]byte, len(params))
	if err := m.dev.Read(m.layout.MBRParamsPage, cur); err != nil {
		return errors.Wrap(err, "read MBR params")
	}
	if string(cur) != string(params) {
		if err := m.program(m.layout.MBRParamsPage, params); err != nil {
			return errors.Wrap(err, "write MBR params")
		}
	}
	return m.copy(src, m.layout.MBRSize, base, n)
}

// copy moves n bytes from src to dst one page at a time. base is the image
// offset of src and is used to resume from rec.WriteOffset.
func (m *Manager) copy(src, dst, base, n uint32) error {
	rec := m.store.Record()
	page := m.layout.PageSize
	buf := make([]byte, page)

	done := uint32(0)
	if rec.WriteOffset > base {
		done = min(rec.WriteOffset-base, n)
	}

	for done < n {
		chunk := min(page, n-done)
		if err := m.dev.Read(src+done, buf[:chunk]); err != nil {
			return errors.Wrap(err, "read bank")
		}
		if err := m.program(dst+done, buf[:chunk]); err != nil {
			return errors.Wrapf(err, "copy to 0x%08x", dst+done)
		}

		done += chunk
		rec.WriteOffset = base + done
		if err := m.persist(); err != nil {
			return err
		}
	}
	return nil
}

// program erases the page at addr and writes data to it, waiting for both.
func (m *Manager) program(addr uint32, data []byte) error {
	var failed error
	cb := func(res flash.Result) {
		if res.Err != nil && failed == nil {
			failed = res.Err
		}
	}
	if err := m.dev.Erase(addr, 1, cb); err != nil {
		return err
	}
	if err := m.dev.Write(addr, data, cb); err != nil {
		return err
	}
	if err := m.dev.Flush(); err != nil {
		return err
	}
	return failed
}

func (m *Manager) persist() error {
	if err := m.store.Write(); err != nil {
		return err
	}
	return m.dev.Flush()
}
