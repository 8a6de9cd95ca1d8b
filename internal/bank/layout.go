package bank

import (
	"encoding/json"
	"os"

	"github.com/bigbag/secure-dfu/embedded"
	"github.com/bigbag/secure-dfu/internal/flash"
	"github.com/pkg/errors"
)

// Layout describes the fixed regions of device flash.
type Layout struct {
	FlashSize       uint32 `json:"flash_size"`
	PageSize        uint32 `json:"page_size"`
	MBRSize         uint32 `json:"mbr_size"`
	SoftDeviceSize  uint32 `json:"softdevice_size"`
	AppEnd          uint32 `json:"app_end"`
	BootloaderStart uint32 `json:"bootloader_start"`
	MBRParamsPage   uint32 `json:"mbr_params_page"`
	SettingsPage    uint32 `json:"settings_page"`
	DualBank        bool   `json:"dual_bank"`
}

// DefaultLayout returns the embedded layout.
func DefaultLayout() Layout {
	l, err := ParseLayout(embedded.Layout())
	if err != nil {
		panic(err)
	}
	return l
}

// ParseLayout decodes and validates a JSON layout.
func ParseLayout(data []byte) (Layout, error) {
	var l Layout
	if err := json.Unmarshal(data, &l); err != nil {
		return l, errors.Wrap(err, "parse layout")
	}
	return l, l.Validate()
}

// LoadLayout reads a layout file.
func LoadLayout(path string) (Layout, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Layout{}, errors.Wrap(err, "read layout")
	}
	return ParseLayout(data)
}

// Validate checks that regions are page aligned and ordered.
func (l Layout) Validate() error {
	if l.PageSize == 0 || l.FlashSize == 0 {
		return errors.New("layout: flash and page size must be set")
	}

	addrs := []struct {
		name string
		v    uint32
	}{
		{"mbr_size", l.MBRSize},
		{"app_end", l.AppEnd},
		{"bootloader_start", l.BootloaderStart},
		{"mbr_params_page", l.MBRParamsPage},
		{"settings_page", l.SettingsPage},
	}
	for _, a := range addrs {
		if !flash.IsAligned(a.v, l.PageSize) {
			return errors.Errorf("layout: %s 0x%x not page aligned", a.name, a.v)
		}
	}

	if !(l.MBRSize+l.SoftDeviceSize < l.AppEnd &&
		l.AppEnd <= l.BootloaderStart &&
		l.BootloaderStart < l.MBRParamsPage &&
		l.MBRParamsPage < l.SettingsPage &&
		l.SettingsPage+l.PageSize <= l.FlashSize) {
		return errors.New("layout: regions out of order")
	}
	return nil
}

// BootloaderSize is the space available to a bootloader image.
func (l Layout) BootloaderSize() uint32 {
	return l.MBRParamsPage - l.BootloaderStart
}
