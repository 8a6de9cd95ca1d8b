package embedded

import (
	_ "embed"
)

//go:embed layout.json
var layout []byte

// Layout returns the embedded default flash layout as JSON.
//
// Addresses are for a 512 KiB part with 4 KiB pages:
//
//	0x00000 MBR
//	0x01000 companion stack
//	0x26000 application / update banks
//	0x74000 reserved application data
//	0x78000 bootloader
//	0x7E000 MBR parameters page
//	0x7F000 settings page
func Layout() []byte {
	return layout
}
