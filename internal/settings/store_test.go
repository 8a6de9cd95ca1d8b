package settings

import (
	"errors"
	"testing"

	"github.com/bigbag/secure-dfu/internal/flash"
)

const testAddr = 0x3000

func newTestStore(t *testing.T) (*Store, *flash.Memory) {
	t.Helper()
	dev := flash.NewMemory(0x4000, 0x1000)
	s := NewStore(dev, testAddr, nil)
	if err := s.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	return s, dev
}

func readBack(t *testing.T, dev *flash.Memory) Record {
	t.Helper()
	rec, err := Decode(dev.Bytes()[testAddr:])
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	return rec
}

func TestRecordSize(t *testing.T) {
	if RecordSize%4 != 0 {
		t.Errorf("RecordSize = %d, not word aligned", RecordSize)
	}
	if RecordSize > 0x1000 {
		t.Errorf("RecordSize = %d, exceeds a page", RecordSize)
	}
}

func TestInit_ErasedFlashWritesDefaults(t *testing.T) {
	s, dev := newTestStore(t)

	if dev.Busy() {
		t.Error("Init() returned with flash operations pending")
	}
	rec := readBack(t, dev)
	if !rec.Valid() {
		t.Fatal("defaults not durably written")
	}
	if rec.SettingsVersion != Version {
		t.Errorf("SettingsVersion = %d", rec.SettingsVersion)
	}
	if !rec.SharedData.Erased() {
		t.Error("shared data not in erased pattern")
	}
	if s.Record().BankCurrent != CurrentBank0 {
		t.Error("unexpected bank selector")
	}
}

func TestInit_KeepsValidRecord(t *testing.T) {
	s, dev := newTestStore(t)
	s.Record().AppVersion = 7
	s.Record().Bank0 = Bank{Code: BankValidApp, ImageSize: 100, ImageCRC: 0x1234}
	if err := s.Write(); err != nil {
		t.Fatal(err)
	}
	dev.Flush()

	s2 := NewStore(dev, testAddr, nil)
	if err := s2.Init(); err != nil {
		t.Fatal(err)
	}
	if s2.Record().AppVersion != 7 || s2.Record().Bank0.Code != BankValidApp {
		t.Errorf("record not restored: %+v", s2.Record())
	}
}

func TestInit_CorruptCRCResetsDurably(t *testing.T) {
	s, dev := newTestStore(t)
	s.Record().AppVersion = 9
	s.Write()
	dev.Flush()

	// flip one bit of a covered field directly in flash
	dev.Bytes()[testAddr+8] ^= 0x01

	s2 := NewStore(dev, testAddr, nil)
	if err := s2.Init(); err != nil {
		t.Fatal(err)
	}
	if s2.Record().AppVersion != 0 {
		t.Errorf("AppVersion = %d, want default 0", s2.Record().AppVersion)
	}
	if dev.Busy() {
		t.Fatal("defaults not flushed before Init returned")
	}
	rec := readBack(t, dev)
	if !rec.Valid() || rec.AppVersion != 0 {
		t.Errorf("flash holds %+v, want valid defaults", rec)
	}
}

func TestInit_VersionMismatchResets(t *testing.T) {
	s, dev := newTestStore(t)
	s.Record().SettingsVersion = Version + 1
	s.Record().AppVersion = 3
	s.Write()
	dev.Flush()

	s2 := NewStore(dev, testAddr, nil)
	s2.Init()
	if s2.Record().SettingsVersion != Version || s2.Record().AppVersion != 0 {
		t.Errorf("record = %+v, want defaults", s2.Record())
	}
}

func TestCRCExcludesInitCommand(t *testing.T) {
	r := Defaults()
	before := r.ComputeCRC()
	r.InitCommand[0] = 0x42
	r.SharedData.Data[0] = 0x42
	if r.ComputeCRC() != before {
		t.Error("CRC covers init command or shared data")
	}
	r.Progress.FirmwareImageOffset = 1
	if r.ComputeCRC() == before {
		t.Error("CRC does not cover progress")
	}
}

func TestWrite_PoolWrap(t *testing.T) {
	dev := flash.NewMemory(0x4000, 0x1000, flash.WithQueueDepth(64))
	s := NewStore(dev, testAddr, nil)

	for i := 0; i < PoolSize-1; i++ {
		if err := s.Write(); err != nil {
			t.Fatalf("Write() #%d error = %v", i, err)
		}
	}
	if s.Pending() != PoolSize-1 {
		t.Errorf("Pending() = %d", s.Pending())
	}
	if err := s.Write(); !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("Write() on full pool error = %v, want ErrPoolExhausted", err)
	}

	dev.Flush()
	if s.Pending() != 0 {
		t.Errorf("Pending() after flush = %d", s.Pending())
	}
	if err := s.Write(); err != nil {
		t.Errorf("Write() after drain error = %v", err)
	}
}

func TestWrite_NeedsRoomForEraseAndWrite(t *testing.T) {
	tests := []struct {
		name    string
		queued  int
		wantErr bool
	}{
		{"empty queue", 0, false},
		{"room for both", 2, false},
		{"room for erase only", 3, true},
		{"queue full", 4, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			dev := flash.NewMemory(0x4000, 0x1000, flash.WithQueueDepth(4))
			s := NewStore(dev, testAddr, nil)
			if err := s.Init(); err != nil {
				t.Fatalf("Init() error = %v", err)
			}
			for i := 0; i < tc.queued; i++ {
				if err := dev.Write(uint32(i), []byte{0}, nil); err != nil {
					t.Fatal(err)
				}
			}

			s.Record().AppVersion = 7
			err := s.Write()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Write() error = %v, wantErr %v", err, tc.wantErr)
			}
			if err != nil {
				if !errors.Is(err, flash.ErrQueueFull) {
					t.Errorf("Write() error = %v, want ErrQueueFull", err)
				}
				if dev.Pending() != tc.queued {
					t.Errorf("Pending() = %d, want %d", dev.Pending(), tc.queued)
				}
			}

			dev.Flush()
			rec := readBack(t, dev)
			if !rec.Valid() {
				t.Fatal("settings page left without a valid record")
			}
			want := uint32(0)
			if !tc.wantErr {
				want = 7
			}
			if rec.AppVersion != want {
				t.Errorf("AppVersion = %d, want %d", rec.AppVersion, want)
			}
		})
	}
}

func TestWrite_SnapshotIsolatedFromWorkingCopy(t *testing.T) {
	s, dev := newTestStore(t)
	s.Record().AppVersion = 1
	s.Write()
	s.Record().AppVersion = 2
	dev.Flush()

	if rec := readBack(t, dev); rec.AppVersion != 1 {
		t.Errorf("flash AppVersion = %d, want 1", rec.AppVersion)
	}
}

func TestSharedData(t *testing.T) {
	s, dev := newTestStore(t)

	if _, err := s.AdvName(); !errors.Is(err, ErrSharedData) {
		t.Errorf("AdvName() on erased data error = %v", err)
	}

	if err := s.SetAdvName("keyboard"); err != nil {
		t.Fatal(err)
	}
	dev.Flush()
	name, err := s.AdvName()
	if err != nil || name != "keyboard" {
		t.Errorf("AdvName() = %q, %v", name, err)
	}
	if _, err := s.PeerData(); err == nil {
		t.Error("PeerData() succeeded for an advertising name")
	}

	if err := s.SetAdvName("a-name-that-is-far-too-long"); !errors.Is(err, ErrTooLong) {
		t.Errorf("SetAdvName() long name error = %v", err)
	}

	peer := []byte{1, 2, 3, 4}
	s.SetPeerData(peer)
	got, err := s.PeerData()
	if err != nil || got[0] != 1 || got[3] != 4 {
		t.Errorf("PeerData() = %v, %v", got, err)
	}

	s.Record().SharedData.Data[5] ^= 0xFF
	if s.SharedDataValid() {
		t.Error("SharedDataValid() = true after corruption")
	}

	if err := s.EraseSharedData(); err != nil {
		t.Fatal(err)
	}
	dev.Flush()
	if rec := readBack(t, dev); !rec.SharedData.Erased() {
		t.Error("shared data not erased in flash")
	}
}

func TestBankCodeString(t *testing.T) {
	tests := []struct {
		code BankCode
		want string
	}{
		{BankInvalid, "invalid"},
		{BankValidApp, "application"},
		{BankValidSoftDevice, "softdevice"},
		{BankValidBootloader, "bootloader"},
		{BankValidSoftDeviceBootloader, "softdevice+bootloader"},
		{BankCode(0x33), "unknown(0x33)"},
	}
	for _, tc := range tests {
		if got := tc.code.String(); got != tc.want {
			t.Errorf("BankCode(%d).String() = %q, want %q", tc.code, got, tc.want)
		}
	}
}
