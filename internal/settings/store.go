package settings

import (
	"github.com/bigbag/secure-dfu/internal/flash"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// PoolSize is the number of record copies that may be in flight to flash.
// It must be a power of two.
const PoolSize = 16

var (
	ErrPoolExhausted = errors.New("settings buffer pool exhausted")
	ErrSharedData    = errors.New("no valid shared data")
	ErrTooLong       = errors.New("shared data too long")
)

// Store owns the settings record and its flash page.
type Store struct {
	dev  flash.Device
	addr uint32
	rec  Record

	pool    [PoolSize][]byte
	writeID int
	readID  int

	log *logrus.Entry
}

// NewStore creates a store for the settings page at addr. Call Init before
// use.
func NewStore(dev flash.Device, addr uint32, log *logrus.Entry) *Store {
	if log == nil {
		log = logrus.WithField("component", "settings")
	}
	s := &Store{
		dev:  dev,
		addr: addr,
		rec:  Defaults(),
		log:  log,
	}
	for i := range s.pool {
		s.pool[i] = make([]byte, RecordSize)
	}
	return s
}

// Addr returns the address of the settings page.
func (s *Store) Addr() uint32 { return s.addr }

// Record returns the in-memory working copy. Changes are not durable until
// Write is called.
func (s *Store) Record() *Record { return &s.rec }

// Pending returns the number of record writes not yet completed.
func (s *Store) Pending() int {
	return (s.writeID - s.readID) & (PoolSize - 1)
}

// Init loads the record from flash. A record with a wrong version or CRC is
// replaced by defaults, which are written and flushed before Init returns.
func (s *Store) Init() error {
	raw := make([]byte, RecordSize)
	if err := s.dev.Read(s.addr, raw); err != nil {
		return errors.Wrap(err, "read settings page")
	}

	rec, err := Decode(raw)
	if err == nil && rec.Valid() {
		s.rec = rec
		s.log.Debugf("loaded settings: bank_current=%d app_version=%d", rec.BankCurrent, rec.AppVersion)
		return nil
	}

	s.log.Warn("settings invalid, resetting to defaults")
	s.rec = Defaults()
	if err := s.Write(); err != nil {
		return err
	}
	return errors.Wrap(s.dev.Flush(), "flush default settings")
}

// Write persists the working copy. The page is erased and the record is
// written asynchronously from a pool copy, so the caller may keep changing
// the working copy right away.
func (s *Store) Write() error {
	next := (s.writeID + 1) & (PoolSize - 1)
	if next == s.readID {
		return ErrPoolExhausted
	}

	// an erase queued without its write would leave the page blank
	if s.dev.Room() < 2 {
		return errors.Wrap(flash.ErrQueueFull, "write settings page")
	}

	s.rec.CRC = s.rec.ComputeCRC()

	if err := s.dev.Erase(s.addr, 1, nil); err != nil {
		return errors.Wrap(err, "erase settings page")
	}

	buf := s.pool[s.writeID]
	copy(buf, s.rec.Bytes())
	if err := s.dev.Write(s.addr, buf, s.written); err != nil {
		return errors.Wrap(err, "write settings page")
	}
	s.writeID = next
	return nil
}

func (s *Store) written(res flash.Result) {
	s.readID = (s.readID + 1) & (PoolSize - 1)
	if res.Err != nil {
		s.log.Errorf("settings write failed: %v", res.Err)
	}
}

// SharedDataValid reports whether the shared data CRC matches.
func (s *Store) SharedDataValid() bool {
	return s.rec.SharedData.Valid()
}

// EraseSharedData resets the shared data to the erased pattern and persists
// the record. It is a no-op when the data is already erased.
func (s *Store) EraseSharedData() error {
	if s.rec.SharedData.Erased() {
		return nil
	}
	d := &s.rec.SharedData
	d.CRC = erasedWord
	d.Kind = SharedKind(erasedWord)
	for i := range d.Data {
		d.Data[i] = 0xFF
	}
	return s.Write()
}

// SetPeerData stores bonding data for the transport.
func (s *Store) SetPeerData(data []byte) error {
	if len(data) > SharedDataSize {
		return errors.Wrapf(ErrTooLong, "peer data is %d bytes", len(data))
	}
	s.setShared(SharedPeerData, data)
	return s.Write()
}

// SetAdvName stores the advertising name for the transport.
func (s *Store) SetAdvName(name string) error {
	if len(name) > MaxAdvNameLength {
		return errors.Wrapf(ErrTooLong, "advertising name is %d bytes", len(name))
	}
	payload := append([]byte{byte(len(name))}, name...)
	s.setShared(SharedAdvName, payload)
	return s.Write()
}

func (s *Store) setShared(kind SharedKind, payload []byte) {
	d := &s.rec.SharedData
	d.Kind = kind
	d.Data = [SharedDataSize]byte{}
	copy(d.Data[:], payload)
	d.CRC = d.computeCRC()
}

// PeerData returns the stored bonding data.
func (s *Store) PeerData() ([]byte, error) {
	d := &s.rec.SharedData
	if !d.Valid() || d.Kind != SharedPeerData {
		return nil, ErrSharedData
	}
	out := make([]byte, SharedDataSize)
	copy(out, d.Data[:])
	return out, nil
}

// AdvName returns the stored advertising name.
func (s *Store) AdvName() (string, error) {
	d := &s.rec.SharedData
	if !d.Valid() || d.Kind != SharedAdvName {
		return "", ErrSharedData
	}
	n := int(d.Data[0])
	if n > MaxAdvNameLength {
		return "", ErrSharedData
	}
	return string(d.Data[1 : 1+n]), nil
}
