package dfu

import (
	"crypto/ecdsa"
	"time"

	"github.com/bigbag/secure-dfu/internal/pipeline"
	"github.com/bigbag/secure-dfu/internal/protocol"
	"github.com/bigbag/secure-dfu/internal/settings"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Config holds the engine parameters. Use DefaultConfig and the With*
// options rather than filling it by hand.
type Config struct {
	HwVersion uint32
	PublicKey *ecdsa.PublicKey

	// DebugImages accepts init commands flagged is_debug. Those skip the
	// hardware and firmware version checks but are still signature checked.
	DebugImages bool

	// SoftDeviceCheck requires the installed companion stack to be listed in
	// sd_req, when a stack is installed.
	SoftDeviceCheck bool

	CommandMaxSize uint32
	DataMaxSize    uint32

	Buffers    int
	BufferSize int

	ResetInterval     time.Duration
	InactivityTimeout time.Duration
}

// DefaultConfig returns the stock configuration. PublicKey must still be
// set.
func DefaultConfig() Config {
	return Config{
		HwVersion:         52,
		SoftDeviceCheck:   true,
		CommandMaxSize:    protocol.CommandObjectMaxSize,
		DataMaxSize:       protocol.DataObjectMaxSize,
		Buffers:           pipeline.DefaultSlots,
		BufferSize:        pipeline.DefaultSlotSize,
		ResetInterval:     50 * time.Millisecond,
		InactivityTimeout: 2 * time.Minute,
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig replaces the whole configuration.
func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithLogger sets the logger.
func WithLogger(log *logrus.Entry) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithPublicKey sets the key init commands are verified against.
func WithPublicKey(pub *ecdsa.PublicKey) Option {
	return func(e *Engine) { e.cfg.PublicKey = pub }
}

// WithHwVersion sets the hardware version init commands must match.
func WithHwVersion(v uint32) Option {
	return func(e *Engine) { e.cfg.HwVersion = v }
}

// WithDebugImages enables or disables debug images.
func WithDebugImages(enabled bool) Option {
	return func(e *Engine) { e.cfg.DebugImages = enabled }
}

// WithSoftDeviceCheck enables or disables the sd_req check.
func WithSoftDeviceCheck(enabled bool) Option {
	return func(e *Engine) { e.cfg.SoftDeviceCheck = enabled }
}

// WithBuffers sets the number and size of the staging buffers.
func WithBuffers(n, size int) Option {
	return func(e *Engine) {
		e.cfg.Buffers = n
		e.cfg.BufferSize = size
	}
}

func (c Config) validate(pageSize uint32) error {
	switch {
	case c.PublicKey == nil:
		return errors.New("no public key configured")
	case c.CommandMaxSize == 0 || c.CommandMaxSize > settings.InitCommandMaxSize:
		return errors.Errorf("command object size %d out of range", c.CommandMaxSize)
	case c.DataMaxSize == 0 || c.DataMaxSize%pageSize != 0:
		return errors.Errorf("data object size %d is not a multiple of the %d byte page", c.DataMaxSize, pageSize)
	case c.Buffers < 3 || c.BufferSize <= 0:
		return errors.Errorf("need at least three staging buffers, got %d", c.Buffers)
	case c.Buffers*c.BufferSize <= int(c.DataMaxSize):
		return errors.Errorf("%d buffers of %d bytes cannot hold a %d byte object", c.Buffers, c.BufferSize, c.DataMaxSize)
	}
	return nil
}
