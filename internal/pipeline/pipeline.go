// Package pipeline stages data object bytes in a ring of buffers and hands
// full buffers to flash.
package pipeline

import (
	"github.com/bigbag/secure-dfu/internal/flash"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	DefaultSlots    = 8
	DefaultSlotSize = 1024
)

var (
	ErrTooLarge = errors.New("write larger than a staging buffer")
	ErrNoBuffer = errors.New("no staging buffer available")
)

type slotState int

const (
	slotFree slotState = iota
	slotFilling
	slotInFlight
)

// Checkpoint is the image position an object started from. It travels with
// every buffer of that object so a failed write can be rolled back.
type Checkpoint struct {
	Offset uint32
	CRC    uint32
}

// Completion reports a finished buffer write.
type Completion struct {
	flash.Result
	Checkpoint Checkpoint
	// Stale is set when the completion belongs to an earlier image.
	Stale bool
}

// Pipeline is a fixed ring of staging buffers. The buffer being filled is
// owned by the pipeline; a submitted buffer is owned by flash until its
// completion returns it to the pool.
type Pipeline struct {
	dev      flash.Device
	slotSize int
	slots    [][]byte
	state    []slotState

	fill int
	pos  int

	addr       uint32
	checkpoint Checkpoint

	inFlight int
	epoch    uint64

	onComplete func(Completion)
	log        *logrus.Entry
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(log *logrus.Entry) Option {
	return func(p *Pipeline) {
		if log != nil {
			p.log = log
		}
	}
}

// New creates a pipeline of n buffers of size bytes writing to dev.
func New(dev flash.Device, n, size int, opts ...Option) *Pipeline {
	if n < 3 || size <= 0 {
		panic("pipeline needs at least three buffers of non-zero size")
	}
	p := &Pipeline{
		dev:      dev,
		slotSize: size,
		slots:    make([][]byte, n),
		state:    make([]slotState, n),
		log:      logrus.WithField("component", "pipeline"),
	}
	for i := range p.slots {
		p.slots[i] = make([]byte, size)
	}
	p.state[0] = slotFilling
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// OnComplete registers the function called after every buffer write
// completes and its buffer has been released.
func (p *Pipeline) OnComplete(fn func(Completion)) { p.onComplete = fn }

func (p *Pipeline) Slots() int    { return len(p.slots) }
func (p *Pipeline) SlotSize() int { return p.slotSize }

// Available returns the number of buffers not owned by flash.
func (p *Pipeline) Available() int { return len(p.slots) - p.inFlight }

// Room returns the number of bytes the pipeline can accept without waiting
// for flash.
func (p *Pipeline) Room() int { return p.Available() * p.slotSize }

// Idle reports whether every submitted buffer has been written.
func (p *Pipeline) Idle() bool { return p.inFlight == 0 }

// Addr returns the flash address of the next byte to be staged.
func (p *Pipeline) Addr() uint32 { return p.addr + uint32(p.pos) }

// Epoch returns the current image generation.
func (p *Pipeline) Epoch() uint64 { return p.epoch }

// NextEpoch starts a new image generation. Completions of buffers
// submitted before the call are reported as stale.
func (p *Pipeline) NextEpoch() uint64 {
	p.epoch++
	return p.epoch
}

// Begin starts staging a new object at addr. Bytes staged but not submitted
// for a previous object are discarded.
func (p *Pipeline) Begin(addr uint32, cp Checkpoint) {
	p.addr = addr
	p.pos = 0
	p.checkpoint = cp
}

// Append stages data. When complete is set the data ends the object and the
// partially filled buffer is submitted too. Append fails without staging
// anything when a new buffer would be needed and none is free.
func (p *Pipeline) Append(data []byte, complete bool) error {
	if len(data) > p.slotSize {
		return errors.Wrapf(ErrTooLarge, "%d bytes", len(data))
	}

	total := p.pos + len(data)
	submits := total / p.slotSize
	if complete && total%p.slotSize != 0 {
		submits++
	}
	for k := 1; k <= submits; k++ {
		if p.state[(p.fill+k)%len(p.slots)] == slotInFlight {
			return ErrNoBuffer
		}
	}

	for copied := 0; copied < len(data); {
		n := copy(p.slots[p.fill][p.pos:], data[copied:])
		p.pos += n
		copied += n

		if p.pos == p.slotSize || (complete && copied == len(data)) {
			if err := p.submit(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Pipeline) next() int { return (p.fill + 1) % len(p.slots) }

func (p *Pipeline) submit() error {
	idx := p.fill
	n := p.pos
	cb := p.completed(idx, p.epoch, p.checkpoint)

	if err := p.dev.Write(p.addr, p.slots[idx][:n], cb); err != nil {
		p.pos = 0
		return errors.Wrapf(err, "store %d bytes at 0x%08x", n, p.addr)
	}
	p.log.Debugf("storing %d bytes at 0x%08x", n, p.addr)

	p.state[idx] = slotInFlight
	p.inFlight++
	p.addr += uint32(n)
	p.pos = 0
	p.fill = p.next()
	p.state[p.fill] = slotFilling
	return nil
}

func (p *Pipeline) completed(idx int, epoch uint64, cp Checkpoint) flash.Callback {
	return func(res flash.Result) {
		p.state[idx] = slotFree
		p.inFlight--

		if p.onComplete != nil {
			p.onComplete(Completion{Result: res, Checkpoint: cp, Stale: epoch != p.epoch})
		}
	}
}
