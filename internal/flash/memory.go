package flash

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DefaultQueueDepth is the number of operations that may be queued at once.
const DefaultQueueDepth = 32

type pending struct {
	op   Op
	addr uint32
	n    uint32
	data []byte
	cb   Callback
}

type fault struct {
	op  Op
	err error
}

// Memory is a simulated flash device. Operations are queued and executed
// in submission order when Process or Flush is called. Writes can only
// clear bits, like real NOR flash.
type Memory struct {
	data     []byte
	pageSize uint32
	depth    int

	queue []pending

	// injected failures
	rejects []fault
	fails   []fault

	backing io.WriterAt
	closer  io.Closer

	log *logrus.Entry
}

// Option configures a Memory device.
type Option func(*Memory)

// WithQueueDepth limits the number of queued operations.
func WithQueueDepth(depth int) Option {
	return func(m *Memory) {
		if depth > 0 {
			m.depth = depth
		}
	}
}

// WithLogger sets the logger used for operation traces.
func WithLogger(log *logrus.Entry) Option {
	return func(m *Memory) {
		if log != nil {
			m.log = log
		}
	}
}

// NewMemory creates an erased flash device of size bytes.
func NewMemory(size, pageSize uint32, opts ...Option) *Memory {
	if pageSize == 0 || size%pageSize != 0 {
		panic("flash size must be a multiple of the page size")
	}

	m := &Memory{
		data:     make([]byte, size),
		pageSize: pageSize,
		depth:    DefaultQueueDepth,
		log:      logrus.WithField("component", "flash"),
	}
	for i := range m.data {
		m.data[i] = ErasedByte
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OpenFile creates a Memory device persisted to path. An existing image is
// loaded; a missing one is created erased. Every completed operation is
// written through to the file.
func OpenFile(path string, size, pageSize uint32, opts ...Option) (*Memory, error) {
	m := NewMemory(size, pageSize, opts...)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open flash image %s", path)
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "stat flash image")
	}

	if st.Size() == 0 {
		if _, err := f.WriteAt(m.data, 0); err != nil {
			f.Close()
			return nil, errors.Wrap(err, "initialize flash image")
		}
	} else {
		if st.Size() != int64(size) {
			f.Close()
			return nil, errors.Errorf("flash image %s is %d bytes, expected %d", path, st.Size(), size)
		}
		if _, err := f.ReadAt(m.data, 0); err != nil {
			f.Close()
			return nil, errors.Wrap(err, "load flash image")
		}
	}

	m.backing = f
	m.closer = f
	return m, nil
}

// Close releases the backing file, if any.
func (m *Memory) Close() error {
	if m.closer != nil {
		return m.closer.Close()
	}
	return nil
}

func (m *Memory) Size() uint32     { return uint32(len(m.data)) }
func (m *Memory) PageSize() uint32 { return m.pageSize }

// Busy reports whether operations are queued.
func (m *Memory) Busy() bool { return len(m.queue) > 0 }

// Pending returns the number of queued operations.
func (m *Memory) Pending() int { return len(m.queue) }

func (m *Memory) Room() int { return m.depth - len(m.queue) }

// Bytes exposes the raw content. Tests use it to corrupt or inspect flash.
func (m *Memory) Bytes() []byte { return m.data }

func (m *Memory) check(addr, n uint32) error {
	if uint64(addr)+uint64(n) > uint64(len(m.data)) {
		return errors.Wrapf(ErrOutOfRange, "addr=0x%08x len=0x%x", addr, n)
	}
	return nil
}

// Read copies flash content at addr into p. Reads are synchronous.
func (m *Memory) Read(addr uint32, p []byte) error {
	if err := m.check(addr, uint32(len(p))); err != nil {
		return err
	}
	copy(p, m.data[addr:])
	return nil
}

// Erase queues erasure of pages starting at the page aligned addr.
func (m *Memory) Erase(addr uint32, pages uint32, cb Callback) error {
	if !IsAligned(addr, m.pageSize) {
		return errors.Wrapf(ErrUnaligned, "erase at 0x%08x", addr)
	}
	return m.submit(pending{op: OpErase, addr: addr, n: pages * m.pageSize, cb: cb})
}

// Write queues a write of data at addr.
func (m *Memory) Write(addr uint32, data []byte, cb Callback) error {
	return m.submit(pending{op: OpWrite, addr: addr, n: uint32(len(data)), data: data, cb: cb})
}

func (m *Memory) submit(p pending) error {
	if err := m.check(p.addr, p.n); err != nil {
		return err
	}
	if err := m.takeFault(&m.rejects, p.op); err != nil {
		m.log.Warnf("%s rejected at 0x%08x: %v", p.op, p.addr, err)
		return err
	}
	if len(m.queue) >= m.depth {
		return ErrQueueFull
	}
	m.queue = append(m.queue, p)
	return nil
}

// RejectNext makes the next submission of op fail with err.
func (m *Memory) RejectNext(op Op, err error) {
	m.rejects = append(m.rejects, fault{op: op, err: err})
}

// FailNext makes the next executed op complete with err without touching
// the flash content.
func (m *Memory) FailNext(op Op, err error) {
	m.fails = append(m.fails, fault{op: op, err: err})
}

func (m *Memory) takeFault(list *[]fault, op Op) error {
	for i, f := range *list {
		if f.op == op {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return f.err
		}
	}
	return nil
}

// Process executes up to n queued operations in order, or all of them when
// n <= 0, including operations queued by callbacks. It returns the number
// of operations executed.
func (m *Memory) Process(n int) int {
	done := 0
	for len(m.queue) > 0 && (n <= 0 || done < n) {
		p := m.queue[0]
		m.queue = m.queue[1:]

		res := Result{Op: p.op, Addr: p.addr, Len: p.n}
		res.Err = m.takeFault(&m.fails, p.op)
		if res.Err == nil {
			res.Err = m.execute(p)
		}
		if res.Err != nil {
			m.log.Errorf("flash %s failed: addr=0x%08x len=0x%x: %v", p.op, p.addr, p.n, res.Err)
		} else {
			m.log.Debugf("flash %s: addr=0x%08x len=0x%x", p.op, p.addr, p.n)
		}

		done++
		if p.cb != nil {
			p.cb(res)
		}
	}
	return done
}

// Flush executes every queued operation.
func (m *Memory) Flush() error {
	m.Process(0)
	return nil
}

func (m *Memory) execute(p pending) error {
	region := m.data[p.addr : p.addr+p.n]
	switch p.op {
	case OpErase:
		for i := range region {
			region[i] = ErasedByte
		}
	case OpWrite:
		for i, b := range p.data {
			region[i] &= b
		}
	}

	if m.backing != nil {
		if _, err := m.backing.WriteAt(region, int64(p.addr)); err != nil {
			return errors.Wrap(err, "write through to flash image")
		}
	}
	return nil
}
