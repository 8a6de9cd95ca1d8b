package flash

import (
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// ErasedByte is the value of every byte in an erased page.
const ErasedByte = 0xFF

var (
	ErrOutOfRange = errors.New("flash access out of range")
	ErrUnaligned  = errors.New("flash address not page aligned")
	ErrQueueFull  = errors.New("flash operation queue full")
)

// Op identifies a flash operation.
type Op int

const (
	OpErase Op = iota
	OpWrite
)

func (o Op) String() string {
	switch o {
	case OpErase:
		return "erase"
	case OpWrite:
		return "write"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

// Result reports the completion of a submitted operation.
type Result struct {
	Op   Op
	Addr uint32
	Len  uint32
	Err  error
}

// Callback receives the completion of an operation. It runs in the context
// that drives the device (see Memory.Process).
type Callback func(Result)

// Device is NOR flash with asynchronous erase and write.
//
// Erase and Write only queue the operation. The buffer passed to Write is
// read when the operation executes, so it must not be modified until the
// callback has run.
type Device interface {
	Size() uint32
	PageSize() uint32
	Read(addr uint32, p []byte) error
	Erase(addr uint32, pages uint32, cb Callback) error
	Write(addr uint32, data []byte, cb Callback) error
	Busy() bool
	// Room returns how many more operations can be queued.
	Room() int
	// Flush blocks until every queued operation has completed.
	Flush() error
}

// AlignUp rounds v up to a multiple of a.
func AlignUp[T constraints.Unsigned](v, a T) T {
	if a == 0 {
		return v
	}
	return (v + a - 1) / a * a
}

// PagesFor returns the number of pages of size page needed to hold n bytes.
func PagesFor[T constraints.Unsigned](n, page T) T {
	if page == 0 {
		return 0
	}
	return (n + page - 1) / page
}

// IsAligned reports whether v is a multiple of a.
func IsAligned[T constraints.Unsigned](v, a T) bool {
	return a != 0 && v%a == 0
}
