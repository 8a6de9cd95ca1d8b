// Package serial wraps go.bug.st/serial for the SLIP link. Reads block until
// data arrives, so a Port can feed a stream decoder directly.
package serial

import (
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// pollInterval bounds how long Close waits for a blocked Read.
const pollInterval = 100 * time.Millisecond

// ErrClosed is returned by Read and Write after Close.
var ErrClosed = errors.New("serial port closed")

// Port is an open serial port.
type Port struct {
	port     serial.Port
	portName string
	baudRate int
	closed   atomic.Bool
}

// Open opens a serial port in 8N1 mode at the specified baud rate.
func Open(portName string, baudRate int) (*Port, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, errors.Wrapf(err, "open port %s", portName)
	}
	if err := port.SetReadTimeout(pollInterval); err != nil {
		port.Close()
		return nil, errors.Wrap(err, "set read timeout")
	}

	return &Port{port: port, portName: portName, baudRate: baudRate}, nil
}

// Close closes the serial port. A Read blocked in another goroutine returns
// ErrClosed.
func (p *Port) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return p.port.Close()
}

// Write writes data and waits until it has been transmitted.
func (p *Port) Write(data []byte) (int, error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}
	n, err := p.port.Write(data)
	if err != nil {
		return n, errors.Wrapf(err, "write %s", p.portName)
	}
	return n, errors.Wrap(p.port.Drain(), "drain")
}

// Read blocks until at least one byte is available.
func (p *Port) Read(buf []byte) (int, error) {
	for {
		if p.closed.Load() {
			return 0, ErrClosed
		}
		n, err := p.port.Read(buf)
		if err != nil {
			if p.closed.Load() {
				return 0, ErrClosed
			}
			return n, errors.Wrapf(err, "read %s", p.portName)
		}
		if n > 0 {
			return n, nil
		}
	}
}

// Flush discards any buffered input.
func (p *Port) Flush() error {
	return p.port.ResetInputBuffer()
}

// PortName returns the port name.
func (p *Port) PortName() string {
	return p.portName
}

// BaudRate returns the current baud rate.
func (p *Port) BaudRate() int {
	return p.baudRate
}

// Info describes a port found on the system.
type Info struct {
	Name    string
	USB     bool
	VID     string
	PID     string
	Serial  string
	Product string
}

// ListPorts returns the available serial ports.
func ListPorts() ([]Info, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, errors.Wrap(err, "enumerate ports")
	}
	ports := make([]Info, 0, len(details))
	for _, d := range details {
		ports = append(ports, Info{
			Name:    d.Name,
			USB:     d.IsUSB,
			VID:     d.VID,
			PID:     d.PID,
			Serial:  d.SerialNumber,
			Product: d.Product,
		})
	}
	return ports, nil
}
