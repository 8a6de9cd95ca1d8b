// Package detect finds serial ports with a target waiting for an update.
package detect

import (
	"context"
	"io"
	"time"

	"github.com/bigbag/secure-dfu/internal/controller"
	"github.com/bigbag/secure-dfu/internal/serial"
	"github.com/pkg/errors"
)

// DefaultTimeout is how long a port is given to answer the probe.
const DefaultTimeout = 500 * time.Millisecond

// Result represents a detected target.
type Result struct {
	Port    string
	Product string

	// CommandMaxSize is the largest init packet the target accepts.
	CommandMaxSize uint32

	// CommandOffset is non-zero when an init packet is already stored.
	CommandOffset uint32
}

// Opener opens a port by name. serial.Open is used by default.
type Opener func(name string, baud int) (io.ReadWriteCloser, error)

func openSerial(name string, baud int) (io.ReadWriteCloser, error) {
	return serial.Open(name, baud)
}

// Detector probes ports.
type Detector struct {
	Baud    int
	Timeout time.Duration
	Open    Opener
}

// New returns a detector using real serial ports.
func New(baud int) *Detector {
	return &Detector{Baud: baud, Timeout: DefaultTimeout, Open: openSerial}
}

// DetectDevice returns the first port with a target.
func (d *Detector) DetectDevice(ctx context.Context) (*Result, error) {
	ports, err := serial.ListPorts()
	if err != nil {
		return nil, errors.Wrap(err, "list ports")
	}
	if len(ports) == 0 {
		return nil, errors.New("no serial ports found")
	}

	var lastErr error
	for _, p := range ports {
		result, err := d.DetectOnPort(ctx, p.Name)
		if err != nil {
			lastErr = err
			continue
		}
		result.Product = p.Product
		return result, nil
	}
	return nil, errors.Wrap(lastErr, "no target found")
}

// ListDevices scans all ports and returns every target found.
func (d *Detector) ListDevices(ctx context.Context) ([]Result, error) {
	ports, err := serial.ListPorts()
	if err != nil {
		return nil, errors.Wrap(err, "list ports")
	}

	var results []Result
	for _, p := range ports {
		result, err := d.DetectOnPort(ctx, p.Name)
		if err == nil {
			result.Product = p.Product
			results = append(results, *result)
		}
	}
	return results, nil
}

// DetectOnPort probes a single port.
func (d *Detector) DetectOnPort(ctx context.Context, name string) (*Result, error) {
	conn, err := d.Open(name, d.Baud)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	return Probe(ctx, conn, name, d.Timeout)
}

// Probe asks the target on conn for its command object state. The session
// is closed afterwards so the target does not wait for the rest of an
// update.
func Probe(ctx context.Context, conn io.ReadWriter, name string, timeout time.Duration) (*Result, error) {
	c := controller.New(conn, controller.WithTimeout(timeout))
	defer c.Close()

	resp, err := c.Probe(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "port %s", name)
	}
	return &Result{
		Port:           name,
		CommandMaxSize: resp.MaxSize,
		CommandOffset:  resp.Offset,
	}, nil
}
