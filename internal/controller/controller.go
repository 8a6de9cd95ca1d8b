// Package controller is the host side of an update: it sends the init
// packet and the firmware image as command and data objects, checks every
// object against the target's CRC and resumes interrupted transfers.
package controller

import (
	"context"
	"fmt"
	"hash/crc32"
	"io"
	"time"

	"github.com/bigbag/secure-dfu/internal/protocol"
	"github.com/bigbag/secure-dfu/internal/slip"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	DefaultChunkSize = 256
	DefaultTimeout   = 5 * time.Second
	DefaultAttempts  = 3

	maxNotification = 64
)

// ErrCRCMismatch is returned when the target reports a different CRC than
// the one computed over the data sent.
var ErrCRCMismatch = errors.New("crc mismatch")

// errRestart means the target state cannot be resumed and the transfer has
// to start over with the init packet.
var errRestart = errors.New("transfer cannot be resumed")

// ResponseError is a request the target rejected.
type ResponseError struct {
	Resp *protocol.Response
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("request rejected: %s", e.Resp.ErrorString())
}

// ProgressCallback is called to report transfer progress in bytes.
type ProgressCallback func(current, total int)

// Controller drives one target over a stream.
type Controller struct {
	conn io.ReadWriter

	prn      uint16
	chunk    int
	timeout  time.Duration
	attempts int
	progress ProgressCallback

	notes   chan *protocol.Response
	done    chan struct{}
	quit    chan struct{}
	readErr error

	log *logrus.Entry
}

// Option configures a Controller.
type Option func(*Controller)

// WithPRN requests a CRC notification every n data writes.
func WithPRN(n uint16) Option {
	return func(c *Controller) { c.prn = n }
}

// WithChunkSize sets the number of bytes per data write. It must not exceed
// the target's staging buffer.
func WithChunkSize(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.chunk = n
		}
	}
}

// WithTimeout sets how long to wait for each response.
func WithTimeout(d time.Duration) Option {
	return func(c *Controller) { c.timeout = d }
}

// WithAttempts sets how many times a transfer is restarted after a CRC
// mismatch.
func WithAttempts(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.attempts = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *logrus.Entry) Option {
	return func(c *Controller) {
		if log != nil {
			c.log = log
		}
	}
}

// New creates a controller and starts reading notifications from conn.
func New(conn io.ReadWriter, opts ...Option) *Controller {
	c := &Controller{
		conn:     conn,
		chunk:    DefaultChunkSize,
		timeout:  DefaultTimeout,
		attempts: DefaultAttempts,
		notes:    make(chan *protocol.Response, 16),
		done:     make(chan struct{}),
		quit:     make(chan struct{}),
		log:      logrus.WithField("component", "controller"),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop()
	return c
}

// SetProgressCallback sets the progress callback function.
func (c *Controller) SetProgressCallback(cb ProgressCallback) {
	c.progress = cb
}

func (c *Controller) reportProgress(current, total int) {
	if c.progress != nil {
		c.progress(current, total)
	}
}

// Close ends the session on the target. The stream itself is left open.
func (c *Controller) Close() error {
	select {
	case <-c.quit:
		return nil
	default:
	}
	close(c.quit)
	return slip.WriteFrame(c.conn, []byte{protocol.ChanDisconnect})
}

func (c *Controller) readLoop() {
	defer close(c.done)
	r := slip.NewReader(c.conn, maxNotification)
	for {
		frame, err := r.Next()
		if errors.Is(err, slip.ErrFrameTooLong) {
			c.log.Warnf("dropping frame: %v", err)
			continue
		}
		if err != nil {
			c.readErr = err
			return
		}
		if frame[0] != protocol.ChanNotification {
			c.log.Warnf("frame on channel 0x%02X ignored", frame[0])
			continue
		}
		resp, err := protocol.DecodeResponse(frame[1:])
		if err != nil {
			c.log.Warnf("bad notification: %v", err)
			continue
		}
		c.log.Debugf("notification %s %s offset=%d crc=0x%08x", resp.Op, resp.Result, resp.Offset, resp.CRC)

		select {
		case c.notes <- resp:
		case <-c.quit:
			return
		}
	}
}

// wait returns the next response to op. Notifications for other op codes
// are skipped.
func (c *Controller) wait(ctx context.Context, op protocol.OpCode) (*protocol.Response, error) {
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	for {
		select {
		case resp := <-c.notes:
			if resp.Op != op {
				c.log.Warnf("unexpected %s response while waiting for %s", resp.Op, op)
				continue
			}
			if !resp.IsSuccess() {
				return resp, &ResponseError{Resp: resp}
			}
			return resp, nil
		case <-c.done:
			return nil, errors.Wrap(c.readErr, "connection lost")
		case <-timer.C:
			return nil, errors.Errorf("timeout waiting for %s response", op)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Controller) request(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	c.log.Debugf("request %s", req.Op)
	if err := slip.WriteFrame(c.conn, append([]byte{protocol.ChanControl}, req.Encode()...)); err != nil {
		return nil, err
	}
	return c.wait(ctx, req.Op)
}

// SetPRN sets the packet receipt notification interval on the target.
func (c *Controller) SetPRN(ctx context.Context, n uint16) error {
	_, err := c.request(ctx, &protocol.Request{Op: protocol.OpSetPRN, PRN: n})
	return err
}

// Select returns the state of an object type on the target.
func (c *Controller) Select(ctx context.Context, obj protocol.ObjectType) (*protocol.Response, error) {
	return c.request(ctx, &protocol.Request{Op: protocol.OpSelect, Object: obj})
}

// Probe checks that a target answers on the stream.
func (c *Controller) Probe(ctx context.Context) (*protocol.Response, error) {
	resp, err := c.Select(ctx, protocol.ObjCommand)
	if err != nil {
		return nil, errors.Wrap(err, "probe")
	}
	return resp, nil
}

// Update transfers a signed init packet and its firmware image. A transfer
// the target already holds part of is resumed.
func (c *Controller) Update(ctx context.Context, initPacket, image []byte) error {
	if len(initPacket) == 0 || len(image) == 0 {
		return errors.New("init packet and image must not be empty")
	}

	for attempt := 1; ; attempt++ {
		err := c.transfer(ctx, initPacket, image, attempt == 1)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrCRCMismatch) && !errors.Is(err, errRestart) {
			return err
		}
		if attempt >= c.attempts {
			return errors.Wrapf(err, "giving up after %d attempts", attempt)
		}
		c.log.Warnf("attempt %d failed: %v, restarting", attempt, err)
	}
}

func (c *Controller) transfer(ctx context.Context, initPacket, image []byte, resume bool) error {
	if err := c.SetPRN(ctx, c.prn); err != nil {
		return errors.Wrap(err, "set packet receipt notification")
	}

	resumed, err := c.sendInitPacket(ctx, initPacket, resume)
	if err != nil {
		return errors.Wrap(err, "init packet")
	}
	return errors.Wrap(c.sendFirmware(ctx, image, resumed), "firmware")
}

func (c *Controller) sendInitPacket(ctx context.Context, data []byte, resume bool) (bool, error) {
	crc := crc32.ChecksumIEEE(data)
	size := uint32(len(data))

	sel, err := c.Select(ctx, protocol.ObjCommand)
	if err != nil {
		return false, err
	}
	if size > sel.MaxSize {
		return false, errors.Errorf("%d bytes exceed the target limit of %d", size, sel.MaxSize)
	}

	if resume && sel.Offset == size && sel.CRC == crc {
		c.log.Info("init packet already on target")
		if _, err := c.request(ctx, &protocol.Request{Op: protocol.OpExecute}); err != nil {
			return false, err
		}
		return true, nil
	}

	if _, err := c.request(ctx, &protocol.Request{Op: protocol.OpCreate, Object: protocol.ObjCommand, Size: size}); err != nil {
		return false, err
	}
	if err := c.writeObject(ctx, data, 0, 0); err != nil {
		return false, err
	}
	if err := c.checkCRC(ctx, size, crc); err != nil {
		return false, err
	}
	_, err = c.request(ctx, &protocol.Request{Op: protocol.OpExecute})
	return false, err
}

func (c *Controller) sendFirmware(ctx context.Context, image []byte, resume bool) error {
	sel, err := c.Select(ctx, protocol.ObjData)
	if err != nil {
		return err
	}
	objMax := sel.MaxSize
	if objMax == 0 {
		return errors.New("target reports a zero data object size")
	}
	size := uint32(len(image))
	off := uint32(0)

	if resume && sel.Offset > 0 {
		if sel.Offset > size || sel.CRC != crc32.ChecksumIEEE(image[:sel.Offset]) {
			return errors.Wrapf(errRestart, "target holds %d bytes that do not match the image", sel.Offset)
		}
		off = sel.Offset
		c.log.Infof("resuming at %d of %d bytes", off, size)

		// the object holding off may still be open or not yet executed
		end := min(off+(objMax-off%objMax)%objMax, size)
		if err := c.writeObject(ctx, image[off:end], off, sel.CRC); err != nil {
			return err
		}
		if err := c.checkCRC(ctx, end, crc32.ChecksumIEEE(image[:end])); err != nil {
			return err
		}
		_, err := c.request(ctx, &protocol.Request{Op: protocol.OpExecute})
		var re *ResponseError
		if errors.As(err, &re) && re.Resp.Result == protocol.ResOperationNotPermitted {
			return errors.Wrap(errRestart, "open data object cannot be completed")
		}
		if err != nil {
			return err
		}
		off = end
		c.reportProgress(int(off), int(size))
	}

	for off < size {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := min(objMax, size-off)
		_, err := c.request(ctx, &protocol.Request{Op: protocol.OpCreate, Object: protocol.ObjData, Size: n})
		var re *ResponseError
		if errors.As(err, &re) && re.Resp.Result == protocol.ResOperationNotPermitted && resume {
			return errors.Wrap(errRestart, "data object still open on target")
		}
		if err != nil {
			return errors.Wrapf(err, "create object at %d", off)
		}

		if err := c.writeObject(ctx, image[off:off+n], off, crc32.ChecksumIEEE(image[:off])); err != nil {
			return err
		}
		if err := c.checkCRC(ctx, off+n, crc32.ChecksumIEEE(image[:off+n])); err != nil {
			return err
		}
		if _, err := c.request(ctx, &protocol.Request{Op: protocol.OpExecute}); err != nil {
			return errors.Wrapf(err, "execute object at %d", off)
		}

		off += n
		c.reportProgress(int(off), int(size))
	}
	return nil
}

// writeObject sends data in chunks on the data channel. base and crc are
// the image offset and CRC before data; they are used to check packet
// receipt notifications.
func (c *Controller) writeObject(ctx context.Context, data []byte, base, crc uint32) error {
	off := base
	count := uint16(0)
	for start := 0; start < len(data); start += c.chunk {
		chunk := data[start:min(start+c.chunk, len(data))]
		if err := slip.WriteFrame(c.conn, append([]byte{protocol.ChanData}, chunk...)); err != nil {
			return err
		}
		off += uint32(len(chunk))
		crc = crc32.Update(crc, crc32.IEEETable, chunk)

		if c.prn == 0 {
			continue
		}
		count++
		if count < c.prn {
			continue
		}
		count = 0
		resp, err := c.wait(ctx, protocol.OpCalcCRC)
		if err != nil {
			return errors.Wrap(err, "packet receipt")
		}
		if resp.Offset != off || resp.CRC != crc {
			return errors.Wrapf(ErrCRCMismatch, "receipt at %d: target %d/0x%08x", off, resp.Offset, resp.CRC)
		}
	}
	return nil
}

func (c *Controller) checkCRC(ctx context.Context, off, crc uint32) error {
	resp, err := c.request(ctx, &protocol.Request{Op: protocol.OpCalcCRC})
	if err != nil {
		return err
	}
	if resp.Offset != off || resp.CRC != crc {
		return errors.Wrapf(ErrCRCMismatch, "expected %d/0x%08x, target %d/0x%08x", off, crc, resp.Offset, resp.CRC)
	}
	return nil
}
