// Package transport connects the update engine to a byte stream. Link keeps
// the per-connection state (session token and packet receipt notifications)
// and Server carries channel-tagged SLIP frames over a serial port or any
// other io.ReadWriter.
package transport

import (
	"github.com/bigbag/secure-dfu/internal/dfu"
	"github.com/bigbag/secure-dfu/internal/protocol"
	"github.com/sirupsen/logrus"
)

// Handler processes requests. *dfu.Engine implements it.
type Handler interface {
	Handle(req *protocol.Request, respond dfu.Responder)
	ResponseSent()
}

// SendFunc transmits payload on channel ch.
type SendFunc func(ch byte, payload []byte) error

// Link is the device side of one connection. Like the engine it must only
// be used from the loop goroutine.
type Link struct {
	h    Handler
	send SendFunc

	token     uint32
	prn       uint16
	prnCount  uint16
	connected bool

	log *logrus.Entry
}

// LinkOption configures a Link.
type LinkOption func(*Link)

// WithLinkLogger sets the logger.
func WithLinkLogger(log *logrus.Entry) LinkOption {
	return func(l *Link) {
		if log != nil {
			l.log = log
		}
	}
}

// NewLink creates a connected link.
func NewLink(h Handler, send SendFunc, opts ...LinkOption) *Link {
	l := &Link{
		h:         h,
		send:      send,
		connected: true,
		log:       logrus.WithField("component", "link"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Token returns the current session token.
func (l *Link) Token() uint32 { return l.token }

// PRN returns the packet receipt notification interval, 0 when disabled.
func (l *Link) PRN() uint16 { return l.prn }

// Receive dispatches a frame by its channel byte.
func (l *Link) Receive(frame []byte) {
	if len(frame) == 0 {
		l.log.Warn("empty frame")
		return
	}
	switch frame[0] {
	case protocol.ChanControl:
		l.Control(frame[1:])
	case protocol.ChanData:
		l.Data(frame[1:])
	case protocol.ChanDisconnect:
		l.Disconnect()
	default:
		l.log.Warnf("frame on unknown channel 0x%02X", frame[0])
	}
}

// Control handles a control point write.
func (l *Link) Control(data []byte) {
	l.connect()

	req, res := protocol.ParseControl(data)
	if res != protocol.ResSuccess {
		l.log.Warnf("invalid control frame % x: %s", data, res)
		l.notify(l.token, &protocol.Response{Op: req.Op, Result: res})
		return
	}
	l.log.Debugf("control %s", req.Op)

	switch req.Op {
	case protocol.OpSetPRN:
		l.prn = req.PRN
		l.prnCount = 0
		l.log.Infof("packet receipt notification every %d writes", l.prn)
		l.notify(l.token, &protocol.Response{Op: req.Op, Result: protocol.ResSuccess})
		return
	case protocol.OpCreate:
		l.prnCount = 0
	}

	token := l.token
	l.h.Handle(req, func(resp *protocol.Response) { l.notify(token, resp) })
}

// Data handles a data channel write. Write responses are not transmitted;
// they only drive packet receipt notifications.
func (l *Link) Data(data []byte) {
	l.connect()

	token := l.token
	l.h.Handle(protocol.WriteRequest(data), func(resp *protocol.Response) {
		if !resp.IsSuccess() {
			l.log.Warnf("data write failed: %s", resp.ErrorString())
		}
		if l.prn == 0 {
			return
		}
		l.prnCount++
		if l.prnCount < l.prn {
			return
		}
		l.prnCount = 0
		// sent for failed writes too so the host can see where the
		// object stands
		l.notify(token, &protocol.Response{
			Op:     protocol.OpCalcCRC,
			Result: protocol.ResSuccess,
			Offset: resp.Offset,
			CRC:    resp.CRC,
		})
	})
}

// Disconnect ends the session. Responses still owed to it are dropped.
func (l *Link) Disconnect() {
	if !l.connected {
		return
	}
	l.connected = false
	l.token++
	l.prn, l.prnCount = 0, 0
	l.log.Info("disconnected")
}

func (l *Link) connect() {
	if !l.connected {
		l.connected = true
		l.log.Info("connected")
	}
}

func (l *Link) notify(token uint32, resp *protocol.Response) {
	if token != l.token || !l.connected {
		l.log.Debugf("dropping %s response of a closed session", resp.Op)
		return
	}
	if err := l.send(protocol.ChanNotification, resp.Encode()); err != nil {
		l.log.Errorf("send %s response: %v", resp.Op, err)
		l.token++
		l.connected = false
		return
	}
	l.h.ResponseSent()
}
