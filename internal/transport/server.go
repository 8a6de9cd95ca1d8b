package transport

import (
	"context"
	"io"
	"sync"

	"github.com/bigbag/secure-dfu/internal/dfu"
	"github.com/bigbag/secure-dfu/internal/protocol"
	"github.com/bigbag/secure-dfu/internal/slip"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// MaxFrameSize is the largest frame accepted: a channel byte followed by a
// full data object.
const MaxFrameSize = 1 + protocol.DataObjectMaxSize

// Server carries frames between a stream and the engine. The stream is read
// for the whole lifetime of the connection while engine sessions come and
// go with device resets.
type Server struct {
	conn   io.ReadWriter
	frames chan []byte
	wmu    sync.Mutex
	log    *logrus.Entry
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the logger.
func WithServerLogger(log *logrus.Entry) ServerOption {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// NewServer creates a server on conn.
func NewServer(conn io.ReadWriter, opts ...ServerOption) *Server {
	s := &Server{
		conn:   conn,
		frames: make(chan []byte, 16),
		log:    logrus.WithField("component", "server"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Listen reads frames until the stream fails or ctx is done. Oversized
// frames are dropped.
func (s *Server) Listen(ctx context.Context) error {
	r := slip.NewReader(s.conn, MaxFrameSize)
	for {
		frame, err := r.Next()
		if errors.Is(err, slip.ErrFrameTooLong) {
			s.log.Warnf("dropping frame: %v", err)
			continue
		}
		if err != nil {
			return errors.Wrap(err, "read frame")
		}

		buf := append([]byte(nil), frame...)
		select {
		case s.frames <- buf:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Send writes payload as a frame on channel ch.
func (s *Server) Send(ch byte, payload []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return slip.WriteFrame(s.conn, append([]byte{ch}, payload...))
}

// Serve runs one engine session: frames received by Listen are handed to
// the loop until it stops. The loop error is returned, dfu.ErrReset after a
// completed update.
func (s *Server) Serve(ctx context.Context, loop *dfu.Loop, e *dfu.Engine) error {
	link := NewLink(e, s.Send, WithLinkLogger(s.log.WithField("component", "link")))

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case frame := <-s.frames:
				if err := loop.Post(sctx, func() { link.Receive(frame) }); err != nil {
					return
				}
			case <-sctx.Done():
				return
			}
		}
	}()

	err := loop.Run(sctx, e)
	cancel()
	wg.Wait()
	return err
}
