// Package dfu implements the request handling of the update engine: the
// object dispatcher, the command and data object handlers and the
// post-validation that hands a finished image to the bank manager.
package dfu

import (
	"github.com/bigbag/secure-dfu/internal/bank"
	"github.com/bigbag/secure-dfu/internal/flash"
	"github.com/bigbag/secure-dfu/internal/initcmd"
	"github.com/bigbag/secure-dfu/internal/pipeline"
	"github.com/bigbag/secure-dfu/internal/protocol"
	"github.com/bigbag/secure-dfu/internal/settings"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Responder receives the single response to a request.
type Responder func(*protocol.Response)

// Host is the environment the engine runs in.
type Host interface {
	ResetInactivityTimer()
	Reset()
}

type pendingExecute struct {
	respond Responder
	final   bool
}

// Engine is the update engine. It is not safe for concurrent use; every
// method, flash completions included, must run on the same goroutine (see
// Loop).
type Engine struct {
	cfg   Config
	log   *logrus.Entry
	dev   flash.Device
	store *settings.Store
	banks *bank.Manager
	pipe  *pipeline.Pipeline
	host  Host

	current protocol.ObjectType

	packet *initcmd.Packet
	valid  bool
	fwAddr uint32
	fwSize uint32

	pending *pendingExecute
	ext     protocol.ExtError

	resetArmed    bool
	finalWrite    bool
	finalRespSent bool
}

// New creates an engine. The settings store must already be initialized.
func New(dev flash.Device, store *settings.Store, banks *bank.Manager, host Host, opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg:     DefaultConfig(),
		log:     logrus.WithField("component", "dfu"),
		dev:     dev,
		store:   store,
		banks:   banks,
		host:    host,
		current: protocol.ObjCommand,
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.cfg.validate(dev.PageSize()); err != nil {
		return nil, errors.Wrap(err, "invalid engine config")
	}

	e.pipe = pipeline.New(dev, e.cfg.Buffers, e.cfg.BufferSize,
		pipeline.WithLogger(e.log.WithField("component", "pipeline")))
	e.pipe.OnComplete(e.written)
	return e, nil
}

// Config returns the active configuration.
func (e *Engine) Config() Config { return e.cfg }

// Pipeline exposes the staging pipeline, mostly for inspection.
func (e *Engine) Pipeline() *pipeline.Pipeline { return e.pipe }

// Valid reports whether a validated init command is present.
func (e *Engine) Valid() bool { return e.valid }

// Pending reports whether an execute response is waiting on flash.
func (e *Engine) Pending() bool { return e.pending != nil }

// ResetArmed reports whether post-validation has armed the reset timer.
func (e *Engine) ResetArmed() bool { return e.resetArmed }

// Boot restores an interrupted transfer from the settings record. A command
// that was validated before power loss is trusted again without rerunning
// the prevalidation; a data object that was never executed is dropped.
func (e *Engine) Boot() error {
	rec := e.store.Record()
	p := &rec.Progress

	if rec.TransportActivated == 0 {
		rec.TransportActivated = 1
		if err := e.store.Write(); err != nil {
			return errors.Wrap(err, "persist transport activation")
		}
	}

	if p.CommandSize == 0 || p.CommandOffset != p.CommandSize || p.FirmwareSize == 0 {
		return nil
	}
	if p.CommandSize > settings.InitCommandMaxSize {
		e.log.Warnf("stored command size %d out of range, ignoring", p.CommandSize)
		return nil
	}
	pkt, err := initcmd.Decode(rec.InitCommand[:p.CommandSize])
	if err != nil {
		e.log.Warnf("stored init command unusable: %v", err)
		return nil
	}

	e.packet = pkt
	e.valid = true
	e.fwAddr = p.UpdateStartAddress
	e.fwSize = p.FirmwareSize

	p.DataObjectSize = 0
	p.FirmwareImageOffset = p.FirmwareImageOffsetLast
	p.FirmwareImageCRC = p.FirmwareImageCRCLast

	e.log.Infof("resuming %s transfer at %d/%d bytes", pkt.Init().Type, p.FirmwareImageOffsetLast, e.fwSize)
	return nil
}

// Handle processes one request. respond is called exactly once, either
// before Handle returns or later from a flash completion.
func (e *Engine) Handle(req *protocol.Request, respond Responder) {
	e.log.Debugf("request %s object=%s size=%d len=%d", req.Op, req.Object, req.Size, len(req.Data))

	if e.pending != nil {
		e.log.Warn("post-validation pending, rejecting request")
		e.finish(respond, req.Op, nil, fail(protocol.ResOperationNotPermitted))
		return
	}

	switch req.Op {
	case protocol.OpCreate, protocol.OpSelect:
		if !req.Object.Valid() {
			e.log.Warnf("invalid object type %s", req.Object)
			e.finish(respond, req.Op, nil, fail(protocol.ResInvalidObject))
			return
		}
		e.current = req.Object
	}

	switch req.Op {
	case protocol.OpCreate, protocol.OpExecute:
		e.host.ResetInactivityTimer()
	}

	var (
		resp *protocol.Response
		err  error
	)
	switch e.current {
	case protocol.ObjCommand:
		resp, err = e.commandRequest(req)
	case protocol.ObjData:
		resp, err = e.dataRequest(req, respond)
	default:
		e.log.Errorf("dispatch to unknown object type %s", e.current)
		e.host.Reset()
		return
	}

	if errors.Is(err, errDeferred) {
		return
	}
	e.finish(respond, req.Op, resp, err)
}

// finish turns a handler outcome into the response. The extended error is
// kept until a response carries it out.
func (e *Engine) finish(respond Responder, op protocol.OpCode, resp *protocol.Response, err error) {
	if err != nil {
		resp = &protocol.Response{Op: op, Result: e.result(op, err)}
		if op == protocol.OpWrite {
			resp.Offset, resp.CRC = e.position()
		}
	}
	if resp == nil {
		resp = &protocol.Response{Op: op, Result: protocol.ResSuccess}
	}
	if resp.Result == protocol.ResExtError {
		resp.Ext = e.ext
		e.ext = protocol.ExtNoError
	}
	if !resp.IsSuccess() {
		e.log.Warnf("%s rejected: %s", op, resp.ErrorString())
	}
	respond(resp)
}

// position returns the offset and CRC of the selected object.
func (e *Engine) position() (uint32, uint32) {
	p := &e.store.Record().Progress
	if e.current == protocol.ObjData {
		return p.FirmwareImageOffset, p.FirmwareImageCRC
	}
	return p.CommandOffset, p.CommandCRC
}

func (e *Engine) result(op protocol.OpCode, err error) protocol.Result {
	var de *Error
	if errors.As(err, &de) {
		if de.Code == protocol.ResExtError {
			e.ext = de.Ext
		}
		return de.Code
	}
	e.log.Errorf("%s failed: %v", op, err)
	return protocol.ResOperationFailed
}

// ResponseSent tells the engine the transport delivered a response. Once
// the final settings write has started this allows the reset to proceed.
func (e *Engine) ResponseSent() {
	if e.finalWrite {
		e.log.Debug("final response sent")
		e.finalRespSent = true
	}
}

// PollReset resets the device when the reset timer is armed, flash is idle
// and the final response has been sent. It is called periodically.
func (e *Engine) PollReset() bool {
	if !e.resetArmed {
		return false
	}
	if e.dev.Busy() {
		e.log.Info("waiting until all flash operations are completed")
		return false
	}
	if !e.finalRespSent {
		e.log.Info("waiting until the response is sent")
		return false
	}
	e.log.Info("update complete, resetting")
	e.resetArmed = false
	e.host.Reset()
	return true
}
