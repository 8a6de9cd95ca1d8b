package dfu

import (
	"bytes"
	"crypto/sha256"
	"hash/crc32"

	"github.com/bigbag/secure-dfu/internal/bank"
	"github.com/bigbag/secure-dfu/internal/flash"
	"github.com/bigbag/secure-dfu/internal/initcmd"
	"github.com/bigbag/secure-dfu/internal/pipeline"
	"github.com/bigbag/secure-dfu/internal/protocol"
	"github.com/bigbag/secure-dfu/internal/settings"
	"github.com/pkg/errors"
)

func (e *Engine) dataRequest(req *protocol.Request, respond Responder) (*protocol.Response, error) {
	if !e.valid {
		e.log.Warn("no valid init command")
		return nil, fail(protocol.ResOperationNotPermitted)
	}

	p := &e.store.Record().Progress
	switch req.Op {
	case protocol.OpCreate:
		return nil, e.dataCreate(req.Size)
	case protocol.OpWrite:
		return e.dataWrite(req.Data)
	case protocol.OpCalcCRC:
		return &protocol.Response{Op: req.Op, Result: protocol.ResSuccess, Offset: p.FirmwareImageOffset, CRC: p.FirmwareImageCRC}, nil
	case protocol.OpSelect:
		return &protocol.Response{
			Op:      req.Op,
			Result:  protocol.ResSuccess,
			MaxSize: e.cfg.DataMaxSize,
			Offset:  p.FirmwareImageOffset,
			CRC:     p.FirmwareImageCRC,
		}, nil
	case protocol.OpExecute:
		return e.dataExecute(respond)
	default:
		return nil, fail(protocol.ResOpCodeNotSupported)
	}
}

func (e *Engine) dataCreate(size uint32) error {
	p := &e.store.Record().Progress
	page := e.dev.PageSize()

	switch {
	case p.DataObjectSize != 0:
		e.log.Warnf("data object of %d bytes was never executed", p.DataObjectSize)
		return fail(protocol.ResOperationNotPermitted)
	case size == 0:
		return fail(protocol.ResInvalidParameter)
	case size > e.cfg.DataMaxSize:
		return fail(protocol.ResInsufficientResources)
	case !flash.IsAligned(size, page) && p.FirmwareImageOffsetLast+size != e.fwSize:
		e.log.Warnf("unaligned data object of %d bytes is not the last one", size)
		return fail(protocol.ResInvalidParameter)
	case p.FirmwareImageOffsetLast+size > e.fwSize:
		e.log.Warnf("data object of %d bytes at %d runs past the %d byte image", size, p.FirmwareImageOffsetLast, e.fwSize)
		return fail(protocol.ResOperationNotPermitted)
	}

	cp := pipeline.Checkpoint{Offset: p.FirmwareImageOffsetLast, CRC: p.FirmwareImageCRCLast}
	addr := e.fwAddr + cp.Offset
	epoch := e.pipe.Epoch()

	if err := e.dev.Erase(addr, flash.PagesFor(size, page), func(res flash.Result) {
		if res.Err != nil {
			e.flashFailed(epoch, cp, res.Err)
		}
	}); err != nil {
		return errors.Wrapf(err, "erase object at 0x%08x", addr)
	}

	p.DataObjectSize = size
	p.FirmwareImageOffset = cp.Offset
	p.FirmwareImageCRC = cp.CRC
	e.store.Record().WriteOffset = cp.Offset
	e.pipe.Begin(addr, cp)

	e.log.Debugf("data object of %d bytes at 0x%08x", size, addr)
	return nil
}

func (e *Engine) dataWrite(data []byte) (*protocol.Response, error) {
	p := &e.store.Record().Progress

	if len(data) > e.pipe.SlotSize() {
		return nil, fail(protocol.ResInsufficientResources)
	}
	written := p.FirmwareImageOffset - p.FirmwareImageOffsetLast
	if uint64(written)+uint64(len(data)) > uint64(p.DataObjectSize) {
		e.log.Warnf("data write of %d bytes overflows object (%d/%d)", len(data), written, p.DataObjectSize)
		return nil, fail(protocol.ResInvalidParameter)
	}

	complete := written+uint32(len(data)) == p.DataObjectSize
	if err := e.pipe.Append(data, complete); err != nil {
		e.log.Warnf("data write dropped: %v", err)
		e.abortObject()
		return nil, fail(protocol.ResOperationFailed)
	}

	p.FirmwareImageCRC = crc32.Update(p.FirmwareImageCRC, crc32.IEEETable, data)
	p.FirmwareImageOffset += uint32(len(data))

	return &protocol.Response{
		Op:     protocol.OpWrite,
		Result: protocol.ResSuccess,
		Offset: p.FirmwareImageOffset,
		CRC:    p.FirmwareImageCRC,
	}, nil
}

// abortObject drops the current data object and returns to the last
// executed checkpoint.
func (e *Engine) abortObject() {
	p := &e.store.Record().Progress
	p.FirmwareImageOffset = p.FirmwareImageOffsetLast
	p.FirmwareImageCRC = p.FirmwareImageCRCLast
	p.DataObjectSize = 0
}

func (e *Engine) dataExecute(respond Responder) (*protocol.Response, error) {
	p := &e.store.Record().Progress

	if p.FirmwareImageOffset-p.FirmwareImageOffsetLast != p.DataObjectSize {
		e.log.Warnf("data object incomplete: %d/%d bytes", p.FirmwareImageOffset-p.FirmwareImageOffsetLast, p.DataObjectSize)
		return nil, fail(protocol.ResOperationNotPermitted)
	}

	p.DataObjectSize = 0
	p.FirmwareImageOffsetLast = p.FirmwareImageOffset
	p.FirmwareImageCRCLast = p.FirmwareImageCRC
	if err := e.store.Write(); err != nil {
		return nil, errors.Wrap(err, "persist checkpoint")
	}

	if p.FirmwareImageOffset == e.fwSize {
		if e.pipe.Idle() {
			return e.postvalidate(), nil
		}
		e.log.Debug("image complete, waiting for flash before post-validation")
		e.pending = &pendingExecute{respond: respond, final: true}
		return nil, errDeferred
	}

	if e.pipe.Room() >= int(e.cfg.DataMaxSize) {
		return nil, nil
	}
	e.log.Debug("waiting for staging buffers")
	e.pending = &pendingExecute{respond: respond}
	return nil, errDeferred
}

// written runs for every completed buffer write.
func (e *Engine) written(c pipeline.Completion) {
	if c.Err != nil {
		if c.Stale {
			e.log.Warnf("write for an abandoned image failed: %v", c.Err)
		} else {
			e.flashFailed(e.pipe.Epoch(), c.Checkpoint, c.Err)
		}
		return
	}

	if e.pending == nil {
		return
	}
	pe := e.pending
	switch {
	case pe.final && e.pipe.Idle():
		e.pending = nil
		e.finish(pe.respond, protocol.OpExecute, e.postvalidate(), nil)
	case !pe.final && e.pipe.Room() >= int(e.cfg.DataMaxSize):
		e.pending = nil
		e.finish(pe.respond, protocol.OpExecute, nil, nil)
	}
}

// flashFailed rolls progress back to the start of the object a failed
// flash operation belonged to.
func (e *Engine) flashFailed(epoch uint64, cp pipeline.Checkpoint, cause error) {
	if epoch != e.pipe.Epoch() {
		e.log.Warnf("flash failure for an abandoned image: %v", cause)
		return
	}
	e.log.Errorf("flash write failed: %v", cause)

	rec := e.store.Record()
	p := &rec.Progress
	if cp.Offset <= p.FirmwareImageOffsetLast {
		e.log.Warnf("rolling back from %d to %d", p.FirmwareImageOffsetLast, cp.Offset)
		p.FirmwareImageOffset = cp.Offset
		p.FirmwareImageOffsetLast = cp.Offset
		p.FirmwareImageCRC = cp.CRC
		p.FirmwareImageCRCLast = cp.CRC
		p.DataObjectSize = 0
		rec.WriteOffset = cp.Offset
		if err := e.store.Write(); err != nil {
			e.log.Errorf("persist rollback: %v", err)
		}
	}

	if pe := e.pending; pe != nil {
		e.pending = nil
		e.finish(pe.respond, protocol.OpExecute, nil, fail(protocol.ResOperationFailed))
	}
}

// postvalidate checks the finished image and records the outcome in the
// bank. It always ends the update: progress and the stored command are
// cleared and the reset timer is armed.
func (e *Engine) postvalidate() *protocol.Response {
	rec := e.store.Record()
	ic := e.packet.Init()

	err := e.checkImage(ic)
	if err == nil {
		code := bankCode(ic.Type)
		e.banks.Commit(code, e.fwSize, rec.Progress.FirmwareImageCRC)
		switch ic.Type {
		case initcmd.FwSoftDevice, initcmd.FwSoftDeviceBootloader:
			rec.SDSize = ic.SdSize
		}
		if !ic.IsDebug {
			switch ic.Type {
			case initcmd.FwApplication:
				rec.AppVersion = *ic.FwVersion
			case initcmd.FwBootloader, initcmd.FwSoftDeviceBootloader:
				rec.BootloaderVersion = *ic.FwVersion
			}
		}
		e.log.Infof("%s image validated (crc 0x%08x)", ic.Type, rec.Progress.FirmwareImageCRC)
	} else {
		e.log.Warnf("post-validation failed: %v", err)
		e.banks.Discard()
	}

	rec.ClearProgress()
	e.valid = false
	e.packet = nil

	e.finalWrite = true
	if werr := e.store.Write(); werr != nil && err == nil {
		err = errors.Wrap(werr, "persist post-validation")
	}
	e.resetArmed = true
	e.log.Debug("reset timer armed")

	resp := &protocol.Response{Op: protocol.OpExecute, Result: protocol.ResSuccess}
	if err != nil {
		resp.Result = e.result(protocol.OpExecute, err)
	}
	return resp
}

func (e *Engine) checkImage(ic *initcmd.InitCommand) error {
	if ic.Hash == nil || ic.Hash.Type != initcmd.HashSHA256 {
		return extFail(protocol.ExtWrongHashType)
	}

	h := sha256.New()
	buf := make([]byte, e.dev.PageSize())
	for off := uint32(0); off < e.fwSize; {
		n := min(uint32(len(buf)), e.fwSize-off)
		if err := e.dev.Read(e.fwAddr+off, buf[:n]); err != nil {
			return errors.Wrap(err, "read image")
		}
		h.Write(buf[:n])
		off += n
	}
	if !bytes.Equal(h.Sum(nil), ic.Hash.Hash) {
		return extFail(protocol.ExtVerificationFailed)
	}

	switch ic.Type {
	case initcmd.FwSoftDevice, initcmd.FwSoftDeviceBootloader:
		cur, _ := e.banks.CurrentSoftDevice()
		next, _ := bank.ReadSoftDeviceInfo(e.dev, e.fwAddr)
		if cur.Compatible(next) {
			break
		}
		e.log.Infof("new stack %d (%d bytes) incompatible with current %d (%d bytes)",
			next.Version, next.Size, cur.Version, cur.Size)
		if ic.Type == initcmd.FwSoftDevice {
			return fail(protocol.ResInvalidObject)
		}
		e.banks.InvalidateApp()
	}
	return nil
}

func bankCode(t initcmd.FwType) settings.BankCode {
	switch t {
	case initcmd.FwSoftDevice:
		return settings.BankValidSoftDevice
	case initcmd.FwBootloader:
		return settings.BankValidBootloader
	case initcmd.FwSoftDeviceBootloader:
		return settings.BankValidSoftDeviceBootloader
	default:
		return settings.BankValidApp
	}
}
