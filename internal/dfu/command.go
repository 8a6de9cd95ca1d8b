package dfu

import (
	"hash/crc32"
	"slices"

	"github.com/bigbag/secure-dfu/internal/initcmd"
	"github.com/bigbag/secure-dfu/internal/protocol"
	"github.com/bigbag/secure-dfu/internal/settings"
	"github.com/pkg/errors"
)

func (e *Engine) commandRequest(req *protocol.Request) (*protocol.Response, error) {
	switch req.Op {
	case protocol.OpCreate:
		return e.commandCreate(req.Size)
	case protocol.OpWrite:
		return e.commandWrite(req.Data)
	case protocol.OpCalcCRC:
		p := &e.store.Record().Progress
		return &protocol.Response{Op: req.Op, Result: protocol.ResSuccess, Offset: p.CommandOffset, CRC: p.CommandCRC}, nil
	case protocol.OpSelect:
		p := &e.store.Record().Progress
		return &protocol.Response{
			Op:      req.Op,
			Result:  protocol.ResSuccess,
			MaxSize: e.cfg.CommandMaxSize,
			Offset:  p.CommandOffset,
			CRC:     p.CommandCRC,
		}, nil
	case protocol.OpExecute:
		return nil, e.commandExecute()
	default:
		return nil, fail(protocol.ResOpCodeNotSupported)
	}
}

func (e *Engine) commandCreate(size uint32) (*protocol.Response, error) {
	if size == 0 {
		return nil, fail(protocol.ResInvalidParameter)
	}
	if size > e.cfg.CommandMaxSize {
		e.log.Warnf("init command of %d bytes exceeds %d", size, e.cfg.CommandMaxSize)
		return nil, fail(protocol.ResInsufficientResources)
	}

	e.valid = false
	e.packet = nil
	e.pipe.NextEpoch()

	rec := e.store.Record()
	rec.Progress = settings.Progress{CommandSize: size}
	e.log.Debugf("command object of %d bytes created", size)
	return nil, nil
}

func (e *Engine) commandWrite(data []byte) (*protocol.Response, error) {
	rec := e.store.Record()
	p := &rec.Progress

	if uint64(p.CommandOffset)+uint64(len(data)) > uint64(p.CommandSize) {
		e.log.Warnf("command write of %d bytes overflows object (%d/%d)", len(data), p.CommandOffset, p.CommandSize)
		return nil, fail(protocol.ResInvalidParameter)
	}

	copy(rec.InitCommand[p.CommandOffset:], data)
	p.CommandCRC = crc32.Update(p.CommandCRC, crc32.IEEETable, data)
	p.CommandOffset += uint32(len(data))

	return &protocol.Response{Op: protocol.OpWrite, Result: protocol.ResSuccess, Offset: p.CommandOffset, CRC: p.CommandCRC}, nil
}

func (e *Engine) commandExecute() error {
	rec := e.store.Record()
	p := &rec.Progress

	if p.CommandOffset != p.CommandSize {
		e.log.Warnf("init command incomplete: %d/%d bytes", p.CommandOffset, p.CommandSize)
		return fail(protocol.ResOperationNotPermitted)
	}
	if e.valid {
		e.log.Debug("init command already validated")
		return nil
	}

	pkt, err := initcmd.Decode(rec.InitCommand[:p.CommandSize])
	if err != nil {
		e.log.Warnf("init command rejected: %v", err)
		return fail(protocol.ResInvalidObject)
	}

	addr, err := e.prevalidate(pkt)
	if err != nil {
		return err
	}

	e.packet = pkt
	e.fwAddr = addr
	e.fwSize = pkt.Init().Size()
	p.UpdateStartAddress = addr
	p.FirmwareSize = e.fwSize

	if err := e.store.Write(); err != nil {
		return errors.Wrap(err, "persist init command")
	}
	e.valid = true
	e.log.Infof("accepted %s image of %d bytes at 0x%08x", pkt.Init().Type, e.fwSize, addr)
	return nil
}

// prevalidate checks an init command against the device and returns the
// address its image is written to.
func (e *Engine) prevalidate(pkt *initcmd.Packet) (uint32, error) {
	ic := pkt.Init()
	if ic == nil {
		return 0, extFail(protocol.ExtInitCommandInvalid)
	}

	if ic.IsDebug && !e.cfg.DebugImages {
		e.log.Warn("debug image refused")
		return 0, fail(protocol.ResOperationFailed)
	}
	if !ic.IsDebug {
		if err := e.checkVersions(ic); err != nil {
			return 0, err
		}
	}

	if err := initcmd.Verify(pkt, e.cfg.PublicKey); err != nil {
		e.log.Warnf("init command signature: %v", err)
		switch errors.Cause(err) {
		case initcmd.ErrSignatureMissing:
			return 0, extFail(protocol.ExtSignatureMissing)
		case initcmd.ErrSignatureType:
			return 0, extFail(protocol.ExtWrongSignatureType)
		default:
			return 0, extFail(protocol.ExtVerificationFailed)
		}
	}
	e.log.Info("init command verified")

	switch ic.Type {
	case initcmd.FwApplication:
		if ic.AppSize == 0 {
			return 0, extFail(protocol.ExtInitCommandInvalid)
		}
	case initcmd.FwSoftDevice:
		if ic.SdSize == 0 {
			return 0, extFail(protocol.ExtInitCommandInvalid)
		}
	case initcmd.FwBootloader, initcmd.FwSoftDeviceBootloader:
		if ic.BlSize == 0 || (ic.Type == initcmd.FwSoftDeviceBootloader && ic.SdSize == 0) {
			return 0, extFail(protocol.ExtInitCommandInvalid)
		}
		if ic.BlSize > e.banks.Layout().BootloaderSize() {
			e.log.Warnf("bootloader of %d bytes does not fit its region", ic.BlSize)
			return 0, fail(protocol.ResInsufficientResources)
		}
	default:
		return 0, extFail(protocol.ExtInitCommandInvalid)
	}

	if ic.Hash == nil || ic.Hash.Type != initcmd.HashSHA256 {
		return 0, extFail(protocol.ExtWrongHashType)
	}

	addr, err := e.banks.FindCache(ic.Size())
	if err != nil {
		e.log.Warnf("no room for image: %v", err)
		return 0, extFail(protocol.ExtInsufficientSpace)
	}
	return addr, nil
}

func (e *Engine) checkVersions(ic *initcmd.InitCommand) error {
	if ic.HwVersion == nil {
		e.log.Warn("init command has no hardware version")
		return extFail(protocol.ExtInitCommandInvalid)
	}
	if *ic.HwVersion != e.cfg.HwVersion {
		e.log.Warnf("hardware version %d, expected %d", *ic.HwVersion, e.cfg.HwVersion)
		return extFail(protocol.ExtHwVersionFailure)
	}

	if e.cfg.SoftDeviceCheck {
		if sd, ok := e.banks.CurrentSoftDevice(); ok && !slices.Contains(ic.SdReq, uint32(sd.FWID)) {
			e.log.Warnf("sd_req %v does not list installed stack 0x%04X", ic.SdReq, sd.FWID)
			return extFail(protocol.ExtSdVersionFailure)
		}
	}

	rec := e.store.Record()
	var stored uint32
	switch ic.Type {
	case initcmd.FwApplication:
		stored = rec.AppVersion
	case initcmd.FwBootloader, initcmd.FwSoftDeviceBootloader:
		stored = rec.BootloaderVersion
	case initcmd.FwSoftDevice:
		return nil
	default:
		return extFail(protocol.ExtInitCommandInvalid)
	}

	if ic.FwVersion == nil {
		return extFail(protocol.ExtInitCommandInvalid)
	}
	e.log.Infof("firmware version %d, stored %d", *ic.FwVersion, stored)
	if *ic.FwVersion < stored {
		return extFail(protocol.ExtFwVersionFailure)
	}
	return nil
}
