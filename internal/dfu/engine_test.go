package dfu

import (
	"bytes"
	"crypto/ecdsa"
	"hash/crc32"
	"testing"

	"github.com/bigbag/secure-dfu/internal/bank"
	"github.com/bigbag/secure-dfu/internal/flash"
	"github.com/bigbag/secure-dfu/internal/initcmd"
	"github.com/bigbag/secure-dfu/internal/protocol"
	"github.com/bigbag/secure-dfu/internal/settings"
	"github.com/pkg/errors"
)

type fakeHost struct {
	inactivity int
	resets     int
}

func (h *fakeHost) ResetInactivityTimer() { h.inactivity++ }
func (h *fakeHost) Reset()                { h.resets++ }

type harness struct {
	t      *testing.T
	layout bank.Layout
	mem    *flash.Memory
	store  *settings.Store
	banks  *bank.Manager
	host   *fakeHost
	loop   *Loop
	key    *ecdsa.PrivateKey
	opts   []Option
	e      *Engine
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	key, err := initcmd.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	layout := bank.DefaultLayout()
	h := &harness{
		t:      t,
		layout: layout,
		mem:    flash.NewMemory(layout.FlashSize, layout.PageSize, flash.WithQueueDepth(256)),
		host:   &fakeHost{},
		key:    key,
		opts:   opts,
	}
	h.reboot()
	return h
}

// reboot drains flash and rebuilds every component from its content.
func (h *harness) reboot() {
	h.t.Helper()
	h.mem.Flush()
	h.store = settings.NewStore(h.mem, h.layout.SettingsPage, nil)
	if err := h.store.Init(); err != nil {
		h.t.Fatalf("settings init: %v", err)
	}
	h.banks = bank.NewManager(h.layout, h.mem, h.store, nil)

	var host Host = h.host
	if h.loop != nil {
		host = h.loop
	}
	opts := append([]Option{WithPublicKey(&h.key.PublicKey)}, h.opts...)
	e, err := New(h.mem, h.store, h.banks, host, opts...)
	if err != nil {
		h.t.Fatalf("New() error = %v", err)
	}
	if err := e.Boot(); err != nil {
		h.t.Fatalf("Boot() error = %v", err)
	}
	h.e = e
}

// do sends a request and returns its response, or nil when deferred.
func (h *harness) do(req *protocol.Request) *protocol.Response {
	h.t.Helper()
	var got *protocol.Response
	h.e.Handle(req, func(r *protocol.Response) {
		if got != nil {
			h.t.Errorf("second response to %s", req.Op)
		}
		got = r
	})
	return got
}

func (h *harness) ok(req *protocol.Request) *protocol.Response {
	h.t.Helper()
	resp := h.do(req)
	if resp == nil {
		h.t.Fatalf("%s: response deferred", req.Op)
	}
	if !resp.IsSuccess() {
		h.t.Fatalf("%s: %s", req.Op, resp.ErrorString())
	}
	return resp
}

func create(obj protocol.ObjectType, size int) *protocol.Request {
	return &protocol.Request{Op: protocol.OpCreate, Object: obj, Size: uint32(size)}
}

func selectObj(obj protocol.ObjectType) *protocol.Request {
	return &protocol.Request{Op: protocol.OpSelect, Object: obj}
}

var (
	execute = &protocol.Request{Op: protocol.OpExecute}
	calcCRC = &protocol.Request{Op: protocol.OpCalcCRC}
)

func (h *harness) writeChunks(data []byte, chunk int) {
	h.t.Helper()
	for off := 0; off < len(data); off += chunk {
		h.ok(protocol.WriteRequest(data[off:min(off+chunk, len(data))]))
	}
}

func (h *harness) sendCommand(raw []byte) *protocol.Response {
	h.t.Helper()
	h.ok(create(protocol.ObjCommand, len(raw)))
	h.writeChunks(raw, 20)
	return h.do(execute)
}

// sendImage transfers img from byte offset from on and returns the response
// to the last Execute. Flash is drained before every Execute.
func (h *harness) sendImage(img []byte, from int) *protocol.Response {
	h.t.Helper()
	var last *protocol.Response
	for off := from; off < len(img); off += protocol.DataObjectMaxSize {
		obj := img[off:min(off+protocol.DataObjectMaxSize, len(img))]
		h.ok(create(protocol.ObjData, len(obj)))
		h.writeChunks(obj, 244)
		h.mem.Flush()
		last = h.do(execute)
		if off+len(obj) < len(img) && (last == nil || !last.IsSuccess()) {
			h.t.Fatalf("execute at %d: %+v", off, last)
		}
	}
	return last
}

func (h *harness) packet(ic *initcmd.InitCommand) []byte {
	h.t.Helper()
	pkt, err := initcmd.Sign(&initcmd.Command{OpCode: initcmd.OpInit, Init: ic}, h.key)
	if err != nil {
		h.t.Fatal(err)
	}
	return initcmd.Encode(pkt)
}

func (h *harness) update(img []byte, version uint32) *protocol.Response {
	h.t.Helper()
	if resp := h.sendCommand(h.packet(appInit(h.t, img, version))); !resp.IsSuccess() {
		h.t.Fatalf("init command: %s", resp.ErrorString())
	}
	return h.sendImage(img, 0)
}

func appInit(t *testing.T, img []byte, version uint32) *initcmd.InitCommand {
	t.Helper()
	cmd, err := initcmd.Build(initcmd.Manifest{Type: initcmd.FwApplication, FwVersion: version, HwVersion: 52}, img)
	if err != nil {
		t.Fatal(err)
	}
	return cmd.Init
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7) ^ seed
	}
	return b
}

func expect(t *testing.T, resp *protocol.Response, res protocol.Result, ext protocol.ExtError) {
	t.Helper()
	if resp == nil {
		t.Fatal("no response")
	}
	if resp.Result != res || (res == protocol.ResExtError && resp.Ext != ext) {
		t.Fatalf("response = %s/%s, want %s/%s", resp.Result, resp.Ext, res, ext)
	}
}

func TestEngine_CRCIndependentOfChunking(t *testing.T) {
	img := pattern(2*protocol.DataObjectMaxSize, 0x5A)
	want := crc32.ChecksumIEEE(img)

	for _, chunk := range []int{1, 20, 244, 1000, 1024} {
		h := newHarness(t)
		expect(t, h.sendCommand(h.packet(appInit(t, img, 1))), protocol.ResSuccess, 0)

		for off := 0; off < len(img); off += protocol.DataObjectMaxSize {
			h.ok(create(protocol.ObjData, protocol.DataObjectMaxSize))
			h.writeChunks(img[off:off+protocol.DataObjectMaxSize], chunk)
			if off == 0 {
				h.mem.Flush()
				h.ok(execute)
			}
		}

		resp := h.ok(calcCRC)
		if resp.Offset != uint32(len(img)) || resp.CRC != want {
			t.Errorf("chunk %d: crc = (%d, 0x%08x), want (%d, 0x%08x)", chunk, resp.Offset, resp.CRC, len(img), want)
		}
	}
}

func TestEngine_CommandExecuteIdempotent(t *testing.T) {
	h := newHarness(t)
	img := pattern(5000, 1)
	raw := h.packet(appInit(t, img, 1))

	expect(t, h.sendCommand(raw), protocol.ResSuccess, 0)
	if !h.e.Valid() {
		t.Fatal("command not valid after execute")
	}

	// a second execute must not decode or verify again
	h.store.Record().InitCommand[0] ^= 0xFF
	expect(t, h.do(execute), protocol.ResSuccess, 0)
	if !h.e.Valid() {
		t.Error("command lost validity")
	}
}

func TestEngine_FirmwareDowngradeRejected(t *testing.T) {
	h := newHarness(t)
	h.store.Record().AppVersion = 5
	img := pattern(3000, 2)

	for _, v := range []uint32{0, 1, 4} {
		expect(t, h.sendCommand(h.packet(appInit(t, img, v))), protocol.ResExtError, protocol.ExtFwVersionFailure)
		if h.e.Valid() {
			t.Fatalf("version %d accepted", v)
		}
	}
	expect(t, h.sendCommand(h.packet(appInit(t, img, 5))), protocol.ResSuccess, 0)
}

func TestEngine_OverflowDoesNotAdvance(t *testing.T) {
	h := newHarness(t)

	h.ok(create(protocol.ObjCommand, 10))
	h.ok(protocol.WriteRequest(make([]byte, 8)))
	before := h.ok(calcCRC)
	expect(t, h.do(protocol.WriteRequest(make([]byte, 3))), protocol.ResInvalidParameter, 0)
	if after := h.ok(calcCRC); *after != *before {
		t.Errorf("command progress moved: %+v -> %+v", before, after)
	}

	img := pattern(protocol.DataObjectMaxSize, 3)
	expect(t, h.sendCommand(h.packet(appInit(t, img, 1))), protocol.ResSuccess, 0)
	h.ok(create(protocol.ObjData, len(img)))
	h.writeChunks(img[:4090], 409)
	before = h.ok(calcCRC)
	expect(t, h.do(protocol.WriteRequest(make([]byte, 10))), protocol.ResInvalidParameter, 0)
	if after := h.ok(calcCRC); *after != *before {
		t.Errorf("data progress moved: %+v -> %+v", before, after)
	}
}

func TestEngine_FailedWriteReportsPosition(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *harness)
	}{
		{"command object", func(h *harness) {
			h.ok(create(protocol.ObjCommand, 10))
			h.ok(protocol.WriteRequest(make([]byte, 8)))
		}},
		{"data object", func(h *harness) {
			img := pattern(protocol.DataObjectMaxSize, 5)
			expect(h.t, h.sendCommand(h.packet(appInit(h.t, img, 1))), protocol.ResSuccess, 0)
			h.ok(create(protocol.ObjData, len(img)))
			h.writeChunks(img[:4090], 409)
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			tc.setup(h)
			want := h.ok(calcCRC)

			resp := h.do(protocol.WriteRequest(make([]byte, 11)))
			expect(t, resp, protocol.ResInvalidParameter, 0)
			if resp.Offset != want.Offset || resp.CRC != want.CRC {
				t.Errorf("failed write at (%d, 0x%08x), want (%d, 0x%08x)", resp.Offset, resp.CRC, want.Offset, want.CRC)
			}
		})
	}
}

func TestEngine_FlashFailureRollsBack(t *testing.T) {
	tests := []struct {
		name          string
		executeFirst  bool
		wantExecuteOK bool
	}{
		{"before execute", false, false},
		{"after execute", true, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			img := pattern(3*protocol.DataObjectMaxSize, 4)
			expect(t, h.sendCommand(h.packet(appInit(t, img, 1))), protocol.ResSuccess, 0)

			h.ok(create(protocol.ObjData, protocol.DataObjectMaxSize))
			h.writeChunks(img[:protocol.DataObjectMaxSize], 512)
			h.mem.Flush()
			h.ok(execute)
			h.mem.Flush()
			checkpoint := *h.ok(calcCRC)

			h.ok(create(protocol.ObjData, protocol.DataObjectMaxSize))
			h.writeChunks(img[protocol.DataObjectMaxSize:2*protocol.DataObjectMaxSize], 512)
			if tc.executeFirst {
				expect(t, h.do(execute), protocol.ResSuccess, 0)
			}

			h.mem.FailNext(flash.OpWrite, errors.New("program failed"))
			h.mem.Flush()

			got := h.ok(calcCRC)
			if got.Offset != checkpoint.Offset || got.CRC != checkpoint.CRC {
				t.Fatalf("progress = (%d, 0x%08x), want (%d, 0x%08x)", got.Offset, got.CRC, checkpoint.Offset, checkpoint.CRC)
			}

			durable, err := settings.Decode(h.mem.Bytes()[h.layout.SettingsPage:])
			if err != nil {
				t.Fatal(err)
			}
			if durable.Progress.FirmwareImageOffsetLast != checkpoint.Offset || durable.Progress.DataObjectSize != 0 {
				t.Errorf("durable progress = %+v", durable.Progress)
			}

			// the object can be sent again
			resp := h.sendImage(img, protocol.DataObjectMaxSize)
			expect(t, resp, protocol.ResSuccess, 0)
			if h.store.Record().Bank0.Code != settings.BankValidApp {
				t.Errorf("bank 0 = %s after retry", h.store.Record().Bank0.Code)
			}
		})
	}
}

func TestEngine_DataObjectScenario(t *testing.T) {
	h := newHarness(t)
	img := pattern(2*protocol.DataObjectMaxSize, 5)
	expect(t, h.sendCommand(h.packet(appInit(t, img, 1))), protocol.ResSuccess, 0)

	obj := img[:protocol.DataObjectMaxSize]
	want := crc32.ChecksumIEEE(obj)

	h.ok(create(protocol.ObjData, len(obj)))
	h.writeChunks(obj, 20)

	resp := h.ok(calcCRC)
	if resp.Offset != 4096 || resp.CRC != want {
		t.Fatalf("crc = (%d, 0x%08x), want (4096, 0x%08x)", resp.Offset, resp.CRC, want)
	}

	h.ok(execute)
	p := h.store.Record().Progress
	if p.FirmwareImageOffsetLast != 4096 || p.FirmwareImageCRCLast != want {
		t.Errorf("checkpoint = (%d, 0x%08x)", p.FirmwareImageOffsetLast, p.FirmwareImageCRCLast)
	}
}

func TestEngine_TamperedSignatureRejected(t *testing.T) {
	h := newHarness(t)
	rec := h.store.Record()
	rec.AppVersion = 3
	before := *rec

	raw := h.packet(appInit(t, pattern(6000, 6), 4))
	raw[len(raw)-10] ^= 0x01

	expect(t, h.sendCommand(raw), protocol.ResExtError, protocol.ExtVerificationFailed)

	rec = h.store.Record()
	if rec.Bank0 != before.Bank0 || rec.Bank1 != before.Bank1 || rec.BankCurrent != before.BankCurrent {
		t.Errorf("banks changed: %+v %+v current %d", rec.Bank0, rec.Bank1, rec.BankCurrent)
	}
	if rec.AppVersion != 3 {
		t.Errorf("AppVersion = %d", rec.AppVersion)
	}
	expect(t, h.do(selectObj(protocol.ObjData)), protocol.ResOperationNotPermitted, 0)
}

func TestEngine_DualBankSequentialUpdates(t *testing.T) {
	h := newHarness(t)

	first := pattern(10000, 7)
	expect(t, h.update(first, 1), protocol.ResSuccess, 0)
	rec := h.store.Record()
	if rec.Bank0.Code != settings.BankValidApp || rec.BankCurrent != settings.CurrentBank0 {
		t.Fatalf("after first update: bank0=%s current=%d", rec.Bank0.Code, rec.BankCurrent)
	}

	h.reboot()
	second := pattern(8000, 8)
	expect(t, h.sendCommand(h.packet(appInit(t, second, 2))), protocol.ResSuccess, 0)

	rec = h.store.Record()
	if rec.BankCurrent != settings.CurrentBank1 {
		t.Fatalf("second update goes to bank %d", rec.BankCurrent)
	}
	if rec.Bank0.Code != settings.BankValidApp {
		t.Fatal("bank 0 invalidated before the new image was validated")
	}

	h.ok(create(protocol.ObjData, protocol.DataObjectMaxSize))
	h.writeChunks(second[:protocol.DataObjectMaxSize], 244)
	h.ok(execute)
	if rec.Bank0.Code != settings.BankValidApp {
		t.Fatal("bank 0 invalidated during transfer")
	}

	h.mem.Flush()
	expect(t, h.sendImage(second, protocol.DataObjectMaxSize), protocol.ResSuccess, 0)
	if rec.Bank0.Code != settings.BankInvalid || rec.Bank1.Code != settings.BankValidApp {
		t.Fatalf("after post-validation: bank0=%s bank1=%s", rec.Bank0.Code, rec.Bank1.Code)
	}
	if rec.AppVersion != 2 {
		t.Errorf("AppVersion = %d", rec.AppVersion)
	}

	h.mem.Flush()
	activated, err := h.banks.Activate()
	if err != nil || !activated {
		t.Fatalf("Activate() = %v, %v", activated, err)
	}
	if !h.banks.AppValid() {
		t.Error("activated application is not valid")
	}
	start := h.banks.AppStart()
	if !bytes.Equal(h.mem.Bytes()[start:start+uint32(len(second))], second) {
		t.Error("bank 0 does not hold the second image")
	}
}

func TestEngine_Prevalidation(t *testing.T) {
	img := pattern(5000, 9)

	tests := []struct {
		name   string
		mutate func(*initcmd.InitCommand)
		packet func(*initcmd.Packet)
		res    protocol.Result
		ext    protocol.ExtError
	}{
		{name: "no hardware version", mutate: func(c *initcmd.InitCommand) { c.HwVersion = nil }, res: protocol.ResExtError, ext: protocol.ExtInitCommandInvalid},
		{name: "hardware mismatch", mutate: func(c *initcmd.InitCommand) { c.HwVersion = initcmd.Uint32(99) }, res: protocol.ResExtError, ext: protocol.ExtHwVersionFailure},
		{name: "no firmware version", mutate: func(c *initcmd.InitCommand) { c.FwVersion = nil }, res: protocol.ResExtError, ext: protocol.ExtInitCommandInvalid},
		{name: "unknown type", mutate: func(c *initcmd.InitCommand) { c.Type = 7 }, res: protocol.ResExtError, ext: protocol.ExtInitCommandInvalid},
		{name: "debug image", mutate: func(c *initcmd.InitCommand) { c.IsDebug = true }, res: protocol.ResOperationFailed},
		{name: "unsigned", packet: func(p *initcmd.Packet) {
			p.Command, p.SignedCommand = &p.SignedCommand.Command, nil
		}, res: protocol.ResExtError, ext: protocol.ExtSignatureMissing},
		{name: "wrong signature type", packet: func(p *initcmd.Packet) {
			p.SignedCommand.SignatureType = initcmd.SignatureED25519
		}, res: protocol.ResExtError, ext: protocol.ExtWrongSignatureType},
		{name: "short signature", packet: func(p *initcmd.Packet) {
			p.SignedCommand.Signature = p.SignedCommand.Signature[:60]
		}, res: protocol.ResExtError, ext: protocol.ExtVerificationFailed},
		{name: "no size", mutate: func(c *initcmd.InitCommand) { c.AppSize = 0 }, res: protocol.ResExtError, ext: protocol.ExtInitCommandInvalid},
		{name: "wrong hash type", mutate: func(c *initcmd.InitCommand) { c.Hash.Type = initcmd.HashSHA512 }, res: protocol.ResExtError, ext: protocol.ExtWrongHashType},
		{name: "no room", mutate: func(c *initcmd.InitCommand) { c.AppSize = 400000 }, res: protocol.ResExtError, ext: protocol.ExtInsufficientSpace},
		{name: "bootloader too large", mutate: func(c *initcmd.InitCommand) {
			c.Type = initcmd.FwBootloader
			c.BlSize, c.AppSize = 0x10000, 0
		}, res: protocol.ResInsufficientResources},
		{name: "combined without stack", mutate: func(c *initcmd.InitCommand) {
			c.Type = initcmd.FwSoftDeviceBootloader
			c.BlSize, c.AppSize = 0x1000, 0
		}, res: protocol.ResExtError, ext: protocol.ExtInitCommandInvalid},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			ic := appInit(t, img, 1)
			if tc.mutate != nil {
				tc.mutate(ic)
			}
			pkt, err := initcmd.Sign(&initcmd.Command{OpCode: initcmd.OpInit, Init: ic}, h.key)
			if err != nil {
				t.Fatal(err)
			}
			if tc.packet != nil {
				tc.packet(pkt)
			}

			expect(t, h.sendCommand(initcmd.Encode(pkt)), tc.res, tc.ext)
			if h.e.Valid() {
				t.Error("command marked valid")
			}
		})
	}
}

func TestEngine_ExtErrorClearedAfterResponse(t *testing.T) {
	h := newHarness(t)
	ic := appInit(t, pattern(100, 1), 1)
	ic.HwVersion = initcmd.Uint32(1)

	expect(t, h.sendCommand(h.packet(ic)), protocol.ResExtError, protocol.ExtHwVersionFailure)
	if h.e.ext != protocol.ExtNoError {
		t.Errorf("ext = %s after response", h.e.ext)
	}
}

func installStack(t *testing.T, h *harness, info bank.SoftDeviceInfo) {
	t.Helper()
	if err := h.mem.Write(h.layout.MBRSize+bank.SoftDeviceInfoOffset, bank.EncodeSoftDeviceInfo(info), nil); err != nil {
		t.Fatal(err)
	}
	h.mem.Flush()
}

func TestEngine_SoftDevice(t *testing.T) {
	installed := bank.SoftDeviceInfo{Size: 151552, FWID: 0xAF, Version: 6001000}

	stackImage := func(info bank.SoftDeviceInfo) []byte {
		img := pattern(3*protocol.DataObjectMaxSize, 0x33)
		copy(img[bank.SoftDeviceInfoOffset:], bank.EncodeSoftDeviceInfo(info))
		return img
	}

	t.Run("sd_req must list installed stack", func(t *testing.T) {
		h := newHarness(t)
		installStack(t, h, installed)

		ic := appInit(t, pattern(100, 1), 1)
		ic.SdReq = []uint32{0x10, 0x20}
		expect(t, h.sendCommand(h.packet(ic)), protocol.ResExtError, protocol.ExtSdVersionFailure)

		ic.SdReq = []uint32{0x10, 0xAF}
		expect(t, h.sendCommand(h.packet(ic)), protocol.ResSuccess, 0)
	})

	tests := []struct {
		name     string
		next     bank.SoftDeviceInfo
		res      protocol.Result
		wantBank settings.BankCode
	}{
		{"compatible", bank.SoftDeviceInfo{Size: 151552, FWID: 0xB0, Version: 6001500}, protocol.ResSuccess, settings.BankValidSoftDevice},
		{"new major", bank.SoftDeviceInfo{Size: 151552, FWID: 0xB0, Version: 7000000}, protocol.ResInvalidObject, settings.BankInvalid},
		{"new size", bank.SoftDeviceInfo{Size: 155648, FWID: 0xB0, Version: 6001000}, protocol.ResInvalidObject, settings.BankInvalid},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			installStack(t, h, installed)

			img := stackImage(tc.next)
			cmd, err := initcmd.Build(initcmd.Manifest{Type: initcmd.FwSoftDevice, HwVersion: 52, SdReq: []uint32{0xAF}}, img)
			if err != nil {
				t.Fatal(err)
			}
			expect(t, h.sendCommand(h.packet(cmd.Init)), protocol.ResSuccess, 0)
			expect(t, h.sendImage(img, 0), tc.res, 0)

			rec := h.store.Record()
			if rec.Bank0.Code != tc.wantBank {
				t.Errorf("bank 0 = %s, want %s", rec.Bank0.Code, tc.wantBank)
			}
			if tc.res == protocol.ResSuccess && rec.SDSize != uint32(len(img)) {
				t.Errorf("SDSize = %d", rec.SDSize)
			}
		})
	}
}

func TestEngine_DebugImages(t *testing.T) {
	h := newHarness(t, WithDebugImages(true))
	h.store.Record().AppVersion = 5

	img := pattern(6000, 0x44)
	ic := appInit(t, img, 1)
	ic.IsDebug = true
	ic.HwVersion = initcmd.Uint32(99)

	expect(t, h.sendCommand(h.packet(ic)), protocol.ResSuccess, 0)
	expect(t, h.sendImage(img, 0), protocol.ResSuccess, 0)

	rec := h.store.Record()
	if rec.Bank0.Code != settings.BankValidApp {
		t.Errorf("bank 0 = %s", rec.Bank0.Code)
	}
	if rec.AppVersion != 5 {
		t.Errorf("AppVersion = %d after debug image, want 5", rec.AppVersion)
	}

	// the signature is still checked
	h.reboot()
	raw := h.packet(ic)
	raw[len(raw)-1] ^= 0x80
	expect(t, h.sendCommand(raw), protocol.ResExtError, protocol.ExtVerificationFailed)
}

func TestEngine_Dispatcher(t *testing.T) {
	h := newHarness(t)

	expect(t, h.do(create(protocol.ObjectType(3), 10)), protocol.ResInvalidObject, 0)
	expect(t, h.do(selectObj(protocol.ObjInvalid)), protocol.ResInvalidObject, 0)
	if h.e.current != protocol.ObjCommand {
		t.Errorf("current object = %s", h.e.current)
	}

	expect(t, h.do(&protocol.Request{Op: protocol.OpSetPRN, PRN: 4}), protocol.ResOpCodeNotSupported, 0)
	expect(t, h.do(selectObj(protocol.ObjData)), protocol.ResOperationNotPermitted, 0)
	expect(t, h.do(create(protocol.ObjData, 4096)), protocol.ResOperationNotPermitted, 0)

	resp := h.ok(selectObj(protocol.ObjCommand))
	if resp.MaxSize != protocol.CommandObjectMaxSize {
		t.Errorf("command max size = %d", resp.MaxSize)
	}
	expect(t, h.do(create(protocol.ObjCommand, 0)), protocol.ResInvalidParameter, 0)
	expect(t, h.do(create(protocol.ObjCommand, 513)), protocol.ResInsufficientResources, 0)

	h.host.inactivity = 0
	h.ok(create(protocol.ObjCommand, 10))
	expect(t, h.do(execute), protocol.ResOperationNotPermitted, 0)
	h.do(calcCRC)
	h.do(selectObj(protocol.ObjCommand))
	if h.host.inactivity != 2 {
		t.Errorf("inactivity timer reset %d times, want 2", h.host.inactivity)
	}
}

func TestEngine_DataCreateRules(t *testing.T) {
	h := newHarness(t)
	img := pattern(10000, 0x11)
	expect(t, h.sendCommand(h.packet(appInit(t, img, 1))), protocol.ResSuccess, 0)

	expect(t, h.do(create(protocol.ObjData, 0)), protocol.ResInvalidParameter, 0)
	expect(t, h.do(create(protocol.ObjData, 8192)), protocol.ResInsufficientResources, 0)
	expect(t, h.do(create(protocol.ObjData, 1000)), protocol.ResInvalidParameter, 0)

	h.ok(create(protocol.ObjData, 4096))
	expect(t, h.do(create(protocol.ObjData, 4096)), protocol.ResOperationNotPermitted, 0)
	expect(t, h.do(protocol.WriteRequest(make([]byte, 1025))), protocol.ResInsufficientResources, 0)
	expect(t, h.do(execute), protocol.ResOperationNotPermitted, 0)

	h.writeChunks(img[:4096], 1024)
	h.mem.Flush()
	h.ok(execute)
	h.ok(create(protocol.ObjData, 4096))
	h.writeChunks(img[4096:8192], 1024)
	h.mem.Flush()
	h.ok(execute)

	expect(t, h.do(create(protocol.ObjData, 4096)), protocol.ResOperationNotPermitted, 0)
	h.ok(create(protocol.ObjData, 10000-8192))

	resp := h.ok(selectObj(protocol.ObjData))
	if resp.MaxSize != protocol.DataObjectMaxSize || resp.Offset != 8192 {
		t.Errorf("select = %+v", resp)
	}
}

func TestEngine_DeferredExecute(t *testing.T) {
	h := newHarness(t, WithBuffers(5, 1024))
	img := pattern(3*protocol.DataObjectMaxSize, 0x22)
	expect(t, h.sendCommand(h.packet(appInit(t, img, 1))), protocol.ResSuccess, 0)
	h.mem.Flush()

	h.ok(create(protocol.ObjData, protocol.DataObjectMaxSize))
	h.writeChunks(img[:protocol.DataObjectMaxSize], 1024)

	var resp *protocol.Response
	h.e.Handle(execute, func(r *protocol.Response) { resp = r })
	if resp != nil || !h.e.Pending() {
		t.Fatalf("execute answered with %d free buffers: %+v", h.e.Pipeline().Available(), resp)
	}

	expect(t, h.do(calcCRC), protocol.ResOperationNotPermitted, 0)
	expect(t, h.do(create(protocol.ObjData, 4096)), protocol.ResOperationNotPermitted, 0)

	for resp == nil && h.mem.Pending() > 0 {
		h.mem.Process(1)
	}
	expect(t, resp, protocol.ResSuccess, 0)
	if h.e.Pipeline().Room() < protocol.DataObjectMaxSize {
		t.Errorf("answered with room %d", h.e.Pipeline().Room())
	}

	// the last object waits for every write before post-validation
	h.mem.Flush()
	for off := protocol.DataObjectMaxSize; off < len(img); off += protocol.DataObjectMaxSize {
		h.ok(create(protocol.ObjData, protocol.DataObjectMaxSize))
		h.writeChunks(img[off:off+protocol.DataObjectMaxSize], 1024)
		if off+protocol.DataObjectMaxSize < len(img) {
			h.mem.Flush()
			h.ok(execute)
			h.mem.Flush()
		}
	}

	resp = nil
	h.e.Handle(execute, func(r *protocol.Response) { resp = r })
	if resp != nil {
		t.Fatal("final execute answered before flash drained")
	}
	h.mem.Flush()
	expect(t, resp, protocol.ResSuccess, 0)
	if h.store.Record().Bank0.Code != settings.BankValidApp {
		t.Error("image not committed")
	}
}

func TestEngine_HashMismatch(t *testing.T) {
	h := newHarness(t)
	img := pattern(6000, 0x55)
	expect(t, h.sendCommand(h.packet(appInit(t, img, 3))), protocol.ResSuccess, 0)

	other := pattern(6000, 0x56)
	expect(t, h.sendImage(other, 0), protocol.ResExtError, protocol.ExtVerificationFailed)

	rec := h.store.Record()
	if rec.Bank0.Code != settings.BankInvalid {
		t.Errorf("bank 0 = %s", rec.Bank0.Code)
	}
	if rec.AppVersion != 0 {
		t.Errorf("AppVersion = %d", rec.AppVersion)
	}
	if rec.Progress != (settings.Progress{}) {
		t.Errorf("progress not cleared: %+v", rec.Progress)
	}
	if h.e.Valid() || !h.e.ResetArmed() {
		t.Errorf("valid=%v armed=%v", h.e.Valid(), h.e.ResetArmed())
	}
}

func TestEngine_ResetWaitsForFlashAndResponse(t *testing.T) {
	h := newHarness(t)
	if h.e.PollReset() {
		t.Fatal("reset before update")
	}

	img := pattern(5000, 0x66)
	expect(t, h.update(img, 1), protocol.ResSuccess, 0)
	if !h.e.ResetArmed() {
		t.Fatal("reset timer not armed")
	}

	if h.e.PollReset() {
		t.Fatal("reset while settings write pending")
	}
	h.mem.Flush()
	if h.e.PollReset() {
		t.Fatal("reset before the response was sent")
	}
	h.e.ResponseSent()
	if !h.e.PollReset() || h.host.resets != 1 {
		t.Fatalf("resets = %d", h.host.resets)
	}

	rec, err := settings.Decode(h.mem.Bytes()[h.layout.SettingsPage:])
	if err != nil || !rec.Valid() {
		t.Fatalf("durable record invalid: %v", err)
	}
	if rec.Bank0.Code != settings.BankValidApp || rec.AppVersion != 1 {
		t.Errorf("durable bank0 = %s version %d", rec.Bank0.Code, rec.AppVersion)
	}
	for _, b := range rec.InitCommand {
		if b != 0xFF {
			t.Fatal("init command not erased")
		}
	}
}

func TestEngine_BootResumesTransfer(t *testing.T) {
	h := newHarness(t)
	img := pattern(3*protocol.DataObjectMaxSize+100, 0x77)
	expect(t, h.sendCommand(h.packet(appInit(t, img, 1))), protocol.ResSuccess, 0)

	h.ok(create(protocol.ObjData, protocol.DataObjectMaxSize))
	h.writeChunks(img[:protocol.DataObjectMaxSize], 244)
	h.mem.Flush()
	h.ok(execute)

	// half an object that is lost with the reset
	h.ok(create(protocol.ObjData, protocol.DataObjectMaxSize))
	h.writeChunks(img[protocol.DataObjectMaxSize:protocol.DataObjectMaxSize+2000], 244)

	h.reboot()
	if !h.e.Valid() {
		t.Fatal("init command not restored")
	}

	resp := h.ok(selectObj(protocol.ObjCommand))
	if resp.Offset == 0 || resp.Offset > resp.MaxSize {
		t.Errorf("command select = %+v", resp)
	}
	h.ok(execute)

	resp = h.ok(selectObj(protocol.ObjData))
	if resp.Offset != protocol.DataObjectMaxSize || resp.CRC != crc32.ChecksumIEEE(img[:protocol.DataObjectMaxSize]) {
		t.Fatalf("data select = %+v", resp)
	}

	expect(t, h.sendImage(img, protocol.DataObjectMaxSize), protocol.ResSuccess, 0)
	if h.store.Record().Bank0.Code != settings.BankValidApp {
		t.Error("resumed image not committed")
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	h := newHarness(t)
	tests := []struct {
		name string
		opts []Option
	}{
		{"no key", []Option{WithPublicKey(nil)}},
		{"two buffers", []Option{WithPublicKey(&h.key.PublicKey), WithBuffers(2, 4096)}},
		{"pool too small", []Option{WithPublicKey(&h.key.PublicKey), WithBuffers(4, 1024)}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(h.mem, h.store, h.banks, h.host, tc.opts...); err == nil {
				t.Error("New() succeeded")
			}
		})
	}
}
