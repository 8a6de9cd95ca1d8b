// Package device runs the bootloader side on a flash image: it brings up
// the settings store, activates a pending bank, then serves update
// sessions over a stream, starting a new session after every reset.
package device

import (
	"context"
	"io"
	"sync/atomic"

	"github.com/bigbag/secure-dfu/internal/bank"
	"github.com/bigbag/secure-dfu/internal/dfu"
	"github.com/bigbag/secure-dfu/internal/flash"
	"github.com/bigbag/secure-dfu/internal/settings"
	"github.com/bigbag/secure-dfu/internal/transport"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Device is an emulated target.
type Device struct {
	mem    *flash.Memory
	layout bank.Layout

	engineOpts []dfu.Option
	loopOpts   []dfu.LoopOption
	exitOnApp  bool

	store *settings.Store
	banks *bank.Manager
	boots atomic.Int32

	log *logrus.Entry
}

// Option configures a Device.
type Option func(*Device)

// WithEngineOptions passes options to every engine the device creates.
func WithEngineOptions(opts ...dfu.Option) Option {
	return func(d *Device) { d.engineOpts = append(d.engineOpts, opts...) }
}

// WithLoopOptions passes options to every loop the device creates.
func WithLoopOptions(opts ...dfu.LoopOption) Option {
	return func(d *Device) { d.loopOpts = append(d.loopOpts, opts...) }
}

// WithExitOnApp makes Run return after a reset that leaves a valid
// application, as a bootloader that jumps to it would.
func WithExitOnApp(enabled bool) Option {
	return func(d *Device) { d.exitOnApp = enabled }
}

// WithLogger sets the logger.
func WithLogger(log *logrus.Entry) Option {
	return func(d *Device) {
		if log != nil {
			d.log = log
		}
	}
}

// New creates a device on mem. The memory geometry must match the layout.
func New(mem *flash.Memory, layout bank.Layout, opts ...Option) (*Device, error) {
	if err := layout.Validate(); err != nil {
		return nil, errors.Wrap(err, "layout")
	}
	if mem.Size() != layout.FlashSize || mem.PageSize() != layout.PageSize {
		return nil, errors.Errorf("flash is %d bytes in %d byte pages, layout wants %d in %d",
			mem.Size(), mem.PageSize(), layout.FlashSize, layout.PageSize)
	}

	d := &Device{
		mem:    mem,
		layout: layout,
		log:    logrus.WithField("component", "device"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Store returns the settings store of the last boot.
func (d *Device) Store() *settings.Store { return d.store }

// Boots returns how many times the device has booted.
func (d *Device) Boots() int { return int(d.boots.Load()) }

// AppValid reports whether the device holds a runnable application.
func (d *Device) AppValid() bool {
	return d.banks != nil && d.banks.AppValid()
}

// boot runs the start-up sequence and returns a fresh engine and loop.
// Flash operations still queued from the previous session are completed
// first.
func (d *Device) boot() (*dfu.Engine, *dfu.Loop, error) {
	if err := d.mem.Flush(); err != nil {
		d.log.Warnf("flash operation failed before reset: %v", err)
	}
	d.boots.Add(1)

	for {
		d.store = settings.NewStore(d.mem, d.layout.SettingsPage, d.log.WithField("component", "settings"))
		if err := d.store.Init(); err != nil {
			return nil, nil, errors.Wrap(err, "settings")
		}
		d.banks = bank.NewManager(d.layout, d.mem, d.store, d.log.WithField("component", "bank"))

		activated, err := d.banks.Activate()
		if err != nil {
			return nil, nil, errors.Wrap(err, "activate bank")
		}
		if !activated {
			break
		}
		if err := d.mem.Flush(); err != nil {
			return nil, nil, errors.Wrap(err, "flush activation")
		}
		d.log.Info("image activated, restarting")
	}

	loop := dfu.NewLoop(d.mem, append([]dfu.LoopOption{dfu.WithLoopLogger(d.log.WithField("component", "loop"))}, d.loopOpts...)...)
	opts := append([]dfu.Option{dfu.WithLogger(d.log.WithField("component", "dfu"))}, d.engineOpts...)
	e, err := dfu.New(d.mem, d.store, d.banks, loop, opts...)
	if err != nil {
		return nil, nil, err
	}
	if err := e.Boot(); err != nil {
		return nil, nil, errors.Wrap(err, "engine boot")
	}
	return e, loop, nil
}

// Run serves update sessions on conn until ctx is done or the stream
// fails. A nil error means the device left the bootloader for a valid
// application.
func (d *Device) Run(ctx context.Context, conn io.ReadWriter) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv := transport.NewServer(conn, transport.WithServerLogger(d.log.WithField("component", "server")))

	listenErr := make(chan error, 1)
	go func() {
		err := srv.Listen(ctx)
		listenErr <- err
		cancel()
	}()

	reset := false
	for {
		e, loop, err := d.boot()
		if err != nil {
			return err
		}
		if reset && d.exitOnApp && d.banks.AppValid() {
			d.log.Info("valid application, leaving bootloader")
			return nil
		}
		d.log.Infof("boot %d, waiting for update", d.boots.Load())

		err = srv.Serve(ctx, loop, e)
		reset = errors.Is(err, dfu.ErrReset)
		switch {
		case reset:
			d.log.Info("reset after update")
		case errors.Is(err, dfu.ErrInactivity):
			d.log.Info("session timed out")
		case ctx.Err() != nil:
			select {
			case lerr := <-listenErr:
				if lerr != nil && !errors.Is(lerr, context.Canceled) {
					return lerr
				}
			default:
			}
			return ctx.Err()
		default:
			return err
		}
	}
}
