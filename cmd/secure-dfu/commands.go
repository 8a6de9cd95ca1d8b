package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/bigbag/secure-dfu/internal/controller"
	"github.com/bigbag/secure-dfu/internal/detect"
	"github.com/bigbag/secure-dfu/internal/device"
	"github.com/bigbag/secure-dfu/internal/dfu"
	"github.com/bigbag/secure-dfu/internal/flash"
	"github.com/bigbag/secure-dfu/internal/initcmd"
	"github.com/bigbag/secure-dfu/internal/serial"
	"github.com/bigbag/secure-dfu/internal/settings"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runServe(cmd *cobra.Command, args []string) error {
	layout, err := loadLayout()
	if err != nil {
		return err
	}
	pub, err := initcmd.LoadPublicKey(keyFlag)
	if err != nil {
		return err
	}

	mem, err := flash.OpenFile(flashFlag, layout.FlashSize, layout.PageSize)
	if err != nil {
		return err
	}
	defer mem.Close()

	d, err := device.New(mem, layout,
		device.WithEngineOptions(
			dfu.WithPublicKey(pub),
			dfu.WithHwVersion(hwVersionFlag),
			dfu.WithDebugImages(debugImagesFlag),
		),
		device.WithLoopOptions(dfu.WithTimers(dfu.DefaultConfig().ResetInterval, inactivityFlag)),
		device.WithExitOnApp(exitOnAppFlag),
	)
	if err != nil {
		return err
	}

	port, err := serial.Open(portFlag, baudFlag)
	if err != nil {
		return err
	}
	defer port.Close()

	ctx, stop := signalContext()
	defer stop()

	fmt.Printf("Flash: %s (%d KiB, %d byte pages)\n", flashFlag, layout.FlashSize/1024, layout.PageSize)
	fmt.Printf("Serving on %s @ %d baud\n", portFlag, baudFlag)

	// closing the port unblocks the reader when interrupted
	go func() {
		<-ctx.Done()
		port.Close()
	}()

	err = d.Run(ctx, port)
	if err == nil {
		fmt.Println("Valid application installed, leaving bootloader")
		return nil
	}
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func buildManifest() (initcmd.Manifest, error) {
	typ, err := initcmd.ParseFwType(typeFlag)
	if err != nil {
		return initcmd.Manifest{}, err
	}
	m := initcmd.Manifest{
		Type:      typ,
		FwVersion: fwVersionFlag,
		HwVersion: hwVersionFlag,
		SdSize:    sdSizeFlag,
		IsDebug:   isDebugFlag,
	}
	for _, id := range sdReqFlag {
		m.SdReq = append(m.SdReq, uint32(id))
	}
	return m, nil
}

func signImage(image []byte) ([]byte, error) {
	key, err := initcmd.LoadPrivateKey(keyFlag)
	if err != nil {
		return nil, err
	}
	m, err := buildManifest()
	if err != nil {
		return nil, err
	}
	c, err := initcmd.Build(m, image)
	if err != nil {
		return nil, err
	}
	pkt, err := initcmd.Sign(c, key)
	if err != nil {
		return nil, err
	}
	return initcmd.Encode(pkt), nil
}

func runUpdate(cmd *cobra.Command, args []string) error {
	imagePath := args[0]

	image, err := os.ReadFile(imagePath)
	if err != nil {
		return errors.Wrap(err, "read image")
	}
	fmt.Printf("Image: %s (%d bytes)\n", imagePath, len(image))

	var initPacket []byte
	if initFlag != "" {
		initPacket, err = os.ReadFile(initFlag)
		if err != nil {
			return errors.Wrap(err, "read init packet")
		}
	} else {
		initPacket, err = signImage(image)
		if err != nil {
			return err
		}
	}

	ctx, stop := signalContext()
	defer stop()

	portName := portFlag
	if portName == "" {
		fmt.Println("Detecting target...")
		result, err := detect.New(baudFlag).DetectDevice(ctx)
		if err != nil {
			return errors.Wrap(err, "target detection failed")
		}
		portName = result.Port
		fmt.Printf("Found target on %s\n", result.Port)
	}

	port, err := serial.Open(portName, baudFlag)
	if err != nil {
		return err
	}
	defer port.Close()

	fmt.Printf("Port: %s @ %d baud\n", portName, baudFlag)

	c := controller.New(port,
		controller.WithPRN(prnFlag),
		controller.WithChunkSize(chunkFlag),
		controller.WithTimeout(timeoutFlag),
		controller.WithLogger(logrus.WithField("component", "controller")),
	)

	bar := progressbar.NewOptions(len(image),
		progressbar.OptionSetDescription("Updating"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionThrottle(100),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
	c.SetProgressCallback(func(current, total int) {
		_ = bar.Set(current)
	})

	if err := c.Update(ctx, initPacket, image); err != nil {
		return err
	}
	_ = bar.Finish()
	fmt.Println("\nUpdate complete, target is resetting")
	return nil
}

func runKeygen(cmd *cobra.Command, args []string) error {
	key, err := initcmd.GenerateKey()
	if err != nil {
		return err
	}
	priv, err := initcmd.MarshalPrivateKey(key)
	if err != nil {
		return err
	}
	pub, err := initcmd.MarshalPublicKey(&key.PublicKey)
	if err != nil {
		return err
	}

	if err := os.WriteFile(outFlag, priv, 0o600); err != nil {
		return errors.Wrap(err, "write private key")
	}
	pubPath := outFlag + ".pub"
	if err := os.WriteFile(pubPath, pub, 0o644); err != nil {
		return errors.Wrap(err, "write public key")
	}

	fmt.Printf("Private key: %s\n", outFlag)
	fmt.Printf("Public key:  %s\n", pubPath)
	return nil
}

func runSign(cmd *cobra.Command, args []string) error {
	imagePath := args[0]
	image, err := os.ReadFile(imagePath)
	if err != nil {
		return errors.Wrap(err, "read image")
	}

	pkt, err := signImage(image)
	if err != nil {
		return err
	}

	out := outFlag
	if out == "" {
		out = strings.TrimSuffix(imagePath, filepath.Ext(imagePath)) + ".dat"
	}
	if err := os.WriteFile(out, pkt, 0o644); err != nil {
		return errors.Wrap(err, "write init packet")
	}
	fmt.Printf("Init packet: %s (%d bytes)\n", out, len(pkt))
	return nil
}

func runSettings(cmd *cobra.Command, args []string) error {
	layout, err := loadLayout()
	if err != nil {
		return err
	}
	if _, err := os.Stat(flashFlag); err != nil {
		return errors.Wrap(err, "flash image")
	}
	mem, err := flash.OpenFile(flashFlag, layout.FlashSize, layout.PageSize)
	if err != nil {
		return err
	}
	defer mem.Close()

	raw := make([]byte, settings.RecordSize)
	if err := mem.Read(layout.SettingsPage, raw); err != nil {
		return err
	}
	rec, err := settings.Decode(raw)
	if err != nil {
		return err
	}
	printSettings(&rec)
	return nil
}

func printSettings(rec *settings.Record) {
	fmt.Printf("Settings at %s:\n", flashFlag)
	if !rec.Valid() {
		fmt.Println("  (no valid record, defaults apply on next boot)")
	}
	fmt.Printf("  Version:            %d\n", rec.SettingsVersion)
	fmt.Printf("  App version:        %d\n", rec.AppVersion)
	fmt.Printf("  Bootloader version: %d\n", rec.BootloaderVersion)
	fmt.Printf("  Current bank:       %d\n", rec.BankCurrent)
	fmt.Printf("  Bank 0:             %s, %d bytes, crc 0x%08X\n", rec.Bank0.Code, rec.Bank0.ImageSize, rec.Bank0.ImageCRC)
	fmt.Printf("  Bank 1:             %s, %d bytes, crc 0x%08X\n", rec.Bank1.Code, rec.Bank1.ImageSize, rec.Bank1.ImageCRC)
	if rec.SDSize != 0 {
		fmt.Printf("  Companion stack:    %d bytes\n", rec.SDSize)
	}

	p := rec.Progress
	if p.CommandSize == 0 {
		fmt.Println("  No update in progress")
		return
	}
	fmt.Printf("  Init command:       %d/%d bytes\n", p.CommandOffset, p.CommandSize)
	if p.FirmwareSize != 0 {
		fmt.Printf("  Image:              %d/%d bytes at 0x%X\n", p.FirmwareImageOffsetLast, p.FirmwareSize, p.UpdateStartAddress)
	}
}

func runInfo(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()
	d := detect.New(baudFlag)

	if portFlag != "" {
		result, err := d.DetectOnPort(ctx, portFlag)
		if err != nil {
			return errors.Wrapf(err, "no target on %s", portFlag)
		}
		printTargetInfo(result)
		return nil
	}

	fmt.Println("Scanning for targets...")
	targets, err := d.ListDevices(ctx)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		fmt.Println("No targets found")
		return nil
	}

	fmt.Printf("Found %d target(s):\n\n", len(targets))
	for i := range targets {
		fmt.Printf("Target %d:\n", i+1)
		printTargetInfo(&targets[i])
		fmt.Println()
	}
	return nil
}

func printTargetInfo(r *detect.Result) {
	fmt.Printf("  Port:         %s\n", r.Port)
	if r.Product != "" {
		fmt.Printf("  Product:      %s\n", r.Product)
	}
	fmt.Printf("  Init packet:  up to %d bytes\n", r.CommandMaxSize)
	if r.CommandOffset != 0 {
		fmt.Printf("  Stored:       %d bytes of an interrupted update\n", r.CommandOffset)
	}
}

func runList(cmd *cobra.Command, args []string) error {
	ports, err := serial.ListPorts()
	if err != nil {
		return err
	}

	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return nil
	}

	fmt.Println("Available serial ports:")
	for _, p := range ports {
		if p.USB {
			fmt.Printf("  %s  [%s:%s] %s\n", p.Name, p.VID, p.PID, p.Product)
			continue
		}
		fmt.Printf("  %s\n", p.Name)
	}
	return nil
}
