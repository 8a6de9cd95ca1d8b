package main

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/bigbag/secure-dfu/internal/bank"
	"github.com/bigbag/secure-dfu/internal/controller"
	"github.com/bigbag/secure-dfu/internal/protocol"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	logLevelFlag string

	portFlag    string
	baudFlag    int
	layoutFlag  string
	keyFlag     string
	flashFlag   string
	timeoutFlag time.Duration

	// serve
	debugImagesFlag bool
	exitOnAppFlag   bool
	hwVersionFlag   uint32
	inactivityFlag  time.Duration

	// update and sign
	initFlag      string
	typeFlag      string
	fwVersionFlag uint32
	sdReqFlag     []uint
	sdSizeFlag    uint32
	isDebugFlag   bool
	prnFlag       uint16
	chunkFlag     int
	outFlag       string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "secure-dfu",
		Short: "Signed firmware updates over a serial link",
		Long: `secure-dfu transfers signed firmware images to a bootloader over a
SLIP framed serial link and can emulate such a bootloader on a flash image
file.

Images are described by an init packet signed with a P-256 key. The target
checks the signature, the versions and the hash of the image before it
accepts the update.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := logrus.ParseLevel(logLevelFlag)
			if err != nil {
				return err
			}
			logrus.SetLevel(level)
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "info", "Log level (debug, info, warn, error)")

	// Serve command
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Emulate a bootloader on a flash image",
		Long: `Run the update engine on a flash image file and serve updates on a
serial port. The image is created erased when it does not exist.

Every completed update resets the emulated device: a pending bank is
activated and a new session starts.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
	serveCmd.Flags().StringVarP(&portFlag, "port", "p", "", "Serial port to serve on")
	serveCmd.Flags().IntVarP(&baudFlag, "baud", "b", protocol.DefaultBaudRate, "Baud rate")
	serveCmd.Flags().StringVarP(&flashFlag, "flash", "f", "flash.bin", "Flash image file")
	serveCmd.Flags().StringVar(&layoutFlag, "layout", "", "Flash layout JSON (embedded default if not specified)")
	serveCmd.Flags().StringVarP(&keyFlag, "key", "k", "", "Public key (PEM) init packets are verified with")
	serveCmd.Flags().BoolVar(&debugImagesFlag, "debug-images", false, "Accept images flagged is_debug")
	serveCmd.Flags().BoolVar(&exitOnAppFlag, "exit-on-app", false, "Exit after a reset that leaves a valid application")
	serveCmd.Flags().Uint32Var(&hwVersionFlag, "hw-version", 52, "Hardware version of the emulated device")
	serveCmd.Flags().DurationVar(&inactivityFlag, "inactivity", 2*time.Minute, "Reset after this long without requests (0 disables)")
	_ = serveCmd.MarkFlagRequired("port")
	_ = serveCmd.MarkFlagRequired("key")

	// Update command
	updateCmd := &cobra.Command{
		Use:   "update <image.bin>",
		Short: "Transfer a firmware image to a target",
		Long: `Transfer a firmware image to a target.

The init packet is read from --init, or built and signed on the fly when
--key is given. An interrupted transfer is resumed where the target left
off.`,
		Args: cobra.ExactArgs(1),
		RunE: runUpdate,
	}
	updateCmd.Flags().StringVarP(&portFlag, "port", "p", "", "Serial port (auto-detect if not specified)")
	updateCmd.Flags().IntVarP(&baudFlag, "baud", "b", protocol.DefaultBaudRate, "Baud rate")
	updateCmd.Flags().StringVar(&initFlag, "init", "", "Signed init packet file")
	updateCmd.Flags().StringVarP(&keyFlag, "key", "k", "", "Private key (PEM) to sign the init packet with")
	updateCmd.Flags().Uint16Var(&prnFlag, "prn", 8, "Packet receipt notification interval (0 disables)")
	updateCmd.Flags().IntVar(&chunkFlag, "chunk", controller.DefaultChunkSize, "Bytes per data write")
	updateCmd.Flags().DurationVar(&timeoutFlag, "timeout", controller.DefaultTimeout, "Response timeout")
	addManifestFlags(updateCmd)
	updateCmd.MarkFlagsMutuallyExclusive("init", "key")
	updateCmd.MarkFlagsOneRequired("init", "key")

	// Keygen command
	keygenCmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a signing key pair",
		Long:  "Generate a P-256 key pair. The public key is written next to the private key with a .pub suffix.",
		Args:  cobra.NoArgs,
		RunE:  runKeygen,
	}
	keygenCmd.Flags().StringVarP(&outFlag, "out", "o", "dfu_key.pem", "Private key file")

	// Sign command
	signCmd := &cobra.Command{
		Use:   "sign <image.bin>",
		Short: "Create a signed init packet for an image",
		Args:  cobra.ExactArgs(1),
		RunE:  runSign,
	}
	signCmd.Flags().StringVarP(&keyFlag, "key", "k", "", "Private key (PEM)")
	signCmd.Flags().StringVarP(&outFlag, "out", "o", "", "Init packet file (<image>.dat if not specified)")
	addManifestFlags(signCmd)
	_ = signCmd.MarkFlagRequired("key")

	// Settings command
	settingsCmd := &cobra.Command{
		Use:   "settings",
		Short: "Show the settings record of a flash image",
		Args:  cobra.NoArgs,
		RunE:  runSettings,
	}
	settingsCmd.Flags().StringVarP(&flashFlag, "flash", "f", "flash.bin", "Flash image file")
	settingsCmd.Flags().StringVar(&layoutFlag, "layout", "", "Flash layout JSON (embedded default if not specified)")

	// Info command
	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "Show target info",
		Long:  "Detect and show information about connected targets.",
		RunE:  runInfo,
	}
	infoCmd.Flags().StringVarP(&portFlag, "port", "p", "", "Serial port (auto-detect if not specified)")
	infoCmd.Flags().IntVarP(&baudFlag, "baud", "b", protocol.DefaultBaudRate, "Baud rate")

	// Version command
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("secure-dfu %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}

	// List command
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List available serial ports",
		RunE:  runList,
	}

	rootCmd.AddCommand(serveCmd, updateCmd, keygenCmd, signCmd, settingsCmd, infoCmd, versionCmd, listCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func addManifestFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&typeFlag, "type", "t", "app", "Image type (app, sd, bl, sd+bl)")
	cmd.Flags().Uint32Var(&fwVersionFlag, "fw-version", 0, "Firmware version")
	cmd.Flags().Uint32Var(&hwVersionFlag, "hw-version", 52, "Hardware version")
	cmd.Flags().UintSliceVar(&sdReqFlag, "sd-req", nil, "Accepted companion stack ids")
	cmd.Flags().Uint32Var(&sdSizeFlag, "sd-size", 0, "Companion stack part of an sd+bl image")
	cmd.Flags().BoolVar(&isDebugFlag, "debug", false, "Mark the image as a debug image")
}

func loadLayout() (bank.Layout, error) {
	if layoutFlag == "" {
		return bank.DefaultLayout(), nil
	}
	return bank.LoadLayout(layoutFlag)
}
