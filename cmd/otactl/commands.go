package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/backkem/espota/pkg/client"
	"github.com/backkem/espota/pkg/device"
	"github.com/backkem/espota/pkg/digest"
	"github.com/backkem/espota/pkg/discovery"
	"github.com/backkem/espota/pkg/flashcrypt"
	"github.com/backkem/espota/pkg/partition"
	"github.com/backkem/espota/pkg/signature"
	"github.com/backkem/espota/pkg/update"
	"github.com/pion/logging"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

type options struct {
	logLevel string

	host       string
	port       int
	password   string
	spiffs     bool
	listen     string
	tries      int
	reply      time.Duration
	noProgress bool

	timeout time.Duration

	key     string
	keyFile string
	address string
	tweak   uint8

	hash string
}

func newRootCmd(o *options) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "otactl",
		Short: "Upload firmware to ESP32 OTA receivers",
		Long: `otactl speaks the espota protocol: it invites a device over UDP,
answers its password challenge and serves the image over TCP.

It also discovers devices over mDNS and encrypts, signs or digests images.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&o.logLevel, "log-level", "warn", "Log level (off, error, warn, info, debug, trace)")

	uploadCmd := &cobra.Command{
		Use:   "upload <image>",
		Short: "Upload an image to a device",
		Long: `Upload an app or filesystem image.

The host is an IP address, a DNS name or an mDNS instance name.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpload(cmd, o, args[0])
		},
	}
	f := uploadCmd.Flags()
	f.StringVarP(&o.host, "host", "H", "", "Device address or host name (required)")
	f.IntVarP(&o.port, "port", "p", discovery.DefaultPort, "Device OTA port")
	f.StringVarP(&o.password, "password", "a", "", "Upload password")
	f.BoolVarP(&o.spiffs, "spiffs", "s", false, "Upload a filesystem image")
	f.StringVar(&o.listen, "listen", "", "Local address for the transfer listener")
	f.IntVar(&o.tries, "tries", client.DefaultInvitationTries, "Invitation attempts")
	f.DurationVar(&o.reply, "reply-timeout", client.DefaultReplyTimeout, "Wait for an invitation reply")
	f.BoolVar(&o.noProgress, "no-progress", false, "Hide the progress bar")
	uploadCmd.MarkFlagRequired("host")

	discoverCmd := &cobra.Command{
		Use:   "discover",
		Short: "List OTA devices advertised over mDNS",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiscover(cmd, o)
		},
	}
	discoverCmd.Flags().DurationVarP(&o.timeout, "timeout", "t", discovery.DefaultBrowseTimeout, "Browse duration")

	encryptCmd := &cobra.Command{
		Use:   "encrypt <in> <out>",
		Short: "Encrypt an image for flash encryption",
		Long: `Encrypt an image with AES-XTS the way flash encryption stores it.

The address is the flash address the image will be written to. The
image is padded with 0xFF to the cipher block size.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEncrypt(cmd, o, args[0], args[1])
		},
	}
	f = encryptCmd.Flags()
	f.StringVar(&o.key, "key", "", "Hex encoded key")
	f.StringVar(&o.keyFile, "key-file", "", "Raw key file")
	f.StringVar(&o.address, "address", "0x10000", "Flash address of the image")
	f.Uint8Var(&o.tweak, "tweak", 0, "4-bit key configuration value")

	signCmd := &cobra.Command{
		Use:   "sign <in> <out>",
		Short: "Append a signature trailer to an image",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSign(cmd, o, args[0], args[1])
		},
	}
	signCmd.Flags().StringVar(&o.keyFile, "key", "", "PEM private key (required)")
	signCmd.Flags().StringVar(&o.hash, "hash", "sha256", "Hash (sha256, sha384, sha512)")
	signCmd.MarkFlagRequired("key")

	md5Cmd := &cobra.Command{
		Use:   "md5 <image>...",
		Short: "Print the MD5 digest a device checks",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMD5(cmd, args)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "otactl %s\n", version)
			fmt.Fprintf(w, "  commit: %s\n", commit)
			fmt.Fprintf(w, "  built:  %s\n", date)
		},
	}

	rootCmd.AddCommand(uploadCmd, discoverCmd, encryptCmd, signCmd, md5Cmd, versionCmd)
	return rootCmd
}

func newLoggerFactory(level string) (logging.LoggerFactory, error) {
	lvl, err := device.ParseLogLevel(level)
	if err != nil {
		return nil, err
	}
	f := logging.NewDefaultLoggerFactory()
	f.DefaultLogLevel = lvl
	return f, nil
}

func runUpload(cmd *cobra.Command, o *options, path string) error {
	lf, err := newLoggerFactory(o.logLevel)
	if err != nil {
		return err
	}

	command := update.CommandFlash
	if o.spiffs {
		command = update.CommandFilesystem
	}
	img, err := client.LoadImage(path, command)
	if err != nil {
		return fmt.Errorf("failed to read image: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	remote, err := resolveHost(ctx, o.host, o.port, lf)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Image: %s (%d bytes)\n", path, len(img.Data))
	fmt.Fprintf(w, "Device: %s\n", remote)

	var bar *progressbar.ProgressBar
	if !o.noProgress {
		bar = progressbar.NewOptions(len(img.Data),
			progressbar.OptionSetWriter(cmd.ErrOrStderr()),
			progressbar.OptionSetDescription("Uploading"),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetPredictTime(true),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionClearOnFinish(),
		)
	}

	u, err := client.New(client.Config{
		Remote:          remote,
		ListenAddr:      o.listen,
		Password:        o.password,
		InvitationTries: o.tries,
		ReplyTimeout:    o.reply,
		OnProgress: func(sent, total int) {
			if bar != nil {
				bar.Set(sent)
			}
		},
		LoggerFactory: lf,
	})
	if err != nil {
		return err
	}

	res, err := u.Upload(ctx, img)
	if bar != nil {
		bar.Finish()
	}
	if err != nil {
		if errors.Is(err, client.ErrPasswordRequired) {
			return fmt.Errorf("%w (use --password)", err)
		}
		return err
	}

	fmt.Fprintf(w, "Uploaded %d bytes in %s, md5 %s\n", res.Size, res.Elapsed.Round(time.Millisecond), res.Digest)
	return nil
}

// resolveHost turns an IP, DNS name or mDNS instance into a handshake address.
func resolveHost(ctx context.Context, host string, port int, lf logging.LoggerFactory) (*net.UDPAddr, error) {
	if ip := net.ParseIP(host); ip != nil {
		return &net.UDPAddr{IP: ip, Port: port}, nil
	}

	name := strings.TrimSuffix(strings.TrimSuffix(host, "."), ".local")
	if discovery.ValidHostName(name) {
		r, err := discovery.NewResolver(discovery.ResolverConfig{LoggerFactory: lf})
		if err == nil {
			if dev, err := r.Lookup(ctx, name); err == nil && dev.Addr() != nil {
				return dev.Addr(), nil
			}
		}
	}

	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return nil, fmt.Errorf("cannot resolve %s: %w", host, err)
	}
	return addr, nil
}

func runDiscover(cmd *cobra.Command, o *options) error {
	lf, err := newLoggerFactory(o.logLevel)
	if err != nil {
		return err
	}
	r, err := discovery.NewResolver(discovery.ResolverConfig{BrowseTimeout: o.timeout, LoggerFactory: lf})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Fprintln(cmd.ErrOrStderr(), "Scanning for OTA devices...")
	devices, err := r.Discover(ctx)
	if err != nil {
		return err
	}
	return printDevices(cmd.OutOrStdout(), devices)
}

func printDevices(w io.Writer, devices []discovery.Device) error {
	if len(devices) == 0 {
		fmt.Fprintln(w, "No OTA devices found")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INSTANCE\tADDRESS\tBOARD\tAUTH")
	for _, d := range devices {
		addr := "-"
		if a := d.Addr(); a != nil {
			addr = a.String()
		}
		auth := "no"
		if d.AuthRequired {
			auth = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.Instance, addr, d.Board, auth)
	}
	return tw.Flush()
}

func readKey(o *options) ([]byte, error) {
	switch {
	case o.key != "" && o.keyFile != "":
		return nil, errors.New("use one of --key and --key-file")
	case o.keyFile != "":
		return os.ReadFile(o.keyFile)
	case o.key != "":
		return hex.DecodeString(strings.TrimSpace(o.key))
	}
	return nil, errors.New("no key: set --key or --key-file")
}

func runEncrypt(cmd *cobra.Command, o *options, in, out string) error {
	key, err := readKey(o)
	if err != nil {
		return err
	}
	addr, err := partition.ParseSize(o.address)
	if err != nil {
		return fmt.Errorf("bad address: %w", err)
	}
	if o.tweak > 0xF {
		return errors.New("tweak must fit 4 bits")
	}
	c, err := flashcrypt.NewCipher(key, o.tweak)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	for len(data)%flashcrypt.BlockSize != 0 {
		data = append(data, 0xFF)
	}
	if err := c.Encrypt(addr, data, data); err != nil {
		return err
	}
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Encrypted %d bytes for 0x%x\n", len(data), addr)
	return nil
}

func runSign(cmd *cobra.Command, o *options, in, out string) error {
	pemData, err := os.ReadFile(o.keyFile)
	if err != nil {
		return err
	}
	s, err := signature.ParsePrivateKeyPEM(pemData)
	if err != nil {
		return err
	}
	h, err := signature.ParseHash(o.hash)
	if err != nil {
		return err
	}

	payload, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	signed, err := s.SignImage(h, payload)
	if err != nil {
		return err
	}
	if err := os.WriteFile(out, signed, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Signed %d bytes with %s, %d byte trailer\n", len(payload), h, len(signed)-len(payload))
	return nil
}

func runMD5(cmd *cobra.Command, paths []string) error {
	w := cmd.OutOrStdout()
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		var b digest.Builder
		b.Begin()
		b.Add(data)
		b.Calculate()
		fmt.Fprintf(w, "%s  %s\n", b.String(), path)
	}
	return nil
}
