package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/backkem/espota/pkg/device"
	"github.com/backkem/espota/pkg/partition"
	"github.com/backkem/espota/pkg/update"
	"github.com/pion/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

// options holds the flags shared by every subcommand.
type options struct {
	config    string
	logLevel  string
	flash     string
	flashSize string
	layout    string

	hostname string
	board    string
	bind     string
	port     int
	password string
	mdns     bool
	reboot   bool
	metrics  string

	export bool
	force  bool
}

func newRootCmd(o *options) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "otad",
		Short: "ESP32 compatible OTA receiver",
		Long: `otad receives espota uploads into a flash image file.

Settings come from the YAML file given with --config; flags override it.`,
		SilenceUsage: true,
	}
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&o.config, "config", "c", "", "YAML config file")
	pf.StringVar(&o.logLevel, "log-level", "", "Log level (off, error, warn, info, debug, trace)")
	pf.StringVarP(&o.flash, "flash", "f", "", "Flash image file (empty = in-memory)")
	pf.StringVar(&o.flashSize, "flash-size", "", "Flash size, e.g. 4M or 0x400000")
	pf.StringVar(&o.layout, "layout", "", "YAML partition layout file")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Serve OTA updates until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, o)
		},
	}
	f := runCmd.Flags()
	f.StringVar(&o.hostname, "hostname", "", "Device host name (default "+device.DefaultHostName+")")
	f.StringVar(&o.board, "board", "", "Board name advertised over mDNS")
	f.StringVar(&o.bind, "bind", "", "Listen host (empty = all addresses)")
	f.IntVarP(&o.port, "port", "p", device.DefaultPort, "OTA port")
	f.StringVar(&o.password, "password", "", "Upload password")
	f.BoolVar(&o.mdns, "mdns", false, "Advertise _arduino._tcp over mDNS")
	f.BoolVar(&o.reboot, "reboot", true, "Switch to the new image after an update")
	f.StringVar(&o.metrics, "metrics-addr", "", "Serve Prometheus metrics on this address")

	layoutCmd := &cobra.Command{
		Use:   "layout",
		Short: "Show the partition table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLayout(cmd, o)
		},
	}
	layoutCmd.Flags().BoolVar(&o.export, "export", false, "Print the layout as YAML")

	bootCmd := &cobra.Command{
		Use:   "boot <label>",
		Short: "Select the partition to boot next",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBoot(cmd, o, args[0])
		},
	}
	bootCmd.Flags().BoolVar(&o.force, "force", false, "Select a partition without a bootable image")

	rollbackCmd := &cobra.Command{
		Use:   "rollback",
		Short: "Boot the alternate OTA slot next",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRollback(cmd, o)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "otad %s\n", version)
			fmt.Fprintf(w, "  commit: %s\n", commit)
			fmt.Fprintf(w, "  built:  %s\n", date)
		},
	}

	rootCmd.AddCommand(runCmd, layoutCmd, bootCmd, rollbackCmd, versionCmd)
	return rootCmd
}

// loadConfig reads the config file, if any, and applies explicit flags.
func loadConfig(cmd *cobra.Command, o *options) (*device.Config, error) {
	c := &device.Config{}
	if o.config != "" {
		var err error
		if c, err = device.LoadConfig(o.config); err != nil {
			return nil, err
		}
	}

	flags := cmd.Flags()
	set := func(name string, apply func()) {
		if flags.Changed(name) {
			apply()
		}
	}
	set("log-level", func() { c.LogLevel = o.logLevel })
	set("flash", func() { c.Flash.Path = o.flash })
	set("flash-size", func() { c.Flash.Size = o.flashSize })
	set("layout", func() { c.Flash.Layout = o.layout })
	if flags.Lookup("port") != nil {
		set("hostname", func() { c.HostName = o.hostname })
		set("board", func() { c.Board = o.board })
		set("bind", func() { c.Bind = o.bind })
		set("port", func() { c.Port = o.port })
		set("password", func() { c.Password = o.password })
		set("mdns", func() { c.MDNS = o.mdns })
		set("reboot", func() { c.Reboot = o.reboot })
		set("metrics-addr", func() { c.MetricsAddr = o.metrics })
		if o.config == "" && !flags.Changed("reboot") {
			c.Reboot = o.reboot
		}
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	lf, err := newLoggerFactory(c.LogLevel)
	if err != nil {
		return nil, err
	}
	c.LoggerFactory = lf
	return c, nil
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

func runServe(cmd *cobra.Command, o *options) error {
	c, err := loadConfig(cmd, o)
	if err != nil {
		return err
	}
	log := c.LoggerFactory.NewLogger("otad")

	d, err := device.New(*c)
	if err != nil {
		return fmt.Errorf("create device: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := d.Start(ctx); err != nil {
		d.Stop()
		return fmt.Errorf("start device: %w", err)
	}

	if c.MetricsAddr != "" {
		srv := serveMetrics(c.MetricsAddr, d.Gatherer(), log)
		defer srv.Close()
	}

	printReady(cmd.OutOrStdout(), d)

	err = d.Wait()
	log.Info("shutting down")
	if serr := d.Stop(); err == nil {
		err = serr
	}
	return err
}

func serveMetrics(addr string, g prometheus.Gatherer, log logging.LeveledLogger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warnf("metrics server exited: %v", err)
		}
	}()
	log.Infof("metrics on http://%s/metrics", addr)
	return srv
}

func printReady(w io.Writer, d *device.Device) {
	c := d.Config()
	fmt.Fprintln(w, "========================================")
	fmt.Fprintln(w, "            OTA Receiver Ready")
	fmt.Fprintln(w, "========================================")
	fmt.Fprintf(w, "Host name:      %s\n", c.HostName)
	fmt.Fprintf(w, "Board:          %s\n", c.Board)
	fmt.Fprintf(w, "Listening:      %s\n", d.Server().LocalAddr())
	fmt.Fprintf(w, "Password:       %v\n", d.Server().AuthRequired())
	fmt.Fprintf(w, "Running:        %s\n", d.Table().Running())
	if a := d.Advertiser(); a != nil {
		fmt.Fprintf(w, "mDNS instance:  %s\n", a.InstanceName())
	}
	fmt.Fprintln(w, "========================================")
}

// openStorage opens the flash image for the offline subcommands.
func openStorage(cmd *cobra.Command, o *options, needFile bool) (*device.Storage, error) {
	c, err := loadConfig(cmd, o)
	if err != nil {
		return nil, err
	}
	if needFile && c.Flash.Path == "" {
		return nil, errors.New("no flash image: set --flash or flash.path")
	}
	return device.OpenStorage(*c)
}

func runLayout(cmd *cobra.Command, o *options) error {
	s, err := openStorage(cmd, o, false)
	if err != nil {
		return err
	}
	defer s.Close()

	w := cmd.OutOrStdout()
	if o.export {
		data, err := partition.MarshalLayout(s.Table.Partitions())
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	}

	boot, err := s.Table.Boot()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LABEL\tTYPE\tSUBTYPE\tOFFSET\tSIZE\tFLAGS")
	for _, p := range s.Table.Partitions() {
		var flags string
		if p == s.Table.Running() {
			flags += "running "
		}
		if p == boot {
			flags += "boot "
		}
		if p.Type == partition.TypeApp {
			if ok, err := s.Table.IsBootable(p); err == nil && ok {
				flags += "bootable"
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t0x%06x\t0x%06x\t%s\n", p.Label, p.Type, p.SubType.Format(p.Type), p.Offset, p.Size, flags)
	}
	return tw.Flush()
}

func runBoot(cmd *cobra.Command, o *options, label string) error {
	s, err := openStorage(cmd, o, true)
	if err != nil {
		return err
	}
	defer s.Close()

	p, err := s.Table.ByLabel(label)
	if err != nil {
		return err
	}
	if !o.force {
		ok, err := s.Table.IsBootable(p)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%s holds no bootable image (use --force)", p.Label)
		}
	}
	if err := s.Table.SetBoot(p); err != nil {
		return err
	}
	if err := s.Sync(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "boot partition: %s\n", p)
	return nil
}

func runRollback(cmd *cobra.Command, o *options) error {
	s, err := openStorage(cmd, o, true)
	if err != nil {
		return err
	}
	defer s.Close()

	u, err := update.New(update.Config{Table: s.Table})
	if err != nil {
		return err
	}
	if err := u.RollBack(); err != nil {
		return err
	}
	if err := s.Sync(); err != nil {
		return err
	}
	boot, err := s.Table.Boot()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "boot partition: %s\n", boot)
	return nil
}
