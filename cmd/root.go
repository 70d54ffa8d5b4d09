package cmd

import (
	"context"
	"fmt"
	"net"

	"github.com/benbjohnson/clock"
	"github.com/mikaelmello/pingwatch/core"
	"github.com/mikaelmello/pingwatch/netstack"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pingwatch [flags] [destination]",
		Short: "pingwatch keeps an eye on a host with ICMP echo requests",
		Long: "pingwatch sends one ICMP echo request per interval to a single IPv4 destination " +
			"and reports whether each one was answered before the next. It needs the " +
			"privilege to open raw ICMP sockets.",
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE:         run,
	}

	f := cmd.Flags()
	f.String("config", "", "YAML file with the settings, flags take precedence")
	f.DurationP("interval", "i", core.DefaultInterval, "time between two requests, also the reply window")
	f.Uint16("identifier", core.DefaultIdentifier, "echo identifier of the requests")
	f.IntP("size", "s", core.DefaultPayloadSize, "number of payload bytes of every request")
	f.IntP("count", "c", -1, "stop after sending count requests, -1 runs forever")
	f.DurationP("deadline", "w", 0, "stop after this long regardless of the count, 0 disables it")
	f.Bool("report-every-cycle", false, "report a timeout on every fire, even for answered requests")
	f.Uint32P("log-level", "l", 3, "logging level, from 0 (panic) to 6 (trace)")
	f.String("metrics-addr", "", "listen address of the prometheus endpoint, empty disables it")
	f.BoolP("flood", "f", false, "print a dot per request and erase it when answered")

	return cmd
}

// Execute runs the root command
func Execute() error {
	return newRootCmd().ExecuteContext(context.Background())
}

func run(cmd *cobra.Command, args []string) error {
	settings, err := settingsFromFlags(cmd)
	if err != nil {
		return err
	}

	host := settings.Destination
	if len(args) > 0 {
		host = args[0]
	}

	dst, err := resolveDestination(host)
	if err != nil {
		return err
	}

	flood, err := cmd.Flags().GetBool("flood")
	if err != nil {
		return err
	}

	stack := netstack.NewStack(core.NewLogger(settings.LoggingLevel, nil))

	r, err := newRunner(stack, clock.New(), dst, settings, cmd.OutOrStdout(), flood)
	if err != nil {
		_ = stack.Close()
		return err
	}

	return r.Run(cmd.Context())
}

// settingsFromFlags loads the config file, if any, and applies the flags set explicitly
func settingsFromFlags(cmd *cobra.Command) (*core.Settings, error) {
	f := cmd.Flags()
	settings := core.DefaultSettings()

	path, err := f.GetString("config")
	if err != nil {
		return nil, err
	}
	if path != "" {
		if settings, err = core.LoadSettings(path); err != nil {
			return nil, err
		}
	}

	if f.Changed("interval") {
		settings.Interval, _ = f.GetDuration("interval")
	}
	if f.Changed("identifier") {
		settings.Identifier, _ = f.GetUint16("identifier")
	}
	if f.Changed("size") {
		settings.PayloadSize, _ = f.GetInt("size")
	}
	if f.Changed("count") {
		settings.MaxCount, _ = f.GetInt("count")
	}
	if f.Changed("deadline") {
		settings.Deadline, _ = f.GetDuration("deadline")
	}
	if f.Changed("report-every-cycle") {
		settings.ReportEveryCycle, _ = f.GetBool("report-every-cycle")
	}
	if f.Changed("log-level") {
		settings.LoggingLevel, _ = f.GetUint32("log-level")
	}
	if f.Changed("metrics-addr") {
		settings.MetricsAddr, _ = f.GetString("metrics-addr")
	}

	return settings, nil
}

// resolveDestination returns the IPv4 address of host
func resolveDestination(host string) (net.IP, error) {
	addr, err := net.ResolveIPAddr("ip4", host)
	if err != nil {
		return nil, fmt.Errorf("could not resolve %s to an IPv4 address: %w", host, err)
	}

	return addr.IP, nil
}
