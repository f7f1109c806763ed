// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command ssdp-helper lets unicast SSDP replies through a stateful firewall
// by installing a short-lived conntrack expectation for every outbound
// M-SEARCH.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"grimm.is/ssdphelper/cmd"
	"grimm.is/ssdphelper/internal/errors"
	"grimm.is/ssdphelper/internal/logging"
)

const usage = `Usage: ssdp-helper <command> [flags]

Commands:
  start          Run the helper against the local kernel
  replay         Replay a capture through the simulated conntrack engine
  check-config   Validate a configuration file
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "start":
		err = runStart(os.Args[2:])
	case "replay":
		err = runReplay(os.Args[2:])
	case "check-config":
		err = runCheckConfig(os.Args[2:])
	case "-h", "--help", "help":
		fmt.Fprint(os.Stdout, usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}

	if err != nil {
		logging.Error("Command failed", errors.LogArgs(err)...)
		os.Exit(1)
	}
}

func runStart(args []string) error {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", cmd.DefaultConfigPath, "Path to HCL config file")
	queue := fs.Int("queue", 0, "NFQUEUE number (overrides config)")
	_ = fs.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return cmd.RunStart(ctx, cmd.StartOptions{ConfigPath: *configPath, Queue: *queue})
}

func runReplay(args []string) error {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	pcapPath := fs.String("pcap", "", "Capture file (pcap or pcapng)")
	addrs := fs.String("addr", "", "Comma-separated CIDRs assigned to the device, e.g. 192.168.1.50/24")
	dev := fs.String("dev", "eth0", "Device name the capture was taken on")
	verbose := fs.Bool("v", false, "Print a line per tracked packet")
	_ = fs.Parse(args)

	if *pcapPath == "" || *addrs == "" {
		fs.Usage()
		return errors.New(errors.KindValidation, "-pcap and -addr are required")
	}

	_, err := cmd.RunReplay(cmd.ReplayOptions{
		PCAP:    *pcapPath,
		Addrs:   strings.Split(*addrs, ","),
		Device:  *dev,
		Verbose: *verbose,
		Out:     os.Stdout,
	})
	return err
}

func runCheckConfig(args []string) error {
	fs := flag.NewFlagSet("check-config", flag.ExitOnError)
	configPath := fs.String("config", cmd.DefaultConfigPath, "Path to HCL config file")
	_ = fs.Parse(args)

	return cmd.RunCheckConfig(*configPath, os.Stdout)
}
