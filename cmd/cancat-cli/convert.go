package main

import (
	"fmt"
	"os"

	"github.com/gavinwade12/cancat"
	"github.com/gavinwade12/cancat/convert"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var candumpIface string

func init() {
	sessionToCandumpCmd.Flags().StringVar(&candumpIface, "iface", convert.DefaultInterface, "interface name written on each line")

	convertCmd.AddCommand(candumpToSessionCmd)
	convertCmd.AddCommand(sessionToCandumpCmd)
	convertCmd.AddCommand(pcapToSessionCmd)
	convertCmd.AddCommand(sessionToPcapCmd)
	rootCmd.AddCommand(convertCmd)
}

var convertCmd = &cobra.Command{
	Use:   "convert",
	Short: "Convert captures between session files, candump logs and pcap files",
}

var candumpToSessionCmd = &cobra.Command{
	Use:          "candump2session <candump.log> <session>",
	Short:        "Convert a candump -l log to a session file",
	Args:         cobra.ExactArgs(2),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		in, err := os.Open(args[0])
		if err != nil {
			return errors.Wrap(err, "opening candump log")
		}
		defer in.Close()

		msgs, err := convert.ReadCandump(in)
		if err != nil {
			return err
		}

		d := cancat.NewDevice(nil, cancat.DeviceOptions{Logger: cancatLogger(cmd)})
		if err := d.RestoreSession(convert.ToSession(msgs), false); err != nil {
			return err
		}
		d.AddComment(fmt.Sprintf("converted from %s", args[0]))
		if err := d.SaveSessionToFile(args[1]); err != nil {
			return err
		}
		if !quiet {
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d messages to %s\n", len(msgs), args[1])
		}
		return nil
	},
}

var sessionToCandumpCmd = &cobra.Command{
	Use:          "session2candump <session> <candump.log>",
	Short:        "Convert a session file to a candump -l log",
	Args:         cobra.ExactArgs(2),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		in, err := os.Open(args[0])
		if err != nil {
			return errors.Wrap(err, "opening session file")
		}
		s, err := cancat.ReadSession(in)
		in.Close()
		if err != nil {
			return err
		}

		msgs, err := convert.FromSession(s)
		if err != nil {
			return err
		}

		out, err := os.Create(args[1])
		if err != nil {
			return errors.Wrap(err, "creating candump log")
		}
		if err := convert.WriteCandump(out, msgs, candumpIface); err != nil {
			out.Close()
			return err
		}
		if err := out.Close(); err != nil {
			return err
		}
		if !quiet {
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d messages to %s\n", len(msgs), args[1])
		}
		return nil
	},
}

var pcapToSessionCmd = &cobra.Command{
	Use:          "pcap2session <capture.pcap> <session>",
	Short:        "Convert a SocketCAN pcap capture to a session file",
	Args:         cobra.ExactArgs(2),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		in, err := os.Open(args[0])
		if err != nil {
			return errors.Wrap(err, "opening pcap file")
		}
		defer in.Close()

		msgs, err := convert.ReadPcap(in)
		if err != nil {
			return err
		}

		d := cancat.NewDevice(nil, cancat.DeviceOptions{Logger: cancatLogger(cmd)})
		if err := d.RestoreSession(convert.ToSession(msgs), false); err != nil {
			return err
		}
		d.AddComment(fmt.Sprintf("converted from %s", args[0]))
		if err := d.SaveSessionToFile(args[1]); err != nil {
			return err
		}
		if !quiet {
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d messages to %s\n", len(msgs), args[1])
		}
		return nil
	},
}

var sessionToPcapCmd = &cobra.Command{
	Use:          "session2pcap <session> <capture.pcap>",
	Short:        "Convert a session file to a pcap capture Wireshark can dissect",
	Args:         cobra.ExactArgs(2),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		in, err := os.Open(args[0])
		if err != nil {
			return errors.Wrap(err, "opening session file")
		}
		s, err := cancat.ReadSession(in)
		in.Close()
		if err != nil {
			return err
		}

		msgs, err := convert.FromSession(s)
		if err != nil {
			return err
		}

		out, err := os.Create(args[1])
		if err != nil {
			return errors.Wrap(err, "creating pcap file")
		}
		if err := convert.WritePcap(out, msgs); err != nil {
			out.Close()
			return err
		}
		if err := out.Close(); err != nil {
			return err
		}
		if !quiet {
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d messages to %s\n", len(msgs), args[1])
		}
		return nil
	},
}
