package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/gavinwade12/cancat"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	statsByBookmark bool
	showArbIDs      []string
	showASCII       int
	replayFast      bool
)

func init() {
	statsCmd.Flags().BoolVar(&statsByBookmark, "bookmarks", false, "treat start and stop as bookmarks")
	showCmd.Flags().StringSliceVar(&showArbIDs, "arbid", nil, "only show these arbitration ids (hex)")
	showCmd.Flags().IntVar(&showASCII, "ascii", 0, "only show messages with a printable run of at least this many bytes")
	replayCmd.Flags().StringSliceVar(&showArbIDs, "arbid", nil, "only replay these arbitration ids (hex)")
	replayCmd.Flags().BoolVar(&replayFast, "fast", false, "send back to back instead of at the captured timing")

	sessionCmd.AddCommand(statsCmd, showCmd, bookmarksCmd, replayCmd)
	rootCmd.AddCommand(sessionCmd)
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect and replay saved session files",
}

// loadSession reads a session file into an offline device.
func loadSession(cmd *cobra.Command, name string) (*cancat.Device, error) {
	d := cancat.NewDevice(nil, cancat.DeviceOptions{Logger: cancatLogger(cmd)})
	if err := d.LoadSessionFile(name, false); err != nil {
		return nil, err
	}
	return d, nil
}

// window parses the optional start and stop arguments following the file name.
func window(args []string) (int, int, error) {
	start, stop := 0, -1
	if len(args) > 1 {
		if _, err := fmt.Sscan(args[1], &start); err != nil {
			return 0, 0, err
		}
	}
	if len(args) > 2 {
		if _, err := fmt.Sscan(args[2], &stop); err != nil {
			return 0, 0, err
		}
	}
	return start, stop, nil
}

var statsCmd = &cobra.Command{
	Use:          "stats <session> [start] [stop]",
	Short:        "Show per arbitration id timing statistics",
	Args:         cobra.RangeArgs(1, 3),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := loadSession(cmd, args[0])
		if err != nil {
			return err
		}
		start, stop, err := window(args)
		if err != nil {
			return err
		}

		stats := d.SessionStats(start, stop)
		if statsByBookmark {
			if stats, err = d.SessionStatsByBookmark(start, stop); err != nil {
				return err
			}
		}
		fmt.Fprint(cmd.OutOrStdout(), stats.String())
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:          "show <session> [start] [stop]",
	Short:        "Print the captured CAN messages",
	Args:         cobra.RangeArgs(1, 3),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := loadSession(cmd, args[0])
		if err != nil {
			return err
		}
		start, stop, err := window(args)
		if err != nil {
			return err
		}
		arbids, err := parseArbIDs(showArbIDs)
		if err != nil {
			return err
		}

		opts := cancat.FilterOptions{Start: start, Stop: stop, ArbIDs: arbids}
		if showASCII > 0 {
			opts.Match = func(m cancat.CANMessage) bool { return cancat.HasASCII(m.Data, showASCII, false) }
		}
		msgs := d.FilterCANMessages(opts)
		if len(msgs) == 0 {
			return nil
		}

		bookmarks := make(map[int]string)
		for b, idx := range d.Bookmarks() {
			if info, err := d.Bookmark(b); err == nil {
				bookmarks[idx] = strings.TrimSpace(info.Name + " " + info.Comment)
			}
		}
		first := d.CANMessages(0, 1, nil)[0].Timestamp
		for _, m := range msgs {
			fmt.Fprintln(cmd.OutOrStdout(), cancat.FormatCANMessage(m, first, bookmarks[m.Index]))
		}
		return nil
	},
}

var bookmarksCmd = &cobra.Command{
	Use:          "bookmarks <session>",
	Short:        "List the bookmarks and comments of a session",
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := loadSession(cmd, args[0])
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		for b, idx := range d.Bookmarks() {
			info, _ := d.Bookmark(b)
			fmt.Fprintf(w, "[%d] msg %d: %s\t%s\n", b, idx, info.Name, info.Comment)
		}
		for _, c := range d.Comments() {
			fmt.Fprintf(w, "# %s\n", c)
		}
		return nil
	},
}

var replayCmd = &cobra.Command{
	Use:          "replay <session> [start] [stop]",
	Short:        "Send captured CAN messages back onto the bus",
	Args:         cobra.RangeArgs(1, 3),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		capture, err := loadSession(cmd, args[0])
		if err != nil {
			return err
		}
		start, stop, err := window(args)
		if err != nil {
			return err
		}
		arbids, err := parseArbIDs(showArbIDs)
		if err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()

		d, err := openDevice(ctx, cmd)
		if err != nil {
			return err
		}
		defer d.Close()

		timing := cancat.TimingReal
		if replayFast {
			timing = cancat.TimingFast
		}
		msgs := capture.FilterCANMessages(cancat.FilterOptions{Start: start, Stop: stop, ArbIDs: arbids})
		n, err := d.ReplayMessages(ctx, msgs, timing)
		if !quiet {
			fmt.Fprintf(cmd.OutOrStdout(), "replayed %d of %d messages\n", n, len(msgs))
		}
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}
