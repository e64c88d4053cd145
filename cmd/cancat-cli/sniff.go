package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/gavinwade12/cancat"
	"github.com/gavinwade12/cancat/convert"
	"github.com/gavinwade12/cancat/protocols/j1939"
	"github.com/gavinwade12/cancat/stream"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.einride.tech/can/pkg/socketcan"
)

var (
	sniffArbIDs []string
	listenAddr  string
	bridgeIface string
	saveFile    string
	sniffJ1939  bool
)

func init() {
	sniffCmd.Flags().StringSliceVar(&sniffArbIDs, "arbid", nil, "only show these arbitration ids (hex)")
	sniffCmd.Flags().StringVar(&listenAddr, "listen", "", "stream captured messages to WebSocket clients on this address. Example: :8080")
	sniffCmd.Flags().StringVar(&bridgeIface, "bridge", "", "forward captured messages to this SocketCAN interface. Example: vcan0")
	sniffCmd.Flags().StringVar(&saveFile, "save", "", "save the capture as a session file when done")
	sniffCmd.Flags().BoolVar(&sniffJ1939, "j1939", false, "reassemble and show J1939 messages instead of raw frames")

	rootCmd.AddCommand(sniffCmd)
}

var sniffCmd = &cobra.Command{
	Use:          "sniff",
	Short:        "Capture CAN traffic until interrupted.",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		arbids, err := parseArbIDs(sniffArbIDs)
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

		var stack *j1939.TransportStack
		if sniffJ1939 {
			stack = j1939.Attach(ctx, d, j1939.StackOptions{Promiscuous: true})
		}

		if listenAddr != "" {
			hub := stream.NewHub(stream.Options{Logger: cancatLogger(cmd)})
			go func() {
				if err := hub.ListenAndServe(ctx, listenAddr); err != nil {
					d.Logger().Warnf("%v", err)
					cancel()
				}
			}()
			go hub.Follow(ctx, d, d.CANMessageCount(), arbids)
			if !quiet {
				fmt.Fprintf(cmd.ErrOrStderr(), "streaming on ws://%s%s\n", listenAddr, stream.Path)
			}
		}

		var br *bridge
		if bridgeIface != "" {
			br, err = openBridge(ctx, bridgeIface)
			if err != nil {
				return err
			}
			defer br.Close()
		}

		d.PlaceBookmark("sniff", fmt.Sprintf("sniffing %s at %s", port, canBaud))
		if !quiet {
			fmt.Fprintln(cmd.ErrOrStderr(), "sniffing... press ctrl+c to stop")
		}

		out := cmd.OutOrStdout()
		if quiet {
			out = io.Discard
		}
		if stack != nil {
			go printJ1939(ctx, out, stack)
		}
		err = follow(ctx, d, arbids, func(m cancat.CANMessage, start time.Time) error {
			if br != nil {
				if err := br.send(ctx, m); err != nil {
					return err
				}
			}
			if stack == nil {
				fmt.Fprintln(out, cancat.FormatCANMessage(m, start, ""))
			}
			return nil
		})

		if saveFile != "" {
			if serr := d.SaveSessionToFile(saveFile); serr != nil {
				return serr
			}
			if !quiet {
				fmt.Fprintf(cmd.ErrOrStderr(), "saved %d messages to %s\n", d.CANMessageCount(), saveFile)
			}
		}
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

// follow calls fn for every message captured from now on until ctx is canceled.
// start is the timestamp of the first message seen.
func follow(ctx context.Context, d *cancat.Device, arbids []uint32,
	fn func(m cancat.CANMessage, start time.Time) error) error {
	var start time.Time
	next := d.CANMessageCount()
	for {
		if !d.WaitForCANMessage(ctx, next, time.Second) {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := d.Mailbox().Err(); err != nil {
				return err
			}
			continue
		}
		count := d.CANMessageCount()
		for _, m := range d.CANMessages(next, count, arbids) {
			if start.IsZero() {
				start = m.Timestamp
			}
			if err := fn(m, start); err != nil {
				return err
			}
		}
		next = count
	}
}

func printJ1939(ctx context.Context, w io.Writer, stack *j1939.TransportStack) {
	next := stack.MessageCount()
	for ctx.Err() == nil {
		m, err := stack.Recv(ctx, next, nil, time.Second)
		if err != nil {
			continue
		}
		fmt.Fprintln(w, m.String())
		next = m.Index + 1
	}
}

// bridge forwards captured messages onto a SocketCAN interface.
type bridge struct {
	conn io.Closer
	tx   *socketcan.Transmitter
}

func openBridge(ctx context.Context, iface string) (*bridge, error) {
	conn, err := socketcan.DialContext(ctx, "can", iface)
	if err != nil {
		return nil, errors.Wrapf(err, "opening SocketCAN interface '%s'", iface)
	}
	return &bridge{conn: conn, tx: socketcan.NewTransmitter(conn)}, nil
}

func (b *bridge) send(ctx context.Context, m cancat.CANMessage) error {
	f, err := convert.Frame(m)
	if err != nil {
		return err
	}
	return errors.Wrap(b.tx.TransmitFrame(ctx, f), "bridging frame")
}

func (b *bridge) Close() error {
	return b.conn.Close()
}
