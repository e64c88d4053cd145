package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"

	"github.com/gavinwade12/cancat/protocols/ccp"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	ccpCRO     string
	ccpDTO     string
	ccpStation uint16
	ccpExt     bool
	ccpBase    string
)

func init() {
	ccpCmd.PersistentFlags().StringVar(&ccpCRO, "cro", "7E0", "arbitration id commands are sent on (hex)")
	ccpCmd.PersistentFlags().StringVar(&ccpDTO, "dto", "7E8", "arbitration id replies are sent on (hex)")
	ccpCmd.PersistentFlags().Uint16Var(&ccpStation, "station", 0, "station address of the follower")
	ccpCmd.PersistentFlags().BoolVar(&ccpExt, "ext", false, "use 29-bit addressing")
	ccpServeCmd.Flags().StringVar(&ccpBase, "base", "0", "address of the first byte of the image (hex)")

	ccpCmd.AddCommand(ccpReadCmd)
	ccpCmd.AddCommand(ccpServeCmd)
	rootCmd.AddCommand(ccpCmd)
}

var ccpCmd = &cobra.Command{
	Use:   "ccp",
	Short: "Talk CAN Calibration Protocol",
}

func ccpIDs() (uint32, uint32, error) {
	ids, err := parseArbIDs([]string{ccpCRO, ccpDTO})
	if err != nil {
		return 0, 0, err
	}
	return ids[0], ids[1], nil
}

func parseHex32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "parsing '%s'", s)
	}
	return uint32(v), nil
}

var ccpReadCmd = &cobra.Command{
	Use:          "read <addr> <len>",
	Short:        "Connect to a follower and dump a block of its memory",
	Args:         cobra.ExactArgs(2),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cro, dto, err := ccpIDs()
		if err != nil {
			return err
		}
		addr, err := parseHex32(args[0])
		if err != nil {
			return err
		}
		n, err := strconv.Atoi(args[1])
		if err != nil || n <= 0 {
			return errors.Errorf("invalid length '%s'", args[1])
		}

		ctx, cancel := signalContext()
		defer cancel()

		d, err := openDevice(ctx, cmd)
		if err != nil {
			return err
		}
		defer d.Close()

		l := ccp.NewLeader(d, ccp.LeaderOptions{
			CROID:    cro,
			DTOID:    dto,
			Extended: ccpExt,
			Logger:   cancatLogger(cmd),
		})
		if err := l.Connect(ctx, ccpStation); err != nil {
			return err
		}
		defer func() {
			if err := l.Disconnect(ctx, ccp.DisconnectEndOfSession, ccpStation); err != nil {
				cancatLogger(cmd).Warnf("disconnecting: %v", err)
			}
		}()

		data, err := l.ReadMemory(ctx, 0, addr, n)
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), hex.Dump(data))
		return nil
	},
}

var ccpServeCmd = &cobra.Command{
	Use:          "serve <image>",
	Short:        "Answer CCP commands from a memory image until interrupted",
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cro, dto, err := ccpIDs()
		if err != nil {
			return err
		}
		base, err := parseHex32(ccpBase)
		if err != nil {
			return err
		}
		img, err := os.ReadFile(args[0])
		if err != nil {
			return errors.Wrap(err, "reading memory image")
		}

		ctx, cancel := signalContext()
		defer cancel()

		d, err := openDevice(ctx, cmd)
		if err != nil {
			return err
		}
		defer d.Close()

		f := ccp.NewFollower(ccp.FollowerOptions{
			Station:  ccpStation,
			CROID:    cro,
			DTOID:    dto,
			Extended: ccpExt,
			Base:     base,
			Memory:   img,
			Logger:   cancatLogger(cmd),
		})
		if !quiet {
			fmt.Fprintf(cmd.OutOrStdout(), "serving %d bytes at 0x%X as station %d\n", len(img), base, ccpStation)
		}
		if err := f.Serve(ctx, d); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	},
}
