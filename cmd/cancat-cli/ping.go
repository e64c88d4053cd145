package main

import (
	"bytes"
	"fmt"
	"time"

	"github.com/gavinwade12/cancat"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var pingCount int

func init() {
	pingCmd.Flags().IntVar(&pingCount, "count", 1, "number of pings to send")
	rootCmd.AddCommand(pingCmd)
}

var pingCmd = &cobra.Command{
	Use:          "ping",
	Short:        "Check that the transceiver answers",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		d, err := openDevice(ctx, cmd)
		if err != nil {
			return err
		}
		defer d.Close()

		for i := 0; i < pingCount; i++ {
			buf := []byte(fmt.Sprintf("ping %d", i))
			start := time.Now()
			resp, err := d.Ping(ctx, buf, cancat.DefaultResponseTimeout)
			if err != nil {
				return errors.Wrapf(err, "ping %d", i)
			}
			if !bytes.Equal(resp, buf) {
				return errors.Errorf("ping %d: got %q back", i, resp)
			}
			if !quiet {
				fmt.Fprintf(cmd.OutOrStdout(), "%d bytes from %s: seq=%d time=%s\n",
					len(resp), port, i, time.Since(start).Round(time.Microsecond))
			}
		}
		return nil
	},
}
