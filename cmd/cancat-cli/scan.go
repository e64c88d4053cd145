package main

import (
	"context"
	"fmt"
	"time"

	"github.com/gavinwade12/cancat/protocols/isotp"
	"github.com/gavinwade12/cancat/protocols/uds"
	"github.com/gavinwade12/cancat/protocols/uds/scan"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	scanExt     bool
	scanRange   string
	scanOut     string
	scanECU     string
	scanRescan  bool
	scanDelay   time.Duration
	scanTimeout time.Duration
)

func init() {
	scanCmd.PersistentFlags().BoolVar(&scanExt, "ext", false, "use 29-bit addressing")
	scanCmd.PersistentFlags().StringVar(&scanRange, "range", "", "values to scan. Example: 01-20,7E")
	scanCmd.PersistentFlags().StringVar(&scanOut, "out", "uds_scan.yaml", "results file; existing results are continued")
	scanCmd.PersistentFlags().StringVar(&scanECU, "ecu", "", "only scan the ECU with this request id (hex)")
	scanCmd.PersistentFlags().BoolVar(&scanRescan, "rescan", false, "scan again even when results exist")
	scanCmd.PersistentFlags().DurationVar(&scanDelay, "delay", 0, "delay between requests")
	scanCmd.PersistentFlags().DurationVar(&scanTimeout, "timeout", scan.DefaultTimeout, "timeout of each request")

	scanCmd.AddCommand(
		ecuScanCmd(),
		ecuStepCmd("dids", "Read the DIDs of each ECU", scan.DefaultDIDRange, scan.MaxDID, (*scan.Scanner).ScanDIDs),
		ecuStepCmd("sessions", "Find the diagnostic sessions of each ECU", scan.DefaultSessionRange, scan.MaxSession, (*scan.Scanner).ScanSessions),
		ecuStepCmd("auth", "Find the security levels of each session", scan.DefaultAuthRange, scan.MaxAuthLevel, (*scan.Scanner).ScanAuth),
		ecuStepCmd("keylen", "Find the key length of each security level", scan.DefaultKeyLengthRange, scan.MaxKeyLength, (*scan.Scanner).ScanKeyLengths),
		allScanCmd(),
	)
	rootCmd.AddCommand(scanCmd)
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan the bus for UDS ECUs and what they support",
}

type ecuStep func(s *scan.Scanner, ctx context.Context, e *scan.ECU, rng scan.Range, rescan bool) error

func ecuScanCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "ecus",
		Short:        "Find the ECUs on the bus",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			rng, err := scanRangeOr(scan.DefaultECURange, scan.MaxECU)
			if err != nil {
				return err
			}
			return runScan(cmd, func(ctx context.Context, s *scan.Scanner, r *scan.Results) error {
				r.AddNote("ECU scan %s ext=%t", rng, scanExt)
				return s.ScanECUs(ctx, r, rng, scanExt, scanRescan)
			})
		},
	}
}

func ecuStepCmd(use, short, def string, limit uint32, step ecuStep) *cobra.Command {
	return &cobra.Command{
		Use:          use,
		Short:        short + " found by 'scan ecus'",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			rng, err := scanRangeOr(def, limit)
			if err != nil {
				return err
			}
			return runScan(cmd, func(ctx context.Context, s *scan.Scanner, r *scan.Results) error {
				ecus, err := selectedECUs(r)
				if err != nil {
					return err
				}
				r.AddNote("%s scan %s", use, rng)
				for _, e := range ecus {
					if err := step(s, ctx, e, rng, scanRescan); err != nil {
						return errors.Wrapf(err, "%s scan of %s", use, e.ECUAddress)
					}
				}
				return nil
			})
		},
	}
}

func allScanCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "all",
		Short:        "Run every scan with the default ranges",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			steps := []struct {
				name string
				rng  scan.Range
				fn   ecuStep
			}{
				{"dids", scan.MustParseRange(scan.DefaultDIDRange), (*scan.Scanner).ScanDIDs},
				{"sessions", scan.MustParseRange(scan.DefaultSessionRange), (*scan.Scanner).ScanSessions},
				{"auth", scan.MustParseRange(scan.DefaultAuthRange), (*scan.Scanner).ScanAuth},
				{"keylen", scan.MustParseRange(scan.DefaultKeyLengthRange), (*scan.Scanner).ScanKeyLengths},
			}
			return runScan(cmd, func(ctx context.Context, s *scan.Scanner, r *scan.Results) error {
				r.AddNote("full scan ext=%t", scanExt)
				if err := s.ScanECUs(ctx, r, scan.MustParseRange(scan.DefaultECURange), scanExt, scanRescan); err != nil {
					return err
				}
				ecus, err := selectedECUs(r)
				if err != nil {
					return err
				}
				for _, e := range ecus {
					for _, st := range steps {
						if err := st.fn(s, ctx, e, st.rng, scanRescan); err != nil {
							return errors.Wrapf(err, "%s scan of %s", st.name, e.ECUAddress)
						}
					}
				}
				return nil
			})
		},
	}
}

func scanRangeOr(def string, limit uint32) (scan.Range, error) {
	if scanRange == "" {
		scanRange = def
	}
	return scan.ParseRangeMax(scanRange, limit)
}

// selectedECUs returns the ECUs in r matching the addressing and --ecu flags.
func selectedECUs(r *scan.Results) ([]*scan.ECU, error) {
	var only []uint32
	if scanECU != "" {
		ids, err := parseArbIDs([]string{scanECU})
		if err != nil {
			return nil, err
		}
		only = ids
	}
	var out []*scan.ECU
	for _, e := range r.ECUs {
		if e.Ext != scanExt || (len(only) > 0 && only[0] != e.TxID) {
			continue
		}
		out = append(out, e)
	}
	if len(out) == 0 {
		return nil, errors.New("no ECUs to scan; run 'scan ecus' first")
	}
	return out, nil
}

// runScan opens the device, loads earlier results and saves them again once fn
// returns, even when it fails or is interrupted.
func runScan(cmd *cobra.Command, fn func(ctx context.Context, s *scan.Scanner, r *scan.Results) error) error {
	r, err := scan.LoadResultsFile(scanOut)
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

	logger := cancatLogger(cmd)
	conn := isotp.NewConn(d, isotp.Options{Logger: logger, Timeout: scanTimeout})
	s := scan.NewScanner(func(a scan.ECUAddress) scan.Client {
		return uds.NewClient(conn, uds.ClientOptions{
			TxID:     a.TxID,
			RxID:     a.RxID,
			Extended: a.Ext,
			Timeout:  scanTimeout,
			Logger:   logger,
		})
	}, scan.Options{
		Logger:    logger,
		Delay:     scanDelay,
		Bookmarks: d,
	})

	start := time.Now()
	err = fn(ctx, s, r)
	if serr := r.SaveFile(scanOut); serr != nil {
		return serr
	}
	if !quiet {
		printSummary(cmd, r, time.Since(start))
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func printSummary(cmd *cobra.Command, r *scan.Results, took time.Duration) {
	w := cmd.OutOrStdout()
	for _, e := range r.ECUs {
		fmt.Fprintf(w, "%s\n", e.ECUAddress)
		for _, id := range e.SessionIDs() {
			sess := e.Sessions[id]
			fmt.Fprintf(w, "\tsession 0x%02x: %d DIDs, %d security levels\n", id, len(sess.DIDs), len(sess.Auth))
		}
	}
	fmt.Fprintf(w, "results saved to %s (%s)\n", scanOut, took.Round(time.Millisecond))
}
