package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path"
	"strconv"
	"strings"

	"github.com/gavinwade12/cancat"
	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	portSettingName    string = "port"
	canBaudSettingName string = "can-baud"
)

var configFile string
var port string
var canBaud string
var quiet bool
var verbose bool

func init() {
	cobra.OnInitialize(func() {
		initConfig()
		postInitCommands(rootCmd.Commands())
	})

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is $HOME/.cancat.yaml)")
	rootCmd.PersistentFlags().StringVar(&port, portSettingName, "", "serial port of the CanCat transceiver. Example: /dev/ttyACM0")
	rootCmd.PersistentFlags().StringVar(&canBaud, canBaudSettingName, "500k", "CAN bus bit rate. Example: 250k")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "quiet all log output")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "provide verbose output")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

var rootCmd = &cobra.Command{
	Use:           "cancat-cli",
	Short:         "A CLI for capturing and probing CAN buses through a CanCat transceiver.",
	SilenceErrors: true,
}

func initConfig() {
	if configFile != "" {
		viper.SetConfigFile(path.Base(configFile))
		viper.AddConfigPath(path.Dir(configFile))
	} else {
		home, err := homedir.Dir()
		if err != nil {
			log.Fatalf("finding home directory: %v\n", err)
		}

		viper.AddConfigPath(home)
		viper.SetConfigName(".cancat")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("cancat")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok || os.IsNotExist(err) {
			if err = viper.SafeWriteConfig(); err != nil {
				log.Fatalf("creating config file: %v\n", err)
			}
		} else {
			log.Fatalf("reading config file: %v\n", err)
		}
	}
}

func postInitCommands(commands []*cobra.Command) {
	for _, cmd := range commands {
		presetRequiredFlags(cmd)
		if cmd.HasSubCommands() {
			postInitCommands(cmd.Commands())
		}
	}
}

func presetRequiredFlags(cmd *cobra.Command) {
	viper.BindPFlags(cmd.Flags())
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if viper.IsSet(f.Name) && viper.GetString(f.Name) != "" {
			cmd.Flags().Set(f.Name, viper.GetString(f.Name))
		}
	})
}

func cancatLogger(cmd *cobra.Command) cancat.Logger {
	if !verbose || quiet {
		return cancat.NopLogger
	}
	return cancat.DefaultLogger(cmd.ErrOrStderr())
}

// signalContext is canceled on interrupt.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

// openDevice starts a device on the configured port and sets the CAN bit rate.
func openDevice(ctx context.Context, cmd *cobra.Command) (*cancat.Device, error) {
	if port == "" {
		return nil, errors.New("the port setting is required; run 'ports set' or pass --port")
	}
	baud, ok := cancat.ParseCANBaud(canBaud)
	if !ok {
		return nil, errors.Errorf("unknown CAN bit rate '%s'", canBaud)
	}

	d := cancat.NewDevice(cancat.SerialDialer(port), cancat.DeviceOptions{Logger: cancatLogger(cmd)})
	if err := d.Start(ctx); err != nil {
		return nil, errors.Wrap(err, "starting device")
	}
	if err := d.SetCANBaud(ctx, baud, cancat.DefaultResponseTimeout); err != nil {
		d.Close()
		return nil, errors.Wrap(err, "setting CAN bit rate")
	}
	return d, nil
}

// parseArbIDs parses a comma separated list of hex arbitration ids.
func parseArbIDs(ids []string) ([]uint32, error) {
	var out []uint32
	for _, s := range ids {
		id, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 29)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing arbitration id '%s'", s)
		}
		out = append(out, uint32(id))
	}
	return out, nil
}
