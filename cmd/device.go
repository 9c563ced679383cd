package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/teeline/smarthome-washer/internal/pkg/devices"
	"github.com/teeline/smarthome-washer/internal/pkg/localbridge"
	"github.com/teeline/smarthome-washer/internal/pkg/logging"
	"github.com/teeline/smarthome-washer/internal/pkg/simulator"
)

var _deviceCmdOpts struct {
	discoveryPort   uint16
	commandPort     uint16
	discoveryPacket string
	updateURL       string
	devicesJSON     string
	gracefulTimeout time.Duration
}

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Run the virtual devices and the local fulfillment bridge",

	RunE: func(cmd *cobra.Command, args []string) error {
		if err := doDevice(); err != nil {
			return err
		}

		return nil
	},

	PreRunE: func(cmd *cobra.Command, args []string) error {
		return checkRequiredFlags("local.update-url")
	},
}

func init() {
	deviceCmd.Flags().Uint16Var(&_deviceCmdOpts.discoveryPort, "discovery-port", 3311, "UDP port the discovery responder listens on")
	deviceCmd.Flags().Uint16Var(&_deviceCmdOpts.commandPort, "command-port", 3388, "HTTP port the command relay listens on")
	deviceCmd.Flags().StringVar(&_deviceCmdOpts.discoveryPacket, "discovery-packet", "HelloLocalHomeSDK", "magic payload a discovery probe must carry")
	deviceCmd.Flags().StringVar(&_deviceCmdOpts.updateURL, "update-url", "", "cloud update-state endpoint the devices report to")
	deviceCmd.Flags().StringVar(&_deviceCmdOpts.devicesJSON, "devices", "", `virtual device list as JSON, eg. [{"type":"WASHER","localId":"washer-111","dbId":"washer-111"}]`)
	deviceCmd.Flags().DurationVar(&_deviceCmdOpts.gracefulTimeout, "graceful-timeout", time.Second*15, "duration to wait for the relay to finish, eg. 1m or 10s")

	errPanic(viper.GetViper().BindPFlag("local.discovery-port", deviceCmd.Flags().Lookup("discovery-port")))
	errPanic(viper.GetViper().BindPFlag("local.command-port", deviceCmd.Flags().Lookup("command-port")))
	errPanic(viper.GetViper().BindPFlag("local.discovery-packet", deviceCmd.Flags().Lookup("discovery-packet")))
	errPanic(viper.GetViper().BindPFlag("local.update-url", deviceCmd.Flags().Lookup("update-url")))
	errPanic(viper.GetViper().BindPFlag("local.devices", deviceCmd.Flags().Lookup("devices")))
	errPanic(viper.GetViper().BindPFlag("local.graceful-timeout", deviceCmd.Flags().Lookup("graceful-timeout")))

	rootCmd.AddCommand(deviceCmd)
}

type envDevice struct {
	Type    string `json:"type" mapstructure:"type"`
	LocalID string `json:"localId" mapstructure:"localId"`
	DbID    string `json:"dbId" mapstructure:"dbId"`
}

func configuredDevices() ([]envDevice, error) {
	// A config file carries a structured list; the flag carries JSON
	var envDevices []envDevice
	if err := viper.UnmarshalKey("local.devices", &envDevices); err == nil && len(envDevices) > 0 {
		return envDevices, nil
	}

	if s := viper.GetString("local.devices"); s != "" {
		if err := json.Unmarshal([]byte(s), &envDevices); err != nil {
			return nil, errors.Wrap(err, "parsing devices list")
		}
		return envDevices, nil
	}

	// Default demo fleet, matching the seeded store
	return []envDevice{
		{Type: "WASHER", LocalID: "washer-111", DbID: "washer-111"},
		{Type: "FAN", LocalID: "fan-123", DbID: "fan-123"},
	}, nil
}

func doDevice() error {
	wait := viper.GetDuration("local.graceful-timeout")
	discoveryPort := viper.GetUint("local.discovery-port")
	commandPort := viper.GetUint("local.command-port")
	magic := viper.GetString("local.discovery-packet")
	updateURL := viper.GetString("local.update-url")

	envDevices, err := configuredDevices()
	if err != nil {
		return err
	}

	virtualDevices := make([]*simulator.Device, 0, len(envDevices))
	for _, ed := range envDevices {
		t, err := devices.ParseType(ed.Type)
		if err != nil {
			return errors.Wrapf(err, "unsupported device type in config: %s", ed.Type)
		}
		virtualDevices = append(virtualDevices, simulator.New(t, ed.LocalID, ed.DbID, updateURL))
	}

	bridge := localbridge.New(magic, virtualDevices)

	// context to allow us to stop the responder loop
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: int(discoveryPort)})
	if err != nil {
		return errors.Wrap(err, "binding discovery port")
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		bridge.ServeDiscovery(ctx, conn)
	}()

	s := &http.Server{
		Addr:        fmt.Sprintf(":%d", commandPort),
		ReadTimeout: time.Second * 15,
		IdleTimeout: time.Second * 60,
		Handler:     bridge.CommandHandler(),
	}

	logging.Logger(nil).Infof("Device command relay listening on port %d", commandPort)
	go func() {
		if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Logger(nil).WithError(err).Error("running command relay")
		}
	}()

	// ctrl-c handler
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)

	// Block until we receive a signal
	<-c
	logging.Logger(nil).Info("main: shutting down")

	cancel()
	conn.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), wait)
	defer shutdownCancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		logging.Logger(nil).WithError(err).Errorf("shutting down relay")
	}

	wg.Wait()

	logging.Logger(nil).Info("main: exiting")
	return nil
}
