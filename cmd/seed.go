package cmd

import (
	"context"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/teeline/smarthome-washer/internal/pkg/devices"
	"github.com/teeline/smarthome-washer/internal/pkg/logging"
	"github.com/teeline/smarthome-washer/internal/pkg/store"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Provision the store with the demo users and their devices",

	RunE: func(cmd *cobra.Command, args []string) error {
		if err := doSeed(); err != nil {
			return err
		}

		return nil
	},

	PreRunE: func(cmd *cobra.Command, args []string) error {
		return checkRequiredFlags("store.path")
	},
}

func init() {
	seedCmd.Flags().String("store", "", "path of the sqlite database file")
	errPanic(viper.GetViper().BindPFlag("store.path", seedCmd.Flags().Lookup("store")))

	rootCmd.AddCommand(seedCmd)
}

func doSeed() error {
	db, err := store.Open(viper.GetString("store.path"))
	if err != nil {
		return errors.Wrap(err, "opening store")
	}
	defer db.Close()

	ctx := context.Background()

	users := []store.User{
		{ID: "eca2f3e3", AgentID: "agent-eca2f3e3", Name: "Timmatt"},
		{ID: "7df360a3", AgentID: "agent-7df360a3", Name: "John"},
		{ID: "5ac9e5f6", AgentID: "agent-5ac9e5f6", Name: "MT"},
	}
	for _, u := range users {
		if err := db.PutUser(ctx, u); err != nil {
			return errors.Wrapf(err, "seeding user %s", u.ID)
		}
	}

	catalog := []store.Device{
		{ID: "washer", Type: devices.TypeWasher, Name: "Washer"},
		{ID: "fan", Type: devices.TypeFan, Name: "Fan"},
	}
	for _, d := range catalog {
		if err := db.PutDevice(ctx, d); err != nil {
			return errors.Wrapf(err, "seeding device %s", d.ID)
		}
	}

	userDevices := []store.UserDevice{
		{ID: "washer-111", UserID: "eca2f3e3", DeviceID: "washer", Name: "Washer", State: devices.DefaultState(devices.TypeWasher)},
		{ID: "fan-123", UserID: "eca2f3e3", DeviceID: "fan", Name: "Fan", State: devices.DefaultState(devices.TypeFan)},
		{ID: "washer-222", UserID: "7df360a3", DeviceID: "washer", Name: "Washer", State: devices.DefaultState(devices.TypeWasher)},
		{ID: "fan-333", UserID: "5ac9e5f6", DeviceID: "fan", Name: "Fan", State: devices.DefaultState(devices.TypeFan)},
	}
	for _, ud := range userDevices {
		if err := db.PutUserDevice(ctx, ud); err != nil {
			return errors.Wrapf(err, "seeding user device %s", ud.ID)
		}
	}

	logging.Logger(nil).Infof("Seeded %d users, %d devices into %s",
		len(users), len(userDevices), db.Path())

	return nil
}
