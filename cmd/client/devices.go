package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var (
	devicesCmd = &cobra.Command{
		Use:   "devices",
		Short: "List the devices that joined the stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := loadDeps(ctx)
			if err != nil {
				return err
			}
			defer d.Close()

			s, err := d.resume(ctx)
			if err != nil {
				return err
			}
			if s.Offline {
				return errors.New("server unreachable")
			}
			devices, err := d.client.GetDevices(ctx)
			if err != nil {
				return err
			}
			own, err := d.store.GetDeviceID(ctx)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tDESCRIPTION\t")
			for _, dev := range devices {
				marker := ""
				if dev.Id == own {
					marker = "(this device)"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", dev.Id, dev.Description, marker)
			}
			return w.Flush()
		},
	}

	resetConfirm bool

	resetCmd = &cobra.Command{
		Use:   "reset",
		Short: "Delete every paste on the server and on this device",
		Long: `Deletes every event of the account's stream on the server and the pastes
cached on this device. Joined devices and the shared key stay as they are;
other devices drop their cached copies only when they delete them.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !resetConfirm {
				return errors.New("this deletes all pastes of every device, pass --yes to confirm")
			}
			ctx := cmd.Context()
			d, err := loadDeps(ctx)
			if err != nil {
				return err
			}
			defer d.Close()

			s, err := d.resume(ctx)
			if err != nil {
				return err
			}
			if s.Offline {
				return errors.New("server unreachable")
			}
			if err := d.client.ResetStream(ctx); err != nil {
				return err
			}
			if err := d.store.DeleteAllStreamEvents(ctx, s.User.Email); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Stream reset")
			return nil
		},
	}
)

func init() {
	resetCmd.Flags().BoolVar(&resetConfirm, "yes", false, "confirm deleting the stream")
}
