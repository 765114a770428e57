package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	settingsdomain "devicegate/internal/settings/domain"
)

func newSettingsCmd(open Opener) *cobra.Command {
	c := &cobra.Command{
		Use:   "settings",
		Short: "Read or change the device limit and inactivity window",
	}
	c.AddCommand(newSettingsGetCmd(open), newSettingsSetCmd(open))
	return c
}

func newSettingsGetCmd(open Opener) *cobra.Command {
	return &cobra.Command{
		Use:   "get",
		Short: "Print the current settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(open, func(s *Session) error {
				st, err := s.API.Settings(cmd.Context(), s.Actor)
				if err != nil {
					return err
				}
				printSettings(cmd, st)
				return nil
			})
		},
	}
}

func newSettingsSetCmd(open Opener) *cobra.Command {
	var maxDevices, inactivityDays int
	c := &cobra.Command{
		Use:   "set",
		Short: "Change the settings; unset flags keep their current value",
		RunE: func(cmd *cobra.Command, args []string) error {
			changedMax := cmd.Flags().Changed("max-devices")
			changedDays := cmd.Flags().Changed("inactivity-days")
			if !changedMax && !changedDays {
				return errors.New("set at least one of --max-devices or --inactivity-days")
			}
			return withSession(open, func(s *Session) error {
				current, err := s.API.Settings(cmd.Context(), s.Actor)
				if err != nil {
					return err
				}
				if !changedMax {
					maxDevices = current.MaxDevices
				}
				if !changedDays {
					inactivityDays = current.InactivityDays
				}
				st, err := s.API.UpdateSettings(cmd.Context(), s.Actor, maxDevices, inactivityDays)
				if err != nil {
					return err
				}
				printSettings(cmd, st)
				return nil
			})
		},
	}
	c.Flags().IntVar(&maxDevices, "max-devices", 0, "maximum concurrently active devices per user (0 denies every new device)")
	c.Flags().IntVar(&inactivityDays, "inactivity-days", 0, "days without activity before a session expires")
	return c
}

func printSettings(cmd *cobra.Command, st *settingsdomain.AppSettings) {
	fmt.Fprintf(cmd.OutOrStdout(), "max_devices=%d inactivity_days=%d\n", st.MaxDevices, st.InactivityDays)
}
