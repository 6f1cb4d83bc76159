package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"palmcal/internal/idmap"
)

var mapCmd = &cobra.Command{
	Use:   "map",
	Short: "Print the identity map of the configured device",
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := loadConfig()
		if err != nil {
			return err
		}
		m, err := idmap.Open(conf.MapPath())
		if err != nil {
			return err
		}
		defer m.Close()

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "DEVICE ID\tEVENT ID\tARCHIVED")
		for _, e := range m.Entries() {
			fmt.Fprintf(w, "%d\t%s\t%t\n", e.DeviceID, e.EventID, e.Archived)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		if m.Empty() {
			fmt.Fprintln(cmd.ErrOrStderr(), "map is empty; the next sync is a slow sync")
		}
		return nil
	},
}
