package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/KevinKickass/OpenDeviceCore/internal/config"
	"github.com/KevinKickass/OpenDeviceCore/internal/session"
	"github.com/spf13/cobra"
)

func newPortsCmd() *cobra.Command {
	var flagAll bool

	cmd := &cobra.Command{
		Use:   "ports",
		Short: "List USB serial ports that match the configured device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(rootConfigPath)
			if err != nil {
				return err
			}

			vid, pid := cfg.Serial.VID, cfg.Serial.PID
			if flagAll {
				vid, pid = "", ""
			}
			ports, err := session.ListPorts(vid, pid)
			if err != nil {
				return err
			}
			if len(ports) == 0 {
				fmt.Fprintln(cmd.ErrOrStderr(), "no matching ports")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PORT\tVID:PID\tSERIAL\tPRODUCT")
			for _, p := range ports {
				fmt.Fprintf(w, "%s\t%s:%s\t%s\t%s\n", p.Name, p.VID, p.PID, p.SerialNumber, p.Product)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&flagAll, "all", false, "list every USB serial port, ignoring the VID/PID filter")
	return cmd
}
