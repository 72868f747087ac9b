package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pkt.systems/instrumentd"
)

func newProfilesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profiles",
		Short: "List the settings profiles in the profiles file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			path := viper.GetString("profiles")
			profiles, err := instrumentd.LoadProfiles(path)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, name := range profiles.Names() {
				fmt.Fprintf(out, "%s (%d settings)\n", name, len(profiles[name]))
			}
			return nil
		},
	}
	return cmd
}
