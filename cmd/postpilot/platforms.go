package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"postpilot/internal/config"
	"postpilot/internal/logging"
	"postpilot/internal/scriptplugin"
)

func newPlatformsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "platforms",
		Short: "Show the plugin capability matrix",
		Long:  "List every platform manifest found in the plugin directory and the capabilities its scripts provide.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			manifests, err := scriptplugin.LoadDir(cfg.Plugins.ManifestDir, logging.Nop())
			if err != nil {
				return err
			}
			if len(manifests) == 0 {
				fmt.Printf("No platform manifests under %s\n", cfg.Plugins.ManifestDir)
				return nil
			}

			fmt.Println(bold(fmt.Sprintf("%-13s %-5s %-22s %-8s %-8s %-10s %-10s %s",
				"PLATFORM", "CODE", "PLUGIN", "UPLOAD", "LOGIN", "VALIDATE", "MESSAGES", "MONITOR")))
			for _, man := range manifests {
				p := man.PlatformTag()
				fmt.Printf("%s %-5d %-22s %s %s %s %s %s\n",
					cyan(fmt.Sprintf("%-13s", string(p))),
					p.Code(),
					man.DisplayName(),
					capCell(man.Scripts.Upload != "", 8),
					capCell(man.Scripts.StartLogin != "", 8),
					capCell(man.Scripts.Validate != "", 10),
					capCell(man.Scripts.Sync != "", 10),
					capCell(man.Scripts.MonitorInstall != "", 0),
				)
			}
			return nil
		},
	}
}

// capCell pads before coloring so the ANSI escapes do not skew the columns.
func capCell(enabled bool, width int) string {
	mark, paint := "-", gray
	if enabled {
		mark, paint = "yes", green
	}
	if width > 0 {
		mark = fmt.Sprintf("%-*s", width, mark)
	}
	return paint(mark)
}
