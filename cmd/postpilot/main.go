package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// Version information set at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var (
	green = color.New(color.FgGreen).SprintFunc()
	red   = color.New(color.FgRed).SprintFunc()
	cyan  = color.New(color.FgCyan).SprintFunc()
	gray  = color.New(color.FgHiBlack).SprintFunc()
	bold  = color.New(color.Bold).SprintFunc()
)

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "postpilot",
		Short: "Multi-account social media automation server",
		Long: fmt.Sprintf(`%s

postpilot drives browser automation for xiaohongshu, wechat channels, douyin
and kuaishou: QR code logins, video publishing, private message sync and live
monitoring, all behind one JSON HTTP API.

Configuration is read from postpilot-config.json (home directory or cwd) with
POSTPILOT_* environment overrides.

%s
  postpilot serve                 # Start the orchestration server
  postpilot serve --port 9000     # Override the listen port
  postpilot platforms             # Show the plugin capability matrix
  postpilot version               # Show build information`,
			bold("PostPilot "+Version),
			bold("EXAMPLES:")),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newPlatformsCommand())
	rootCmd.AddCommand(newVersionCommand())
	return rootCmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Version:    %s\n", Version)
			fmt.Printf("Commit:     %s\n", GitCommit)
			fmt.Printf("Built:      %s\n", BuildTime)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("Platform:   %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Printf("%s %v\n", red("Error:"), err)
		os.Exit(1)
	}
}
