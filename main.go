package main

import (
	"log"

	"github.com/spf13/cobra"

	"github.com/YuzuZensai/TrollSSH/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "trollssh",
	Short: "SSH server that plays an ASCII video to anyone who logs in",
	Long: `TrollSSH accepts any username and password, then plays a looping
ASCII-art rendering of a video sized to the client's terminal before
saying goodbye and hanging up.

Settings are read from TROLLSSH_<NAME> environment variables, falling back
to <NAME>. Run 'trollssh print-config' to see the effective values.

If no subcommand is specified, the server is started.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		config.Load()
	},
	RunE: runServe,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func init() {
	logsCmd.Flags().IntVarP(&logLines, "lines", "n", 100, "Number of trailing lines to show")
	logsCmd.Flags().BoolVar(&logClear, "clear", false, "Truncate the log file instead of printing it")

	rootCmd.AddCommand(serveCmd, buildFramesCmd, fingerprintCmd, printConfigCmd, logsCmd)
}
