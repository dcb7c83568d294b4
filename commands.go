package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/YuzuZensai/TrollSSH/internal/config"
	"github.com/YuzuZensai/TrollSSH/internal/framestore"
	"github.com/YuzuZensai/TrollSSH/internal/hostkey"
	"github.com/YuzuZensai/TrollSSH/internal/logging"
)

var (
	logLines int
	logClear bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the SSH server (default)",
	RunE:  runServe,
}

var buildFramesCmd = &cobra.Command{
	Use:   "build-frames",
	Short: "Decode the video into the frame store, replacing any existing one",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		opts := frameBuildOptions(config.Cfg)
		if err := framestore.Build(ctx, opts); err != nil {
			return err
		}
		store, err := framestore.Load(opts.OutputPath)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d frames at %.3f fps (%s) written to %s\n",
			store.Len(), store.FPS(), units.HumanSize(float64(store.Size())), opts.OutputPath)
		return nil
	},
}

var fingerprintCmd = &cobra.Command{
	Use:   "fingerprint",
	Short: "Print the host key fingerprint, generating the key if needed",
	RunE: func(cmd *cobra.Command, args []string) error {
		signer, err := hostkey.LoadOrGenerate(config.Cfg.ConfigDir)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", signer.PublicKey().Type(), hostkey.Fingerprint(signer))
		return nil
	},
}

var printConfigCmd = &cobra.Command{
	Use:   "print-config",
	Short: "Print the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		if err := enc.Encode(config.Cfg); err != nil {
			return err
		}
		return enc.Close()
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show or clear the server log file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.Cfg.LogPath
		if path == "" {
			return errors.New("LOG_PATH is not set; logs go to stdout only")
		}
		if logClear {
			if err := logging.Clear(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleared %s\n", path)
			return nil
		}
		text, err := logging.ReadTail(path, logLines)
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), text)
		return nil
	},
}

func frameBuildOptions(cfg config.Settings) framestore.BuildOptions {
	return framestore.BuildOptions{
		VideoPath:   cfg.VideoPath,
		OutputPath:  cfg.FramesPath(),
		FFmpegPath:  cfg.FFmpegPath,
		FFprobePath: cfg.FFprobePath,
	}
}
