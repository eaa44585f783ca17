package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/openmined/scmmirror/internal/config"
	"github.com/openmined/scmmirror/internal/utils"
	"github.com/openmined/scmmirror/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           version.AppName,
		Short:         "Mirror a remote source repository into a local workspace",
		Version:       version.Detailed(),
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringP("config", "c", config.DefaultConfigPath, "config file")
	rootCmd.PersistentFlags().StringP("workspace", "w", "", "workspace directory")

	rootCmd.AddCommand(
		newSyncCmd(),
		newPollCmd(),
		newCheckpointCmd(),
		newHistoryCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Failed to load .env: %v\n", err)
	}

	logFile := config.DefaultLogFilePath
	if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create log directory: %v\n", err)
		os.Exit(1)
	}

	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
		os.Exit(1)
	}
	defer file.Close()

	stdoutHandler := tint.NewHandler(os.Stdout, &tint.Options{
		Level:      slog.LevelInfo,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
	})
	logInterceptor := utils.NewLogInterceptor(file)
	defer logInterceptor.Close()
	fileHandler := slog.NewTextHandler(logInterceptor, &slog.HandlerOptions{
		Level: slog.LevelDebug,
		// time is added by the log interceptor
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return a
		},
	})
	slog.SetDefault(slog.New(utils.NewMultiLogHandler(stdoutHandler, fileHandler)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, red("Error:"), err)
		stop()
		file.Close()
		os.Exit(1)
	}
}

// newViper layers flags over environment over the config file over defaults.
func newViper(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	config.SetDefaults(v)

	if flag := cmd.Flag("config"); flag != nil && flag.Changed {
		v.SetConfigFile(flag.Value.String())
	} else {
		v.AddConfigPath(config.DefaultConfigDir)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		var notFound viper.ConfigFileNotFoundError
		if !enoent && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config read '%s': %w", v.ConfigFileUsed(), err)
		}
	}

	bindFlag(v, cmd, "workspace", "workspace")
	bindFlag(v, cmd, "changelog", "changelog")
	bindFlag(v, cmd, "mtime_source", "mtime-source")
	bindFlag(v, cmd, "fetch.workers", "workers")
	bindFlag(v, cmd, "checkpoint", "file")

	v.SetEnvPrefix(config.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v, nil
}

func bindFlag(v *viper.Viper, cmd *cobra.Command, key, name string) {
	if flag := cmd.Flags().Lookup(name); flag != nil {
		_ = v.BindPFlag(key, flag)
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v, err := newViper(cmd)
	if err != nil {
		return nil, err
	}
	return config.Load(v)
}
