package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/openmined/shovel/internal/blob"
	"github.com/openmined/shovel/internal/config"
	"github.com/openmined/shovel/internal/utils"
	"github.com/openmined/shovel/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "SHOVEL"

// keys read from the environment as SHOVEL_<KEY> with dots replaced by underscores
var configKeys = []string{
	"source_dir",
	"dest_dir",
	"archive_dir",
	"log_file",
	"log_level",
	"blob.bucket_name",
	"blob.region",
	"blob.endpoint",
	"blob.access_key",
	"blob.secret_key",
	"blob.use_path_style",
	"blob.use_accelerate",
	"upload.key_prefix",
	"upload.multipart_threshold",
	"upload.part_size",
	"upload.workers",
	"lock.stale_after",
	"ignore",
	"include",
}

// closed by main once the command returns
var logFile io.Closer

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "shovel",
		Short:         "Upload settled files from a directory to S3 and archive them",
		Version:       version.Detailed(),
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().SortFlags = false
	rootCmd.PersistentFlags().StringP("config", "c", config.DefaultConfigPath, "shovel config file")
	rootCmd.PersistentFlags().String("env-file", "", "load environment variables from this file first")
	rootCmd.PersistentFlags().StringP("source", "s", "", "directory to watch")
	rootCmd.PersistentFlags().StringP("dest", "d", "", "directory for the snapshot, lock and archive")
	rootCmd.PersistentFlags().String("log-level", "", "debug, info, warn or error")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newUnlockCmd())
	rootCmd.AddCommand(newSnapshotCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func main() {
	setupLogger(os.Stdout, slog.LevelInfo, nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := newRootCmd().ExecuteContext(ctx)
	if logFile != nil {
		logFile.Close()
	}
	if err != nil {
		slog.Error("shovel", "error", err)
		os.Exit(1)
	}
}

// setupLogger installs a tint handler on out, plus a plain text handler on file when given
func setupLogger(out *os.File, level slog.Level, file io.Writer) {
	stdoutHandler := tint.NewHandler(out, &tint.Options{
		Level:      level,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		NoColor:    !isatty.IsTerminal(out.Fd()),
	})

	var handler slog.Handler = stdoutHandler
	if file != nil {
		fileHandler := slog.NewTextHandler(file, &slog.HandlerOptions{Level: level})
		handler = utils.NewMultiLogHandler(stdoutHandler, fileHandler)
	}
	slog.SetDefault(slog.New(handler))
}

// prepare loads the config and reconfigures logging from it
func prepare(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	level, err := parseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	var file io.Writer
	if cfg.LogFile != "" {
		path, err := utils.ResolvePath(cfg.LogFile)
		if err != nil {
			return nil, fmt.Errorf("log_file: %w", err)
		}
		if err := utils.EnsureParent(path); err != nil {
			return nil, fmt.Errorf("log_file: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		logFile = f
		file = f
	}

	setupLogger(os.Stdout, level, file)
	return cfg, nil
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if envFile, _ := cmd.Flags().GetString("env-file"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load env file %q: %w", envFile, err)
		}
	}

	v := viper.New()

	configPath, _ := cmd.Flags().GetString("config")
	if configPath == "" {
		configPath = config.DefaultConfigPath
	}
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	// a missing default config is fine, everything can come from env and flags
	if err := v.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		_, notFound := err.(viper.ConfigFileNotFoundError)
		explicit := cmd.Flags().Changed("config")
		if explicit || (!enoent && !notFound) {
			return nil, fmt.Errorf("config read '%s': %w", configPath, err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range configKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, err
		}
	}

	v.BindPFlag("source_dir", cmd.Flags().Lookup("source"))
	v.BindPFlag("dest_dir", cmd.Flags().Lookup("dest"))
	v.BindPFlag("log_level", cmd.Flags().Lookup("log-level"))

	cfg := &config.Config{
		Path:       v.ConfigFileUsed(),
		SourceDir:  v.GetString("source_dir"),
		DestDir:    v.GetString("dest_dir"),
		ArchiveDir: v.GetString("archive_dir"),
		LogFile:    v.GetString("log_file"),
		LogLevel:   v.GetString("log_level"),
		Blob: blob.S3Config{
			BucketName:    v.GetString("blob.bucket_name"),
			Region:        v.GetString("blob.region"),
			Endpoint:      v.GetString("blob.endpoint"),
			AccessKey:     v.GetString("blob.access_key"),
			SecretKey:     v.GetString("blob.secret_key"),
			UsePathStyle:  v.GetBool("blob.use_path_style"),
			UseAccelerate: v.GetBool("blob.use_accelerate"),
		},
		Upload: config.UploadConfig{
			KeyPrefix: v.GetString("upload.key_prefix"),
			Workers:   v.GetInt("upload.workers"),
		},
		Lock: config.LockConfig{
			StaleAfter: v.GetDuration("lock.stale_after"),
		},
	}

	var err error
	if cfg.Upload.MultipartThreshold, err = config.ParseSize(v.GetString("upload.multipart_threshold")); err != nil {
		return nil, fmt.Errorf("upload.multipart_threshold: %w", err)
	}
	if cfg.Upload.PartSize, err = config.ParseSize(v.GetString("upload.part_size")); err != nil {
		return nil, fmt.Errorf("upload.part_size: %w", err)
	}

	if v.IsSet("ignore") {
		cfg.Ignore = v.GetStringSlice("ignore")
	}
	if v.IsSet("include") {
		cfg.Include = v.GetStringSlice("include")
	}

	return cfg, nil
}

func parseLevel(s string) (slog.Level, error) {
	if s == "" {
		return slog.LevelInfo, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return level, nil
}
