package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/gogpu/mux"
	"github.com/gogpu/mux/backend"
	_ "github.com/gogpu/mux/backend/native"
	_ "github.com/gogpu/mux/backend/software"
	"github.com/gogpu/mux/muxcore"
)

const (
	cfgConfigFile = "config"
	cfgBackend    = "backend"
	cfgElements   = "elements"
	cfgReplays    = "replays"
	cfgProfile    = "profile"
	cfgMetrics    = "metrics"
	cfgTimeout    = "timeout"
	cfgLogLevel   = "log.level"
	cfgMaxCmdbufs = "pool.max_command_buffers"
)

var (
	rootCmd = &cobra.Command{
		Use:          "muxrun",
		Short:        "Run a write, kernel, read pipeline through the mux scheduler",
		SilenceUsage: true,
		RunE:         runRoot,
	}

	backendsCmd = &cobra.Command{
		Use:   "backends",
		Short: "List registered backends",
		Run: func(cmd *cobra.Command, _ []string) {
			for _, name := range backend.Available() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
		},
	}

	cfgFile string
)

func runRoot(cmd *cobra.Command, _ []string) error {
	logger, err := newLogger(viper.GetString(cfgLogLevel))
	if err != nil {
		return err
	}
	mux.SetLogger(logger)
	defer mux.SetLogger(nil)

	dev, name, err := openDevice(viper.GetString(cfgBackend))
	if err != nil {
		return err
	}
	defer dev.Destroy()

	cfg := pipelineConfig{
		Elements: viper.GetUint32(cfgElements),
		Replays:  viper.GetInt(cfgReplays),
		Profile:  viper.GetBool(cfgProfile),
		Timeout:  viper.GetDuration(cfgTimeout),
	}
	var opts []mux.Option
	if viper.GetBool(cfgMetrics) {
		opts = append(opts, mux.WithMetrics())
	}
	if n := viper.GetInt(cfgMaxCmdbufs); n > 0 {
		opts = append(opts, mux.WithMaxCommandBuffers(n))
	}

	res, err := runPipeline(dev, cfg, opts...)
	if err != nil {
		return fmt.Errorf("backend %s: %w", name, err)
	}
	res.Backend = name
	res.print(cmd.OutOrStdout())
	return nil
}

func openDevice(name string) (muxcore.Device, string, error) {
	if name == "" {
		return backend.OpenDefault()
	}
	dev, err := backend.Open(name)
	return dev, name, err
}

func newLogger(level string) (*slog.Logger, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})), nil
}

func init() {
	rootFlags := flag.NewFlagSet("", flag.ContinueOnError)
	rootFlags.StringVar(&cfgFile, cfgConfigFile, "", "config file")
	rootFlags.String(cfgBackend, "", "backend to run on (default: first that opens)")
	rootFlags.Uint32(cfgElements, 1024, "number of u32 elements processed")
	rootFlags.Int(cfgReplays, 4, "times the recorded kernel command buffer is replayed")
	rootFlags.Bool(cfgProfile, false, "profile the queue and report command timings")
	rootFlags.Bool(cfgMetrics, false, "register scheduler metrics with Prometheus")
	rootFlags.Duration(cfgTimeout, defaultTimeout, "timeout for the whole pipeline")
	rootFlags.String(cfgLogLevel, "warn", "log level (debug, info, warn, error)")
	rootFlags.Int(cfgMaxCmdbufs, 0, "bound on live command buffers (0: unbounded)")
	_ = viper.BindPFlags(rootFlags)
	rootCmd.Flags().AddFlagSet(rootFlags)
	rootCmd.AddCommand(backendsCmd)

	cobra.OnInitialize(func() {
		viper.SetEnvPrefix("MUX")
		viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
		viper.AutomaticEnv()

		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
			if err := viper.ReadInConfig(); err != nil {
				fmt.Fprintf(os.Stderr, "muxrun: config %s: %v\n", cfgFile, err)
				os.Exit(1)
			}
		}
	})
}
