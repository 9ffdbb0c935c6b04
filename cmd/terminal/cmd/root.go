// cmd/terminal/cmd/root.go
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/exp/slog"
	"golang.org/x/term"

	"possync/internal/app/terminal"
	"possync/internal/app/terminal/config"
	envconfig "possync/internal/config"
	"possync/internal/utils/logger"
)

var (
	cfgFile    string
	cfg        *config.Config
	log        *slog.Logger
	app        *terminal.App
	debug      bool
	jsonOutput bool
	centralURL string
)

var rootCmd = &cobra.Command{
	Use:   "possync",
	Short: "possync - агент синхронизации кассового терминала",
	Long: `possync хранит данные кассы в локальной базе и синхронизирует их
с центральным сервером.

Касса работает и без связи: изменения копятся в очереди (outbox) и
отправляются по приоритету, как только центр станет доступен.`,
	PersistentPreRunE:  setupApp,
	PersistentPostRunE: closeApp,
	SilenceUsage:       true,
	SilenceErrors:      true,
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func setupApp(cmd *cobra.Command, _ []string) error {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("ошибка загрузки конфигурации: %w", err)
	}

	if centralURL != "" {
		cfg.CentralURL = centralURL
	}

	env := cfg.Env
	if debug {
		env = envconfig.EnvLocal
	}
	log = logger.New(env)

	color.NoColor = jsonOutput || !term.IsTerminal(int(os.Stdout.Fd()))

	app, err = terminal.New(cfg, log)
	if err != nil {
		return fmt.Errorf("ошибка инициализации приложения: %w", err)
	}

	cmd.SetContext(terminal.WithApp(cmd.Context(), app))
	return nil
}

func closeApp(_ *cobra.Command, _ []string) error {
	if app == nil {
		return nil
	}
	return app.Close()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "конфигурационный файл (YAML)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "включить отладочный режим")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "вывод в формате JSON")
	rootCmd.PersistentFlags().StringVar(&centralURL, "central", "", "URL центрального сервера")
}
