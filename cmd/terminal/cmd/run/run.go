package run

import (
	"fmt"

	"github.com/spf13/cobra"

	"possync/internal/app/terminal"
)

var RunCmd = &cobra.Command{
	Use:   "run",
	Short: "Запустить фоновую синхронизацию",
	Long: `Запускает агент синхронизации: циклы по расписанию (sync.interval),
heartbeat в центр и канал уведомлений, по которому центр может
запросить полную синхронизацию.

Расписание задается интервалом (5m) или cron выражением (*/5 * * * *).
Работает до Ctrl+C.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := terminal.FromContext(cmd.Context())
		if err != nil {
			return err
		}

		cfg := app.Config()
		fmt.Printf("Терминал %s, центр %s\n", cfg.TerminalID, cfg.CentralURL)
		fmt.Printf("Расписание: %s\n", cfg.Sync.Interval)

		if err := app.CheckConnection(cmd.Context()); err != nil {
			fmt.Printf("⚠️  Центр недоступен: %v\n", err)
			fmt.Println("Изменения будут копиться в очереди до восстановления связи.")
		}

		if err := app.Run(cmd.Context()); err != nil {
			return err
		}

		fmt.Println("Синхронизация остановлена")
		return nil
	},
}
