package sync

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"possync/internal/app/terminal"
)

var fullSync bool

var SyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Выполнить синхронизацию",
	Long: `Выполняет один цикл синхронизации: отправка очереди, получение
изменений центра и разрешение конфликтов.

По умолчанию отправляются только срочные изменения (приоритет high и выше).
С флагом --full отправляется вся очередь.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := terminal.FromContext(cmd.Context())
		if err != nil {
			return err
		}

		result, err := app.Sync(cmd.Context(), fullSync)
		if errors.Is(err, terminal.ErrSyncInProgress) {
			fmt.Println("⚠️  Синхронизация уже выполняется")
			return nil
		}
		if result == nil {
			return fmt.Errorf("ошибка синхронизации: %w", err)
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if encErr := enc.Encode(result); encErr != nil {
				return encErr
			}
			return err
		}

		printResult(result)
		if err != nil {
			return fmt.Errorf("синхронизация завершилась с ошибкой: %w", err)
		}
		return nil
	},
}

func printResult(r *terminal.CycleResult) {
	fmt.Println()
	if r.Push.Failure == 0 && r.Pull.Failure == 0 {
		fmt.Println("✅ Синхронизация завершена!")
	} else {
		fmt.Println("⚠️  Синхронизация завершена с ошибками")
	}
	fmt.Printf("Режим: %s\n", r.Mode)
	fmt.Printf("Время выполнения: %v\n", r.Duration().Round(time.Millisecond))
	fmt.Printf("Отправлено в центр: %d (ошибок: %d)\n", r.Push.Success, r.Push.Failure)
	fmt.Printf("Получено из центра: создано %d, обновлено %d, пропущено %d (ошибок: %d)\n",
		r.Pull.Created, r.Pull.Updated, r.Pull.Skipped, r.Pull.Failure)

	if conflicts := r.Push.Conflict + r.Pull.Conflict; conflicts > 0 || r.Resolved > 0 {
		fmt.Printf("Новых конфликтов: %d\n", conflicts)
		fmt.Printf("Разрешено конфликтов: %d\n", r.Resolved)
	}
	if r.Unresolved > 0 {
		fmt.Printf("⚠️  Не удалось разрешить: %d\n", r.Unresolved)
		fmt.Println("   Используйте 'possync conflicts list' для просмотра")
	}
}

func init() {
	SyncCmd.Flags().BoolVarP(&fullSync, "full", "f", false, "отправить всю очередь, а не только срочные изменения")
}
