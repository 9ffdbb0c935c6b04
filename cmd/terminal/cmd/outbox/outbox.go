package outbox

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"possync/internal/app/terminal"
	"possync/internal/domain/outbox"
)

var OutboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Очередь изменений",
	Long: `Просмотр очереди локальных изменений, ожидающих отправки в центр,
и повторная постановка в очередь изменений со статусом FAILED.`,
}

var listStatus string

var ListCmd = &cobra.Command{
	Use:   "list",
	Short: "Список изменений в очереди",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := terminal.FromContext(cmd.Context())
		if err != nil {
			return err
		}

		status := outbox.Status(strings.ToUpper(listStatus))
		switch status {
		case "", outbox.StatusPending, outbox.StatusCompleted, outbox.StatusFailed:
		default:
			return fmt.Errorf("неизвестный статус %q (PENDING, COMPLETED, FAILED)", listStatus)
		}

		items, err := app.Outbox(cmd.Context(), status)
		if err != nil {
			return fmt.Errorf("ошибка чтения очереди: %w", err)
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(items)
		}

		if len(items) == 0 {
			fmt.Println("Очередь пуста")
			return nil
		}

		fmt.Printf("Найдено изменений: %d\n\n", len(items))

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tТИП\tСУЩНОСТЬ\tОПЕРАЦИЯ\tПРИОР.\tСТАТУС\tПОПЫТКИ\tСОЗДАНО\tОШИБКА")
		fmt.Fprintln(w, "--\t---\t--------\t--------\t------\t------\t-------\t-------\t------")
		for _, it := range items {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%d/%d\t%s\t%s\n",
				it.ID, it.EntityType, it.EntityID, it.Operation, it.SyncPriority, it.Status,
				it.AttemptCount, it.MaxAttempts, it.CreatedAt.Local().Format(time.DateTime), it.ErrorMessage)
		}
		return w.Flush()
	},
}

var RetryCmd = &cobra.Command{
	Use:   "retry [id]",
	Short: "Вернуть FAILED изменения в очередь",
	Long: `Возвращает изменения со статусом FAILED в очередь и обнуляет счетчик попыток.
Без аргумента возвращаются все FAILED изменения.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := terminal.FromContext(cmd.Context())
		if err != nil {
			return err
		}

		id := ""
		if len(args) == 1 {
			id = args[0]
		}

		n, err := app.Retry(cmd.Context(), id)
		if err != nil {
			return fmt.Errorf("ошибка возврата в очередь: %w", err)
		}

		if n == 0 {
			fmt.Println("Нет изменений со статусом FAILED")
			return nil
		}
		fmt.Printf("✅ Возвращено в очередь: %d\n", n)
		return nil
	},
}

func init() {
	ListCmd.Flags().StringVarP(&listStatus, "status", "s", "", "фильтр по статусу (PENDING, COMPLETED, FAILED)")
}
