package entity

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"possync/internal/app/terminal"
	"possync/internal/domain/entity"
)

var EntityCmd = &cobra.Command{
	Use:   "entity",
	Short: "Локальные данные кассы",
	Long: `Просмотр и изменение локальных копий сущностей.

Каждое изменение сохраняется в локальной базе и ставится в очередь
на отправку в центр в одной транзакции.`,
}

var (
	putData string
	putFile string
)

var PutCmd = &cobra.Command{
	Use:   "put <type> <id>",
	Short: "Создать или изменить сущность",
	Long: `Сохраняет сущность локально и ставит изменение в очередь.
Данные передаются JSON объектом через --data или файлом через --file ("-" для stdin).

Пример:
  possync entity put SaleOrder o-1001 --data '{"status":"COMPLETED","total":1250}'`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := terminal.FromContext(cmd.Context())
		if err != nil {
			return err
		}

		data, err := readData()
		if err != nil {
			return err
		}

		item, err := app.Put(cmd.Context(), entity.Type(args[0]), args[1], data)
		if err != nil {
			return fmt.Errorf("ошибка сохранения: %w", err)
		}

		fmt.Printf("✅ %s %s сохранен (%s, приоритет %d, режим %s)\n",
			item.EntityType, item.EntityID, item.Operation, item.SyncPriority, item.CreatedInMode)
		return nil
	},
}

var DeleteCmd = &cobra.Command{
	Use:   "delete <type> <id>",
	Short: "Удалить сущность",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := terminal.FromContext(cmd.Context())
		if err != nil {
			return err
		}

		item, err := app.Delete(cmd.Context(), entity.Type(args[0]), args[1])
		if err != nil {
			return fmt.Errorf("ошибка удаления: %w", err)
		}

		fmt.Printf("✅ %s %s удален, изменение в очереди\n", item.EntityType, item.EntityID)
		return nil
	},
}

var showDeleted bool

var ListCmd = &cobra.Command{
	Use:   "list <type>",
	Short: "Список локальных копий",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := terminal.FromContext(cmd.Context())
		if err != nil {
			return err
		}

		items, err := app.Entities(cmd.Context(), entity.Type(args[0]), showDeleted)
		if err != nil {
			return fmt.Errorf("ошибка получения списка: %w", err)
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(items)
		}

		if len(items) == 0 {
			fmt.Println("Записи не найдены")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tВЕРСИЯ\tСТАТУС\tИЗМЕНЕНО\tДАННЫЕ")
		fmt.Fprintln(w, "--\t------\t------\t--------\t------")
		for _, e := range items {
			status := "✓"
			switch {
			case e.IsDeleted:
				status = "✗"
			case e.IsDirty:
				status = "●"
			}
			raw, _ := json.Marshal(e.Data)
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n",
				e.ID, e.SyncVersion, status, e.UpdatedAt.Local().Format(time.DateTime), truncate(string(raw), 60))
		}
		if err := w.Flush(); err != nil {
			return err
		}

		fmt.Println()
		fmt.Println("✓ синхронизирован  ● есть неотправленные изменения  ✗ удален")
		return nil
	},
}

func readData() (entity.Data, error) {
	var raw []byte
	switch {
	case putData != "" && putFile != "":
		return nil, fmt.Errorf("укажите только один из флагов --data или --file")
	case putData != "":
		raw = []byte(putData)
	case putFile == "-":
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("ошибка чтения stdin: %w", err)
		}
		raw = b
	case putFile != "":
		b, err := os.ReadFile(putFile)
		if err != nil {
			return nil, fmt.Errorf("ошибка чтения файла: %w", err)
		}
		raw = b
	default:
		return nil, fmt.Errorf("данные не заданы: используйте --data или --file")
	}

	var data entity.Data
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("данные должны быть JSON объектом: %w", err)
	}
	return data, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func init() {
	PutCmd.Flags().StringVarP(&putData, "data", "d", "", "данные сущности (JSON)")
	PutCmd.Flags().StringVarP(&putFile, "file", "f", "", "файл с данными сущности (JSON)")
	ListCmd.Flags().BoolVar(&showDeleted, "deleted", false, "показать удаленные")
}
