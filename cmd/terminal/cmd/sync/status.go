package sync

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"possync/internal/app/terminal"
	"possync/internal/domain/entity"
)

var remoteStatus bool

var StatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Состояние синхронизации",
	Long: `Показывает очередь изменений и открытые конфликты по типам сущностей,
результат последнего цикла и доступность центра.

С флагом --remote дополнительно запрашивает сводку у центра.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := terminal.FromContext(cmd.Context())
		if err != nil {
			return err
		}

		st, err := app.Status(cmd.Context())
		if err != nil {
			return fmt.Errorf("ошибка получения статуса: %w", err)
		}
		connErr := app.CheckConnection(cmd.Context())

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			out := map[string]any{
				"terminalId":       st.TerminalID,
				"centralReachable": connErr == nil,
				"types":            st.Types,
				"lastSync":         st.LastSync,
			}
			if remoteStatus && connErr == nil {
				if remote, err := app.CentralStatus(cmd.Context()); err == nil {
					out["central"] = remote
				}
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		}

		bold := color.New(color.Bold)
		ok := color.New(color.FgGreen)
		warn := color.New(color.FgYellow)
		bad := color.New(color.FgRed)

		bold.Printf("Терминал %s\n", st.TerminalID)

		fmt.Print("Центр: ")
		if connErr != nil {
			bad.Printf("недоступен (%v)\n", connErr)
		} else {
			ok.Println("доступен")
		}

		if st.LastSync != nil {
			fmt.Print("Последняя синхронизация: ")
			ts := st.LastSync.CompletedAt.Local().Format("2006-01-02 15:04:05")
			if st.LastSync.Success {
				ok.Printf("%s, успешно\n", ts)
			} else {
				bad.Printf("%s, с ошибкой: %s\n", ts, st.LastSync.ErrorMessage)
			}
		} else {
			warn.Println("Синхронизация еще не выполнялась")
		}

		fmt.Println()
		if len(st.Types) == 0 {
			ok.Println("Очередь пуста, конфликтов нет")
		} else {
			types := make([]entity.Type, 0, len(st.Types))
			for t := range st.Types {
				types = append(types, t)
			}
			sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ТИП\tОЖИДАЮТ\tОШИБКИ\tКОНФЛИКТЫ")
			fmt.Fprintln(w, "---\t-------\t------\t---------")
			for _, t := range types {
				c := st.Types[t]
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", t, c.Pending, c.Failed, c.Conflicts)
			}
			if err := w.Flush(); err != nil {
				return err
			}
		}

		if remoteStatus && connErr == nil {
			remote, err := app.CentralStatus(cmd.Context())
			if err != nil {
				return fmt.Errorf("ошибка получения сводки центра: %w", err)
			}
			fmt.Println()
			bold.Println("Сводка центра:")
			fmt.Printf("  Таблиц: %d, с ожидающими: %d, с ошибками: %d, с конфликтами: %d\n",
				remote.Summary.TotalTables, remote.Summary.TablesWithPending,
				remote.Summary.TablesWithFailed, remote.Summary.TablesWithConflicts)
			fmt.Printf("  Сформирована: %s\n", remote.GeneratedAt.Local().Format(time.DateTime))
		}

		return nil
	},
}

var logsLimit int

var LogsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Журнал синхронизации",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := terminal.FromContext(cmd.Context())
		if err != nil {
			return err
		}

		logs, err := app.SyncLogs(cmd.Context(), logsLimit)
		if err != nil {
			return fmt.Errorf("ошибка чтения журнала: %w", err)
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(logs)
		}

		if len(logs) == 0 {
			fmt.Println("Журнал пуст")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "НАЧАЛО\tДЛИТ.\tУСПЕХ\tОБРАБОТАНО\tСОЗДАНО\tОБНОВЛЕНО\tОШИБКА")
		for _, l := range logs {
			status := "✓"
			if !l.Success {
				status = "✗"
			}
			fmt.Fprintf(w, "%s\t%v\t%s\t%d\t%d\t%d\t%s\n",
				l.StartedAt.Local().Format(time.DateTime),
				l.CompletedAt.Sub(l.StartedAt).Round(time.Millisecond),
				status, l.Processed, l.Created, l.Updated, truncate(l.ErrorMessage, 60))
		}
		return w.Flush()
	},
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func init() {
	StatusCmd.Flags().BoolVar(&remoteStatus, "remote", false, "запросить сводку у центра")
	LogsCmd.Flags().IntVarP(&logsLimit, "limit", "n", 20, "сколько записей показать")
}
