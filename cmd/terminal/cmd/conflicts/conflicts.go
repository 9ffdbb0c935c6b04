package conflicts

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"possync/internal/app/terminal"
	"possync/internal/domain/conflict"
)

var ConflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Конфликты синхронизации",
	Long: `Просмотр и ручное разрешение конфликтов между данными кассы и центра.

Пока по сущности есть открытый конфликт, ее изменения не отправляются.`,
}

var showAll bool

var ListCmd = &cobra.Command{
	Use:   "list",
	Short: "Список конфликтов",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := terminal.FromContext(cmd.Context())
		if err != nil {
			return err
		}

		recs, err := app.Conflicts(cmd.Context(), !showAll)
		if err != nil {
			return fmt.Errorf("ошибка чтения конфликтов: %w", err)
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(recs)
		}

		if len(recs) == 0 {
			fmt.Println("Конфликтов нет")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tТИП\tСУЩНОСТЬ\tКОНФЛИКТ\tВЕРСИЯ ЦЕНТРА\tРЕШЕНИЕ\tОБНАРУЖЕН")
		fmt.Fprintln(w, "--\t---\t--------\t--------\t-------------\t-------\t---------")
		for _, r := range recs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
				r.ID, r.EntityType, r.EntityID, r.ConflictType, r.CentralVersion, r.Resolution,
				r.DetectedAt.Local().Format(time.DateTime))
		}
		return w.Flush()
	},
}

var resolution string

var ResolveCmd = &cobra.Command{
	Use:   "resolve <id>",
	Short: "Разрешить конфликт вручную",
	Long: `Разрешает конфликт выбранным способом:

  central   данные центра заменяют локальную копию
  terminal  данные кассы отправляются в центр
  merge     данные объединяются по правилам типа сущности и отправляются в центр
  discard   локальные изменения отбрасываются

Для terminal и merge нужна связь с центром.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := terminal.FromContext(cmd.Context())
		if err != nil {
			return err
		}

		res, err := parseResolution(resolution)
		if err != nil {
			return err
		}

		rec, err := app.ResolveConflict(cmd.Context(), args[0], res)
		switch {
		case errors.Is(err, terminal.ErrNotFound):
			return fmt.Errorf("конфликт %s не найден", args[0])
		case errors.Is(err, terminal.ErrAlreadyResolved):
			fmt.Println("Конфликт уже разрешен")
			return nil
		case err != nil:
			return fmt.Errorf("ошибка разрешения конфликта: %w", err)
		}

		fmt.Printf("✅ Конфликт %s %s/%s разрешен: %s\n", rec.ID, rec.EntityType, rec.EntityID, rec.Resolution)
		return nil
	},
}

func parseResolution(s string) (conflict.Resolution, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "central", "central_wins":
		return conflict.CentralWins, nil
	case "terminal", "terminal_wins":
		return conflict.TerminalWins, nil
	case "merge", "manual_merge":
		return conflict.ManualMerge, nil
	case "discard":
		return conflict.Discard, nil
	}
	return "", fmt.Errorf("неизвестный способ разрешения %q (central, terminal, merge, discard)", s)
}

func init() {
	ListCmd.Flags().BoolVarP(&showAll, "all", "a", false, "показать и разрешенные конфликты")
	ResolveCmd.Flags().StringVarP(&resolution, "resolution", "r", "", "способ разрешения: central, terminal, merge, discard")
	_ = ResolveCmd.MarkFlagRequired("resolution")
}
