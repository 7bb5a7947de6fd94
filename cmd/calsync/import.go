package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"calsync/internal/ics"
	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/provider"
	"calsync/internal/store"
)

var importCalendar string

var importCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Import an .ics file into a calendar",
	Long: `Import every event of an .ics file ("-" reads stdin) into the given
calendar. Without --calendar the default calendar of a local account named
"local" is used and created when missing. Re-importing the same file
replaces the earlier occurrences.`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

func init() {
	importCmd.Flags().StringVar(&importCalendar, "calendar", "", "Target calendar id")
}

func runImport(cmd *cobra.Command, args []string) error {
	conf, err := loadConfig()
	if err != nil {
		return err
	}
	body, err := readSource(cmd, args[0])
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	db, err := openStore(ctx, conf)
	if err != nil {
		return err
	}
	defer db.Close()

	calendarID := importCalendar
	if calendarID == "" {
		calendarID, err = ensureLocalCalendar(ctx, db)
		if err != nil {
			return err
		}
	} else if _, err := db.Calendars().Get(ctx, calendarID); err != nil {
		return fmt.Errorf("calendar %q: %w", calendarID, err)
	}

	im := ics.NewImporter(conf.HorizonDays, conf.ExpansionLimit)
	res, err := provider.Import(ctx, db, nil, im, string(body), calendarID)
	if err != nil {
		appLog.Error("import failed", err, "file", args[0], "calendar", calendarID)
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "imported %d events (%d busytimes) into %s\n", len(res.Events), res.Busytimes, calendarID)
	if res.AlarmGaps > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "warning: alarms of %d occurrences were not stored\n", res.AlarmGaps)
	}
	return nil
}

func readSource(cmd *cobra.Command, name string) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(name)
}

// ensureLocalCalendar returns the default calendar of the "local" account,
// creating both through the local provider when missing.
func ensureLocalCalendar(ctx context.Context, db *store.DB) (string, error) {
	const accountID = "local"
	local := provider.NewLocal(db, nil)

	acct, err := db.Accounts().Get(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		acct, err = db.Accounts().VerifyAndPersist(ctx, model.Account{ID: accountID, ProviderType: provider.TypeLocal}, local)
	}
	if err != nil {
		return "", err
	}
	if err := local.SyncAccount(ctx, acct); err != nil {
		return "", err
	}
	return provider.LocalCalendarID(acct.ID), nil
}
