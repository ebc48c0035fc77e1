package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/shopspring/decimal"

	"github.com/zombor/hsa-reimburse/internal/config"
	"github.com/zombor/hsa-reimburse/internal/receipt"
	"github.com/zombor/hsa-reimburse/internal/scanning"
	"github.com/zombor/hsa-reimburse/internal/watch"
)

var errNotInteractive = errors.New("confirmation required: rerun with --yes when stdin is not a terminal")

// app wires flags, configuration and the receipt service for one invocation
type app struct {
	env environment

	configPath  *string
	dbPath      *string
	receiptsDir *string
	backupDir   *string
	exportDir   *string
	store       *string
	verbose     *bool
	showVersion *bool

	cfg     *config.Config
	db      receipt.DB
	service *receipt.Service
}

func newApp(env environment) *app {
	return &app{env: env}
}

func (a *app) command() *ff.Command {
	rootFlags := ff.NewFlagSet("hsa-reimburse")
	a.configPath = rootFlags.String('c', "config", "", "config file (default ~/Documents/hsa-reimburse/config.yaml)")
	a.dbPath = rootFlags.StringLong("db", "", "database file path")
	a.receiptsDir = rootFlags.StringLong("receipts", "", "receipts directory")
	a.backupDir = rootFlags.StringLong("backups", "", "backup directory")
	a.exportDir = rootFlags.StringLong("exports", "", "report export directory")
	a.store = rootFlags.StringLong("store", "", "storage backend: bolt or sqlite")
	a.verbose = rootFlags.BoolLong("verbose", "log progress to stderr")
	a.showVersion = rootFlags.BoolLong("version", "show version information")

	return &ff.Command{
		Name:      "hsa-reimburse",
		Usage:     "hsa-reimburse [FLAGS] <SUBCOMMAND> ...",
		ShortHelp: "track HSA receipts and reimbursements",
		Flags:     rootFlags,
		Subcommands: []*ff.Command{
			a.scanCommand(rootFlags),
			a.checkInvalidCommand(rootFlags),
			a.requestCommand(rootFlags),
			a.resetCommand(rootFlags),
			a.backupCommand(rootFlags),
			a.restoreCommand(rootFlags),
			a.summaryCommand(rootFlags),
			a.reportCommand(rootFlags),
			a.configCommand(rootFlags),
			a.serveCommand(rootFlags),
			a.watchCommand(rootFlags),
		},
	}
}

func (a *app) configFile() string {
	if *a.configPath != "" {
		return config.ExpandHome(*a.configPath, a.env.home)
	}
	return config.DefaultPath(a.env.home)
}

// loadConfig reads the config file and applies flag overrides
func (a *app) loadConfig() error {
	cfg, err := config.Load(a.configFile(), a.env.home)
	if err != nil {
		return err
	}

	overrides := []struct {
		flag  *string
		field *string
	}{
		{a.dbPath, &cfg.DatabasePath},
		{a.receiptsDir, &cfg.ReceiptsDir},
		{a.backupDir, &cfg.BackupDir},
		{a.exportDir, &cfg.ExportDir},
		{a.store, &cfg.Store},
	}
	for _, o := range overrides {
		if *o.flag != "" {
			*o.field = config.ExpandHome(*o.flag, a.env.home)
		}
	}

	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg
	return nil
}

// open loads configuration and connects the receipt service
func (a *app) open() error {
	configureLogging(a.env.stderr, *a.verbose)

	if err := a.loadConfig(); err != nil {
		return err
	}

	var err error
	switch a.cfg.Store {
	case config.StoreSQLite:
		a.db, err = receipt.NewSQLiteDB(a.cfg.DatabasePath)
	default:
		if mkErr := os.MkdirAll(filepath.Dir(a.cfg.DatabasePath), 0755); mkErr != nil {
			return fmt.Errorf("creating database directory: %w", mkErr)
		}
		a.db, err = receipt.NewBoltDB(a.cfg.DatabasePath)
	}
	if err != nil {
		return err
	}

	backups, err := receipt.NewLocalStorage(a.cfg.BackupDir)
	if err != nil {
		return err
	}
	exports, err := receipt.NewLocalStorage(a.cfg.ExportDir)
	if err != nil {
		return err
	}

	a.service = receipt.NewService(a.db, receipt.OSDirectory{}, backups, exports)
	return nil
}

func (a *app) close() {
	if a.db != nil {
		a.db.Close()
		a.db = nil
	}
}

// withService opens the service before running fn
func (a *app) withService(fn func(ctx context.Context, args []string) error) func(context.Context, []string) error {
	return func(ctx context.Context, args []string) error {
		if err := a.open(); err != nil {
			return err
		}
		return fn(ctx, args)
	}
}

// confirm asks a yes/no question on the terminal
func (a *app) confirm(question string) (bool, error) {
	if !a.env.interactive {
		return false, errNotInteractive
	}
	return promptYesNo(question)
}

// rememberReceiptsDir stores dir as the default receipts directory
func (a *app) rememberReceiptsDir(dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", dir, err)
	}

	// Reload so flag overrides are not written to the file
	cfg, err := config.Load(a.configFile(), a.env.home)
	if err != nil {
		return err
	}
	if cfg.ReceiptsDir == abs {
		return nil
	}
	cfg.ReceiptsDir = abs
	if err := cfg.Save(a.configFile()); err != nil {
		return err
	}
	printInfof(a.env.stdout, "Receipts directory set to %s", pathStyle.Render(abs))
	return nil
}

func (a *app) scanCommand(parent *ff.FlagSet) *ff.Command {
	flags := ff.NewFlagSet("scan").SetParent(parent)
	path := flags.StringLong("path", "", "directory to scan (remembered for later runs)")

	return &ff.Command{
		Name:      "scan",
		Usage:     "hsa-reimburse scan [--path DIR]",
		ShortHelp: "record new and renamed receipts from the receipts directory",
		Flags:     flags,
		Exec: a.withService(func(ctx context.Context, args []string) error {
			dir := a.cfg.ReceiptsDir
			if *path != "" {
				dir = *path
			}

			report, err := a.service.Scan(dir)
			if err != nil {
				return err
			}
			printScanReport(a.env.stdout, report)

			if *path != "" {
				return a.rememberReceiptsDir(*path)
			}
			return nil
		}),
	}
}

func (a *app) checkInvalidCommand(parent *ff.FlagSet) *ff.Command {
	flags := ff.NewFlagSet("check-invalid").SetParent(parent)
	path := flags.StringLong("path", "", "directory to check")

	return &ff.Command{
		Name:      "check-invalid",
		Usage:     "hsa-reimburse check-invalid [--path DIR]",
		ShortHelp: "list files that do not follow YYYYMMDD_amount[_note].ext",
		Flags:     flags,
		Exec: a.withService(func(ctx context.Context, args []string) error {
			dir := a.cfg.ReceiptsDir
			if *path != "" {
				dir = *path
			}

			invalid, err := a.service.CheckInvalid(dir)
			if err != nil {
				return err
			}
			printInvalid(a.env.stdout, invalid)
			return nil
		}),
	}
}

func (a *app) requestCommand(parent *ff.FlagSet) *ff.Command {
	flags := ff.NewFlagSet("request").SetParent(parent)
	yes := flags.Bool('y', "yes", "commit without asking")

	return &ff.Command{
		Name:      "request",
		Usage:     "hsa-reimburse request [--yes] <AMOUNT>",
		ShortHelp: "select unreimbursed receipts up to AMOUNT and record a reimbursement",
		Flags:     flags,
		Exec: a.withService(func(ctx context.Context, args []string) error {
			if len(args) != 1 {
				return errors.New("request takes exactly one amount")
			}
			target, err := parseAmount(args[0])
			if err != nil {
				return err
			}

			confirm := func(selection *receipt.Selection) (bool, error) {
				printSelection(a.env.stdout, selection)
				if *yes {
					return true, nil
				}
				return a.confirm(fmt.Sprintf("Record a reimbursement of $%s?", selection.Total.StringFixed(2)))
			}

			reimbursement, selection, err := a.service.RequestReimbursement(target, confirm)
			switch {
			case errors.Is(err, receipt.ErrNothingSelected):
				printInfof(a.env.stdout, "No unreimbursed receipts fit within $%s", target.StringFixed(2))
				return nil
			case errors.Is(err, receipt.ErrCancelled):
				printInfof(a.env.stdout, "Cancelled")
				return nil
			case err != nil:
				return err
			}

			printSuccess(a.env.stdout, fmt.Sprintf("Recorded reimbursement #%d for $%s (%d receipts)",
				reimbursement.ID, reimbursement.Amount.StringFixed(2), len(reimbursement.ReceiptIDs)))
			if short := target.Sub(selection.Total); short.IsPositive() {
				printInfof(a.env.stdout, "$%s of the requested amount could not be matched", short.StringFixed(2))
			}
			return nil
		}),
	}
}

func (a *app) resetCommand(parent *ff.FlagSet) *ff.Command {
	flags := ff.NewFlagSet("reset").SetParent(parent)
	yes := flags.Bool('y', "yes", "reset without asking")

	return &ff.Command{
		Name:      "reset",
		Usage:     "hsa-reimburse reset [--yes]",
		ShortHelp: "back up and delete every reimbursement, marking all receipts unreimbursed",
		Flags:     flags,
		Exec: a.withService(func(ctx context.Context, args []string) error {
			confirm := func() (bool, error) {
				if *yes {
					return true, nil
				}
				return a.confirm("Delete all reimbursements? A backup is written first.")
			}

			result, err := a.service.ResetReimbursements(confirm)
			if errors.Is(err, receipt.ErrCancelled) {
				printInfof(a.env.stdout, "Cancelled")
				return nil
			}
			if err != nil {
				return err
			}

			if result.BackupPath != "" {
				printInfof(a.env.stdout, "Backup written to %s", pathStyle.Render(result.BackupPath))
			}
			printSuccess(a.env.stdout, fmt.Sprintf("Removed %d reimbursements", result.Removed))
			return nil
		}),
	}
}

func (a *app) backupCommand(parent *ff.FlagSet) *ff.Command {
	return &ff.Command{
		Name:      "backup",
		Usage:     "hsa-reimburse backup",
		ShortHelp: "write every reimbursement to a JSON backup file",
		Flags:     ff.NewFlagSet("backup").SetParent(parent),
		Exec: a.withService(func(ctx context.Context, args []string) error {
			path, err := a.service.BackupReimbursements()
			if err != nil {
				return err
			}
			if path == "" {
				printInfof(a.env.stdout, "No reimbursements to back up")
				return nil
			}
			printSuccess(a.env.stdout, "Backup written to "+pathStyle.Render(path))
			return nil
		}),
	}
}

func (a *app) restoreCommand(parent *ff.FlagSet) *ff.Command {
	return &ff.Command{
		Name:      "restore",
		Usage:     "hsa-reimburse restore <BACKUP_FILE>",
		ShortHelp: "restore reimbursements from a backup file",
		Flags:     ff.NewFlagSet("restore").SetParent(parent),
		Exec: a.withService(func(ctx context.Context, args []string) error {
			if len(args) != 1 {
				return errors.New("restore takes exactly one backup file")
			}
			count, err := a.service.RestoreReimbursements(args[0])
			if err != nil {
				return err
			}
			printSuccess(a.env.stdout, fmt.Sprintf("Restored %d reimbursements", count))
			return nil
		}),
	}
}

func (a *app) summaryCommand(parent *ff.FlagSet) *ff.Command {
	return &ff.Command{
		Name:      "summary",
		Usage:     "hsa-reimburse summary",
		ShortHelp: "show available and reimbursed totals",
		Flags:     ff.NewFlagSet("summary").SetParent(parent),
		Exec: a.withService(func(ctx context.Context, args []string) error {
			summary, err := a.service.Summary()
			if err != nil {
				return err
			}
			printSummary(a.env.stdout, summary)
			return nil
		}),
	}
}

func (a *app) reportCommand(parent *ff.FlagSet) *ff.Command {
	flags := ff.NewFlagSet("report").SetParent(parent)
	export := flags.StringLong("export", "", "also write the report as csv or json")

	return &ff.Command{
		Name:      "report",
		Usage:     "hsa-reimburse report [--export csv|json]",
		ShortHelp: "list reimbursements with the receipts they covered",
		Flags:     flags,
		Exec: a.withService(func(ctx context.Context, args []string) error {
			entries, err := a.service.Report()
			if err != nil {
				return err
			}
			printReport(a.env.stdout, entries)

			if *export == "" {
				return nil
			}
			path, err := a.service.ExportReport(*export)
			if err != nil {
				return err
			}
			if path != "" {
				printSuccess(a.env.stdout, "Report exported to "+pathStyle.Render(path))
			}
			return nil
		}),
	}
}

func (a *app) configCommand(parent *ff.FlagSet) *ff.Command {
	return &ff.Command{
		Name:      "config",
		Usage:     "hsa-reimburse config",
		ShortHelp: "show the effective configuration",
		Flags:     ff.NewFlagSet("config").SetParent(parent),
		Exec: func(ctx context.Context, args []string) error {
			configureLogging(a.env.stderr, *a.verbose)
			if err := a.loadConfig(); err != nil {
				return err
			}
			printConfig(a.env.stdout, a.configFile(), a.cfg)
			return nil
		},
	}
}

func (a *app) serveCommand(parent *ff.FlagSet) *ff.Command {
	flags := ff.NewFlagSet("serve").SetParent(parent)
	port := flags.IntLong("port", 8080, "HTTP server port")
	authUser := flags.StringLong("auth-user", "", "basic auth username (optional)")
	authPass := flags.StringLong("auth-pass", "", "basic auth password (optional)")

	return &ff.Command{
		Name:      "serve",
		Usage:     "hsa-reimburse serve [--port N] [--auth-user U --auth-pass P]",
		ShortHelp: "serve the JSON API",
		Flags:     flags,
		Exec: a.withService(func(ctx context.Context, args []string) error {
			server := receipt.NewServer(a.service, receipt.BasicAuth{
				Username: *authUser,
				Password: *authPass,
			}, a.cfg.ReceiptsDir)

			addr := fmt.Sprintf(":%d", *port)
			errCh := make(chan error, 1)
			go func() {
				errCh <- server.Start(addr)
			}()

			printInfof(a.env.stdout, "Serving on http://localhost%s", addr)
			if *authUser != "" || *authPass != "" {
				printInfof(a.env.stdout, "Basic auth enabled for %s", *authUser)
			}

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
				printInfof(a.env.stdout, "Shutting down")
				return nil
			}
		}),
	}
}

func (a *app) watchCommand(parent *ff.FlagSet) *ff.Command {
	flags := ff.NewFlagSet("watch").SetParent(parent)
	delay := flags.DurationLong("delay", watch.DefaultDelay, "quiet period before rescanning")

	return &ff.Command{
		Name:      "watch",
		Usage:     "hsa-reimburse watch [--delay D]",
		ShortHelp: "rescan the receipts directory whenever it changes",
		Flags:     flags,
		Exec: a.withService(func(ctx context.Context, args []string) error {
			dir := a.cfg.ReceiptsDir
			scan := func(context.Context) {
				report, err := a.service.Scan(dir)
				if err != nil {
					printError(a.env.stderr, err.Error())
					return
				}
				printInfof(a.env.stdout, "%s", time.Now().Format(time.TimeOnly))
				printScanReport(a.env.stdout, report)
			}

			scan(ctx)
			w := &watch.Watcher{Dir: dir, Delay: *delay, Filter: scanning.Accepted}
			return w.Run(ctx, scan)
		}),
	}
}

// parseAmount reads a non-negative dollar amount with at most two decimals
func parseAmount(s string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q", s)
	}
	if amount.IsNegative() {
		return decimal.Zero, fmt.Errorf("amount %s must not be negative", s)
	}
	if !amount.Equal(amount.Round(2)) {
		return decimal.Zero, fmt.Errorf("amount %s has more than two decimals", s)
	}
	return amount, nil
}
