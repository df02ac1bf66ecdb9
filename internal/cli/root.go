package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/hearthbudget/backend/internal/config"
	"github.com/hearthbudget/backend/internal/database"
	"github.com/hearthbudget/backend/internal/server"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

// Opener returns a database handle and the function that releases it.
type Opener func(cfg *config.Config) (*gorm.DB, func() error, error)

func openDatabase(cfg *config.Config) (*gorm.DB, func() error, error) {
	db, err := database.Open(cfg.DB)
	if err != nil {
		return nil, nil, err
	}
	return db, func() error { return database.Close(db) }, nil
}

type runtime struct {
	open     Opener
	jsonOut  bool
	app      *server.App
	closeDB  func() error
	out      io.Writer
	loadConf func() *config.Config
}

// NewRootCmd builds the authctl command tree. A nil open uses the
// configured database.
func NewRootCmd(open Opener) *cobra.Command {
	if open == nil {
		open = openDatabase
	}
	rt := &runtime{open: open, loadConf: config.Load}

	root := &cobra.Command{
		Use:   "authctl",
		Short: "HearthBudget auth maintenance",
		Long: `authctl inspects and maintains the HearthBudget auth tables.

  authctl cleanup                          Purge expired devices, ledger rows and codes
  authctl devices revoke --email a@b.com   Forget every trusted device of a user
  authctl user show --email a@b.com        Show a user's sign-in state`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return rt.start(cmd)
		},
	}
	root.PersistentFlags().BoolVar(&rt.jsonOut, "json", false, "Output as JSON")

	root.AddCommand(newCleanupCmd(rt), newDevicesCmd(rt), newUserCmd(rt))
	return root
}

func (rt *runtime) start(cmd *cobra.Command) error {
	rt.out = cmd.OutOrStdout()

	cfg := rt.loadConf()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	db, closeDB, err := rt.open(cfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	app, err := server.New(cfg, db)
	if err != nil {
		_ = closeDB()
		return err
	}

	rt.app = app
	rt.closeDB = closeDB
	return nil
}

// runE releases the app and database once the command body returns,
// whether or not it failed.
func (rt *runtime) runE(fn func(cmd *cobra.Command) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		defer func() {
			if stopErr := rt.stop(); err == nil {
				err = stopErr
			}
		}()
		return fn(cmd)
	}
}

func (rt *runtime) stop() error {
	if rt.app != nil {
		rt.app.Close()
		rt.app = nil
	}
	if rt.closeDB != nil {
		err := rt.closeDB()
		rt.closeDB = nil
		return err
	}
	return nil
}

// Execute runs authctl against the configured database.
func Execute() error {
	root := NewRootCmd(nil)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}
