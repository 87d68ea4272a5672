package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/acuatec/aquatrack/pkg/cipher"
	"github.com/acuatec/aquatrack/pkg/config"
	"github.com/acuatec/aquatrack/pkg/imagesync"
	"github.com/acuatec/aquatrack/pkg/localstore"
	"github.com/acuatec/aquatrack/pkg/logger"
	"github.com/acuatec/aquatrack/pkg/orchestrator"
	"github.com/acuatec/aquatrack/pkg/remotestore"
	"github.com/acuatec/aquatrack/pkg/syncinfo"
)

type app struct {
	opt    *config.Options
	store  *localstore.Gateway
	remote *remotestore.Store
	orch   *orchestrator.Orchestrator
	images *imagesync.Syncer
}

// tokenFromEnv is the auth boundary of the engine: it obtains a current
// bearer token. Refresh and interactive login live outside this binary.
func tokenFromEnv(ctx context.Context) (string, error) {
	token := os.Getenv("AQUATRACK_TOKEN")
	if token == "" {
		return "", errors.New("AQUATRACK_TOKEN is not set")
	}
	return token, nil
}

func newApp() (*app, error) {
	opt := config.NewConfig()
	log := logger.NewLogger(opt.LogFile)

	var ciph *cipher.Cipher
	if opt.BackupKey != "" {
		ciph = cipher.New(opt.BackupKey)
	}

	remote := remotestore.NewStore(opt.ServerURL, tokenFromEnv, opt.RemoteDBPath, log)
	store := localstore.NewGateway(opt.DatabasePath, opt.DeviceID, remote, ciph, log)

	marks, err := syncinfo.NewManager(opt.SyncInfoPath)
	if err != nil {
		return nil, err
	}

	return &app{
		opt:    opt,
		store:  store,
		remote: remote,
		orch:   orchestrator.New(store, remote, marks, ciph, opt, log),
		images: imagesync.New(remote, opt, log),
	}, nil
}

func main() {
	root := &cobra.Command{
		Use:          "aquatrack",
		Short:        "Local-first sync engine for the AquaTrack field service database",
		SilenceUsage: true,
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Run the background sync loops until interrupted",
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := newApp()
				if err != nil {
					return err
				}
				defer a.store.Close()

				ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
				defer stop()

				if err := a.store.Init(ctx); err != nil {
					return err
				}
				a.images.Start()
				defer a.images.Stop()
				a.orch.Run(ctx)
				return nil
			},
		},
		&cobra.Command{
			Use:   "sync",
			Short: "Run a single sync cycle now",
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := newApp()
				if err != nil {
					return err
				}
				defer a.store.Close()

				ctx := context.Background()
				if err := a.store.Init(ctx); err != nil {
					return err
				}
				if err := a.orch.SyncNow(ctx); err != nil {
					return err
				}
				return a.images.SyncOnce(ctx)
			},
		},
		&cobra.Command{
			Use:   "restore",
			Short: "Replace the local database with the remote backup",
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := newApp()
				if err != nil {
					return err
				}
				defer a.store.Close()
				return a.orch.RestoreDatabase(context.Background())
			},
		},
		&cobra.Command{
			Use:   "share <remote-path>",
			Short: "Create a view link for a remote file",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := newApp()
				if err != nil {
					return err
				}
				url, err := a.remote.CreateShareLink(context.Background(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), url)
				return nil
			},
		},
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
