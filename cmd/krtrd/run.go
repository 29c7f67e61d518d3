package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Z0rlord/krtr-mesh-sub001/config"
	"github.com/Z0rlord/krtr-mesh-sub001/identity"
	"github.com/Z0rlord/krtr-mesh-sub001/logging"
	"github.com/Z0rlord/krtr-mesh-sub001/mesh"
)

func newRunCmd() *cobra.Command {
	var configPath string
	var nickname string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the mesh engine and block until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(configPath, nickname)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a krtr.yaml config file (defaults to built-in defaults)")
	cmd.Flags().StringVar(&nickname, "nickname", "krtrd", "nickname advertised to peers")
	return cmd
}

func runDaemon(configPath, nickname string) error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		cfg = loaded
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	log := logging.NewLogrus(cfg.LogLevel)

	store, err := newFileStore(dataDir)
	if err != nil {
		return fmt.Errorf("opening data directory: %w", err)
	}

	identityKey, err := loadOrCreateIdentityKey(store)
	if err != nil {
		return fmt.Errorf("loading identity key: %w", err)
	}

	favorites, err := identity.LoadFavoriteSet(store)
	if err != nil {
		return fmt.Errorf("loading favorites: %w", err)
	}

	adapter := newLoopbackAdapter(log)
	delegate := newLogDelegate(log, nickname, identity.PeerID{})

	engine, err := mesh.New(cfg.MeshConfig(favorites), adapter, delegate, identityKey, log, rand.Int63())
	if err != nil {
		return fmt.Errorf("constructing engine: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}
	log.Infof("krtrd running as %q, fingerprint %s", nickname, identityKey.Fingerprint())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Infof("shutting down")
	return engine.Stop()
}

func loadOrCreateIdentityKey(store *fileStore) (*identity.IdentityKey, error) {
	seed, ok, err := store.Get(identityStoreKey)
	if err != nil {
		return nil, err
	}
	if ok {
		return identity.LoadIdentityKey(seed)
	}

	key, err := identity.GenerateIdentityKey()
	if err != nil {
		return nil, err
	}
	if err := store.Set(identityStoreKey, key.Seed()); err != nil {
		return nil, err
	}
	return key, nil
}
