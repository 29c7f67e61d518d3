package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Z0rlord/krtr-mesh-sub001/identity"
)

const identityStoreKey = "identity.key.v1"

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a new long-lived identity key and store it in the data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := newFileStore(dataDir)
			if err != nil {
				return fmt.Errorf("opening data directory: %w", err)
			}
			if _, ok, err := store.Get(identityStoreKey); err != nil {
				return err
			} else if ok {
				return fmt.Errorf("an identity key already exists in %s; remove it first if you want a new one", dataDir)
			}

			key, err := identity.GenerateIdentityKey()
			if err != nil {
				return fmt.Errorf("generating identity key: %w", err)
			}
			if err := store.Set(identityStoreKey, key.Seed()); err != nil {
				return fmt.Errorf("persisting identity key: %w", err)
			}

			fmt.Printf("identity key generated, fingerprint %s\n", key.Fingerprint())
			return nil
		},
	}
}
