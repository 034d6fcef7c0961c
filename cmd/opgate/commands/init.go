package commands

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	sshpkg "golang.org/x/crypto/ssh"

	"github.com/opgate/opgate/pkg/config"
	"github.com/opgate/opgate/pkg/stores"
)

func newInitCommand() *cobra.Command {
	var (
		force  bool
		sshKey string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter configuration and initialize the store",
		Long: `Write an annotated starter configuration and initialize the session store.

The starter configuration carries verb tables for every provider and a five
minute approval timeout. With --ssh-key an ed25519 key pair is generated for
running CLI providers on a remote host.`,
		Example: `  # Initialize in the current directory
  opgate init

  # Initialize with a key for the remote runner
  opgate init --config /etc/opgate/opgate.yaml --ssh-key /etc/opgate/keys/opgate-ed25519`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Info().Str("config", configPath).Msg("Initializing workspace")

			if _, err := os.Stat(configPath); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", configPath)
			}
			if dir := filepath.Dir(configPath); dir != "." {
				if err := os.MkdirAll(dir, 0750); err != nil {
					return fmt.Errorf("failed to create directory %s: %w", dir, err)
				}
			}
			if err := os.WriteFile(configPath, config.Starter(), 0640); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
			fmt.Printf("✓ Created config file: %s\n", configPath)

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.Store.Driver == "sqlite" {
				store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Store.Path})
				if err != nil {
					return fmt.Errorf("failed to create store: %w", err)
				}
				defer store.Close()
				if err := store.Init(cmd.Context()); err != nil {
					return fmt.Errorf("failed to initialize store: %w", err)
				}
				if err := store.Migrate(cmd.Context()); err != nil {
					return fmt.Errorf("failed to run migrations: %w", err)
				}
				fmt.Printf("✓ Initialized SQLite database: %s\n", cfg.Store.Path)
			}

			if sshKey != "" {
				if err := writeKeyPair(sshKey); err != nil {
					return err
				}
				fmt.Printf("✓ Generated SSH key pair: %s\n", sshKey)
				fmt.Printf("  Set providers.remote.key_file to %s and authorize %s.pub on the remote host\n", sshKey, sshKey)
			}

			fmt.Println("\nEdit the verb tables and provider settings, then run 'opgate validate'.")
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	cmd.Flags().StringVar(&sshKey, "ssh-key", "", "generate an ed25519 key pair at this path")
	return cmd
}

func writeKeyPair(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("key %s already exists", path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}

	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate keypair: %w", err)
	}

	privKeyBytes, err := sshpkg.MarshalPrivateKey(privKey, "opgate")
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(privKeyBytes), 0600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}

	sshPubKey, err := sshpkg.NewPublicKey(pubKey)
	if err != nil {
		return fmt.Errorf("failed to create SSH public key: %w", err)
	}
	if err := os.WriteFile(path+".pub", sshpkg.MarshalAuthorizedKey(sshPubKey), 0644); err != nil {
		return fmt.Errorf("failed to write public key: %w", err)
	}
	return nil
}
