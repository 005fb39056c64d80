package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/mtzanidakis/flowmesh/internal/config"
	"github.com/mtzanidakis/flowmesh/internal/store"
	"github.com/mtzanidakis/flowmesh/internal/vault"
)

func runSecret(args []string) error {
	if len(args) == 0 {
		printSecretUsage()
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Vault.Passphrase == "" {
		return fmt.Errorf("FLOWMESH_VAULT_PASSPHRASE environment variable is required")
	}
	v := vault.New(cfg.Vault.Passphrase)

	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	switch args[0] {
	case "list":
		return secretList(db)
	case "set":
		return secretSet(db, v, args[1:])
	case "get":
		return secretGet(db, v, args[1:])
	case "delete":
		return secretDelete(db, args[1:])
	default:
		printSecretUsage()
		return fmt.Errorf("unknown secret command: %s", args[0])
	}
}

func printSecretUsage() {
	fmt.Fprintf(os.Stderr, `Usage: flowmesh secret <command>

Commands:
  list                                              List secrets (metadata only)
  set <name> --value <str> [--description <text>]   Store a secret
  set <name> --file <path> [--description <text>]   Store a file's contents
  get <name>                                        Decrypt and print a secret
  delete <name>                                     Delete a secret

Agent headers and env values of the form secret:<name> are resolved
from these at startup.

Environment:
  FLOWMESH_VAULT_PASSPHRASE   Required. Encryption passphrase.
`)
}

func secretList(db *store.Store) error {
	secrets, err := db.ListSecrets()
	if err != nil {
		return err
	}
	if len(secrets) == 0 {
		fmt.Println("No secrets stored.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tUPDATED\tDESCRIPTION")
	for _, s := range secrets {
		fmt.Fprintf(w, "%s\t%s\t%s\n", s.Name, s.UpdatedAt.Format("2006-01-02 15:04"), s.Description)
	}
	return w.Flush()
}

func secretSet(db *store.Store, v *vault.Vault, args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: flowmesh secret set <name> --value <string> | --file <path> [--description <text>]")
	}

	name := args[0]
	var value string
	switch args[1] {
	case "--value":
		value = args[2]
	case "--file":
		data, err := os.ReadFile(args[2])
		if err != nil {
			return fmt.Errorf("read file: %w", err)
		}
		value = string(data)
	default:
		return fmt.Errorf("expected --value or --file, got %s", args[1])
	}

	description := ""
	for i := 3; i < len(args)-1; i++ {
		if args[i] == "--description" {
			description = args[i+1]
			break
		}
	}

	sec, err := v.Seal(name, name, description, value)
	if err != nil {
		return fmt.Errorf("encrypt: %w", err)
	}
	if err := db.SaveSecret(sec); err != nil {
		return err
	}
	fmt.Printf("Secret %q saved\n", name)
	return nil
}

func secretGet(db *store.Store, v *vault.Vault, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: flowmesh secret get <name>")
	}

	// The resolver is what agents use, so get reports exactly what they see.
	plaintext, err := vault.NewResolver(v, db).Resolve(args[0])
	if err != nil {
		return err
	}
	fmt.Print(plaintext)
	if len(plaintext) > 0 && plaintext[len(plaintext)-1] != '\n' {
		fmt.Println()
	}
	return nil
}

func secretDelete(db *store.Store, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: flowmesh secret delete <name>")
	}
	if err := db.DeleteSecret(args[0]); err != nil {
		return err
	}
	fmt.Printf("Secret %q deleted\n", args[0])
	return nil
}
