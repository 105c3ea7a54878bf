package secretmanager

import (
	"os"

	vault "github.com/hashicorp/vault-client-go"
	"go.uber.org/fx"
)

var Module = fx.Module("secretmanager", fx.Provide(ProvideVault))

// Enabled reports whether a vault address is present in the environment.
// Vault is read before config is loaded, so it is configured from env only.
func Enabled() bool {
	addr, ok := os.LookupEnv("VAULT_ADDR")
	return ok && addr != ""
}

func ProvideVault() (*vault.Client, error) {
	client, err := vault.New(
		vault.WithEnvironment(),
	)
	if err != nil {
		return nil, err
	}

	if token := os.Getenv("VAULT_TOKEN"); token != "" {
		if err := client.SetToken(token); err != nil {
			return nil, err
		}
	}

	return client, nil
}

// Options returns the fx options to include vault when it is configured.
func Options() fx.Option {
	if !Enabled() {
		return fx.Options()
	}
	return Module
}
