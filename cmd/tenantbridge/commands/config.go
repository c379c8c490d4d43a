package commands

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/urfave/cli/v3"

	"tenantbridge/internal/app"
)

// Environment variables are namespaced TENANTBRIDGE_ with a double underscore
// between config levels: TENANTBRIDGE_SOURCE__CLIENT_ID sets source.client_id.
const envPrefix = "TENANTBRIDGE_"

// loadConfig merges configuration in increasing precedence: TOML file, then
// environment, then explicitly set CLI flags. Defaults fill whatever remains
// unset, and the merged result is validated before use.
func loadConfig(configPath string, cmd *cli.Command, environFunc func() []string) (*app.Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("reading %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(".", env.Opt{
		Prefix:      envPrefix,
		EnvironFunc: environFunc,
		TransformFunc: func(key, value string) (string, any) {
			key = strings.TrimPrefix(key, envPrefix)
			return strings.ToLower(strings.ReplaceAll(key, "__", ".")), value
		},
	}), nil); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}

	if cmd != nil {
		if err := k.Load(confmap.Provider(flagOverrides(cmd), "."), nil); err != nil {
			return nil, fmt.Errorf("reading flags: %w", err)
		}
	}

	cfg := &app.Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("applying defaults: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// flagOverrides collects the flags the user actually set, including ones
// inherited from parent commands, keyed like the config tree. Flag names
// mirror the tree with a double dash per level: --server--host sets
// server.host, --log-level sets log_level. Unset flags are skipped so they
// never shadow file or environment values.
func flagOverrides(cmd *cli.Command) map[string]any {
	overrides := make(map[string]any)
	for _, name := range cmd.FlagNames() {
		if !cmd.IsSet(name) {
			continue
		}
		value := cmd.Value(name)
		if value == nil {
			continue
		}
		key := strings.ReplaceAll(strings.ReplaceAll(name, "--", "."), "-", "_")
		overrides[key] = value
	}
	return overrides
}
