package cmd

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentos/internal/config"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and check configuration",
	}
	cmd.AddCommand(configShowCmd())
	cmd.AddCommand(configPathCmd())
	cmd.AddCommand(configValidateCmd())
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display the effective configuration (secrets redacted)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(redactConfig(cfg), "", "  ")
			fmt.Println(string(data))
			return nil
		},
	}
}

func configPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			if _, err := cfg.KernelConfig(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			fmt.Printf("Config at %s is %s.\n", cfgPath, okStyle.Render("valid"))
			return nil
		},
	}
}

// redactConfig returns a JSON-safe copy with secrets masked.
func redactConfig(cfg *config.Config) map[string]any {
	data, _ := json.Marshal(cfg)
	var raw map[string]any
	json.Unmarshal(data, &raw)
	redactMap(raw)
	return raw
}

var secretKeys = map[string]bool{
	"postgres_dsn":      true,
	"secret_access_key": true,
	"access_key_id":     true,
}

func redactMap(m map[string]any) {
	for k, v := range m {
		switch {
		case secretKeys[k]:
			if s, ok := v.(string); ok && s != "" {
				m[k] = redactValue(k, s)
			}
		case k == "headers":
			if h, ok := v.(map[string]any); ok {
				for name := range h {
					h[name] = "****"
				}
			}
		default:
			if sub, ok := v.(map[string]any); ok {
				redactMap(sub)
			}
		}
	}
}

// redactValue keeps the host of a DSN URL and the edges of a long key.
func redactValue(key, s string) string {
	if key == "postgres_dsn" {
		if u, err := url.Parse(s); err == nil && u.Host != "" {
			if u.User != nil {
				u.User = url.UserPassword(u.User.Username(), "****")
			}
			return u.Redacted()
		}
		return "****"
	}
	if len(s) > 8 {
		return s[:4] + "****" + s[len(s)-4:]
	}
	return "****"
}
