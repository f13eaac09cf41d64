package main

import (
	"fmt"
	"net/url"
	"os"
	"reflect"
	"sort"
	"strings"

	"github.com/clinicops/equipwatch/internal/config"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var (
	validateDump bool
	validateYAML bool
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the equipwatch configuration file for syntax and semantic errors.`,
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false, "Dump full configuration with defaults highlighted")
	validateCmd.Flags().BoolVar(&validateYAML, "yaml", false, "With --dump, print the effective configuration as YAML")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed: %v\n", err)
		return err
	}

	// Check for unknown keys (always, not just with --dump)
	unknownKeys, err := findUnknownKeys(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "⚠️  Warning: Could not check for unknown keys: %v\n", err)
	}

	_, _ = fmt.Fprintf(os.Stdout, "✅ Configuration is valid: %s\n", configPath)

	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)
		fmt.Fprintln(os.Stdout)
		_, _ = red.Fprintf(os.Stdout, "⚠️  WARNING: Found %d unknown configuration key(s):\n", len(unknownKeys))
		for _, key := range unknownKeys {
			_, _ = red.Fprintf(os.Stdout, "   - %s\n", key)
		}
		fmt.Fprintln(os.Stdout, "\nThese keys will be ignored and may indicate typos or deprecated settings.")
	}

	if !validateDump {
		return nil
	}

	if validateYAML {
		out, err := yaml.Marshal(redacted(*cfg))
		if err != nil {
			return fmt.Errorf("failed to encode configuration: %w", err)
		}
		_, _ = os.Stdout.Write(out)
		return nil
	}

	_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
	_, _ = fmt.Fprintln(os.Stdout, "FULL CONFIGURATION (values different from defaults are highlighted)")
	_, _ = fmt.Fprintln(os.Stdout, strings.Repeat("=", 80))

	dumpConfig(redacted(*cfg), redacted(*config.Default()))

	_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
	return nil
}

// findUnknownKeys loads the config file and reports keys no default covers.
func findUnknownKeys(configPath string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	valid := viper.New()
	config.SetDefaults(valid)
	validKeys := make(map[string]bool)
	for _, key := range valid.AllKeys() {
		validKeys[key] = true
	}

	unknown := []string{}
	for _, key := range v.AllKeys() {
		if !validKeys[key] {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)

	return unknown, nil
}

// dumpConfig prints every leaf setting, section by section.
func dumpConfig(cfg, defaultCfg config.Config) {
	yellow := color.New(color.FgYellow, color.Bold)
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan, color.Bold)

	dumpSection("", "", reflect.ValueOf(cfg), reflect.ValueOf(defaultCfg), yellow, green, cyan)
}

func dumpSection(prefix, indent string, value, defaultValue reflect.Value, modifiedColor, defaultColor, sectionColor *color.Color) {
	t := value.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		name := strings.Split(field.Tag.Get("yaml"), ",")[0]
		if name == "" || name == "-" {
			continue
		}

		if field.Type.Kind() == reflect.Struct {
			_, _ = sectionColor.Printf("\n%s[%s%s]\n", indent, prefix, name)
			dumpSection(prefix+name+".", indent+"  ", value.Field(i), defaultValue.Field(i), modifiedColor, defaultColor, sectionColor)
			continue
		}

		dumpField(indent+"  "+name, value.Field(i).Interface(), defaultValue.Field(i).Interface(), modifiedColor, defaultColor)
	}
}

// dumpField prints a field with color if it differs from default
func dumpField(name string, value, defaultValue interface{}, modifiedColor, defaultColor *color.Color) {
	isDefault := reflect.DeepEqual(value, defaultValue)

	valueStr := fmt.Sprintf("%v", value)

	if isDefault {
		_, _ = defaultColor.Printf("%s = %s\n", name, valueStr)
	} else {
		_, _ = modifiedColor.Printf("%s = %s  (modified from default: %v)\n", name, valueStr, defaultValue)
	}
}

// redacted returns a copy of cfg with credentials masked.
func redacted(cfg config.Config) config.Config {
	cfg.Storage.Redis.Password = redactPassword(cfg.Storage.Redis.Password)
	cfg.Storage.Postgres.URL = redactURL(cfg.Storage.Postgres.URL)
	cfg.Telemetry.MQTT.Password = redactPassword(cfg.Telemetry.MQTT.Password)
	cfg.Notify.AMQP.URL = redactURL(cfg.Notify.AMQP.URL)
	cfg.Auth.JWTSecret = redactPassword(cfg.Auth.JWTSecret)
	return cfg
}

// redactPassword redacts password if not empty
func redactPassword(password string) string {
	if password == "" {
		return ""
	}
	return "***REDACTED***"
}

// redactURL masks the password of a connection URL.
func redactURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return redactPassword(raw)
	}
	return u.Redacted()
}
