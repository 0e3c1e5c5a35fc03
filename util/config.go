package util

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const Name = "inkwell-fed"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

// AppConfig holds the federation service configuration. Values come from
// config.yaml with environment variables taking precedence.
type AppConfig struct {
	Conf struct {
		Host     string `yaml:"host"`
		HttpPort int    `yaml:"httpPort"`
		Domain   string `yaml:"domain"` // public hostname actor IRIs are minted under
		DbPath   string `yaml:"dbPath"`
		NatsURL  string `yaml:"natsUrl"` // empty disables the event subscriber
	}
}

// ReadConf loads configuration: .env file (if any), then config.yaml (local
// dir, then user config dir, then embedded defaults), then env overrides.
func ReadConf() (*AppConfig, error) {
	// OS env takes precedence; godotenv never overrides already-set vars.
	if _, err := os.Stat(".env"); err == nil {
		_ = godotenv.Load()
	}

	c := &AppConfig{}

	configPath := ResolveFilePath(ConfigFileName)

	buf, err := os.ReadFile(configPath)
	if err != nil {
		buf = embeddedConfig

		configDir, dirErr := GetConfigDir()
		if dirErr == nil {
			userConfigPath := configDir + "/" + ConfigFileName
			_ = os.WriteFile(userConfigPath, embeddedConfig, 0644)
		}
	}

	if err := yaml.Unmarshal(buf, c); err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	if v := os.Getenv("INKWELL_HOST"); v != "" {
		c.Conf.Host = v
	}
	if v := os.Getenv("INKWELL_HTTPPORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("INKWELL_HTTPPORT: %w", err)
		}
		c.Conf.HttpPort = port
	}
	if v := os.Getenv("INKWELL_DOMAIN"); v != "" {
		c.Conf.Domain = v
	}
	if v := os.Getenv("INKWELL_DBPATH"); v != "" {
		c.Conf.DbPath = v
	}
	if v := os.Getenv("INKWELL_NATS_URL"); v != "" {
		c.Conf.NatsURL = v
	}

	if c.Conf.Domain == "" {
		return nil, fmt.Errorf("config: domain must be set")
	}

	return c, nil
}
