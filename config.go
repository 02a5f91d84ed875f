package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the bootstrap configuration: where the live-reloadable
// settings store lives, and the ambient connection details (MQTT,
// metrics, discovery) that sit outside that store's reload surface.
type Config struct {
	SettingsPath string `yaml:"settings_path"`

	MQTT struct {
		Broker      string `yaml:"broker"`
		TopicPrefix string `yaml:"topic_prefix"`
		ClientID    string `yaml:"client_id"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		QoS         byte   `yaml:"qos"`
		Retain      bool   `yaml:"retain"`
	} `yaml:"mqtt"`

	Metrics struct {
		ListenAddr string `yaml:"listen_addr"`
	} `yaml:"metrics"`

	Discovery struct {
		Port        uint16 `yaml:"port"`
		Timeout     string `yaml:"timeout"`
		Concurrency int    `yaml:"concurrency"`
	} `yaml:"discovery"`
}

type LoadedConfig struct {
	Config

	discoveryTimeout time.Duration
}

func loadConfig(path string) (*LoadedConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg LoadedConfig
	if err := yaml.Unmarshal(b, &cfg.Config); err != nil {
		return nil, err
	}
	if err := parseConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func parseConfig(cfg *LoadedConfig) error {
	if cfg.SettingsPath == "" {
		cfg.SettingsPath = "settings.yaml"
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "smamon"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "smamon"
	}
	if cfg.Metrics.ListenAddr == "" {
		cfg.Metrics.ListenAddr = ":9112"
	}
	if cfg.Discovery.Port == 0 {
		cfg.Discovery.Port = 502
	}
	if cfg.Discovery.Concurrency == 0 {
		cfg.Discovery.Concurrency = 8
	}

	timeout := 2 * time.Second
	if cfg.Discovery.Timeout != "" {
		d, err := time.ParseDuration(cfg.Discovery.Timeout)
		if err != nil {
			return fmt.Errorf("invalid discovery timeout %q: %w", cfg.Discovery.Timeout, err)
		}
		timeout = d
	}
	cfg.discoveryTimeout = timeout

	return nil
}
