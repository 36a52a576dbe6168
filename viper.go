package mq

import (
	"bytes"
	"errors"
	"strings"

	"github.com/spf13/viper"
)

// LoadConfig reads a Config from the file at path. The file type is inferred
// by Viper from the filename extension (yaml, json, toml, ...).
//
// Recognized keys: broker_client, address, auth_token, credentials_file,
// queue_name, prefetch, ack_deadline, max_retries, backoff_initial,
// backoff_multiplier, backoff_cap, poll_timeout, connect_attempts.
// Durations use Go syntax ("30s", "5m").
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, err
	}
	return configFromViper(v), nil
}

// LoadConfigBytes reads a Config from in-memory data. configType should be a
// format supported by Viper (e.g. "yaml", "json", "toml").
func LoadConfigBytes(configType string, data []byte) (Config, error) {
	if strings.TrimSpace(configType) == "" {
		return Config{}, errors.New("mq: config type is required")
	}

	v := viper.New()
	v.SetConfigType(configType)

	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return Config{}, err
	}
	return configFromViper(v), nil
}

func configFromViper(v *viper.Viper) Config {
	return Config{
		Broker:            v.GetString("broker_client"),
		Address:           v.GetString("address"),
		AuthToken:         v.GetString("auth_token"),
		CredentialsFile:   v.GetString("credentials_file"),
		Queue:             v.GetString("queue_name"),
		Prefetch:          v.GetInt("prefetch"),
		AckDeadline:       v.GetDuration("ack_deadline"),
		MaxRetries:        v.GetInt("max_retries"),
		BackoffInitial:    v.GetDuration("backoff_initial"),
		BackoffMultiplier: v.GetFloat64("backoff_multiplier"),
		BackoffCap:        v.GetDuration("backoff_cap"),
		PollTimeout:       v.GetDuration("poll_timeout"),
		ConnectAttempts:   v.GetInt("connect_attempts"),
	}
}
