package config

import (
	"log/slog"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from a file and environment variables.
func Load(logger *slog.Logger, fileName string) (*Config, error) {
	v := viper.New()

	// 1. Set default values
	v.SetDefault("logLevel", "info")
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.auth.jwtSecret", "default-secret-key-change-me")
	v.SetDefault("server.auth.timeout", "15s")
	v.SetDefault("server.connectionLimit.maxPerUser", 4)
	v.SetDefault("server.connectionLimit.maxPerIP", 32)
	v.SetDefault("server.connectionLimit.mode", "cycle")
	v.SetDefault("server.idleThreshold", "5m")
	v.SetDefault("server.reapInterval", "30s")
	v.SetDefault("transport.readTimeout", "60s")
	v.SetDefault("transport.sendBuffer", 256)
	v.SetDefault("cache.tier1Capacity", 2048)
	v.SetDefault("cache.tier1MaxTtl", "60s")
	v.SetDefault("cache.compressThreshold", 4096)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.keyPrefix", "gorelay:")
	v.SetDefault("bridge.url", "nats://localhost:4222")
	v.SetDefault("bridge.topicPrefix", "gorelay")
	v.SetDefault("rooms.batchThreshold", 64)
	v.SetDefault("rooms.chunkSize", 32)
	v.SetDefault("rooms.chunkPause", "5ms")
	v.SetDefault("rooms.echoToSender", false)
	v.SetDefault("rooms.membershipTtl", "24h")
	v.SetDefault("rooms.authzTtl", "30s")
	v.SetDefault("guard.sendLimitMax", 30)
	v.SetDefault("guard.sendLimitWindow", "10s")
	v.SetDefault("guard.joinLimitMax", 20)
	v.SetDefault("guard.joinLimitWindow", "60s")
	v.SetDefault("guard.eventBuffer", 1024)
	v.SetDefault("persist.queueSize", 4096)
	v.SetDefault("persist.maxRetries", 3)
	v.SetDefault("persist.retryBase", "250ms")

	// 2. Set config file details
	v.SetConfigName(fileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".") // look for config in the working directory

	// 3. Set up environment variable handling
	v.SetEnvPrefix("GORELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 4. Read the configuration file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file was found but another error was produced
			return nil, err
		}
		logger.Warn("Config file not found. ignoring error and relying on defaults/env vars")
	}

	// 5. Unmarshal the configuration into our struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
