package events

import (
	"context"
	"fmt"
	"strings"
)

// 支持的事件驱动。
const (
	DriverNone     = "none"
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverRabbitMQ = "rabbitmq"
)

// Config selects and configures the event driver.
type Config struct {
	Driver     string         `mapstructure:"driver" yaml:"driver"`
	BufferSize int            `mapstructure:"buffer_size" yaml:"buffer_size"`
	Redis      RedisConfig    `mapstructure:"redis" yaml:"redis"`
	RabbitMQ   RabbitMQConfig `mapstructure:"rabbitmq" yaml:"rabbitmq"`
}

// Open connects the configured driver.
func Open(ctx context.Context, cfg Config) (Queue, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverNone:
		return Discard{}, nil
	case DriverMemory:
		return NewMemoryQueue(cfg.BufferSize), nil
	case DriverRedis:
		return NewRedisQueue(ctx, cfg.Redis)
	case DriverRabbitMQ:
		return NewRabbitMQQueue(cfg.RabbitMQ)
	default:
		return nil, fmt.Errorf("unsupported event driver: %s", cfg.Driver)
	}
}
