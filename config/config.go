package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	ShipSync ShipSyncConfig `yaml:"shipsync"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

func (d DatabaseConfig) ConnString() string {
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.Username, d.Password, d.Host, d.Port, d.DBName, sslMode)
}

type KafkaConfig struct {
	Host                      string `yaml:"host"`
	Port                      int    `yaml:"port"`
	ShipmentChangedTopicName  string `yaml:"shipment_changed_topic_name"`
	OrderUpdatedTopicName     string `yaml:"order_updated_topic_name"`
	OrderUpdatedConsumerGroup string `yaml:"order_updated_consumer_group"`
}

func (k KafkaConfig) Brokers() []string {
	return []string{fmt.Sprintf("%s:%d", k.Host, k.Port)}
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type ShipSyncConfig struct {
	HTTPAddr string `yaml:"http_addr"`

	// Reconciliation drain.
	DrainIntervalSeconds  int `yaml:"drain_interval_seconds"`
	BatchSize             int `yaml:"batch_size"`
	MaxRetries            int `yaml:"max_retries"`
	ParallelVerifyCap     int `yaml:"parallel_verify_cap"`
	LookupCacheTTLSeconds int `yaml:"lookup_cache_ttl_seconds"`

	// Poll sweeps. Reverse staleness defaults to twice the sweep interval.
	SweepIntervalSeconds        int `yaml:"sweep_interval_seconds"`
	ReverseStalenessSeconds     int `yaml:"reverse_staleness_seconds"`
	ReverseSweepIntervalSeconds int `yaml:"reverse_sweep_interval_seconds"`
	SweepLookbackSeconds        int `yaml:"sweep_lookback_seconds"`
	SweepPageSize               int `yaml:"sweep_page_size"`
	ReverseSweepLimit           int `yaml:"reverse_sweep_limit"`
	CourtesyDelayMillis         int `yaml:"courtesy_delay_millis"`
	MonitorIntervalSeconds      int `yaml:"monitor_interval_seconds"`
	StaleQueueThresholdSeconds  int `yaml:"stale_queue_threshold_seconds"`
	ExclusiveLockTTLSeconds     int `yaml:"exclusive_lock_ttl_seconds"`

	// Carrier rate governor.
	ResetCeilingSeconds    int `yaml:"reset_ceiling_seconds"`
	FallbackWaitSeconds    int `yaml:"fallback_wait_seconds"`
	CourtesyCallsPerMinute int `yaml:"courtesy_calls_per_minute"`

	WebhookSecret              string `yaml:"webhook_secret"`
	WebhookReplayWindowSeconds int    `yaml:"webhook_replay_window_seconds"`

	CarrierBaseURL   string `yaml:"carrier_base_url"`
	CarrierMode      string `yaml:"carrier_mode"` // "shipstation" | "fake"
	CarrierAPIKey    string `yaml:"carrier_api_key"`
	CarrierAPISecret string `yaml:"carrier_api_secret"`
}

// Seconds converts a configured number of seconds, falling back to def when unset.
func Seconds(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Second
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal YAML")
	}

	return &config, nil
}
