// Package config loads and validates fetch worker configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Driver names accepted for the broker and publisher.
const (
	DriverAMQP   = "amqp"
	DriverPubSub = "pubsub"
	DriverKafka  = "kafka"
	DriverMemory = "memory"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Broker    BrokerConfig    `mapstructure:"broker"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// BrokerConfig describes where jobs are consumed from.
type BrokerConfig struct {
	Driver               string             `mapstructure:"driver" validate:"oneof=amqp pubsub memory"`
	URL                  string             `mapstructure:"url" validate:"required_if=Driver amqp"`
	Queue                string             `mapstructure:"queue" validate:"required_if=Driver amqp"`
	Exchange             string             `mapstructure:"exchange" validate:"required_if=Driver amqp"`
	BindingKey           string             `mapstructure:"binding_key"`
	ReadTimeoutSeconds   int                `mapstructure:"read_timeout_seconds" validate:"gt=0"`
	ConnectionRetry      int                `mapstructure:"connection_retry" validate:"gt=0"`
	RetryIntervalSeconds int                `mapstructure:"retry_interval_seconds" validate:"gte=0"`
	PubSub               PubSubSubscription `mapstructure:"pubsub"`
}

// PubSubSubscription identifies a Pub/Sub subscription.
type PubSubSubscription struct {
	ProjectID    string `mapstructure:"project_id"`
	Subscription string `mapstructure:"subscription"`
}

// PublisherConfig describes where results are sent.
type PublisherConfig struct {
	Driver               string      `mapstructure:"driver" validate:"oneof=amqp pubsub kafka memory"`
	URL                  string      `mapstructure:"url"`
	Exchange             string      `mapstructure:"exchange" validate:"required_if=Driver amqp"`
	RoutingKey           string      `mapstructure:"routing_key"`
	ConnectionRetry      int         `mapstructure:"connection_retry" validate:"gt=0"`
	RetryIntervalSeconds int         `mapstructure:"retry_interval_seconds" validate:"gte=0"`
	PubSub               PubSubTopic `mapstructure:"pubsub"`
	Kafka                KafkaTopic  `mapstructure:"kafka"`
}

// PubSubTopic identifies a Pub/Sub topic.
type PubSubTopic struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// KafkaTopic identifies a Kafka topic and its bootstrap brokers.
type KafkaTopic struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// WorkerConfig sizes the fetch worker pool.
type WorkerConfig struct {
	Count           int `mapstructure:"count" validate:"gt=0"`
	PollIntervalMs  int `mapstructure:"poll_interval_ms" validate:"gt=0"`
	OutputQueueSize int `mapstructure:"output_queue_size" validate:"gte=0"`
	JoinTimeoutMs   int `mapstructure:"join_timeout_ms" validate:"gte=0"`
}

// HTTPConfig configures the feed fetch client.
type HTTPConfig struct {
	TimeoutSeconds int             `mapstructure:"timeout_seconds" validate:"gt=0"`
	UserAgent      string          `mapstructure:"user_agent"`
	RateLimit      RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig toggles per-host token bucket limiting.
type RateLimitConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	DefaultRPS   float64 `mapstructure:"default_rps" validate:"gte=0"`
	DefaultBurst int     `mapstructure:"default_burst" validate:"gte=0"`
}

// ServerConfig controls the health and metrics HTTP endpoint.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port" validate:"gte=0,lte=65535"`
}

// LoggingConfig selects the zap flavour and level.
type LoggingConfig struct {
	Level       string `mapstructure:"level" validate:"oneof=debug info warn warning error"`
	Development bool   `mapstructure:"development"`
}

// TracingConfig toggles OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
	Stdout      bool   `mapstructure:"stdout"`
}

// legacyEnv maps config keys to the environment names the service has always
// honoured, checked after the prefixed name.
var legacyEnv = map[string][]string{
	"broker.url":                       {"RABBITMQ_URL"},
	"broker.queue":                     {"WORK_QUEUE"},
	"broker.exchange":                  {"TASK_EXCHANGE"},
	"broker.binding_key":               {"BINDING_KEY"},
	"broker.read_timeout_seconds":      {"READ_TIMEOUT"},
	"broker.connection_retry":          {"RABBITMQ_CONNECTION_RETRY"},
	"broker.retry_interval_seconds":    {"RABBITMQ_RETRY_INTERVAL"},
	"publisher.url":                    {"RABBITMQ_URL"},
	"publisher.exchange":               {"RESULT_EXCHANGE"},
	"publisher.routing_key":            {"ROUTING_KEY"},
	"publisher.connection_retry":       {"RABBITMQ_CONNECTION_RETRY"},
	"publisher.retry_interval_seconds": {"RABBITMQ_RETRY_INTERVAL"},
	"worker.count":                     {"THREADS_NUM"},
	"logging.level":                    {"LOG_LEVEL"},
}

const envPrefix = "FETCHWORKER"

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindLegacyEnv(v); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("broker.driver", DriverAMQP)
	v.SetDefault("broker.url", "")
	v.SetDefault("broker.queue", "workers")
	v.SetDefault("broker.exchange", "task_exchange")
	v.SetDefault("broker.binding_key", "task")
	v.SetDefault("broker.read_timeout_seconds", 2)
	v.SetDefault("broker.connection_retry", 10)
	v.SetDefault("broker.retry_interval_seconds", 10)
	v.SetDefault("broker.pubsub.project_id", "")
	v.SetDefault("broker.pubsub.subscription", "")
	v.SetDefault("publisher.driver", DriverAMQP)
	v.SetDefault("publisher.url", "")
	v.SetDefault("publisher.exchange", "result_exchange")
	v.SetDefault("publisher.routing_key", "task_result")
	v.SetDefault("publisher.connection_retry", 10)
	v.SetDefault("publisher.retry_interval_seconds", 10)
	v.SetDefault("publisher.pubsub.project_id", "")
	v.SetDefault("publisher.pubsub.topic", "")
	v.SetDefault("publisher.kafka.brokers", []string{})
	v.SetDefault("publisher.kafka.topic", "")
	v.SetDefault("worker.count", 2)
	v.SetDefault("worker.poll_interval_ms", 1000)
	v.SetDefault("worker.output_queue_size", 0)
	v.SetDefault("worker.join_timeout_ms", 3000)
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.user_agent", "rss-fetch-worker/1.0")
	v.SetDefault("http.rate_limit.enabled", false)
	v.SetDefault("http.rate_limit.default_rps", 1.0)
	v.SetDefault("http.rate_limit.default_burst", 1)
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "rss-fetch-worker")
	v.SetDefault("tracing.stdout", false)
}

func bindLegacyEnv(v *viper.Viper) error {
	replacer := strings.NewReplacer(".", "_")
	for key, names := range legacyEnv {
		prefixed := envPrefix + "_" + strings.ToUpper(replacer.Replace(key))
		if err := v.BindEnv(append([]string{key, prefixed}, names...)...); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return nil
}

func (c *Config) normalize() {
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Publisher.URL == "" {
		c.Publisher.URL = c.Broker.URL
	}
	if c.Worker.OutputQueueSize == 0 {
		c.Worker.OutputQueueSize = c.Worker.Count
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				key := strings.TrimPrefix(fe.Namespace(), "Config.")
				msgs = append(msgs, fmt.Sprintf("%s failed %q", key, fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Broker.Driver == DriverPubSub && (c.Broker.PubSub.ProjectID == "" || c.Broker.PubSub.Subscription == "") {
		return fmt.Errorf("broker.pubsub.project_id and broker.pubsub.subscription must be set for the pubsub driver")
	}
	switch c.Publisher.Driver {
	case DriverAMQP:
		if c.Publisher.URL == "" {
			return fmt.Errorf("publisher.url must be set for the amqp driver")
		}
	case DriverPubSub:
		if c.Publisher.PubSub.ProjectID == "" || c.Publisher.PubSub.Topic == "" {
			return fmt.Errorf("publisher.pubsub.project_id and publisher.pubsub.topic must be set for the pubsub driver")
		}
	case DriverKafka:
		if len(c.Publisher.Kafka.Brokers) == 0 || c.Publisher.Kafka.Topic == "" {
			return fmt.Errorf("publisher.kafka.brokers and publisher.kafka.topic must be set for the kafka driver")
		}
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0 when the server is enabled")
	}
	return nil
}

// ReadTimeout is the broker's per-read wait.
func (c BrokerConfig) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutSeconds) * time.Second
}

// RetryInterval is the fixed delay between broker reconnect attempts.
func (c BrokerConfig) RetryInterval() time.Duration {
	return time.Duration(c.RetryIntervalSeconds) * time.Second
}

// RetryInterval is the fixed delay between publisher reconnect attempts.
func (c PublisherConfig) RetryInterval() time.Duration {
	return time.Duration(c.RetryIntervalSeconds) * time.Second
}

// PollInterval bounds how long an idle worker waits before rechecking the stop flag.
func (c WorkerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// JoinTimeout bounds how long shutdown waits for each worker.
func (c WorkerConfig) JoinTimeout() time.Duration {
	return time.Duration(c.JoinTimeoutMs) * time.Millisecond
}

// Timeout is the per-request HTTP timeout.
func (c HTTPConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}
