package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without a database, Redis or Kafka.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	PGDSN         string
	RunMigrations bool

	RedisAddr     string
	RedisPassword string

	KafkaBrokers       []string
	KafkaLocationTopic string
	KafkaChangeTopic   string

	H3Resolution     int
	DriverStaleAfter time.Duration

	OfferTimeout            time.Duration
	OfferFanout             int
	DispatchWriteAttempts   int
	DispatchTriggerAttempts int
	DispatchBackoff         time.Duration
	SkipBusyDrivers         bool

	FareBase     float64
	FarePerKm    float64
	FareRounding float64

	Ranker          string
	DefaultSpeedMps float64
	OSRMEndpoint    string

	PushEndpoint string
	PushKey      string

	JWTSecret string

	StripeAPIKey     string
	PaymentsCurrency string

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:                ":8080",
		ReadTimeout:             5 * time.Second,
		WriteTimeout:            10 * time.Second,
		IdleTimeout:             120 * time.Second,
		ShutdownTimeout:         15 * time.Second,
		KafkaLocationTopic:      "driver-locations",
		KafkaChangeTopic:        "ride-changes",
		H3Resolution:            8,
		DriverStaleAfter:        2 * time.Minute,
		OfferTimeout:            20 * time.Second,
		OfferFanout:             1,
		DispatchWriteAttempts:   3,
		DispatchTriggerAttempts: 3,
		DispatchBackoff:         200 * time.Millisecond,
		FareBase:                150,
		FarePerKm:               40,
		FareRounding:            10,
		Ranker:                  "proximity",
		DefaultSpeedMps:         8,
		PaymentsCurrency:        "usd",
		LogLevel:                "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaLocationTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaChangeTopic, "KAFKA_CHANGE_TOPIC")

	setIntFromEnv(&cfg.H3Resolution, "H3_RESOLUTION", &errs)
	setDurationFromEnv(&cfg.DriverStaleAfter, "DRIVER_STALE_AFTER", &errs)

	setDurationFromEnv(&cfg.OfferTimeout, "OFFER_TIMEOUT", &errs)
	setIntFromEnv(&cfg.OfferFanout, "OFFER_FANOUT", &errs)
	setIntFromEnv(&cfg.DispatchWriteAttempts, "DISPATCH_WRITE_ATTEMPTS", &errs)
	setIntFromEnv(&cfg.DispatchTriggerAttempts, "DISPATCH_TRIGGER_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.DispatchBackoff, "DISPATCH_BACKOFF", &errs)
	cfg.SkipBusyDrivers = strings.EqualFold(os.Getenv("DISPATCH_SKIP_BUSY"), "true")

	setFloatFromEnv(&cfg.FareBase, "FARE_BASE", &errs)
	setFloatFromEnv(&cfg.FarePerKm, "FARE_PER_KM", &errs)
	setFloatFromEnv(&cfg.FareRounding, "FARE_ROUNDING", &errs)

	if v := os.Getenv("RANKER"); v != "" {
		cfg.Ranker = strings.ToLower(strings.TrimSpace(v))
	}
	setFloatFromEnv(&cfg.DefaultSpeedMps, "MATCHER_DEFAULT_SPEED_MPS", &errs)
	cfg.OSRMEndpoint = strings.TrimSpace(os.Getenv("OSRM_ENDPOINT"))

	cfg.PushEndpoint = strings.TrimSpace(os.Getenv("PUSH_ENDPOINT"))
	cfg.PushKey = os.Getenv("PUSH_KEY")

	cfg.JWTSecret = os.Getenv("JWT_SECRET")

	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	setStringFromEnv(&cfg.PaymentsCurrency, "PAYMENTS_CURRENCY")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.H3Resolution < 0 || cfg.H3Resolution > 15 {
		errs = append(errs, fmt.Errorf("H3_RESOLUTION must be within 0..15"))
	}
	if cfg.OfferTimeout <= 0 {
		errs = append(errs, fmt.Errorf("OFFER_TIMEOUT must be > 0"))
	}
	if cfg.OfferFanout <= 0 {
		errs = append(errs, fmt.Errorf("OFFER_FANOUT must be > 0"))
	}
	if cfg.DispatchWriteAttempts <= 0 || cfg.DispatchTriggerAttempts <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_*_ATTEMPTS must be > 0"))
	}
	if cfg.FareBase < 0 || cfg.FarePerKm < 0 || cfg.FareRounding < 0 {
		errs = append(errs, fmt.Errorf("fare parameters must not be negative"))
	}
	if cfg.Ranker != "proximity" && cfg.Ranker != "weighted" {
		errs = append(errs, fmt.Errorf("RANKER must be proximity or weighted, got %q", cfg.Ranker))
	}
	if cfg.JWTSecret == "" {
		errs = append(errs, fmt.Errorf("JWT_SECRET is required"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig is the driver-location consumer's configuration.
type ConsumerConfig struct {
	MetricsAddr      string
	KafkaBrokers     []string
	KafkaTopic       string
	KafkaGroup       string
	RedisAddr        string
	RedisPassword    string
	H3Resolution     int
	DriverStaleAfter time.Duration
	UpdateAttempts   int
	UpdateBackoff    time.Duration
	LogLevel         string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		MetricsAddr:      ":2112",
		KafkaBrokers:     []string{"localhost:9092"},
		KafkaTopic:       "driver-locations",
		KafkaGroup:       "ride-dispatch-consumer",
		RedisAddr:        "localhost:6379",
		H3Resolution:     8,
		DriverStaleAfter: 2 * time.Minute,
		UpdateAttempts:   3,
		UpdateBackoff:    200 * time.Millisecond,
		LogLevel:         "info",
	}
	var errs []error

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setIntFromEnv(&cfg.H3Resolution, "H3_RESOLUTION", &errs)
	setDurationFromEnv(&cfg.DriverStaleAfter, "DRIVER_STALE_AFTER", &errs)
	setIntFromEnv(&cfg.UpdateAttempts, "CONSUMER_UPDATE_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.UpdateBackoff, "CONSUMER_UPDATE_BACKOFF", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must list at least one broker"))
	}
	if cfg.H3Resolution < 0 || cfg.H3Resolution > 15 {
		errs = append(errs, fmt.Errorf("H3_RESOLUTION must be within 0..15"))
	}
	if cfg.UpdateAttempts <= 0 {
		errs = append(errs, fmt.Errorf("CONSUMER_UPDATE_ATTEMPTS must be > 0"))
	}
	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
