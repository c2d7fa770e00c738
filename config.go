package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config carries everything the service reads from its environment. It is
// loaded once at startup and passed to the components that need it.
type Config struct {
	// EventID identifies the waiting room instance. The reset and manual
	// increment endpoints refuse requests whose event_id differs from it.
	EventID string

	RedisHost string
	RedisPort int
	RedisAuth string
	RedisTLS  bool

	CassandraHosts    []string
	CassandraPort     int
	CassandraKeyspace string
	CassandraUsername string
	CassandraPassword string

	TokenTable          string
	QueuePositionTable  string
	ServingCounterTable string

	// GracePeriod is how long an issued queue position may sit unconsumed
	// before the reconciler may declare it expired.
	GracePeriod time.Duration

	// CreditExpiredPositions enables the serving-counter advancement for
	// positions that expired instead of completing.
	CreditExpiredPositions bool

	// EventBusName is the notification channel advancement events go to.
	EventBusName string

	PubNubPublishKey   string
	PubNubSubscribeKey string
	PubNubSecretKey    string

	HTTPAddr          string
	ReconcileInterval time.Duration
	ResetTimeout      time.Duration
}

// LoadConfig reads the process environment. It fails on a missing required
// variable or an unparseable value so that misconfiguration surfaces at
// startup, not mid-reconcile.
func LoadConfig() (Config, error) {
	cfg := Config{
		RedisHost:           getenvDefault("REDIS_HOST", "localhost"),
		RedisAuth:           os.Getenv("REDIS_AUTH"),
		CassandraKeyspace:   getenvDefault("CASSANDRA_KEYSPACE", "waitingroom"),
		CassandraUsername:   os.Getenv("CASSANDRA_USERNAME"),
		CassandraPassword:   os.Getenv("CASSANDRA_PASSWORD"),
		TokenTable:          getenvDefault("TOKEN_TABLE", "token"),
		QueuePositionTable:  getenvDefault("QUEUE_POSITION_ENTRYTIME_TABLE", "queue_position_entry_time"),
		ServingCounterTable: getenvDefault("SERVING_COUNTER_ISSUEDAT_TABLE", "serving_counter_issued_at"),
		EventBusName:        getenvDefault("EVENT_BUS_NAME", "custom.waitingroom"),
		PubNubPublishKey:    os.Getenv("PN_PUBLISH_KEY"),
		PubNubSubscribeKey:  os.Getenv("PN_SUBSCRIBE_KEY"),
		PubNubSecretKey:     os.Getenv("PN_SECRET_KEY"),
		HTTPAddr:            getenvDefault("HTTP_ADDR", ":8081"),
	}

	cfg.EventID = os.Getenv("EVENT_ID")
	if cfg.EventID == "" {
		return Config{}, fmt.Errorf("EVENT_ID must be set")
	}

	var err error
	if cfg.RedisPort, err = getenvInt("REDIS_PORT", 6379); err != nil {
		return Config{}, err
	}
	if cfg.RedisTLS, err = getenvBool("REDIS_TLS", false); err != nil {
		return Config{}, err
	}

	hosts := getenvDefault("CASSANDRA_HOSTS", "localhost")
	for _, h := range strings.Split(hosts, ",") {
		if h = strings.TrimSpace(h); h != "" {
			cfg.CassandraHosts = append(cfg.CassandraHosts, h)
		}
	}
	if len(cfg.CassandraHosts) == 0 {
		return Config{}, fmt.Errorf("CASSANDRA_HOSTS must name at least one host")
	}
	if cfg.CassandraPort, err = getenvInt("CASSANDRA_PORT", 9042); err != nil {
		return Config{}, err
	}

	expiry := os.Getenv("QUEUE_POSITION_EXPIRY_PERIOD")
	if expiry == "" {
		return Config{}, fmt.Errorf("QUEUE_POSITION_EXPIRY_PERIOD must be set")
	}
	seconds, err := strconv.Atoi(expiry)
	if err != nil || seconds <= 0 {
		return Config{}, fmt.Errorf("QUEUE_POSITION_EXPIRY_PERIOD must be a positive number of seconds, got %q", expiry)
	}
	cfg.GracePeriod = time.Duration(seconds) * time.Second

	if cfg.CreditExpiredPositions, err = getenvBool("INCR_SVC_ON_QUEUE_POS_EXPIRY", false); err != nil {
		return Config{}, err
	}
	if cfg.ReconcileInterval, err = getenvDuration("RECONCILE_INTERVAL", 30*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.ResetTimeout, err = getenvDuration("RESET_TIMEOUT", 5*time.Minute); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// RedisAddr returns host:port for both the go-redis client and asynq.
func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// PubNubConfigured reports whether all three PubNub keys are present. Without
// them the service falls back to the log-only notifier.
func (c Config) PubNubConfigured() bool {
	return c.PubNubPublishKey != "" && c.PubNubSubscribeKey != "" && c.PubNubSecretKey != ""
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number, got %q", key, v)
	}
	return n, nil
}

func getenvBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean, got %q", key, v)
	}
	return b, nil
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration such as 30s or 5m, got %q", key, v)
	}
	return d, nil
}
