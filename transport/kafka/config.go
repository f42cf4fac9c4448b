package kafka

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/IBM/sarama"
)

// DefaultVersion is the protocol version clients speak unless configured.
var DefaultVersion = sarama.V2_8_0_0

// SASL mechanisms.
const (
	MechanismPlain       = "PLAIN"
	MechanismSCRAMSHA256 = "SCRAM-SHA-256"
	MechanismSCRAMSHA512 = "SCRAM-SHA-512"
)

// SASLConfig enables SASL authentication when Username is set.
type SASLConfig struct {
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	Mechanism string `mapstructure:"mechanism"`
}

// TLSConfig enables TLS when CAPath is set. CertPath and KeyPath add a
// client certificate.
type TLSConfig struct {
	CAPath             string `mapstructure:"ca_path"`
	CertPath           string `mapstructure:"cert_path"`
	KeyPath            string `mapstructure:"key_path"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
}

// ClientConfig holds the settings shared by producers and consumers.
type ClientConfig struct {
	Brokers  []string   `mapstructure:"brokers"`
	ClientID string     `mapstructure:"client_id"`
	Version  string     `mapstructure:"version"`
	SASL     SASLConfig `mapstructure:"sasl"`
	TLS      TLSConfig  `mapstructure:"tls"`
}

// ConsumerSettings tunes group membership.
type ConsumerSettings struct {
	SessionTimeout    time.Duration
	HeartbeatInterval time.Duration
	RebalanceTimeout  time.Duration
}

// ProducerSettings tunes the producer. Timeout, when set, is the budget for
// one SendMessage including retries: it is split across the attempts and
// bounds the broker ack wait and the network dial, read and write deadlines.
type ProducerSettings struct {
	Timeout time.Duration
}

func newBaseConfig(cc ClientConfig) (*sarama.Config, error) {
	if len(cc.Brokers) == 0 {
		return nil, ErrNoBrokers
	}

	cfg := sarama.NewConfig()
	if cc.ClientID != "" {
		cfg.ClientID = cc.ClientID
	}

	cfg.Version = DefaultVersion
	if cc.Version != "" {
		v, err := sarama.ParseKafkaVersion(cc.Version)
		if err != nil {
			return nil, fmt.Errorf("kafka: version: %w", err)
		}
		cfg.Version = v
	}

	if err := applySASL(cfg, cc.SASL); err != nil {
		return nil, err
	}
	if err := applyTLS(cfg, cc.TLS); err != nil {
		return nil, err
	}
	return cfg, nil
}

// NewProducerConfig returns a config for an idempotent synchronous producer:
// acks from all in-sync replicas, one in-flight request, bounded retries and
// the FNV hash partitioner.
func NewProducerConfig(cc ClientConfig, s ProducerSettings) (*sarama.Config, error) {
	cfg, err := newBaseConfig(cc)
	if err != nil {
		return nil, err
	}

	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Retry.Backoff = 100 * time.Millisecond
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	if s.Timeout > 0 {
		attempt := s.Timeout / time.Duration(cfg.Producer.Retry.Max+1)
		if attempt < time.Second {
			attempt = time.Second
		}
		cfg.Producer.Timeout = attempt
		cfg.Net.DialTimeout = attempt
		cfg.Net.ReadTimeout = attempt
		cfg.Net.WriteTimeout = attempt
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("kafka: producer config: %w", err)
	}
	return cfg, nil
}

// NewConsumerConfig returns a consumer group config with auto-commit
// disabled. Zero settings keep sarama's defaults.
func NewConsumerConfig(cc ClientConfig, s ConsumerSettings) (*sarama.Config, error) {
	cfg, err := newBaseConfig(cc)
	if err != nil {
		return nil, err
	}

	cfg.Consumer.Offsets.AutoCommit.Enable = false
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Return.Errors = true
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{
		sarama.NewBalanceStrategyRoundRobin(),
	}
	if s.SessionTimeout > 0 {
		cfg.Consumer.Group.Session.Timeout = s.SessionTimeout
	}
	if s.HeartbeatInterval > 0 {
		cfg.Consumer.Group.Heartbeat.Interval = s.HeartbeatInterval
	}
	if s.RebalanceTimeout > 0 {
		cfg.Consumer.Group.Rebalance.Timeout = s.RebalanceTimeout
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("kafka: consumer config: %w", err)
	}
	return cfg, nil
}

func applySASL(cfg *sarama.Config, s SASLConfig) error {
	if s.Username == "" {
		return nil
	}

	cfg.Net.SASL.Enable = true
	cfg.Net.SASL.Handshake = true
	cfg.Net.SASL.User = s.Username
	cfg.Net.SASL.Password = s.Password

	switch strings.ToUpper(s.Mechanism) {
	case "", MechanismSCRAMSHA512:
		cfg.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
		cfg.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
			return &XDGSCRAMClient{HashGeneratorFcn: SHA512}
		}
	case MechanismSCRAMSHA256:
		cfg.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
		cfg.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
			return &XDGSCRAMClient{HashGeneratorFcn: SHA256}
		}
	case MechanismPlain:
		cfg.Net.SASL.Mechanism = sarama.SASLTypePlaintext
	default:
		return fmt.Errorf("kafka: unsupported SASL mechanism %q", s.Mechanism)
	}
	return nil
}

func applyTLS(cfg *sarama.Config, t TLSConfig) error {
	if t.CAPath == "" {
		return nil
	}

	ca, err := os.ReadFile(t.CAPath)
	if err != nil {
		return fmt.Errorf("kafka: read CA: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(ca) {
		return fmt.Errorf("kafka: no certificates in %s", t.CAPath)
	}

	tlsCfg := &tls.Config{
		RootCAs:            pool,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: t.InsecureSkipVerify,
	}
	if t.CertPath != "" && t.KeyPath != "" {
		cert, err := tls.LoadX509KeyPair(t.CertPath, t.KeyPath)
		if err != nil {
			return fmt.Errorf("kafka: load client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	cfg.Net.TLS.Enable = true
	cfg.Net.TLS.Config = tlsCfg
	return nil
}
