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

// Config represents Kafka-specific configuration
type Config struct {
	Brokers     []string `json:"brokers"`
	ClientID    string   `json:"clientId,omitempty"`
	Version     string   `json:"version,omitempty"`
	SASL        *SASL    `json:"sasl,omitempty"`
	Partitions  int32    `json:"partitions,omitempty"`
	Replicas    int16    `json:"replicas,omitempty"`
	RetentionMS int64    `json:"retentionMs,omitempty"`
	TLS         TLS      `json:"tls,omitempty"`
	Producer    Producer `json:"producer,omitempty"`
	Consumer    Consumer `json:"consumer,omitempty"`
}

// SASL represents SASL authentication configuration
type SASL struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	Algorithm string `json:"algorithm"` // plain, sha256, sha512
	Enable    bool   `json:"enable"`
}

// TLS represents TLS configuration
type TLS struct {
	CertFile   string `json:"certFile,omitempty"`
	KeyFile    string `json:"keyFile,omitempty"`
	CAFile     string `json:"caFile,omitempty"`
	Enable     bool   `json:"enable"`
	SkipVerify bool   `json:"skipVerify,omitempty"`
}

type Producer struct {
	RetryMax    int    `json:"retryMax,omitempty"`
	Idempotent  bool   `json:"idempotent,omitempty"`
	Compression string `json:"compression,omitempty"` // none, gzip, snappy, lz4, zstd
}

type Consumer struct {
	// InitialOffset applies to groups without a committed offset: oldest (default) or newest.
	InitialOffset  string        `json:"initialOffset,omitempty"`
	SessionTimeout time.Duration `json:"sessionTimeout,omitempty"`
	// Rebalance is the partition assignment strategy: range (default), roundrobin or sticky.
	Rebalance string `json:"rebalance,omitempty"`
}

// setDefaults fills unset fields
func (c *Config) setDefaults() {
	if len(c.Brokers) == 0 {
		c.Brokers = []string{"localhost:9092"}
	}
	if c.ClientID == "" {
		c.ClientID = "kroute"
	}
	if c.Version == "" {
		c.Version = "2.1.1"
	}
	if c.Partitions == 0 {
		c.Partitions = 1
	}
	if c.Replicas == 0 {
		c.Replicas = 1
	}
	if c.RetentionMS == 0 {
		c.RetentionMS = 7 * 24 * 60 * 60 * 1000 // 7 days
	}
	if c.Producer.RetryMax == 0 {
		c.Producer.RetryMax = 5
	}
}

// ToSaramaConfig converts the Config to a sarama.Config
func (c *Config) ToSaramaConfig() (*sarama.Config, error) {
	conf := sarama.NewConfig()
	conf.ClientID = c.ClientID

	// Set Kafka version
	version, err := sarama.ParseKafkaVersion(c.Version)
	if err != nil {
		return nil, fmt.Errorf("error parsing Kafka version: %w", err)
	}
	conf.Version = version

	// Configure SASL
	if c.SASL != nil && c.SASL.Enable {
		conf.Net.SASL.Enable = true
		conf.Net.SASL.User = c.SASL.Username
		conf.Net.SASL.Password = c.SASL.Password
		conf.Net.SASL.Handshake = true

		switch c.SASL.Algorithm {
		case "sha512":
			conf.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient { return &XDGSCRAMClient{HashGeneratorFcn: SHA512} }
			conf.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
		case "sha256":
			conf.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient { return &XDGSCRAMClient{HashGeneratorFcn: SHA256} }
			conf.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
		case "plain", "":
			conf.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		default:
			return nil, fmt.Errorf("invalid SASL algorithm: %s", c.SASL.Algorithm)
		}
	}

	// Configure TLS
	if c.TLS.Enable {
		tlsConfig, err := createTLSConfiguration(c.TLS)
		if err != nil {
			return nil, err
		}
		conf.Net.TLS.Enable = true
		conf.Net.TLS.Config = tlsConfig
	}

	// Producer: asynchronous, keyed, hash partitioned. Only errors are
	// returned; successes are not read.
	conf.Producer.Partitioner = sarama.NewHashPartitioner
	conf.Producer.RequiredAcks = sarama.WaitForAll
	conf.Producer.Retry.Max = c.Producer.RetryMax
	conf.Producer.Retry.Backoff = 250 * time.Millisecond
	conf.Producer.Return.Successes = false
	conf.Producer.Return.Errors = true
	// per-partition order survives retries only with a single in-flight
	// request, idempotent or not
	conf.Producer.Idempotent = c.Producer.Idempotent
	conf.Net.MaxOpenRequests = 1
	switch strings.ToLower(c.Producer.Compression) {
	case "", "none":
		conf.Producer.Compression = sarama.CompressionNone
	case "gzip":
		conf.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		conf.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		conf.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		conf.Producer.Compression = sarama.CompressionZSTD
	default:
		return nil, fmt.Errorf("invalid compression: %s", c.Producer.Compression)
	}

	// Consumer
	conf.Consumer.Return.Errors = true
	switch strings.ToLower(c.Consumer.InitialOffset) {
	case "", "oldest", "earliest":
		conf.Consumer.Offsets.Initial = sarama.OffsetOldest
	case "newest", "latest":
		conf.Consumer.Offsets.Initial = sarama.OffsetNewest
	default:
		return nil, fmt.Errorf("invalid initial offset: %s", c.Consumer.InitialOffset)
	}
	if c.Consumer.SessionTimeout > 0 {
		conf.Consumer.Group.Session.Timeout = c.Consumer.SessionTimeout
	}
	switch strings.ToLower(c.Consumer.Rebalance) {
	case "", "range":
		conf.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRange()}
	case "roundrobin":
		conf.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	case "sticky":
		conf.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategySticky()}
	default:
		return nil, fmt.Errorf("invalid rebalance strategy: %s", c.Consumer.Rebalance)
	}

	conf.Metadata.Full = false

	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sarama config: %w", err)
	}
	return conf, nil
}

func createTLSConfiguration(tlsCfg TLS) (*tls.Config, error) {
	t := &tls.Config{
		InsecureSkipVerify: tlsCfg.SkipVerify,
	}

	if tlsCfg.CertFile != "" && tlsCfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(tlsCfg.CertFile, tlsCfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		t.Certificates = []tls.Certificate{cert}
	}

	if tlsCfg.CAFile != "" {
		caCert, err := os.ReadFile(tlsCfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("no certificates found in %s", tlsCfg.CAFile)
		}
		t.RootCAs = caCertPool
	}

	return t, nil
}

// GetBrokers returns the list of Kafka brokers
func (c *Config) GetBrokers() []string {
	return c.Brokers
}
