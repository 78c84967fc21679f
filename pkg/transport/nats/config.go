package nats

import (
	"cmp"
	"slices"
	"time"

	"github.com/nats-io/nats.go"
)

// Config represents NATS configuration
type Config struct {
	Servers    []string      `json:"servers"`
	Username   string        `json:"username,omitempty"`
	Password   string        `json:"password,omitempty"`
	Partitions int32         `json:"partitions,omitempty"`
	Owned      []int32       `json:"owned,omitempty"`
	Replicas   int           `json:"replicas,omitempty"`
	Storage    string        `json:"storage,omitempty"` // file (default) or memory
	MaxAge     time.Duration `json:"maxAge,omitempty"`
	AckWait    time.Duration `json:"ackWait,omitempty"`
	FetchWait  time.Duration `json:"fetchWait,omitempty"`
	TLS        struct {
		Enabled  bool   `json:"enabled"`
		CertFile string `json:"certFile,omitempty"`
		KeyFile  string `json:"keyFile,omitempty"`
		CAFile   string `json:"caFile,omitempty"`
	} `json:"tls,omitempty"`
}

func (c *Config) setDefaults() {
	if len(c.Servers) == 0 {
		c.Servers = []string{nats.DefaultURL}
	}
	if c.Partitions <= 0 {
		c.Partitions = 1
	}
	c.Replicas = cmp.Or(c.Replicas, 1)
	c.Storage = cmp.Or(c.Storage, "file")
	c.MaxAge = cmp.Or(c.MaxAge, 7*24*time.Hour)
	c.AckWait = cmp.Or(c.AckWait, 30*time.Second)
	c.FetchWait = cmp.Or(c.FetchWait, time.Second)
}

// owned returns the configured partitions of an n-partition topic.
func (c *Config) owned(n int32) []int32 {
	if len(c.Owned) == 0 {
		ps := make([]int32, n)
		for i := range ps {
			ps[i] = int32(i)
		}
		return ps
	}
	var ps []int32
	for _, p := range c.Owned {
		if p >= 0 && p < n && !slices.Contains(ps, p) {
			ps = append(ps, p)
		}
	}
	slices.Sort(ps)
	return ps
}

func (c *Config) storageType() nats.StorageType {
	if c.Storage == "memory" {
		return nats.MemoryStorage
	}
	return nats.FileStorage
}

func defaultOptions(c Config) []nats.Option {
	opts := []nats.Option{
		nats.Name("kroute"),
		nats.Timeout(5 * time.Second),
		nats.PingInterval(10 * time.Second),
		nats.MaxPingsOutstanding(3),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	}

	if c.Username != "" && c.Password != "" {
		opts = append(opts, nats.UserInfo(c.Username, c.Password))
	}

	if c.TLS.Enabled {
		if c.TLS.CAFile != "" {
			opts = append(opts, nats.RootCAs(c.TLS.CAFile))
		}
		if c.TLS.CertFile != "" && c.TLS.KeyFile != "" {
			opts = append(opts, nats.ClientCert(c.TLS.CertFile, c.TLS.KeyFile))
		}
	}

	return opts
}
