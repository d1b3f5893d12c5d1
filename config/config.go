// Package config loads the kite-rpc configuration from a TOML or YAML file.
package config

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"kite-rpc/client"
	"kite-rpc/codec"
	"kite-rpc/registry"
	"kite-rpc/server"
	"kite-rpc/transport"
)

type Config struct {
	LogCnf      *LogConfig      `toml:"log" yaml:"log"`
	RegistryCnf *RegistryConfig `toml:"registry" yaml:"registry"`
	ServerCnf   *ServerConfig   `toml:"server" yaml:"server"`
	ClientCnf   *ClientConfig   `toml:"client" yaml:"client"`
}

type LogConfig struct {
	Level  string `toml:"level" yaml:"level"`   // debug, info, warn, error
	Format string `toml:"format" yaml:"format"` // text or json
}

type RegistryConfig struct {
	Backend     string   `toml:"backend" yaml:"backend"` // etcd or memory
	Endpoints   []string `toml:"endpoints" yaml:"endpoints"`
	Root        string   `toml:"root" yaml:"root"`
	DialTimeout duration `toml:"dial_timeout" yaml:"dial_timeout"`
}

type ServerConfig struct {
	Listen         string   `toml:"listen" yaml:"listen"`
	Advertise      string   `toml:"advertise" yaml:"advertise"`
	IdleTimeout    duration `toml:"idle_timeout" yaml:"idle_timeout"`
	MaxFrame       int      `toml:"max_frame" yaml:"max_frame"`
	RateLimit      float64  `toml:"rate_limit" yaml:"rate_limit"` // requests per second, 0 disables
	RateBurst      int      `toml:"rate_burst" yaml:"rate_burst"`
	HandlerTimeout duration `toml:"handler_timeout" yaml:"handler_timeout"` // 0 disables
}

type ClientConfig struct {
	Balancer          string   `toml:"balancer" yaml:"balancer"`
	Serialization     string   `toml:"serialization" yaml:"serialization"`
	Compression       string   `toml:"compression" yaml:"compression"`
	CallTimeout       duration `toml:"call_timeout" yaml:"call_timeout"`
	ConnectTimeout    duration `toml:"connect_timeout" yaml:"connect_timeout"`
	ConnectRetries    int      `toml:"connect_retries" yaml:"connect_retries"`
	RetryDelay        duration `toml:"retry_delay" yaml:"retry_delay"`
	HeartbeatInterval duration `toml:"heartbeat_interval" yaml:"heartbeat_interval"`
	IdleTimeout       duration `toml:"idle_timeout" yaml:"idle_timeout"`
	MaxFrame          int      `toml:"max_frame" yaml:"max_frame"`
}

// Default returns the configuration used for everything a file leaves out.
func Default() *Config {
	return &Config{
		LogCnf: &LogConfig{Level: "info", Format: "text"},
		RegistryCnf: &RegistryConfig{
			Backend:     "etcd",
			Endpoints:   []string{"127.0.0.1:2379"},
			Root:        "/kite-rpc",
			DialTimeout: duration{5 * time.Second},
		},
		ServerCnf: &ServerConfig{
			Listen:      "127.0.0.1:9000",
			IdleTimeout: duration{server.DefaultIdleTimeout},
		},
		ClientCnf: &ClientConfig{
			Balancer:          "consistenthash",
			Serialization:     "gob",
			Compression:       "none",
			CallTimeout:       duration{client.DefaultCallTimeout},
			ConnectTimeout:    duration{transport.DefaultConnectTimeout},
			ConnectRetries:    transport.DefaultConnectRetries,
			RetryDelay:        duration{transport.DefaultRetryDelay},
			HeartbeatInterval: duration{transport.DefaultHeartbeatInterval},
			IdleTimeout:       duration{transport.DefaultIdleTimeout},
		},
	}
}

func (cnf *Config) String() string {
	return fmt.Sprintf("\n%s\n%s\n%s\n%s\n", cnf.LogCnf, cnf.RegistryCnf, cnf.ServerCnf, cnf.ClientCnf)
}

func (lcnf *LogConfig) String() string {
	return fmt.Sprintf("[log]\nlevel: %s | format: %s", lcnf.Level, lcnf.Format)
}

func (rcnf *RegistryConfig) String() string {
	return fmt.Sprintf("[registry]\nbackend: %s | endpoints: %v | root: %s | dial timeout: %s",
		rcnf.Backend, rcnf.Endpoints, rcnf.Root, rcnf.DialTimeout)
}

func (scnf *ServerConfig) String() string {
	return fmt.Sprintf("[server]\nlisten: %s | advertise: %s | idle timeout: %s | max frame: %d\n"+
		"rate limit: %.1f/s burst %d | handler timeout: %s",
		scnf.Listen, scnf.Advertise, scnf.IdleTimeout, scnf.MaxFrame, scnf.RateLimit, scnf.RateBurst, scnf.HandlerTimeout)
}

func (ccnf *ClientConfig) String() string {
	return fmt.Sprintf("[client]\nbalancer: %s | serialization: %s | compression: %s | call timeout: %s\n"+
		"connect timeout: %s | retries: %d every %s | heartbeat: %s | idle timeout: %s",
		ccnf.Balancer, ccnf.Serialization, ccnf.Compression, ccnf.CallTimeout,
		ccnf.ConnectTimeout, ccnf.ConnectRetries, ccnf.RetryDelay, ccnf.HeartbeatInterval, ccnf.IdleTimeout)
}

// Apply sets the level and format of the standard logger.
func (lcnf *LogConfig) Apply() error {
	level, err := log.ParseLevel(lcnf.Level)
	if err != nil {
		return err
	}
	log.SetLevel(level)
	switch lcnf.Format {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "", "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("unknown log format %q", lcnf.Format)
	}
	return nil
}

func (rcnf *RegistryConfig) Options() registry.Options {
	return registry.Options{
		Endpoints:   rcnf.Endpoints,
		DialTimeout: rcnf.DialTimeout.Get(),
	}
}

func (scnf *ServerConfig) Options() server.Options {
	return server.Options{
		Advertise:    scnf.Advertise,
		IdleTimeout:  scnf.IdleTimeout.Get(),
		MaxFrameSize: scnf.MaxFrame,
	}
}

func (ccnf *ClientConfig) Options() (client.Options, error) {
	st, err := codec.ParseSerialization(ccnf.Serialization)
	if err != nil {
		return client.Options{}, err
	}
	ct, err := codec.ParseCompression(ccnf.Compression)
	if err != nil {
		return client.Options{}, err
	}
	retries := ccnf.ConnectRetries
	if retries == 0 {
		// transport.Options reads 0 as the default; here it means no retries.
		retries = -1
	}
	return client.Options{
		Serialization: st,
		Compression:   ct,
		CallTimeout:   ccnf.CallTimeout.Get(),
		Transport: transport.Options{
			ConnectTimeout:    ccnf.ConnectTimeout.Get(),
			ConnectRetries:    retries,
			RetryDelay:        ccnf.RetryDelay.Get(),
			HeartbeatInterval: ccnf.HeartbeatInterval.Get(),
			IdleTimeout:       ccnf.IdleTimeout.Get(),
			MaxFrameSize:      ccnf.MaxFrame,
		},
	}, nil
}

type duration struct {
	time.Duration
}

func (d *duration) Get() time.Duration {
	return d.Duration
}

func (d *duration) UnmarshalText(text []byte) (err error) {
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d *duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}
