package broker

import (
	"time"
)

// Config tunes session establishment and forwarding.
type Config struct {
	// WorkerHost is the address workers listen on.
	WorkerHost string
	// BasePort is the master's public port. Worker N listens on BasePort+N.
	BasePort int
	// WorkersPerSession is the number of workers dialed per client.
	WorkersPerSession int
	// ReadyTimeout bounds the wait for selected workers to become ready.
	ReadyTimeout time.Duration
	// ConnectTimeout bounds each outbound worker dial.
	ConnectTimeout time.Duration
	// RequestTimeout bounds each forwarded request. Zero disables it.
	RequestTimeout time.Duration
	// SessionRate limits new sessions per second. Zero disables it.
	SessionRate float64
	// SessionBurst is the admission burst when SessionRate is set.
	SessionBurst int
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		WorkerHost:        "127.0.0.1",
		BasePort:          2089,
		WorkersPerSession: 2,
		ReadyTimeout:      10 * time.Second,
		ConnectTimeout:    5 * time.Second,
		RequestTimeout:    60 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.WorkerHost == "" {
		c.WorkerHost = d.WorkerHost
	}
	if c.WorkersPerSession <= 0 {
		c.WorkersPerSession = d.WorkersPerSession
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = d.ReadyTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.SessionRate > 0 && c.SessionBurst <= 0 {
		c.SessionBurst = 1
	}
	return c
}
