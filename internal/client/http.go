package client

/*
ctingest — load Certificate Transparency logs into analytical stores
Copyright (C) 2025  Pepijn van der Stap <rxtls@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

/*
Package client holds the HTTP client shared by everything that talks to a CT log.

The client is configured once at startup and then handed out to every FetchWorker so that
short-lived workers reuse the same keep-alive connection pool instead of dialing per range.
*/

import (
	"net"
	"net/http"
	"sync"
	"time"
)

const (
	defaultDialTimeout      = 5 * time.Second
	defaultKeepAliveTimeout = 60 * time.Second
	defaultIdleConnTimeout  = 90 * time.Second
	defaultMaxIdleConns     = 100
	defaultMaxConnsPerHost  = 64
	// Bounds each get-entries call; FetchWorkers are never aborted mid-request, so this is what
	// limits how long shutdown waits on them.
	defaultRequestTimeout = 30 * time.Second
)

var (
	sharedClient      *http.Client
	sharedClientLock  sync.RWMutex
	clientInitialized bool
)

// Config holds transport settings for the shared client. Zero fields take defaults.
type Config struct {
	DialTimeout      time.Duration
	KeepAliveTimeout time.Duration
	IdleConnTimeout  time.Duration
	MaxIdleConns     int
	// MaxConnsPerHost caps concurrent connections to the log. Dials block beyond it, which
	// keeps a burst of FetchWorkers from opening a socket each.
	MaxConnsPerHost int
	RequestTimeout  time.Duration
}

// DefaultConfig returns the default transport settings.
func DefaultConfig() *Config {
	return &Config{
		DialTimeout:      defaultDialTimeout,
		KeepAliveTimeout: defaultKeepAliveTimeout,
		IdleConnTimeout:  defaultIdleConnTimeout,
		MaxIdleConns:     defaultMaxIdleConns,
		MaxConnsPerHost:  defaultMaxConnsPerHost,
		RequestTimeout:   defaultRequestTimeout,
	}
}

func (c *Config) withDefaults() *Config {
	out := *DefaultConfig()
	if c == nil {
		return &out
	}
	if c.DialTimeout > 0 {
		out.DialTimeout = c.DialTimeout
	}
	if c.KeepAliveTimeout > 0 {
		out.KeepAliveTimeout = c.KeepAliveTimeout
	}
	if c.IdleConnTimeout > 0 {
		out.IdleConnTimeout = c.IdleConnTimeout
	}
	if c.MaxIdleConns > 0 {
		out.MaxIdleConns = c.MaxIdleConns
	}
	if c.MaxConnsPerHost > 0 {
		out.MaxConnsPerHost = c.MaxConnsPerHost
	}
	if c.RequestTimeout > 0 {
		out.RequestTimeout = c.RequestTimeout
	}
	return &out
}

// NewHTTPClient builds a client from config without touching the shared instance.
func NewHTTPClient(config *Config) *http.Client {
	config = config.withDefaults()
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   config.DialTimeout,
			KeepAlive: config.KeepAliveTimeout,
		}).DialContext,
		MaxIdleConns:          config.MaxIdleConns,
		MaxIdleConnsPerHost:   config.MaxConnsPerHost,
		MaxConnsPerHost:       config.MaxConnsPerHost,
		IdleConnTimeout:       config.IdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 20 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   config.RequestTimeout,
	}
}

// InitHTTPClient replaces the shared client. A nil config selects DefaultConfig.
// Idle connections of the previous client are closed.
func InitHTTPClient(config *Config) {
	sharedClientLock.Lock()
	defer sharedClientLock.Unlock()

	if sharedClient != nil {
		if old, ok := sharedClient.Transport.(*http.Transport); ok && old != nil {
			old.CloseIdleConnections()
		}
	}
	sharedClient = NewHTTPClient(config)
	clientInitialized = true
}

// GetHTTPClient returns the shared client, initializing it with defaults on first use.
func GetHTTPClient() *http.Client {
	sharedClientLock.RLock()
	if !clientInitialized {
		sharedClientLock.RUnlock()
		sharedClientLock.Lock()
		if !clientInitialized {
			sharedClient = NewHTTPClient(nil)
			clientInitialized = true
		}
		c := sharedClient
		sharedClientLock.Unlock()
		return c
	}
	c := sharedClient
	sharedClientLock.RUnlock()
	return c
}

// ConfigureForFetchers sizes the shared connection pool for the expected number of concurrent
// FetchWorkers against a single log.
func ConfigureForFetchers(concurrency int, requestTimeout time.Duration) {
	if concurrency < 1 {
		concurrency = 1
	}
	InitHTTPClient(&Config{
		MaxIdleConns:    concurrency * 2,
		MaxConnsPerHost: concurrency,
		RequestTimeout:  requestTimeout,
	})
}
