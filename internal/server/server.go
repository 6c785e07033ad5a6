package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/http2"

	"github.com/mir00r/region-router/pkg/logger"
)

// TLSConfig defines TLS settings of the admin listener
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	MinVersion string `yaml:"min_version"` // "1.2" or "1.3"
	// HTTP2 negotiates h2 over TLS. Plain listeners always speak HTTP/1.1.
	HTTP2 bool `yaml:"http2"`
}

// Validate checks the TLS settings
func (c TLSConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.CertFile == "" || c.KeyFile == "" {
		return fmt.Errorf("tls requires cert_file and key_file")
	}
	if _, ok := tlsVersions[c.MinVersion]; !ok && c.MinVersion != "" {
		return fmt.Errorf("unsupported tls min_version: %s", c.MinVersion)
	}
	return nil
}

var tlsVersions = map[string]uint16{
	"1.2": tls.VersionTLS12,
	"1.3": tls.VersionTLS13,
}

// Config describes the admin listener
type Config struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	TLS          TLSConfig
}

// AdminServer serves the admin API over HTTP or HTTPS
type AdminServer struct {
	config Config
	logger *logger.Logger
	server *http.Server
}

// New builds the admin server around handler
func New(config Config, handler http.Handler, log *logger.Logger) (*AdminServer, error) {
	if log == nil {
		log = logger.Discard()
	}
	if err := config.TLS.Validate(); err != nil {
		return nil, err
	}

	s := &AdminServer{
		config: config,
		logger: log.WithField("component", "admin_server"),
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", config.Port),
			Handler:      handler,
			ReadTimeout:  config.ReadTimeout,
			WriteTimeout: config.WriteTimeout,
			IdleTimeout:  config.IdleTimeout,
		},
	}

	if config.TLS.Enabled {
		minVersion, ok := tlsVersions[config.TLS.MinVersion]
		if !ok {
			minVersion = tls.VersionTLS12
		}
		s.server.TLSConfig = &tls.Config{MinVersion: minVersion}

		if config.TLS.HTTP2 {
			if err := http2.ConfigureServer(s.server, &http2.Server{
				MaxConcurrentStreams: 250,
				IdleTimeout:          config.IdleTimeout,
			}); err != nil {
				return nil, fmt.Errorf("configure http2: %w", err)
			}
		} else {
			// A non-nil empty map keeps net/http from enabling h2 itself.
			s.server.TLSNextProto = map[string]func(*http.Server, *tls.Conn, http.Handler){}
		}
	}
	return s, nil
}

// Addr returns the listen address
func (s *AdminServer) Addr() string {
	return s.server.Addr
}

// Serve accepts connections on l until Shutdown is called
func (s *AdminServer) Serve(l net.Listener) error {
	s.logger.WithFields(logrus.Fields{
		"addr":  l.Addr().String(),
		"tls":   s.config.TLS.Enabled,
		"http2": s.config.TLS.Enabled && s.config.TLS.HTTP2,
	}).Info("Starting admin server")

	var err error
	if s.config.TLS.Enabled {
		err = s.server.ServeTLS(l, s.config.TLS.CertFile, s.config.TLS.KeyFile)
	} else {
		err = s.server.Serve(l)
	}
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// ListenAndServe listens on the configured port and serves
func (s *AdminServer) ListenAndServe() error {
	l, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Shutdown gracefully shuts down the server
func (s *AdminServer) Shutdown(ctx context.Context) error {
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.WithError(err).Error("Failed to shutdown admin server")
		return err
	}
	return nil
}
