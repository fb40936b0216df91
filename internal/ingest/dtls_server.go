// Package ingest provides the secure sensor listener. Decoy sensors send
// one JSON-encoded event per DTLS datagram.
package ingest

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"decoynet/internal/schema"

	"github.com/google/uuid"
	"github.com/pion/dtls/v2"
)

var (
	ErrCertRequired       = errors.New("ingest: DTLS requires certificate and key")
	ErrClientCertRequired = errors.New("ingest: mutual TLS requires CA certificate")
)

// Submitter accepts an event into the pipeline. The engine's Submit
// method satisfies this.
type Submitter interface {
	Submit(event *schema.Event) error
}

// DTLSConfig holds configuration for the sensor listener.
type DTLSConfig struct {
	Address           string        `yaml:"address"`
	CertFile          string        `yaml:"cert_file"`
	KeyFile           string        `yaml:"key_file"`
	CAFile            string        `yaml:"ca_file"`
	RequireClientCert bool          `yaml:"require_client_cert"`
	MaxMessageSize    int           `yaml:"max_message_size"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
}

// DefaultDTLSConfig returns secure defaults.
func DefaultDTLSConfig() DTLSConfig {
	return DTLSConfig{
		Address:          ":5517",
		MaxMessageSize:   65535,
		HandshakeTimeout: 30 * time.Second,
		IdleTimeout:      5 * time.Minute,
	}
}

// sensorEvent is the wire format sensors send. Timestamp defaults to
// receive time when omitted.
type sensorEvent struct {
	Subject   string            `json:"subject"`
	Kind      string            `json:"kind"`
	Raw       string            `json:"raw,omitempty"`
	Payload   map[string]string `json:"payload,omitempty"`
	Timestamp *time.Time        `json:"timestamp,omitempty"`
}

// Metrics holds listener counters.
type Metrics struct {
	Connections   uint64 `json:"connections"`
	HandshakeErrs uint64 `json:"handshake_errors"`
	Received      uint64 `json:"received"`
	Submitted     uint64 `json:"submitted"`
	Errors        uint64 `json:"errors"`
}

// DTLSServer receives sensor events over DTLS and submits them to the
// pipeline. Malformed or rejected datagrams are counted and dropped;
// one bad sensor cannot break the listener.
type DTLSServer struct {
	config    DTLSConfig
	submitter Submitter
	logger    *slog.Logger
	listener  net.Listener

	wg   sync.WaitGroup
	done chan struct{}

	connections   uint64
	handshakeErrs uint64
	received      uint64
	submitted     uint64
	errCount      uint64
}

// NewDTLSServer creates the sensor listener.
func NewDTLSServer(cfg DTLSConfig, submitter Submitter, logger *slog.Logger) (*DTLSServer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CertFile == "" || cfg.KeyFile == "" {
		return nil, ErrCertRequired
	}
	if cfg.RequireClientCert && cfg.CAFile == "" {
		return nil, ErrClientCertRequired
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultDTLSConfig().MaxMessageSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultDTLSConfig().IdleTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultDTLSConfig().HandshakeTimeout
	}

	return &DTLSServer{
		config:    cfg,
		submitter: submitter,
		logger:    logger,
		done:      make(chan struct{}),
	}, nil
}

// Start begins listening and accepting sensor connections.
func (s *DTLSServer) Start(ctx context.Context) error {
	cert, err := tls.LoadX509KeyPair(s.config.CertFile, s.config.KeyFile)
	if err != nil {
		return fmt.Errorf("ingest: failed to load DTLS certificate: %w", err)
	}

	dtlsConfig := &dtls.Config{
		Certificates:         []tls.Certificate{cert},
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
		ConnectContextMaker: func() (context.Context, func()) {
			return context.WithTimeout(ctx, s.config.HandshakeTimeout)
		},
	}

	if s.config.RequireClientCert {
		caData, err := os.ReadFile(s.config.CAFile)
		if err != nil {
			return fmt.Errorf("ingest: failed to load CA certificate: %w", err)
		}
		caPool := x509.NewCertPool()
		if !caPool.AppendCertsFromPEM(caData) {
			return fmt.Errorf("ingest: failed to parse CA certificate")
		}
		dtlsConfig.ClientCAs = caPool
		dtlsConfig.ClientAuth = dtls.RequireAndVerifyClientCert
	}

	addr, err := net.ResolveUDPAddr("udp", s.config.Address)
	if err != nil {
		return fmt.Errorf("ingest: failed to resolve address: %w", err)
	}

	listener, err := dtls.Listen("udp", addr, dtlsConfig)
	if err != nil {
		return fmt.Errorf("ingest: failed to start DTLS listener: %w", err)
	}
	s.listener = listener

	s.logger.Info("sensor listener started",
		"address", s.config.Address,
		"mutual_tls", s.config.RequireClientCert,
	)

	s.wg.Add(1)
	go s.acceptLoop(ctx)
	return nil
}

func (s *DTLSServer) acceptLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		if dl, ok := s.listener.(interface{ SetDeadline(time.Time) error }); ok {
			dl.SetDeadline(time.Now().Add(100 * time.Millisecond))
		}

		conn, err := s.listener.Accept()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-s.done:
				return
			default:
				atomic.AddUint64(&s.handshakeErrs, 1)
				s.logger.Debug("sensor accept error", "error", err)
				continue
			}
		}

		atomic.AddUint64(&s.connections, 1)
		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

func (s *DTLSServer) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	remote := "unknown"
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	s.logger.Debug("sensor connected", "remote", remote)

	buffer := make([]byte, s.config.MaxMessageSize)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))
		n, err := conn.Read(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				s.logger.Debug("sensor idle timeout", "remote", remote)
				return
			}
			s.logger.Debug("sensor read error", "error", err, "remote", remote)
			return
		}

		atomic.AddUint64(&s.received, 1)
		s.processDatagram(buffer[:n], remote)
	}
}

func (s *DTLSServer) processDatagram(data []byte, remote string) {
	var se sensorEvent
	if err := json.Unmarshal(data, &se); err != nil {
		atomic.AddUint64(&s.errCount, 1)
		s.logger.Debug("sensor event decode error", "error", err, "remote", remote)
		return
	}

	now := time.Now().UTC()
	event := &schema.Event{
		EventID:    uuid.New(),
		Timestamp:  now,
		Subject:    se.Subject,
		Kind:       schema.EventKind(se.Kind),
		Payload:    se.Payload,
		Raw:        se.Raw,
		ReceivedAt: now,
	}
	if se.Timestamp != nil {
		event.Timestamp = se.Timestamp.UTC()
	}

	if err := s.submitter.Submit(event); err != nil {
		atomic.AddUint64(&s.errCount, 1)
		s.logger.Debug("sensor event rejected",
			"error", err, "remote", remote, "subject", se.Subject)
		return
	}
	atomic.AddUint64(&s.submitted, 1)
}

// Stop stops the listener gracefully.
func (s *DTLSServer) Stop() {
	close(s.done)
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()

	s.logger.Info("sensor listener stopped",
		"connections", atomic.LoadUint64(&s.connections),
		"received", atomic.LoadUint64(&s.received),
		"submitted", atomic.LoadUint64(&s.submitted),
		"errors", atomic.LoadUint64(&s.errCount),
	)
}

// Metrics returns current listener counters.
func (s *DTLSServer) Metrics() Metrics {
	return Metrics{
		Connections:   atomic.LoadUint64(&s.connections),
		HandshakeErrs: atomic.LoadUint64(&s.handshakeErrs),
		Received:      atomic.LoadUint64(&s.received),
		Submitted:     atomic.LoadUint64(&s.submitted),
		Errors:        atomic.LoadUint64(&s.errCount),
	}
}
