package transport

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/ternhq/tern/internal/logger"
)

const (
	EnvSSLCertFile = "SSL_CERT_FILE"
	EnvSSLCertDir  = "SSL_CERT_DIR"
)

// TLSOptions are the verification inputs that participate in the origin
// key. Connections made under different options never share a pool.
type TLSOptions struct {
	CAFile             string // explicit bundle; falls back to SSL_CERT_FILE then system roots
	CADir              string
	InsecureSkipVerify bool
	ClientCertFile     string
	ClientKeyFile      string
	ServerName         string   // SNI override
	ALPN               []string // offer set; defaults per transport
}

// ProfileSource owns the TLS material and its identity hash. When the
// CA bundle file changes on disk the pool key changes with it, so
// connections verified against stale roots stop pooling with fresh ones.
type ProfileSource struct {
	mu      sync.RWMutex
	opts    TLSOptions
	roots   *x509.CertPool
	cert    *tls.Certificate
	hash    string
	watcher *fsnotify.Watcher
	closeCh chan struct{}
	logger  *logger.StyledLogger
}

func NewProfileSource(opts TLSOptions, log *logger.StyledLogger) (*ProfileSource, error) {
	if log == nil {
		log = logger.Discard()
	}
	s := &ProfileSource{opts: opts, closeCh: make(chan struct{}), logger: log}

	if err := s.reload(); err != nil {
		return nil, err
	}

	if path := s.bundlePath(); path != "" {
		watcher, err := fsnotify.NewWatcher()
		if err == nil && watcher.Add(path) == nil {
			s.watcher = watcher
			go s.watchLoop(path)
		} else if watcher != nil {
			_ = watcher.Close()
		}
	}

	return s, nil
}

func (s *ProfileSource) bundlePath() string {
	if s.opts.CAFile != "" {
		return s.opts.CAFile
	}
	return os.Getenv(EnvSSLCertFile)
}

func (s *ProfileSource) caDir() string {
	if s.opts.CADir != "" {
		return s.opts.CADir
	}
	return os.Getenv(EnvSSLCertDir)
}

func (s *ProfileSource) reload() error {
	var roots *x509.CertPool
	var sum []byte

	if path := s.bundlePath(); path != "" {
		pem, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read ca bundle %s: %w", path, err)
		}
		roots = x509.NewCertPool()
		if !roots.AppendCertsFromPEM(pem) {
			return fmt.Errorf("ca bundle %s contains no usable certificates", path)
		}
		digest := sha256.Sum256(pem)
		sum = digest[:]
	} else if dir := s.caDir(); dir != "" {
		roots = x509.NewCertPool()
		entries, err := os.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("failed to read ca dir %s: %w", dir, err)
		}
		digest := sha256.New()
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			pem, err := os.ReadFile(dir + "/" + entry.Name())
			if err != nil {
				continue
			}
			if roots.AppendCertsFromPEM(pem) {
				digest.Write(pem)
			}
		}
		sum = digest.Sum(nil)
	}

	var cert *tls.Certificate
	if s.opts.ClientCertFile != "" {
		c, err := tls.LoadX509KeyPair(s.opts.ClientCertFile, s.opts.ClientKeyFile)
		if err != nil {
			return fmt.Errorf("failed to load client certificate: %w", err)
		}
		cert = &c
	}

	s.mu.Lock()
	s.roots = roots
	s.cert = cert
	s.hash = s.computeHash(sum)
	s.mu.Unlock()
	return nil
}

func (s *ProfileSource) computeHash(caSum []byte) string {
	h := sha256.New()
	h.Write(caSum)
	if s.opts.InsecureSkipVerify {
		h.Write([]byte("insecure"))
	}
	h.Write([]byte(s.opts.ClientCertFile))
	h.Write([]byte(s.opts.ServerName))
	h.Write([]byte(strings.Join(s.opts.ALPN, ",")))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func (s *ProfileSource) watchLoop(path string) {
	for {
		select {
		case <-s.closeCh:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if err := s.reload(); err != nil {
					s.logger.Warn("ca bundle reload failed", "path", path, "error", err)
					continue
				}
				s.logger.Info("ca bundle reloaded", "path", path)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Debug("ca bundle watch error", "error", err)
		}
	}
}

// Hash identifies the current TLS profile; part of the Origin key.
func (s *ProfileSource) Hash() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hash
}

// ClientConfig builds a tls.Config for a handshake with the given SNI
// and ALPN offer set.
func (s *ProfileSource) ClientConfig(serverName string, alpn []string) *tls.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.opts.ServerName != "" {
		serverName = s.opts.ServerName
	}
	if len(s.opts.ALPN) > 0 {
		alpn = s.opts.ALPN
	}

	cfg := &tls.Config{
		ServerName:         serverName,
		NextProtos:         alpn,
		RootCAs:            s.roots,
		InsecureSkipVerify: s.opts.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}
	if s.cert != nil {
		cfg.Certificates = []tls.Certificate{*s.cert}
	}
	return cfg
}

func (s *ProfileSource) Close() error {
	close(s.closeCh)
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}
