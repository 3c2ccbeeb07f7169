package engine

import (
	"container/list"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/pkcs12"
)

// defaultConnectTimeout matches the connect timeout used when none is set.
const defaultConnectTimeout = 300 * time.Second

// maxTransports bounds the transport cache. The least recently used
// transport is evicted past it.
const maxTransports = 32

// transportKey holds the options that shape connections. Transfers that
// agree on all of them share a connection pool.
type transportKey struct {
	connectTimeout time.Duration
	keepAlive      time.Duration
	noDelay        bool
	proxy          string
	dns            string
	ciphers        string
	cert           string
	version        Version
}

func keyFor(o Options) transportKey {
	k := transportKey{
		connectTimeout: value(o.ConnectTimeout, defaultConnectTimeout),
		keepAlive:      value(o.TCPKeepAlive, 0),
		noDelay:        value(o.TCPNoDelay, false),
		proxy:          value(o.Proxy, ""),
		dns:            strings.Join(o.DNSServers, ","),
		ciphers:        strings.Join(o.SSLCiphers, ":"),
		version:        value(o.Version, VersionAny),
	}
	if c := o.ClientCertificate; c != nil {
		k.cert = string(c.Format) + ":" + c.Path + ":" + secret(c.Password)
		if c.PrivateKey != nil {
			k.cert += "+" + string(c.PrivateKey.Format) + ":" + c.PrivateKey.Path + ":" + secret(c.PrivateKey.Password)
		}
	}
	return k
}

// secret fingerprints a password so keys never hold it in clear.
func secret(password string) string {
	if password == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(password))
	return fmt.Sprintf("%x", sum[:8])
}

// transports caches one *http.Transport per transportKey, evicting the
// least recently used one once limit is exceeded. Connections still busy on
// an evicted transport finish normally and then age out as idle.
type transports struct {
	logger *slog.Logger
	limit  int

	mu    sync.Mutex
	cache map[transportKey]*list.Element
	order *list.List // of *cachedTransport, most recent first
}

type cachedTransport struct {
	key transportKey
	tr  *http.Transport
}

func newTransports(logger *slog.Logger) *transports {
	if logger == nil {
		logger = slog.Default()
	}
	return &transports{
		logger: logger,
		limit:  maxTransports,
		cache:  make(map[transportKey]*list.Element),
		order:  list.New(),
	}
}

func (ts *transports) get(o Options) (*http.Transport, error) {
	key := keyFor(o)

	ts.mu.Lock()
	defer ts.mu.Unlock()

	if el, ok := ts.cache[key]; ok {
		ts.order.MoveToFront(el)
		return el.Value.(*cachedTransport).tr, nil
	}

	tr, err := ts.build(o)
	if err != nil {
		return nil, err
	}
	ts.cache[key] = ts.order.PushFront(&cachedTransport{key: key, tr: tr})

	for ts.order.Len() > ts.limit {
		oldest := ts.order.Remove(ts.order.Back()).(*cachedTransport)
		delete(ts.cache, oldest.key)
		oldest.tr.CloseIdleConnections()
		ts.logger.Debug("transport evicted", "cached", ts.order.Len())
	}

	return tr, nil
}

func (ts *transports) size() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.order.Len()
}

func (ts *transports) closeIdle() {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	for el := ts.order.Front(); el != nil; el = el.Next() {
		el.Value.(*cachedTransport).tr.CloseIdleConnections()
	}
}

func (ts *transports) build(o Options) (*http.Transport, error) {
	dialer := &net.Dialer{
		Timeout:   value(o.ConnectTimeout, defaultConnectTimeout),
		KeepAlive: value(o.TCPKeepAlive, 0),
	}

	if len(o.DNSServers) > 0 {
		resolver, err := resolverFor(o.DNSServers)
		if err != nil {
			ts.logger.Warn("DNS servers could not be configured", "servers", o.DNSServers, "error", err)
		} else {
			dialer.Resolver = resolver
		}
	}

	dial := dialer.DialContext
	if value(o.TCPNoDelay, false) {
		dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if tcp, ok := conn.(*net.TCPConn); ok {
				if err := tcp.SetNoDelay(true); err != nil {
					conn.Close()
					return nil, fmt.Errorf("setting TCP_NODELAY: %w", err)
				}
			}
			return conn, nil
		}
	}

	proxy := http.ProxyFromEnvironment
	if o.Proxy != nil {
		u, err := proxyURL(*o.Proxy)
		if err != nil {
			return nil, err
		}
		proxy = http.ProxyURL(u)
	}

	tlsConf, err := tlsConfig(o)
	if err != nil {
		return nil, err
	}

	tr := &http.Transport{
		Proxy:                 proxy,
		DialContext:           dial,
		TLSClientConfig:       tlsConf,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}

	switch value(o.Version, VersionAny) {
	case Version10, Version11:
		var p http.Protocols
		p.SetHTTP1(true)
		tr.Protocols = &p
	case Version2:
		var p http.Protocols
		p.SetHTTP1(true)
		p.SetHTTP2(true)
		tr.Protocols = &p
	}

	return tr, nil
}

// proxyURL parses a proxy address. A missing scheme means an HTTP proxy.
func proxyURL(raw string) (*url.URL, error) {
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing proxy: %w", err)
	}

	switch u.Scheme {
	case "http", "https", "socks5", "socks5h":
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("proxy host must not be empty")
	}

	return u, nil
}

// ValidProxy reports whether raw is a proxy address the engine accepts.
func ValidProxy(raw string) bool {
	_, err := proxyURL(raw)
	return err == nil
}

func resolverFor(servers []string) (*net.Resolver, error) {
	for _, s := range servers {
		if _, _, err := net.SplitHostPort(s); err != nil {
			return nil, fmt.Errorf("dns server %q: %w", s, err)
		}
	}

	var next atomic.Uint64
	return &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
			var d net.Dialer
			server := servers[next.Add(1)%uint64(len(servers))]
			return d.DialContext(ctx, network, server)
		},
	}, nil
}

func tlsConfig(o Options) (*tls.Config, error) {
	if len(o.SSLCiphers) == 0 && o.ClientCertificate == nil {
		return nil, nil
	}

	conf := &tls.Config{}

	if len(o.SSLCiphers) > 0 {
		ids, err := cipherIDs(o.SSLCiphers)
		if err != nil {
			return nil, err
		}
		conf.CipherSuites = ids
	}

	if o.ClientCertificate != nil {
		cert, err := loadClientCertificate(*o.ClientCertificate)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		conf.Certificates = []tls.Certificate{cert}
	}

	return conf, nil
}

func cipherIDs(names []string) ([]uint16, error) {
	known := make(map[string]uint16)
	for _, cs := range tls.CipherSuites() {
		known[cs.Name] = cs.ID
	}
	for _, cs := range tls.InsecureCipherSuites() {
		known[cs.Name] = cs.ID
	}

	ids := make([]uint16, 0, len(names))
	for _, name := range names {
		id, ok := known[name]
		if !ok {
			return nil, fmt.Errorf("unknown cipher suite %q", name)
		}
		ids = append(ids, id)
	}

	return ids, nil
}

func loadClientCertificate(c ClientCertificate) (tls.Certificate, error) {
	data, err := os.ReadFile(c.Path)
	if err != nil {
		return tls.Certificate{}, err
	}

	switch c.Format {
	case FormatP12:
		key, leaf, err := pkcs12.Decode(data, c.Password)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("decoding p12: %w", err)
		}
		return tls.Certificate{Certificate: [][]byte{leaf.Raw}, PrivateKey: key, Leaf: leaf}, nil

	case FormatDER:
		leaf, err := x509.ParseCertificate(data)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("parsing der certificate: %w", err)
		}
		if c.PrivateKey == nil {
			return tls.Certificate{}, errors.New("der certificate requires a private key")
		}
		key, err := loadPrivateKey(*c.PrivateKey)
		if err != nil {
			return tls.Certificate{}, err
		}
		return tls.Certificate{Certificate: [][]byte{leaf.Raw}, PrivateKey: key, Leaf: leaf}, nil

	case FormatPEM:
		var chain [][]byte
		var keyBlock *pem.Block
		for rest := data; ; {
			var block *pem.Block
			block, rest = pem.Decode(rest)
			if block == nil {
				break
			}
			if block.Type == "CERTIFICATE" {
				chain = append(chain, block.Bytes)
			} else if strings.HasSuffix(block.Type, "PRIVATE KEY") {
				keyBlock = block
			}
		}
		if len(chain) == 0 {
			return tls.Certificate{}, errors.New("no certificate found in pem file")
		}

		var key any
		switch {
		case c.PrivateKey != nil:
			key, err = loadPrivateKey(*c.PrivateKey)
		case keyBlock != nil:
			key, err = pemKey(keyBlock, c.Password)
		default:
			err = errors.New("pem certificate requires a private key")
		}
		if err != nil {
			return tls.Certificate{}, err
		}

		return tls.Certificate{Certificate: chain, PrivateKey: key}, nil

	default:
		return tls.Certificate{}, fmt.Errorf("unsupported certificate format %q", c.Format)
	}
}

func loadPrivateKey(k PrivateKey) (any, error) {
	data, err := os.ReadFile(k.Path)
	if err != nil {
		return nil, err
	}

	switch k.Format {
	case FormatDER:
		return parseKey(data)
	case FormatPEM:
		block, _ := pem.Decode(data)
		if block == nil {
			return nil, errors.New("no pem block in private key file")
		}
		return pemKey(block, k.Password)
	default:
		return nil, fmt.Errorf("unsupported private key format %q", k.Format)
	}
}

func pemKey(block *pem.Block, password string) (any, error) {
	der := block.Bytes
	//lint:ignore SA1019 legacy encrypted PEM keys are still issued by some CAs
	if x509.IsEncryptedPEMBlock(block) {
		if password == "" {
			return nil, errors.New("private key is encrypted but no password was given")
		}
		var err error
		//lint:ignore SA1019 see above
		der, err = x509.DecryptPEMBlock(block, []byte(password))
		if err != nil {
			return nil, fmt.Errorf("decrypting private key: %w", err)
		}
	}
	return parseKey(der)
}

func parseKey(der []byte) (any, error) {
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	return nil, errors.New("unrecognised private key encoding")
}
