package engine

import (
	"time"
)

// RedirectMode selects how redirects are handled.
type RedirectMode int

const (
	RedirectModeNone RedirectMode = iota
	RedirectModeFollow
	RedirectModeLimit
)

// RedirectPolicy describes whether, and how far, redirects are followed.
type RedirectPolicy struct {
	Mode RedirectMode `json:"mode" validate:"gte=0,lte=2"`
	Max  int          `json:"max" validate:"gte=0"`
}

// RedirectNone returns redirect responses to the caller. It is the default.
func RedirectNone() RedirectPolicy { return RedirectPolicy{Mode: RedirectModeNone} }

// RedirectFollow follows redirects without a limit.
func RedirectFollow() RedirectPolicy { return RedirectPolicy{Mode: RedirectModeFollow} }

// RedirectLimit follows at most max redirects.
func RedirectLimit(max int) RedirectPolicy {
	return RedirectPolicy{Mode: RedirectModeLimit, Max: max}
}

// Version is a preferred HTTP protocol version. It is a suggestion: the
// server may negotiate another.
type Version int

const (
	VersionAny Version = iota
	Version10
	Version11
	Version2
)

func (v Version) String() string {
	switch v {
	case Version10:
		return "HTTP/1.0"
	case Version11:
		return "HTTP/1.1"
	case Version2:
		return "HTTP/2"
	default:
		return "any"
	}
}

// CertFormat is the encoding of a certificate or key file.
type CertFormat string

const (
	FormatPEM CertFormat = "PEM"
	FormatDER CertFormat = "DER"
	FormatP12 CertFormat = "P12"
)

// PrivateKey locates the key that belongs to a client certificate.
type PrivateKey struct {
	Format   CertFormat `json:"format" validate:"oneof=PEM DER"`
	Path     string     `json:"path" validate:"required,file"`
	Password string     `json:"-"`
}

// ClientCertificate is a TLS client certificate. P12 bundles carry their
// own key; PEM files may too when PrivateKey is nil.
type ClientCertificate struct {
	Format     CertFormat  `json:"format" validate:"oneof=PEM DER P12"`
	Path       string      `json:"path" validate:"required,file"`
	Password   string      `json:"-"`
	PrivateKey *PrivateKey `json:"privateKey,omitempty" validate:"omitnil"`
}

// Options configure a single transfer. A nil or empty field is unset.
type Options struct {
	Timeout           *time.Duration     `json:"timeout,omitempty" validate:"omitnil,gte=0"`
	ConnectTimeout    *time.Duration     `json:"connectTimeout,omitempty" validate:"omitnil,gte=0"`
	Redirect          *RedirectPolicy    `json:"redirect,omitempty" validate:"omitnil"`
	AutoReferer       *bool              `json:"autoReferer,omitempty"`
	Version           *Version           `json:"version,omitempty" validate:"omitnil,gte=0,lte=3"`
	TCPKeepAlive      *time.Duration     `json:"tcpKeepAlive,omitempty" validate:"omitnil,gt=0"`
	TCPNoDelay        *bool              `json:"tcpNoDelay,omitempty"`
	Proxy             *string            `json:"proxy,omitempty" validate:"omitnil,proxy"`
	MaxUploadSpeed    *int64             `json:"maxUploadSpeed,omitempty" validate:"omitnil,gt=0"`
	MaxDownloadSpeed  *int64             `json:"maxDownloadSpeed,omitempty" validate:"omitnil,gt=0"`
	DNSServers        []string           `json:"dnsServers,omitempty" validate:"omitempty,dive,hostname_port"`
	SSLCiphers        []string           `json:"sslCiphers,omitempty" validate:"omitempty,dive,required"`
	ClientCertificate *ClientCertificate `json:"clientCertificate,omitempty" validate:"omitnil"`
}

// Merge returns o with every unset field taken from fallback. Each field is
// resolved on its own: the first set value wins.
func (o Options) Merge(fallback Options) Options {
	out := o
	out.Timeout = first(o.Timeout, fallback.Timeout)
	out.ConnectTimeout = first(o.ConnectTimeout, fallback.ConnectTimeout)
	out.Redirect = first(o.Redirect, fallback.Redirect)
	out.AutoReferer = first(o.AutoReferer, fallback.AutoReferer)
	out.Version = first(o.Version, fallback.Version)
	out.TCPKeepAlive = first(o.TCPKeepAlive, fallback.TCPKeepAlive)
	out.TCPNoDelay = first(o.TCPNoDelay, fallback.TCPNoDelay)
	out.Proxy = first(o.Proxy, fallback.Proxy)
	out.MaxUploadSpeed = first(o.MaxUploadSpeed, fallback.MaxUploadSpeed)
	out.MaxDownloadSpeed = first(o.MaxDownloadSpeed, fallback.MaxDownloadSpeed)
	out.ClientCertificate = first(o.ClientCertificate, fallback.ClientCertificate)
	if o.DNSServers == nil {
		out.DNSServers = fallback.DNSServers
	}
	if o.SSLCiphers == nil {
		out.SSLCiphers = fallback.SSLCiphers
	}
	return out
}

func first[T any](a, b *T) *T {
	if a != nil {
		return a
	}
	return b
}

// value returns *p, or def when p is nil.
func value[T any](p *T, def T) T {
	if p == nil {
		return def
	}
	return *p
}
