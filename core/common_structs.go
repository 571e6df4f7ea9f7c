package core

// common_structs.go – centralised struct definitions shared across the
// storage and sync subsystems.  This file declares configuration and
// transport data structures only; behaviour lives with the owning
// module files.
// -----------------------------------------------------------------------------

import (
	"context"
	"time"
)

//---------------------------------------------------------------------
// Connection configuration (sync client)
//---------------------------------------------------------------------

// ProxyConfig names an optional HTTP CONNECT or SOCKS5 proxy.
type ProxyConfig struct {
	Kind string `json:"kind" yaml:"kind"` // "http" or "socks5"
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// UserAgent components appended to the HTTP handshake.
type UserAgent struct {
	Application string `json:"application" yaml:"application"`
	Platform    string `json:"platform" yaml:"platform"`
}

// ConnectionConfig is the recognized option set for sync connections.
type ConnectionConfig struct {
	ReconnectMode        ReconnectMode `json:"reconnect_mode" yaml:"reconnect_mode"`
	ConnectTimeout       time.Duration `json:"connect_timeout" yaml:"connect_timeout"`
	ConnectionLingerTime time.Duration `json:"connection_linger_time" yaml:"connection_linger_time"`
	PingKeepalivePeriod  time.Duration `json:"ping_keepalive_period" yaml:"ping_keepalive_period"`
	PongKeepaliveTimeout time.Duration `json:"pong_keepalive_timeout" yaml:"pong_keepalive_timeout"`
	FastReconnectLimit   time.Duration `json:"fast_reconnect_limit" yaml:"fast_reconnect_limit"`

	DisableUploadActivationDelay bool `json:"disable_upload_activation_delay" yaml:"disable_upload_activation_delay"`
	DisableUploadCompaction      bool `json:"disable_upload_compaction" yaml:"disable_upload_compaction"`
	DryRun                       bool `json:"dry_run" yaml:"dry_run"`
	TCPNoDelay                   bool `json:"tcp_no_delay" yaml:"tcp_no_delay"`
	EnableDefaultPortHack        bool `json:"enable_default_port_hack" yaml:"enable_default_port_hack"`

	Proxy *ProxyConfig `json:"proxy,omitempty" yaml:"proxy,omitempty"`

	SSLTrustCertPath  string                              `json:"ssl_trust_cert_path" yaml:"ssl_trust_cert_path"`
	SSLVerifyCallback func(host string, der []byte) bool `json:"-" yaml:"-"`

	UserAgent UserAgent `json:"user_agent" yaml:"user_agent"`

	// Seed fixes the connection RNG in tests; zero draws from the clock.
	Seed int64 `json:"-" yaml:"-"`
}

// withDefaults fills unset durations with production values.
func (c ConnectionConfig) withDefaults() ConnectionConfig {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 2 * time.Minute
	}
	if c.ConnectionLingerTime == 0 {
		c.ConnectionLingerTime = 30 * time.Second
	}
	if c.PingKeepalivePeriod == 0 {
		c.PingKeepalivePeriod = time.Minute
	}
	if c.PongKeepaliveTimeout == 0 {
		c.PongKeepaliveTimeout = 2 * time.Minute
	}
	if c.FastReconnectLimit == 0 {
		c.FastReconnectLimit = time.Minute
	}
	return c
}

//---------------------------------------------------------------------
// Transport abstraction
//---------------------------------------------------------------------

// MessageConn is one framed, bidirectional byte-stream transport; in
// production a WebSocket in binary mode.
type MessageConn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// TransportDialer establishes MessageConns; DNS resolution, optional
// proxy tunnel, TLS and the upgrade handshake all happen inside Dial
// under the caller's context deadline.
type TransportDialer interface {
	DialTransport(ctx context.Context, url string, subprotocols []string) (MessageConn, string, error)
}

//---------------------------------------------------------------------
// Connection & session state enums
//---------------------------------------------------------------------

// ConnState is the connection lifecycle.
type ConnState int

const (
	ConnDisconnected ConnState = iota
	ConnConnecting
	ConnConnected
)

func (s ConnState) String() string {
	switch s {
	case ConnDisconnected:
		return "disconnected"
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	}
	return "unknown"
}

// SessionState is the session lifecycle.
type SessionState int

const (
	SessionUnactivated SessionState = iota
	SessionActive
	SessionDeactivating
	SessionDeactivated
)

func (s SessionState) String() string {
	switch s {
	case SessionUnactivated:
		return "unactivated"
	case SessionActive:
		return "active"
	case SessionDeactivating:
		return "deactivating"
	case SessionDeactivated:
		return "deactivated"
	}
	return "unknown"
}

//---------------------------------------------------------------------
// Session configuration
//---------------------------------------------------------------------

// SessionConfig wires one synchronized file into a connection.
type SessionConfig struct {
	Path        string
	AccessToken string
	ClientType  ClientType

	History *ClientHistory
	Applier ChangesetApplier // applies downloaded changesets locally

	DisableUpload bool

	OnSuspended        func(err error)
	OnResumed          func()
	OnDownloadComplete func(requestIdent uint64)
}

//---------------------------------------------------------------------
// Server configuration
//---------------------------------------------------------------------

// ServerConfig drives the sync server daemon.
type ServerConfig struct {
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"`
	DataDir    string `json:"data_dir" yaml:"data_dir"`

	History ServerHistoryConfig `json:"-" yaml:"-"`

	// DownloadSoftLimit bounds one DOWNLOAD message's changeset bytes.
	DownloadSoftLimit int `json:"download_soft_limit" yaml:"download_soft_limit"`

	// IntegrationWorkers sizes the changeset integration pool.
	IntegrationWorkers int `json:"integration_workers" yaml:"integration_workers"`
}
