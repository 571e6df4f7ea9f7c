package core

// core/transport.go — the production transport: WebSocket binary frames
// over gorilla/websocket.  Everything below message framing (DNS, proxy
// tunnel, TLS, upgrade handshake) happens inside DialTransport under the
// caller's deadline.

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"net/url"
	"os"

	"github.com/gorilla/websocket"
)

// wsConn adapts a gorilla connection to MessageConn.  Control frames
// (ping/pong/close) are handled by gorilla; only binary data frames
// surface.
type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) ReadMessage() ([]byte, error) {
	for {
		t, data, err := w.c.ReadMessage()
		if err != nil {
			return nil, err
		}
		if t == websocket.BinaryMessage {
			return data, nil
		}
		// Text frames violate the sync protocol.
		if t == websocket.TextMessage {
			return nil, Errorf(ErrBadMessageOrder, "text frame on sync transport")
		}
	}
}

func (w *wsConn) WriteMessage(data []byte) error {
	return w.c.WriteMessage(websocket.BinaryMessage, data)
}

func (w *wsConn) Close() error { return w.c.Close() }

// WebSocketDialer dials sync servers per the connection config.
type WebSocketDialer struct {
	Config ConnectionConfig
}

// DialTransport resolves, tunnels, upgrades and returns the framed
// connection plus the negotiated sub-protocol.
func (d *WebSocketDialer) DialTransport(ctx context.Context, rawURL string, subprotocols []string) (MessageConn, string, error) {
	dialer := websocket.Dialer{
		Subprotocols:      subprotocols,
		EnableCompression: false,
	}
	if d.Config.Proxy != nil {
		proxyURL := &url.URL{
			Scheme: d.Config.Proxy.Kind,
			Host:   fmt.Sprintf("%s:%d", d.Config.Proxy.Host, d.Config.Proxy.Port),
		}
		dialer.Proxy = http.ProxyURL(proxyURL)
	}
	tlsCfg, err := d.tlsConfig()
	if err != nil {
		return nil, "", err
	}
	dialer.TLSClientConfig = tlsCfg

	header := http.Header{}
	if ua := d.Config.UserAgent; ua.Application != "" || ua.Platform != "" {
		header.Set("User-Agent", fmt.Sprintf("%s %s", ua.Application, ua.Platform))
	}
	conn, resp, err := dialer.DialContext(ctx, rawURL, header)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return nil, "", Errorf(ErrHTTPTunnelFailed, "handshake status %d", resp.StatusCode)
		}
		return nil, "", err
	}
	return &wsConn{c: conn}, conn.Subprotocol(), nil
}

func (d *WebSocketDialer) tlsConfig() (*tls.Config, error) {
	cfg := &tls.Config{}
	if path := d.Config.SSLTrustCertPath; path != "" {
		pem, err := os.ReadFile(path)
		if err != nil {
			return nil, WrapError(ErrFileNotFound, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, Errorf(ErrSSLServerCertRejected, "no usable certificates in %s", path)
		}
		cfg.RootCAs = pool
	}
	if cb := d.Config.SSLVerifyCallback; cb != nil {
		cfg.InsecureSkipVerify = true
		cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			for _, der := range rawCerts {
				if !cb("", der) {
					return NewError(ErrSSLServerCertRejected)
				}
			}
			return nil
		}
	}
	return cfg, nil
}
