package core

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

func startTestServer(t *testing.T) (*Server, *websocket.Conn) {
	t.Helper()
	lg := logrus.New()
	lg.SetLevel(logrus.ErrorLevel)
	srv := NewServer(ServerConfig{DataDir: t.TempDir()}, lg)
	// Drive the integration pool without the listener.
	go func() {
		for job := range srv.jobs {
			job()
		}
	}()
	ts := httptest.NewServer(http.HandlerFunc(srv.handleSync))
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	dialer := websocket.Dialer{Subprotocols: ProtocolOffer()}
	ws, _, err := dialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return srv, ws
}

func serverSend(t *testing.T, ws *websocket.Conn, m Message) {
	t.Helper()
	if err := ws.WriteMessage(websocket.BinaryMessage, EncodeMessage(m)); err != nil {
		t.Fatalf("write %s: %v", m.Type(), err)
	}
}

func serverRecv(t *testing.T, ws *websocket.Conn) Message {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	kind, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if kind != websocket.BinaryMessage {
		t.Fatalf("frame kind = %d", kind)
	}
	m, err := DecodeMessage(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return m
}

func TestServerPingPong(t *testing.T) {
	_, ws := startTestServer(t)
	serverSend(t, ws, &PingMessage{Timestamp: 12345})
	pong, ok := serverRecv(t, ws).(*PongMessage)
	if !ok || pong.Timestamp != 12345 {
		t.Fatalf("pong = %+v", pong)
	}
}

func TestServerSessionFlow(t *testing.T) {
	_, ws := startTestServer(t)

	// BIND with need-ident: the server allocates and answers ALLOC.
	serverSend(t, ws, &BindMessage{SessionIdent: 1, Path: "app/main", NeedIdent: true})
	alloc, ok := serverRecv(t, ws).(*AllocMessage)
	if !ok || alloc.FileIdent == 0 {
		t.Fatalf("alloc = %+v", alloc)
	}

	// IDENT at version zero: nothing to download yet.
	serverSend(t, ws, &IdentMessage{
		SessionIdent: 1,
		FileIdent:    alloc.FileIdent,
		IdentSalt:    alloc.IdentSalt,
	})

	// UPLOAD one changeset; the server integrates and reports progress.
	cs := &Changeset{}
	tbl := cs.Intern("t")
	cs.Instructions = []Instruction{{Op: OpAddTable, Table: tbl}}
	serverSend(t, ws, &UploadMessage{
		SessionIdent: 1,
		Entries: []UploadEntry{{
			ClientVersion: 1,
			Timestamp:     100,
			Changeset:     EncodeChangeset(cs),
		}},
	})
	dl, ok := serverRecv(t, ws).(*DownloadMessage)
	if !ok {
		t.Fatal("expected DOWNLOAD after UPLOAD")
	}
	if dl.Progress.UploadClientVersion != 1 {
		t.Fatalf("progress = %+v", dl.Progress)
	}
	if dl.Progress.LatestServerVersion != 1 {
		t.Fatalf("latest server version = %d, want 1", dl.Progress.LatestServerVersion)
	}
	// The client's own changeset never comes back.
	if len(dl.Entries) != 0 {
		t.Fatalf("download echoed %d changesets", len(dl.Entries))
	}

	// MARK flushes and confirms.
	serverSend(t, ws, &MarkMessage{SessionIdent: 1, RequestIdent: 7})
	mark, ok := serverRecv(t, ws).(*MarkMessage)
	if !ok || mark.RequestIdent != 7 {
		t.Fatalf("mark = %+v", mark)
	}
}

func TestServerRejectsBadSubprotocol(t *testing.T) {
	lg := logrus.New()
	lg.SetLevel(logrus.ErrorLevel)
	srv := NewServer(ServerConfig{DataDir: t.TempDir()}, lg)
	ts := httptest.NewServer(http.HandlerFunc(srv.handleSync))
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	dialer := websocket.Dialer{Subprotocols: []string{"bogus/9"}}
	_, resp, err := dialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial with bogus subprotocol succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("response = %+v", resp)
	}
}

func TestServerUploadOrderingEnforced(t *testing.T) {
	_, ws := startTestServer(t)
	serverSend(t, ws, &BindMessage{SessionIdent: 1, Path: "p", NeedIdent: true})
	alloc := serverRecv(t, ws).(*AllocMessage)
	serverSend(t, ws, &IdentMessage{SessionIdent: 1, FileIdent: alloc.FileIdent, IdentSalt: alloc.IdentSalt})

	cs := &Changeset{}
	cs.Intern("t")
	cs.Instructions = []Instruction{{Op: OpAddTable}}
	encoded := EncodeChangeset(cs)
	serverSend(t, ws, &UploadMessage{
		SessionIdent: 1,
		Entries: []UploadEntry{
			{ClientVersion: 2, Changeset: encoded},
			{ClientVersion: 1, Changeset: encoded},
		},
	})
	errMsg, ok := serverRecv(t, ws).(*ErrorMessage)
	if !ok || errMsg.Code != int(ErrBadProgress) {
		t.Fatalf("expected BadProgress error, got %+v", errMsg)
	}
}
