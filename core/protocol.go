package core

// core/protocol.go — the sync wire protocol.
//
// Every message is a binary frame: a varint message type followed by
// type-specific fields.  Changeset payloads in UPLOAD and DOWNLOAD
// travel zstd-compressed.  Frames arrive over a byte-stream transport
// (WebSocket binary messages); framing below that is not our concern.

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// MsgType enumerates wire messages.
type MsgType int

const (
	MsgBind MsgType = iota + 1
	MsgRefresh
	MsgIdent
	MsgUpload
	MsgDownload
	MsgMark
	MsgAlloc
	MsgUnbind
	MsgStateRequest
	MsgState
	MsgClientVersionRequest
	MsgClientVersion
	MsgError
	MsgPing
	MsgPong
)

func (t MsgType) String() string {
	switch t {
	case MsgBind:
		return "BIND"
	case MsgRefresh:
		return "REFRESH"
	case MsgIdent:
		return "IDENT"
	case MsgUpload:
		return "UPLOAD"
	case MsgDownload:
		return "DOWNLOAD"
	case MsgMark:
		return "MARK"
	case MsgAlloc:
		return "ALLOC"
	case MsgUnbind:
		return "UNBIND"
	case MsgStateRequest:
		return "STATE_REQUEST"
	case MsgState:
		return "STATE"
	case MsgClientVersionRequest:
		return "CLIENT_VERSION_REQUEST"
	case MsgClientVersion:
		return "CLIENT_VERSION"
	case MsgError:
		return "ERROR"
	case MsgPing:
		return "PING"
	case MsgPong:
		return "PONG"
	}
	return fmt.Sprintf("msg(%d)", int(t))
}

// protocolToken prefixes the negotiated WebSocket sub-protocol; the
// suffix is an ASCII protocol version.
const protocolToken = "io.lattice.sync/"

// SyncProtocolVersion is the newest protocol this build speaks.
const SyncProtocolVersion = 3

// oldestSupportedProtocolVersion bounds backward compatibility.
const oldestSupportedProtocolVersion = 1

// ProtocolOffer renders the client's descending version list.
func ProtocolOffer() []string {
	var out []string
	for v := SyncProtocolVersion; v >= oldestSupportedProtocolVersion; v-- {
		out = append(out, protocolToken+strconv.Itoa(v))
	}
	return out
}

// NegotiateProtocol selects the highest mutually supported version from
// the client's descending offer.
func NegotiateProtocol(offers []string) (string, int, error) {
	for _, offer := range offers {
		if !strings.HasPrefix(offer, protocolToken) {
			continue
		}
		v, err := strconv.Atoi(strings.TrimPrefix(offer, protocolToken))
		if err != nil {
			continue
		}
		if v >= oldestSupportedProtocolVersion && v <= SyncProtocolVersion {
			return offer, v, nil
		}
	}
	return "", 0, NewError(ErrProtocolMismatch)
}

// Message is one decoded frame.
type Message interface {
	Type() MsgType
	encodeBody(buf *bytes.Buffer)
}

// UploadEntry carries one changeset in an UPLOAD frame.
type UploadEntry struct {
	ClientVersion  uint64
	LastIntegrated uint64
	Timestamp      int64
	Changeset      []byte // encoded, uncompressed
}

// BindMessage opens a session.
type BindMessage struct {
	SessionIdent uint64
	Path         string
	AccessToken  string
	NeedIdent    bool
}

func (*BindMessage) Type() MsgType { return MsgBind }

// RefreshMessage replaces the session's access token.
type RefreshMessage struct {
	SessionIdent uint64
	AccessToken  string
}

func (*RefreshMessage) Type() MsgType { return MsgRefresh }

// IdentMessage presents the client file ident and resume cursors.
type IdentMessage struct {
	SessionIdent      uint64
	FileIdent         uint64
	IdentSalt         uint64
	ServerVersion     uint64
	ServerVersionSalt uint64
	Progress          SyncProgress
}

func (*IdentMessage) Type() MsgType { return MsgIdent }

// UploadMessage ships one ordered batch of client changesets.
type UploadMessage struct {
	SessionIdent uint64
	Progress     SyncProgress
	Entries      []UploadEntry
}

func (*UploadMessage) Type() MsgType { return MsgUpload }

// DownloadMessage ships server history toward the client.
type DownloadMessage struct {
	SessionIdent      uint64
	Progress          SyncProgress
	LastInBatch       bool
	Entries           []UploadEntry // reused shape: (version, lastIntegrated, ts, changeset)
}

func (*DownloadMessage) Type() MsgType { return MsgDownload }

// MarkMessage requests (client) or confirms (server) a download mark.
type MarkMessage struct {
	SessionIdent uint64
	RequestIdent uint64
}

func (*MarkMessage) Type() MsgType { return MsgMark }

// AllocMessage requests (client) or delivers (server) a file ident.
type AllocMessage struct {
	SessionIdent uint64
	FileIdent    uint64
	IdentSalt    uint64
}

func (*AllocMessage) Type() MsgType { return MsgAlloc }

// UnbindMessage closes a session.
type UnbindMessage struct {
	SessionIdent uint64
}

func (*UnbindMessage) Type() MsgType { return MsgUnbind }

// StateRequestMessage asks for a client-reset state transfer.
type StateRequestMessage struct {
	SessionIdent uint64
}

func (*StateRequestMessage) Type() MsgType { return MsgStateRequest }

// StateMessage carries one chunk of client-reset state.
type StateMessage struct {
	SessionIdent  uint64
	ServerVersion uint64
	Offset        uint64
	NeedMore      bool
	Chunk         []byte
}

func (*StateMessage) Type() MsgType { return MsgState }

// ClientVersionRequestMessage asks which client version the server last
// integrated.
type ClientVersionRequestMessage struct {
	SessionIdent uint64
	FileIdent    uint64
	IdentSalt    uint64
}

func (*ClientVersionRequestMessage) Type() MsgType { return MsgClientVersionRequest }

// ClientVersionMessage answers a ClientVersionRequest.
type ClientVersionMessage struct {
	SessionIdent  uint64
	ClientVersion uint64
}

func (*ClientVersionMessage) Type() MsgType { return MsgClientVersion }

// ErrorMessage reports a session- or connection-level error.
type ErrorMessage struct {
	SessionIdent uint64 // zero for connection-level errors
	Code         int
	Message      string
	TryAgain     bool
}

func (*ErrorMessage) Type() MsgType { return MsgError }

// PingMessage is the keepalive probe; the server echoes the timestamp.
type PingMessage struct {
	Timestamp int64
	RTT       int64
}

func (*PingMessage) Type() MsgType { return MsgPing }

// PongMessage answers a PING with its timestamp.
type PongMessage struct {
	Timestamp int64
}

func (*PongMessage) Type() MsgType { return MsgPong }

// --------------------------------------------------------------------
// Encoding
// --------------------------------------------------------------------

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil)
)

// EncodeMessage renders one frame.
func EncodeMessage(m Message) []byte {
	var buf bytes.Buffer
	writeUvarint(&buf, uint64(m.Type()))
	m.encodeBody(&buf)
	return buf.Bytes()
}

func writeString(buf *bytes.Buffer, s string) {
	writeUvarint(buf, uint64(len(s)))
	buf.WriteString(s)
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeUvarint(buf, uint64(len(b)))
	buf.Write(b)
}

func writeBool(buf *bytes.Buffer, b bool) {
	if b {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

func writeProgress(buf *bytes.Buffer, p *SyncProgress) {
	writeUvarint(buf, p.DownloadServerVersion)
	writeUvarint(buf, p.DownloadLastIntegratedClient)
	writeUvarint(buf, p.UploadClientVersion)
	writeUvarint(buf, p.UploadLastIntegratedServer)
	writeUvarint(buf, p.LatestServerVersion)
	writeUvarint(buf, p.LatestServerSalt)
}

func writeEntries(buf *bytes.Buffer, entries []UploadEntry) {
	var plain bytes.Buffer
	writeUvarint(&plain, uint64(len(entries)))
	for i := range entries {
		e := &entries[i]
		writeUvarint(&plain, e.ClientVersion)
		writeUvarint(&plain, e.LastIntegrated)
		writeVarint(&plain, e.Timestamp)
		writeBytes(&plain, e.Changeset)
	}
	compressed := zstdEncoder.EncodeAll(plain.Bytes(), nil)
	writeUvarint(buf, uint64(plain.Len()))
	writeBytes(buf, compressed)
}

func (m *BindMessage) encodeBody(buf *bytes.Buffer) {
	writeUvarint(buf, m.SessionIdent)
	writeString(buf, m.Path)
	writeString(buf, m.AccessToken)
	writeBool(buf, m.NeedIdent)
}

func (m *RefreshMessage) encodeBody(buf *bytes.Buffer) {
	writeUvarint(buf, m.SessionIdent)
	writeString(buf, m.AccessToken)
}

func (m *IdentMessage) encodeBody(buf *bytes.Buffer) {
	writeUvarint(buf, m.SessionIdent)
	writeUvarint(buf, m.FileIdent)
	writeUvarint(buf, m.IdentSalt)
	writeUvarint(buf, m.ServerVersion)
	writeUvarint(buf, m.ServerVersionSalt)
	writeProgress(buf, &m.Progress)
}

func (m *UploadMessage) encodeBody(buf *bytes.Buffer) {
	writeUvarint(buf, m.SessionIdent)
	writeProgress(buf, &m.Progress)
	writeEntries(buf, m.Entries)
}

func (m *DownloadMessage) encodeBody(buf *bytes.Buffer) {
	writeUvarint(buf, m.SessionIdent)
	writeProgress(buf, &m.Progress)
	writeBool(buf, m.LastInBatch)
	writeEntries(buf, m.Entries)
}

func (m *MarkMessage) encodeBody(buf *bytes.Buffer) {
	writeUvarint(buf, m.SessionIdent)
	writeUvarint(buf, m.RequestIdent)
}

func (m *AllocMessage) encodeBody(buf *bytes.Buffer) {
	writeUvarint(buf, m.SessionIdent)
	writeUvarint(buf, m.FileIdent)
	writeUvarint(buf, m.IdentSalt)
}

func (m *UnbindMessage) encodeBody(buf *bytes.Buffer) {
	writeUvarint(buf, m.SessionIdent)
}

func (m *StateRequestMessage) encodeBody(buf *bytes.Buffer) {
	writeUvarint(buf, m.SessionIdent)
}

func (m *StateMessage) encodeBody(buf *bytes.Buffer) {
	writeUvarint(buf, m.SessionIdent)
	writeUvarint(buf, m.ServerVersion)
	writeUvarint(buf, m.Offset)
	writeBool(buf, m.NeedMore)
	writeBytes(buf, m.Chunk)
}

func (m *ClientVersionRequestMessage) encodeBody(buf *bytes.Buffer) {
	writeUvarint(buf, m.SessionIdent)
	writeUvarint(buf, m.FileIdent)
	writeUvarint(buf, m.IdentSalt)
}

func (m *ClientVersionMessage) encodeBody(buf *bytes.Buffer) {
	writeUvarint(buf, m.SessionIdent)
	writeUvarint(buf, m.ClientVersion)
}

func (m *ErrorMessage) encodeBody(buf *bytes.Buffer) {
	writeUvarint(buf, m.SessionIdent)
	writeVarint(buf, int64(m.Code))
	writeString(buf, m.Message)
	writeBool(buf, m.TryAgain)
}

func (m *PingMessage) encodeBody(buf *bytes.Buffer) {
	writeVarint(buf, m.Timestamp)
	writeVarint(buf, m.RTT)
}

func (m *PongMessage) encodeBody(buf *bytes.Buffer) {
	writeVarint(buf, m.Timestamp)
}

// --------------------------------------------------------------------
// Decoding
// --------------------------------------------------------------------

// DecodeMessage parses one frame.
func DecodeMessage(data []byte) (Message, error) {
	r := bytes.NewReader(data)
	t, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, WrapError(ErrBadMessageOrder, err)
	}
	var m Message
	switch MsgType(t) {
	case MsgBind:
		m, err = decodeBind(r)
	case MsgRefresh:
		m, err = decodeRefresh(r)
	case MsgIdent:
		m, err = decodeIdent(r)
	case MsgUpload:
		m, err = decodeUpload(r)
	case MsgDownload:
		m, err = decodeDownload(r)
	case MsgMark:
		m, err = decodeMark(r)
	case MsgAlloc:
		m, err = decodeAlloc(r)
	case MsgUnbind:
		var u UnbindMessage
		u.SessionIdent, err = readU64(r)
		m = &u
	case MsgStateRequest:
		var s StateRequestMessage
		s.SessionIdent, err = readU64(r)
		m = &s
	case MsgState:
		m, err = decodeState(r)
	case MsgClientVersionRequest:
		m, err = decodeClientVersionRequest(r)
	case MsgClientVersion:
		m, err = decodeClientVersion(r)
	case MsgError:
		m, err = decodeError(r)
	case MsgPing:
		m, err = decodePing(r)
	case MsgPong:
		var p PongMessage
		p.Timestamp, err = readI64(r)
		m = &p
	default:
		return nil, Errorf(ErrBadMessageOrder, "unknown message type %d", t)
	}
	if err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, Errorf(ErrBadMessageOrder, "%s: %d trailing bytes", MsgType(t), r.Len())
	}
	return m, nil
}

func readU64(r *bytes.Reader) (uint64, error) {
	v, err := binary.ReadUvarint(r)
	if err != nil {
		return 0, WrapError(ErrBadMessageOrder, err)
	}
	return v, nil
}

func readI64(r *bytes.Reader) (int64, error) {
	v, err := binary.ReadVarint(r)
	if err != nil {
		return 0, WrapError(ErrBadMessageOrder, err)
	}
	return v, nil
}

func readBool(r *bytes.Reader) (bool, error) {
	b, err := r.ReadByte()
	if err != nil {
		return false, WrapError(ErrBadMessageOrder, err)
	}
	return b != 0, nil
}

func readMsgString(r *bytes.Reader) (string, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return "", WrapError(ErrBadMessageOrder, err)
	}
	if n > uint64(r.Len()) {
		return "", Errorf(ErrBadMessageOrder, "string length %d exceeds frame", n)
	}
	out := make([]byte, n)
	if n > 0 {
		if _, err := r.Read(out); err != nil {
			return "", WrapError(ErrBadMessageOrder, err)
		}
	}
	return string(out), nil
}

func readMsgBytes(r *bytes.Reader) ([]byte, error) {
	s, err := readMsgString(r)
	return []byte(s), err
}

func readProgress(r *bytes.Reader) (SyncProgress, error) {
	var p SyncProgress
	var err error
	if p.DownloadServerVersion, err = readU64(r); err != nil {
		return p, err
	}
	if p.DownloadLastIntegratedClient, err = readU64(r); err != nil {
		return p, err
	}
	if p.UploadClientVersion, err = readU64(r); err != nil {
		return p, err
	}
	if p.UploadLastIntegratedServer, err = readU64(r); err != nil {
		return p, err
	}
	if p.LatestServerVersion, err = readU64(r); err != nil {
		return p, err
	}
	p.LatestServerSalt, err = readU64(r)
	return p, err
}

func readEntries(r *bytes.Reader) ([]UploadEntry, error) {
	plainLen, err := readU64(r)
	if err != nil {
		return nil, err
	}
	compressed, err := readMsgBytes(r)
	if err != nil {
		return nil, err
	}
	plain, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, WrapError(ErrBadCompression, err)
	}
	if uint64(len(plain)) != plainLen {
		return nil, Errorf(ErrBadCompression, "decompressed %d bytes, header says %d", len(plain), plainLen)
	}
	pr := bytes.NewReader(plain)
	n, err := binary.ReadUvarint(pr)
	if err != nil {
		return nil, WrapError(ErrBadCompression, err)
	}
	entries := make([]UploadEntry, 0, n)
	for i := uint64(0); i < n; i++ {
		var e UploadEntry
		if e.ClientVersion, err = readU64(pr); err != nil {
			return nil, err
		}
		if e.LastIntegrated, err = readU64(pr); err != nil {
			return nil, err
		}
		if e.Timestamp, err = readI64(pr); err != nil {
			return nil, err
		}
		if e.Changeset, err = readMsgBytes(pr); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func decodeBind(r *bytes.Reader) (Message, error) {
	var m BindMessage
	var err error
	if m.SessionIdent, err = readU64(r); err != nil {
		return nil, err
	}
	if m.Path, err = readMsgString(r); err != nil {
		return nil, err
	}
	if m.AccessToken, err = readMsgString(r); err != nil {
		return nil, err
	}
	m.NeedIdent, err = readBool(r)
	return &m, err
}

func decodeRefresh(r *bytes.Reader) (Message, error) {
	var m RefreshMessage
	var err error
	if m.SessionIdent, err = readU64(r); err != nil {
		return nil, err
	}
	m.AccessToken, err = readMsgString(r)
	return &m, err
}

func decodeIdent(r *bytes.Reader) (Message, error) {
	var m IdentMessage
	var err error
	if m.SessionIdent, err = readU64(r); err != nil {
		return nil, err
	}
	if m.FileIdent, err = readU64(r); err != nil {
		return nil, err
	}
	if m.IdentSalt, err = readU64(r); err != nil {
		return nil, err
	}
	if m.ServerVersion, err = readU64(r); err != nil {
		return nil, err
	}
	if m.ServerVersionSalt, err = readU64(r); err != nil {
		return nil, err
	}
	m.Progress, err = readProgress(r)
	return &m, err
}

func decodeUpload(r *bytes.Reader) (Message, error) {
	var m UploadMessage
	var err error
	if m.SessionIdent, err = readU64(r); err != nil {
		return nil, err
	}
	if m.Progress, err = readProgress(r); err != nil {
		return nil, err
	}
	m.Entries, err = readEntries(r)
	return &m, err
}

func decodeDownload(r *bytes.Reader) (Message, error) {
	var m DownloadMessage
	var err error
	if m.SessionIdent, err = readU64(r); err != nil {
		return nil, err
	}
	if m.Progress, err = readProgress(r); err != nil {
		return nil, err
	}
	if m.LastInBatch, err = readBool(r); err != nil {
		return nil, err
	}
	m.Entries, err = readEntries(r)
	return &m, err
}

func decodeMark(r *bytes.Reader) (Message, error) {
	var m MarkMessage
	var err error
	if m.SessionIdent, err = readU64(r); err != nil {
		return nil, err
	}
	m.RequestIdent, err = readU64(r)
	return &m, err
}

func decodeAlloc(r *bytes.Reader) (Message, error) {
	var m AllocMessage
	var err error
	if m.SessionIdent, err = readU64(r); err != nil {
		return nil, err
	}
	if m.FileIdent, err = readU64(r); err != nil {
		return nil, err
	}
	m.IdentSalt, err = readU64(r)
	return &m, err
}

func decodeState(r *bytes.Reader) (Message, error) {
	var m StateMessage
	var err error
	if m.SessionIdent, err = readU64(r); err != nil {
		return nil, err
	}
	if m.ServerVersion, err = readU64(r); err != nil {
		return nil, err
	}
	if m.Offset, err = readU64(r); err != nil {
		return nil, err
	}
	if m.NeedMore, err = readBool(r); err != nil {
		return nil, err
	}
	m.Chunk, err = readMsgBytes(r)
	return &m, err
}

func decodeClientVersionRequest(r *bytes.Reader) (Message, error) {
	var m ClientVersionRequestMessage
	var err error
	if m.SessionIdent, err = readU64(r); err != nil {
		return nil, err
	}
	if m.FileIdent, err = readU64(r); err != nil {
		return nil, err
	}
	m.IdentSalt, err = readU64(r)
	return &m, err
}

func decodeClientVersion(r *bytes.Reader) (Message, error) {
	var m ClientVersionMessage
	var err error
	if m.SessionIdent, err = readU64(r); err != nil {
		return nil, err
	}
	m.ClientVersion, err = readU64(r)
	return &m, err
}

func decodeError(r *bytes.Reader) (Message, error) {
	var m ErrorMessage
	var err error
	if m.SessionIdent, err = readU64(r); err != nil {
		return nil, err
	}
	code, err := readI64(r)
	if err != nil {
		return nil, err
	}
	m.Code = int(code)
	if m.Message, err = readMsgString(r); err != nil {
		return nil, err
	}
	m.TryAgain, err = readBool(r)
	return &m, err
}

func decodePing(r *bytes.Reader) (Message, error) {
	var m PingMessage
	var err error
	if m.Timestamp, err = readI64(r); err != nil {
		return nil, err
	}
	m.RTT, err = readI64(r)
	return &m, err
}
