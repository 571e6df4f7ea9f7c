package core

import (
	"bytes"
	"reflect"
	"testing"
)

func encodeValueBytes(v Value) []byte {
	var buf bytes.Buffer
	encodeValue(&buf, v)
	return buf.Bytes()
}

func decodeValueBytes(data []byte) (Value, error) {
	return decodeValue(bytes.NewReader(data))
}

func TestMessageRoundTrips(t *testing.T) {
	progress := SyncProgress{
		DownloadServerVersion:        10,
		DownloadLastIntegratedClient: 4,
		UploadClientVersion:          6,
		UploadLastIntegratedServer:   9,
		LatestServerVersion:          12,
		LatestServerSalt:             777,
	}
	messages := []Message{
		&BindMessage{SessionIdent: 1, Path: "app/main", AccessToken: "tok", NeedIdent: true},
		&RefreshMessage{SessionIdent: 1, AccessToken: "tok2"},
		&IdentMessage{SessionIdent: 2, FileIdent: 5, IdentSalt: 6, ServerVersion: 12, ServerVersionSalt: 777, Progress: progress},
		&UploadMessage{SessionIdent: 3, Progress: progress, Entries: []UploadEntry{
			{ClientVersion: 7, LastIntegrated: 9, Timestamp: 123, Changeset: EncodeChangeset(sampleChangeset())},
		}},
		&DownloadMessage{SessionIdent: 3, Progress: progress, LastInBatch: true, Entries: []UploadEntry{
			{ClientVersion: 1, LastIntegrated: 1, Timestamp: 5, Changeset: []byte{1, 2, 3}},
			{ClientVersion: 2, LastIntegrated: 2, Timestamp: 6, Changeset: []byte{4}},
		}},
		&MarkMessage{SessionIdent: 4, RequestIdent: 9},
		&AllocMessage{SessionIdent: 5, FileIdent: 11, IdentSalt: 13},
		&UnbindMessage{SessionIdent: 6},
		&StateRequestMessage{SessionIdent: 7},
		&StateMessage{SessionIdent: 7, ServerVersion: 3, Offset: 64, NeedMore: true, Chunk: []byte("chunk")},
		&ClientVersionRequestMessage{SessionIdent: 8, FileIdent: 5, IdentSalt: 6},
		&ClientVersionMessage{SessionIdent: 8, ClientVersion: 42},
		&ErrorMessage{SessionIdent: 9, Code: 207, Message: "bad", TryAgain: true},
		&PingMessage{Timestamp: 111, RTT: 22},
		&PongMessage{Timestamp: 111},
	}
	for _, m := range messages {
		t.Run(m.Type().String(), func(t *testing.T) {
			back, err := DecodeMessage(EncodeMessage(m))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if !reflect.DeepEqual(m, back) {
				t.Fatalf("round-trip mismatch:\n%+v\n%+v", m, back)
			}
		})
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"Empty", nil},
		{"UnknownType", []byte{0x7F}},
		{"TruncatedBind", EncodeMessage(&BindMessage{SessionIdent: 1, Path: "p"})[:3]},
		{"Trailing", append(EncodeMessage(&PongMessage{Timestamp: 1}), 0x00)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := DecodeMessage(tc.data); err == nil {
				t.Fatal("expected decode error")
			}
		})
	}
}

func TestUploadCompressionDetectsCorruption(t *testing.T) {
	m := &UploadMessage{SessionIdent: 1, Entries: []UploadEntry{
		{ClientVersion: 1, Changeset: make([]byte, 4096)},
	}}
	data := EncodeMessage(m)
	// Flip bytes in the compressed payload region.
	for i := len(data) - 8; i < len(data); i++ {
		data[i] ^= 0x5A
	}
	if _, err := DecodeMessage(data); err == nil {
		t.Fatal("corrupted compressed payload accepted")
	}
}

func TestProtocolNegotiation(t *testing.T) {
	tests := []struct {
		name    string
		offers  []string
		version int
		ok      bool
	}{
		{"Newest", ProtocolOffer(), SyncProtocolVersion, true},
		{"OldOnly", []string{protocolToken + "1"}, 1, true},
		{"PrefersHighest", []string{protocolToken + "3", protocolToken + "2"}, 3, true},
		{"TooNew", []string{protocolToken + "99"}, 0, false},
		{"WrongToken", []string{"ws.other/3"}, 0, false},
		{"Empty", nil, 0, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, v, err := NegotiateProtocol(tc.offers)
			if tc.ok && (err != nil || v != tc.version) {
				t.Fatalf("negotiate = (%d, %v), want version %d", v, err, tc.version)
			}
			if !tc.ok && !IsKind(err, ErrProtocolMismatch) {
				t.Fatalf("expected ProtocolMismatch, got %v", err)
			}
		})
	}
}

func TestValueCodecRoundTrip(t *testing.T) {
	values := []Value{
		NullVal(),
		IntVal(-9000),
		BoolVal(true),
		DoubleVal(3.25),
		StringVal("héllo"),
		{Kind: KindBinary, Bytes: []byte{0, 1, 2}},
		{Kind: KindDateTime, Int: 1_700_000_000_000},
		LinkVal(Link{Table: "t", HasPK: true, PK: StringVal("pk")}),
		LinkVal(Link{Table: "t", Key: GlobalKey{Hi: 3, Lo: 9}}),
		{Kind: KindList, List: []Value{IntVal(1), {Kind: KindList, List: []Value{StringVal("deep")}}}},
		{Kind: KindSet, List: []Value{IntVal(1), IntVal(2)}},
		{Kind: KindDict, Dict: []DictEntry{{Key: "a", Val: NullVal()}, {Key: "b", Val: IntVal(2)}}},
	}
	for _, v := range values {
		buf := encodeValueBytes(v)
		back, err := decodeValueBytes(buf)
		if err != nil {
			t.Fatalf("decode %v: %v", v.Kind, err)
		}
		if !v.Equal(back) {
			t.Fatalf("round-trip %v: got %+v", v.Kind, back)
		}
	}
}

func TestDictOpsKeepOrder(t *testing.T) {
	var d Value
	d.Kind = KindDict
	for _, k := range []string{"m", "a", "z", "f"} {
		d.DictSet(k, StringVal(k))
	}
	want := []string{"a", "f", "m", "z"}
	for i, k := range want {
		if d.Dict[i].Key != k {
			t.Fatalf("dict keys = %+v, want %v", d.Dict, want)
		}
	}
	if !d.DictErase("f") || d.DictErase("missing") {
		t.Fatal("erase results wrong")
	}
	if _, ok := d.DictGet("m"); !ok {
		t.Fatal("get after erase of other key failed")
	}
}
