package pg

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"testing"
)

func TestBuildStartupMessage(t *testing.T) {
	msg := buildStartupMessage("alice", "appdb")

	if got := binary.BigEndian.Uint32(msg[0:4]); int(got) != len(msg) {
		t.Errorf("length prefix %d, message is %d bytes", got, len(msg))
	}
	if got := binary.BigEndian.Uint32(msg[4:8]); got != 0x00030000 {
		t.Errorf("protocol version: got %#x", got)
	}
	want := append([]byte("user\x00alice\x00database\x00appdb\x00"), 0)
	if !bytes.Equal(msg[8:], want) {
		t.Errorf("parameter block: got %q, want %q", msg[8:], want)
	}
}

func TestBuildPasswordMessage(t *testing.T) {
	msg := buildPasswordMessage("hunter2")

	if msg[0] != 'p' {
		t.Errorf("kind byte: got %q", msg[0])
	}
	if got := binary.BigEndian.Uint32(msg[1:5]); int(got) != len(msg)-1 {
		t.Errorf("length prefix %d covers %d bytes", got, len(msg)-1)
	}
	if !bytes.Equal(msg[5:], []byte("hunter2\x00")) {
		t.Errorf("payload: got %q", msg[5:])
	}
}

func TestMD5Password(t *testing.T) {
	salt := []byte{0xDE, 0xAD, 0xBE, 0xEF}

	inner := md5.Sum([]byte("pu"))
	outer := md5.Sum(append([]byte(hex.EncodeToString(inner[:])), salt...))
	want := "md5" + hex.EncodeToString(outer[:])

	if got := md5Password("u", "p", salt); got != want {
		t.Errorf("md5 digest: got %q, want %q", got, want)
	}
}

func TestBuildQueryMessage(t *testing.T) {
	msg := buildQueryMessage("SELECT 1")

	if msg[0] != 'Q' {
		t.Errorf("kind byte: got %q", msg[0])
	}
	if got := binary.BigEndian.Uint32(msg[1:5]); got != uint32(4+len("SELECT 1")+1) {
		t.Errorf("length prefix: got %d", got)
	}
	if !bytes.Equal(msg[5:], []byte("SELECT 1\x00")) {
		t.Errorf("payload: got %q", msg[5:])
	}
}

func TestBuildTerminateMessage(t *testing.T) {
	if !bytes.Equal(buildTerminateMessage(), []byte{'X', 0, 0, 0, 4}) {
		t.Errorf("terminate: got %v", buildTerminateMessage())
	}
}

func TestReadMessage(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte('Z')
	binary.Write(&buf, binary.BigEndian, uint32(5))
	buf.WriteByte('I')

	kind, payload, err := readMessage(&buf)
	if err != nil {
		t.Fatalf("readMessage failed: %v", err)
	}
	if kind != 'Z' || !bytes.Equal(payload, []byte{'I'}) {
		t.Errorf("got kind=%q payload=%v", kind, payload)
	}
}

func TestReadMessageRejectsBogusLength(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte('D')
	binary.Write(&buf, binary.BigEndian, uint32(2)) // < 4

	if _, _, err := readMessage(&buf); err == nil {
		t.Error("expected error for length below header size")
	}
}

func TestParseAuthRequestMD5CarriesSalt(t *testing.T) {
	payload := []byte{0, 0, 0, 5, 0xDE, 0xAD, 0xBE, 0xEF}
	msg, err := parseMessage('R', payload)
	if err != nil {
		t.Fatalf("parseMessage failed: %v", err)
	}
	req := msg.(*authRequest)
	if req.subKind != 5 {
		t.Errorf("sub-kind: got %d", req.subKind)
	}
	if !bytes.Equal(req.salt, []byte{0xDE, 0xAD, 0xBE, 0xEF}) {
		t.Errorf("salt: got %v", req.salt)
	}
}

func TestParseErrorResponseFields(t *testing.T) {
	payload := []byte("SERROR\x00C23505\x00Mduplicate key value\x00\x00")
	msg, err := parseMessage('E', payload)
	if err != nil {
		t.Fatalf("parseMessage failed: %v", err)
	}
	e := msg.(*errorResponse)
	if e.SQLState() != "23505" {
		t.Errorf("sqlstate: got %q", e.SQLState())
	}
	if e.ServerMessage() != "duplicate key value" {
		t.Errorf("message: got %q", e.ServerMessage())
	}
}

func buildTestRowDescription(names ...string) []byte {
	var payload []byte
	payload = binary.BigEndian.AppendUint16(payload, uint16(len(names)))
	for i, name := range names {
		payload = append(payload, name...)
		payload = append(payload, 0)
		payload = binary.BigEndian.AppendUint32(payload, 0)          // table OID
		payload = binary.BigEndian.AppendUint16(payload, uint16(i)) // attr number
		payload = binary.BigEndian.AppendUint32(payload, 25)        // type OID (text)
		payload = binary.BigEndian.AppendUint16(payload, 0xFFFF)    // type size (-1)
		payload = binary.BigEndian.AppendUint32(payload, 0xFFFFFFFF) // type modifier
		payload = binary.BigEndian.AppendUint16(payload, 0)         // format (text)
	}
	return payload
}

func buildTestDataRow(cells ...[]byte) []byte {
	var payload []byte
	payload = binary.BigEndian.AppendUint16(payload, uint16(len(cells)))
	for _, cell := range cells {
		if cell == nil {
			payload = binary.BigEndian.AppendUint32(payload, 0xFFFFFFFF) // -1
			continue
		}
		payload = binary.BigEndian.AppendUint32(payload, uint32(len(cell)))
		payload = append(payload, cell...)
	}
	return payload
}

func TestParseRowDescription(t *testing.T) {
	msg, err := parseMessage('T', buildTestRowDescription("n", "t"))
	if err != nil {
		t.Fatalf("parseMessage failed: %v", err)
	}
	desc := msg.(*rowDescription)
	if len(desc.columns) != 2 {
		t.Fatalf("columns: got %d", len(desc.columns))
	}
	if desc.columns[0].name != "n" || desc.columns[1].name != "t" {
		t.Errorf("column names: got %q, %q", desc.columns[0].name, desc.columns[1].name)
	}
	if desc.columns[0].typeOID != 25 {
		t.Errorf("type OID: got %d", desc.columns[0].typeOID)
	}
	if desc.columns[0].typeSize != -1 {
		t.Errorf("type size: got %d", desc.columns[0].typeSize)
	}
}

func TestParseDataRowNullCell(t *testing.T) {
	msg, err := parseMessage('D', buildTestDataRow([]byte("1"), nil))
	if err != nil {
		t.Fatalf("parseMessage failed: %v", err)
	}
	row := msg.(*dataRow)
	if len(row.cells) != 2 {
		t.Fatalf("cells: got %d", len(row.cells))
	}
	if string(row.cells[0]) != "1" {
		t.Errorf("cell 0: got %q", row.cells[0])
	}
	if row.cells[1] != nil {
		t.Errorf("cell 1 should be NULL, got %q", row.cells[1])
	}
}

func TestParseParameterStatus(t *testing.T) {
	msg, err := parseMessage('S', []byte("server_version\x0016.1\x00"))
	if err != nil {
		t.Fatalf("parseMessage failed: %v", err)
	}
	ps := msg.(*parameterStatus)
	if ps.name != "server_version" || ps.value != "16.1" {
		t.Errorf("got %q=%q", ps.name, ps.value)
	}
}

func TestParseBackendKeyData(t *testing.T) {
	payload := binary.BigEndian.AppendUint32(nil, 1234)
	payload = binary.BigEndian.AppendUint32(payload, 5678)
	msg, err := parseMessage('K', payload)
	if err != nil {
		t.Fatalf("parseMessage failed: %v", err)
	}
	kd := msg.(*backendKeyData)
	if kd.pid != 1234 || kd.secret != 5678 {
		t.Errorf("got pid=%d secret=%d", kd.pid, kd.secret)
	}
}

func TestParseCommandCompleteAndReady(t *testing.T) {
	msg, err := parseMessage('C', []byte("SELECT 1\x00"))
	if err != nil {
		t.Fatalf("parseMessage failed: %v", err)
	}
	if msg.(*commandComplete).tag != "SELECT 1" {
		t.Errorf("tag: got %q", msg.(*commandComplete).tag)
	}

	msg, err = parseMessage('Z', []byte{'I'})
	if err != nil {
		t.Fatalf("parseMessage failed: %v", err)
	}
	if msg.(*readyForQuery).status != 'I' {
		t.Errorf("status: got %q", msg.(*readyForQuery).status)
	}
}

func TestParseUnknownKindIsSkipped(t *testing.T) {
	msg, err := parseMessage('G', []byte{0})
	if err != nil {
		t.Fatalf("unknown kinds should not error: %v", err)
	}
	if msg != nil {
		t.Errorf("unknown kinds should parse to nil, got %T", msg)
	}
}

func TestResolveSQLState(t *testing.T) {
	if got := ResolveSQLState("23505"); got != "unique violation" {
		t.Errorf("23505: got %q", got)
	}
	if got := ResolveSQLState("40P01"); got != "deadlock detected" {
		t.Errorf("40P01: got %q", got)
	}
	if got := ResolveSQLState("ZZZZZ"); got != "Unknown SQLSTATE error" {
		t.Errorf("unknown code: got %q", got)
	}
}
