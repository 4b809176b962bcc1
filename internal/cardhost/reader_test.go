package cardhost

import (
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/AokiApp/jsapdu-over-ip-sub003/internal/testutil/testlog"
)

func transmitHex(t *testing.T, r Reader, apdu string) string {
	t.Helper()
	cmd, err := hex.DecodeString(strings.ToLower(apdu))
	if err != nil {
		t.Fatalf("bad test apdu %q: %v", apdu, err)
	}
	resp, err := r.Transmit(cmd)
	if err != nil {
		t.Fatalf("transmit %s: %v", apdu, err)
	}
	return hexUpper(resp)
}

func TestSimReaderStatus(t *testing.T) {
	testlog.Start(t)
	r := NewSimReader()
	status, err := r.Status()
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !status.Present || status.ATR == "" {
		t.Fatalf("fresh reader: %+v", status)
	}

	r.SetPresent(false)
	status, err = r.Status()
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Present || status.ATR != "" {
		t.Fatalf("removed card still visible: %+v", status)
	}
}

func TestSimReaderSelect(t *testing.T) {
	testlog.Start(t)
	r := NewSimReader()
	if got := transmitHex(t, r, "00A4040000"); got != "9000" {
		t.Fatalf("select: %s", got)
	}
}

func TestSimReaderReadBinary(t *testing.T) {
	testlog.Start(t)
	r := NewSimReader()
	got := transmitHex(t, r, "00B0000005")
	if !strings.HasSuffix(got, "9000") {
		t.Fatalf("read binary failed: %s", got)
	}
	if len(got) != 2*(5+2) {
		t.Fatalf("read binary length: %s", got)
	}

	// Offset past the end of the file.
	if got := transmitHex(t, r, "00B0FFFF00"); got != "6700" {
		t.Fatalf("out-of-range read: %s", got)
	}
}

func TestSimReaderUnknownInstruction(t *testing.T) {
	testlog.Start(t)
	r := NewSimReader()
	if got := transmitHex(t, r, "00990000"); got != "6D00" {
		t.Fatalf("unknown ins: %s", got)
	}
}

func TestSimReaderShortCommand(t *testing.T) {
	testlog.Start(t)
	r := NewSimReader()
	if got := transmitHex(t, r, "00A4"); got != "6700" {
		t.Fatalf("short apdu: %s", got)
	}
}

func TestSimReaderCardAbsent(t *testing.T) {
	testlog.Start(t)
	r := NewSimReader()
	r.SetPresent(false)
	_, err := r.Transmit([]byte{0x00, 0xA4, 0x04, 0x00, 0x00})
	if !errors.Is(err, ErrCardNotPresent) {
		t.Fatalf("absent card: %v", err)
	}
}
