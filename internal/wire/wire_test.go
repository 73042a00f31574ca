package wire

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestInt32RoundTrip(t *testing.T) {
	t.Parallel()
	for _, v := range []int32{0, -1, -2, 1, 9001, -2147483648, 2147483647} {
		var buf bytes.Buffer
		if err := WriteInt32(&buf, v); err != nil {
			t.Fatalf("WriteInt32(%d): %v", v, err)
		}
		if buf.Len() != 4 {
			t.Fatalf("frame length = %d, want 4", buf.Len())
		}
		got, err := ReadInt32(&buf)
		if err != nil {
			t.Fatalf("ReadInt32: %v", err)
		}
		if got != v {
			t.Fatalf("ReadInt32 = %d, want %d", got, v)
		}
	}
}

func TestInt32BigEndian(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	if err := WriteInt32(&buf, StatusQuit); err != nil {
		t.Fatal(err)
	}
	want := []byte{0xFF, 0xFF, 0xFF, 0xFE}
	if !bytes.Equal(buf.Bytes(), want) {
		t.Fatalf("QUIT frame = %X, want %X", buf.Bytes(), want)
	}
}

func TestStringRoundTrip(t *testing.T) {
	t.Parallel()
	tests := []string{"", "hello", "msend", "héllo wörld", strings.Repeat("x", MaxStringLen)}
	for _, s := range tests {
		var buf bytes.Buffer
		if err := WriteString(&buf, s); err != nil {
			t.Fatalf("WriteString(%q...): %v", truncate(s), err)
		}
		got, err := ReadString(&buf)
		if err != nil {
			t.Fatalf("ReadString: %v", err)
		}
		if got != s {
			t.Fatalf("ReadString = %q, want %q", truncate(got), truncate(s))
		}
	}
}

func TestStringEncoding(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	if err := WriteString(&buf, "hi"); err != nil {
		t.Fatal(err)
	}
	want := []byte{0x00, 0x02, 'h', 'i'}
	if !bytes.Equal(buf.Bytes(), want) {
		t.Fatalf("frame = %X, want %X", buf.Bytes(), want)
	}
}

func TestWriteStringTooLong(t *testing.T) {
	t.Parallel()
	err := WriteString(io.Discard, strings.Repeat("x", MaxStringLen+1))
	if !errors.Is(err, ErrStringTooLong) {
		t.Fatalf("err = %v, want ErrStringTooLong", err)
	}
}

func TestTruncatedReads(t *testing.T) {
	t.Parallel()
	if _, err := ReadInt32(bytes.NewReader([]byte{0x00, 0x01})); err == nil {
		t.Fatal("expected error for short int frame")
	}
	// Length prefix promises 5 bytes, only 2 present.
	if _, err := ReadString(bytes.NewReader([]byte{0x00, 0x05, 'a', 'b'})); err == nil {
		t.Fatal("expected error for short string frame")
	}
}

func TestStatusName(t *testing.T) {
	t.Parallel()
	if got := StatusName(StatusSuccess); got != "SUCCESS" {
		t.Fatalf("StatusName(0) = %s", got)
	}
	if got := StatusName(7); got != "status(7)" {
		t.Fatalf("StatusName(7) = %s", got)
	}
}

func truncate(s string) string {
	if len(s) > 32 {
		return s[:32] + "..."
	}
	return s
}
