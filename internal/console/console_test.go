package console

import (
	"bytes"
	"testing"
)

func TestWriteAppearsInBuffer(t *testing.T) {
	c := New(nil)
	if _, err := c.Write([]byte("hello"), 0); err != nil {
		t.Fatal(err)
	}
	if string(c.Bytes()) != "hello" {
		t.Fatalf("buffer %q", c.Bytes())
	}
}

func TestSerialMirror(t *testing.T) {
	var serial bytes.Buffer
	c := New(&serial)

	c.PutStr([]byte("boot: "))
	c.SyslogToggle(false)
	c.PutStr([]byte("quiet"))

	if serial.String() != "boot: " {
		t.Fatalf("serial saw %q", serial.String())
	}
	// The screen buffer keeps everything regardless.
	if string(c.Bytes()) != "boot: quiet" {
		t.Fatalf("screen %q", c.Bytes())
	}
}

func TestSerialBypassesToggle(t *testing.T) {
	var serial bytes.Buffer
	c := New(&serial)
	c.SyslogToggle(false)

	c.Serial([]byte("panic: oh no"))
	if serial.String() != "panic: oh no" {
		t.Fatalf("serial %q", serial.String())
	}
}

func TestInputQueue(t *testing.T) {
	c := New(nil)
	c.PushInput([]byte{0x1C, 0x9C})

	buf := make([]byte, 4)
	n, err := c.Read(buf, 0)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 || buf[0] != 0x1C || buf[1] != 0x9C {
		t.Fatalf("read %d: % x", n, buf)
	}

	// Drained.
	n, err = c.Read(buf, 0)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("empty queue returned %d bytes", n)
	}
}
