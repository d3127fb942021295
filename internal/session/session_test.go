package session

import (
	"net"
	"testing"
	"time"
)

func TestCloseIsIdempotent(t *testing.T) {
	in1, in2 := net.Pipe()
	out1, out2 := net.Pipe()
	defer in2.Close()
	defer out2.Close()

	s := Pair(in1, out1, 0)

	if err := s.Close(); err != nil {
		t.Fatalf("first Close returned error: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close returned error: %v", err)
	}
}

func TestCloseClosesBothSides(t *testing.T) {
	in1, in2 := net.Pipe()
	out1, out2 := net.Pipe()

	s := Pair(in1, out1, 0)
	s.Close()

	if _, err := in2.Write([]byte("x")); err == nil {
		t.Fatalf("expected inbound peer write to fail after Close")
	}
	if _, err := out2.Write([]byte("x")); err == nil {
		t.Fatalf("expected outbound peer write to fail after Close")
	}
}

func TestTouchNoopWithoutTimeout(t *testing.T) {
	in1, in2 := net.Pipe()
	out1, out2 := net.Pipe()
	defer in1.Close()
	defer in2.Close()
	defer out1.Close()
	defer out2.Close()

	s := Pair(in1, out1, 0)
	s.Touch() // must not set any deadline, just must not panic
}

func TestTouchSetsDeadline(t *testing.T) {
	in1, in2 := net.Pipe()
	out1, out2 := net.Pipe()
	defer in1.Close()
	defer in2.Close()
	defer out1.Close()
	defer out2.Close()

	s := Pair(in1, out1, 20*time.Millisecond)
	s.Touch()

	buf := make([]byte, 1)
	_, err := in1.Read(buf)
	if err == nil {
		t.Fatalf("expected read to time out")
	}
}
