package relay

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/xtaci/ss-local/internal/cipher"
	"github.com/xtaci/ss-local/internal/config"
	"github.com/xtaci/ss-local/internal/session"
)

func TestPickUpstreamSingle(t *testing.T) {
	relays := []config.Relay{{Host: "only.example", Port: 1}}
	got := PickUpstream(relays)
	if got != relays[0] {
		t.Fatalf("expected the single relay, got %+v", got)
	}
}

func TestPickUpstreamMultiple(t *testing.T) {
	relays := []config.Relay{
		{Host: "a.example", Port: 1},
		{Host: "b.example", Port: 2},
	}
	for i := 0; i < 20; i++ {
		got := PickUpstream(relays)
		if got != relays[0] && got != relays[1] {
			t.Fatalf("unexpected pick: %+v", got)
		}
	}
}

func TestRunRelaysPlaintextBothDirections(t *testing.T) {
	inSrv, inCli := net.Pipe()
	outSrv, outCli := net.Pipe()

	sess := session.Pair(inSrv, outSrv, 0)

	none, _ := cipher.NewMethod(cipher.None)
	enc, _ := none.NewContext(nil, cipher.Encrypt)
	dec, _ := none.NewContext(nil, cipher.Decrypt)

	done := make(chan error, 1)
	go func() { done <- Run(sess, enc, dec, []byte("preface")) }()

	buf := make([]byte, len("preface"))
	if _, err := io.ReadFull(outCli, buf); err != nil {
		t.Fatalf("failed to read preface on upstream side: %v", err)
	}
	if string(buf) != "preface" {
		t.Fatalf("unexpected preface: %q", buf)
	}

	go func() {
		inCli.Write([]byte("hello"))
	}()
	buf2 := make([]byte, len("hello"))
	outCli.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := io.ReadFull(outCli, buf2); err != nil {
		t.Fatalf("failed to relay client->upstream: %v", err)
	}
	if string(buf2) != "hello" {
		t.Fatalf("unexpected upstream payload: %q", buf2)
	}

	go func() {
		outCli.Write([]byte("world"))
	}()
	buf3 := make([]byte, len("world"))
	inCli.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := io.ReadFull(inCli, buf3); err != nil {
		t.Fatalf("failed to relay upstream->client: %v", err)
	}
	if string(buf3) != "world" {
		t.Fatalf("unexpected client payload: %q", buf3)
	}

	inCli.Close()
	outCli.Close()
	<-done
}

func TestRunEncryptsPrefaceBeforeWire(t *testing.T) {
	inSrv, inCli := net.Pipe()
	outSrv, outCli := net.Pipe()

	sess := session.Pair(inSrv, outSrv, 0)

	method, err := cipher.NewMethod("aes-256-ctr")
	if err != nil {
		t.Fatal(err)
	}
	key := cipher.DeriveKey("correct horse battery staple", method)

	enc, err := method.NewContext(key, cipher.Encrypt)
	if err != nil {
		t.Fatal(err)
	}
	dec, err := method.NewContext(key, cipher.Decrypt)
	if err != nil {
		t.Fatal(err)
	}

	preface := []byte{0x01, 127, 0, 0, 1, 0x1f, 0x90} // atyp=ipv4, 127.0.0.1:8080
	done := make(chan error, 1)
	go func() { done <- Run(sess, enc, dec, preface) }()

	// An independent decrypt context with the same key stands in for the
	// upstream relay: if preface were written in the clear (no IV prefix,
	// no keystream applied), this would not round-trip to the original
	// bytes.
	verify, err := method.NewContext(key, cipher.Decrypt)
	if err != nil {
		t.Fatal(err)
	}

	wire := make([]byte, method.IVSize+len(preface))
	outCli.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := io.ReadFull(outCli, wire); err != nil {
		t.Fatalf("failed to read encrypted preface off the wire: %v", err)
	}

	out := make([]byte, len(wire))
	plain, err := verify.Transform(out, wire)
	if err != nil {
		t.Fatalf("decrypt preface: %v", err)
	}
	if string(plain) != string(preface) {
		t.Fatalf("preface on the wire did not decrypt to the original bytes: got %x, want %x", plain, preface)
	}

	inCli.Close()
	outCli.Close()
	<-done
}

// TestPumpIdleTimeoutOnlyAppliesToTheUpstreamDirection exercises pump
// directly (rather than through Run, which waits on both directions
// together) so each direction's idle behavior can be observed in
// isolation: the upstream-reading pump (touch=true) must give up once
// idleTimeout elapses with no data, while the client-reading pump
// (touch=false), paired with its own session sharing the same timeout,
// must not time out no matter how long the client keeps sending.
func TestPumpIdleTimeoutOnlyAppliesToTheUpstreamDirection(t *testing.T) {
	none, _ := cipher.NewMethod(cipher.None)
	xform, _ := none.NewContext(nil, cipher.Encrypt)

	upInSrv, _ := net.Pipe()
	upOutSrv, _ := net.Pipe()
	upSess := session.Pair(upInSrv, upOutSrv, 30*time.Millisecond)
	defer upInSrv.Close()
	defer upOutSrv.Close()

	upstreamDone := make(chan error, 1)
	go func() { upstreamDone <- pump(upSess, io.Discard, upSess.Outbound, xform, true) }()

	select {
	case err := <-upstreamDone:
		if err == nil {
			t.Fatal("expected a deadline-exceeded error from the idle upstream pump, got nil")
		}
	case <-time.After(time.Second):
		t.Fatal("upstream-reading pump did not respect the idle deadline")
	}

	clInSrv, clInCli := net.Pipe()
	clOutSrv, _ := net.Pipe()
	clSess := session.Pair(clInSrv, clOutSrv, 30*time.Millisecond)
	defer clInCli.Close()
	defer clOutSrv.Close()

	clientDone := make(chan error, 1)
	go func() { clientDone <- pump(clSess, io.Discard, clSess.Inbound, xform, false) }()

	// Keep the client side sending well past idleTimeout; none of these
	// reads from Inbound should ever refresh any deadline, since the
	// client-reading pump never calls Touch.
	stop := time.Now().Add(150 * time.Millisecond)
	for time.Now().Before(stop) {
		clInCli.SetWriteDeadline(time.Now().Add(20 * time.Millisecond))
		if _, err := clInCli.Write([]byte("x")); err != nil {
			t.Fatalf("client write failed before the pump could have timed out: %v", err)
		}
	}

	select {
	case err := <-clientDone:
		t.Fatalf("client-reading pump ended on its own (err=%v) despite continuous client traffic", err)
	default:
	}
}
