package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/chronologos/craftlink/internal/auth"
)

// Tunnel handshake: the dialer opens the stream and writes a 32-byte token
// derived from the passkey and the TLS exporter; the listener answers with
// one status byte. Everything after that is the raw emulator byte stream.
const (
	exporterLabel = "craftlink-tunnel-v1"

	statusOK     byte = 0
	statusDenied byte = 1

	idleTimeout       = 30 * time.Second
	initialPacketSize = 1200 // Tailscale MTU is 1280; default 1350 gets dropped

	// closeTimeout bounds how long Close waits for the peer to finish its
	// side of the stream.
	closeTimeout = 2 * time.Second
)

// ErrAuthFailed is returned by DialQUIC when the listener rejects the passkey.
var ErrAuthFailed = errors.New("tunnel authentication rejected")

// Tunnel is an emulator reached through a craftlink relay over QUIC.
type Tunnel struct {
	qconn  *quic.Conn
	stream *quic.Stream
	tr     *quic.Transport // dialer side only

	peerDone chan struct{} // closed once a read fails, usually at the peer's FIN
	peerOnce sync.Once
}

func newTunnel(qconn *quic.Conn, stream *quic.Stream, tr *quic.Transport) *Tunnel {
	return &Tunnel{qconn: qconn, stream: stream, tr: tr, peerDone: make(chan struct{})}
}

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:    idleTimeout,
		InitialPacketSize: initialPacketSize,
		KeepAlivePeriod:   idleTimeout / 3,
	}
}

// DialQUIC connects to a relay and authenticates with passkey.
func DialQUIC(ctx context.Context, host string, port int, passkey []byte) (*Tunnel, error) {
	addr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("resolve %s:%d: %w", host, port, err)
	}

	udpConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		return nil, fmt.Errorf("listen UDP: %w", err)
	}
	tr := &quic.Transport{Conn: udpConn}

	qconn, err := tr.Dial(ctx, addr, tunnelTLS(nil), quicConfig())
	if err != nil {
		tr.Close()
		return nil, fmt.Errorf("QUIC dial: %w", err)
	}

	stream, err := dialHandshake(ctx, qconn, passkey)
	if err != nil {
		qconn.CloseWithError(1, "auth failed")
		tr.Close()
		return nil, err
	}
	return newTunnel(qconn, stream, tr), nil
}

func exportMaterial(qconn *quic.Conn) ([]byte, error) {
	state := qconn.ConnectionState()
	material, err := state.TLS.ExportKeyingMaterial(exporterLabel, nil, 32)
	if err != nil {
		return nil, fmt.Errorf("export keying material: %w", err)
	}
	return material, nil
}

func dialHandshake(ctx context.Context, qconn *quic.Conn, passkey []byte) (*quic.Stream, error) {
	stream, err := qconn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	material, err := exportMaterial(qconn)
	if err != nil {
		return nil, err
	}
	token := auth.ComputeAuthToken(passkey, material)
	if _, err := stream.Write(token[:]); err != nil {
		return nil, fmt.Errorf("write auth token: %w", err)
	}

	var status [1]byte
	if _, err := io.ReadFull(stream, status[:]); err != nil {
		return nil, fmt.Errorf("read auth status: %w", err)
	}
	if status[0] != statusOK {
		return nil, fmt.Errorf("%w: status %d", ErrAuthFailed, status[0])
	}
	return stream, nil
}

// Listener accepts authenticated tunnels.
type Listener struct {
	tr      *quic.Transport
	ln      *quic.Listener
	port    int
	passkey []byte
}

// Listen binds a tunnel listener to port (0 picks a free one) using a fresh
// self-signed certificate.
func Listen(port int, passkey []byte) (*Listener, error) {
	cert, err := GenerateSelfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("generate TLS cert: %w", err)
	}
	return ListenWithCert(port, passkey, cert)
}

// ListenWithCert is Listen with a caller-supplied certificate.
func ListenWithCert(port int, passkey []byte, cert tls.Certificate) (*Listener, error) {
	udpConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: port})
	if err != nil {
		return nil, fmt.Errorf("listen UDP: %w", err)
	}

	tr := &quic.Transport{Conn: udpConn}
	ln, err := tr.Listen(tunnelTLS(&cert), quicConfig())
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("QUIC listen: %w", err)
	}

	return &Listener{
		tr:      tr,
		ln:      ln,
		port:    udpConn.LocalAddr().(*net.UDPAddr).Port,
		passkey: passkey,
	}, nil
}

func (l *Listener) Port() int { return l.port }

// Accept waits for the next client and runs the passkey handshake.
func (l *Listener) Accept(ctx context.Context) (*Tunnel, error) {
	qconn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("accept QUIC connection: %w", err)
	}

	stream, err := l.authenticate(ctx, qconn)
	if err != nil {
		qconn.CloseWithError(1, "auth failed")
		return nil, err
	}
	return newTunnel(qconn, stream, nil), nil
}

func (l *Listener) authenticate(ctx context.Context, qconn *quic.Conn) (*quic.Stream, error) {
	stream, err := qconn.AcceptStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("accept stream: %w", err)
	}

	var token [auth.TokenSize]byte
	if _, err := io.ReadFull(stream, token[:]); err != nil {
		return nil, fmt.Errorf("read auth token: %w", err)
	}
	material, err := exportMaterial(qconn)
	if err != nil {
		return nil, err
	}
	if !auth.VerifyAuthToken(l.passkey, material, token) {
		stream.Write([]byte{statusDenied})
		return nil, fmt.Errorf("authentication failed: invalid passkey")
	}
	if _, err := stream.Write([]byte{statusOK}); err != nil {
		return nil, fmt.Errorf("write auth status: %w", err)
	}
	return stream, nil
}

func (l *Listener) Close() error {
	l.ln.Close()
	return l.tr.Close()
}

// ReadChunk returns whatever the stream has buffered, up to 32 KB.
func (t *Tunnel) ReadChunk() ([]byte, error) {
	buf := make([]byte, readBufSize)
	n, err := t.stream.Read(buf)
	if err != nil {
		t.peerOnce.Do(func() { close(t.peerDone) })
	}
	if n > 0 {
		return buf[:n], nil
	}
	return nil, err
}

func (t *Tunnel) Write(p []byte) error {
	_, err := t.stream.Write(p)
	return err
}

// Close finishes the send side and closes the connection once the peer has
// finished its side too, or the connection is gone, or closeTimeout passes.
// Closing the connection straight away would discard stream data still in
// flight. The wait relies on something reading the tunnel, as every
// Transport user does.
func (t *Tunnel) Close() error {
	t.stream.Close()
	timer := time.NewTimer(closeTimeout)
	defer timer.Stop()
	select {
	case <-t.peerDone:
	case <-t.qconn.Context().Done():
	case <-timer.C:
	}
	return t.shutdown("closed")
}

// Kill aborts both directions immediately.
func (t *Tunnel) Kill() error {
	t.stream.CancelRead(0)
	t.stream.CancelWrite(0)
	return t.shutdown("killed")
}

func (t *Tunnel) shutdown(reason string) error {
	err := t.qconn.CloseWithError(0, reason)
	if t.tr != nil {
		t.tr.Close()
	}
	return err
}

func (t *Tunnel) Remote() bool { return true }
