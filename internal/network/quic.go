// Package network binds the engine to its messaging substrate: one QUIC
// request/response exchange per envelope. Reliability beyond a single send
// (redelivery, queue persistence) is the substrate's concern, not ours.
package network

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"time"

	quic "github.com/quic-go/quic-go"

	"needmesh/internal/proto"
)

const (
	alpnProto      = "needmesh-quic"
	exchangeWindow = 8 * time.Second
)

// Handler processes one request frame and produces the response frame.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

func devTLSCert() (tls.Certificate, []byte, error) {
	seed := sha256.Sum256([]byte("needmesh-quic-dev-key"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, der, nil
}

func serverTLSConfig(cert *tls.Certificate) (*tls.Config, error) {
	if cert == nil {
		c, _, err := devTLSCert()
		if err != nil {
			return nil, err
		}
		cert = &c
	}
	return &tls.Config{
		Certificates: []tls.Certificate{*cert},
		NextProtos:   []string{alpnProto},
	}, nil
}

func clientTLSConfig(insecure bool) *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: insecure,
		NextProtos:         []string{alpnProto},
	}
}

// Server accepts envelope exchanges and feeds them to the handler.
type Server struct {
	Addr     string
	Handler  Handler
	TLSCert  *tls.Certificate
	Log      *slog.Logger
	listener *quic.Listener
}

// ListenAndServe blocks until ctx is cancelled or the listener fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s.Log == nil {
		s.Log = slog.Default()
	}
	tlsConf, err := serverTLSConfig(s.TLSCert)
	if err != nil {
		return err
	}
	listener, err := quic.ListenAddr(s.Addr, tlsConf, nil)
	if err != nil {
		return fmt.Errorf("quic listen %s: %w", s.Addr, err)
	}
	s.listener = listener
	s.Log.Info("listening", "addr", s.Addr)
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()
	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		go s.serveConn(ctx, conn)
	}
}

func (s *Server) serveConn(ctx context.Context, conn *quic.Conn) {
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		go s.serveStream(ctx, stream)
	}
}

func (s *Server) serveStream(ctx context.Context, stream *quic.Stream) {
	defer stream.Close()
	payload, err := proto.ReadFrame(stream)
	if err != nil {
		s.Log.Debug("read frame failed", "err", err)
		return
	}
	resp, err := s.Handler(ctx, payload)
	if err != nil {
		s.Log.Warn("handler failed", "err", err)
		return
	}
	if len(resp) == 0 {
		return
	}
	if err := proto.WriteFrame(stream, resp); err != nil {
		s.Log.Debug("write response failed", "err", err)
	}
}

// Exchange performs one request/response round trip with addr: dial, one
// bidirectional stream, one frame each way.
func Exchange(ctx context.Context, addr string, payload []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, exchangeWindow)
	defer cancel()
	conn, err := quic.DialAddr(ctx, addr, clientTLSConfig(true), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.CloseWithError(0, "")
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	defer stream.Close()
	if err := proto.WriteFrame(stream, payload); err != nil {
		return nil, err
	}
	resp, err := proto.ReadFrame(stream)
	if err != nil {
		return nil, err
	}
	if len(resp) == 0 {
		return nil, errors.New("empty response")
	}
	return resp, nil
}
