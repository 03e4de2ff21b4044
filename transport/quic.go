package transport

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"io"
	"math/big"
	"net"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/quic-go/quic-go"
)

// QUICProtocol is the ALPN protocol negotiated by DialQUIC and ListenQUIC.
const QUICProtocol = "chanmux-quic"

// DialTimeout bounds connection setup for DialQUIC.
var DialTimeout = 10 * time.Second

// ClientTLSConfig is used by DialQUIC. Certificates are not verified unless
// it is replaced.
var ClientTLSConfig = &tls.Config{
	InsecureSkipVerify: true,
	NextProtos:         []string{QUICProtocol},
}

// streamConn is a QUIC connection carrying frames on its first
// bidirectional stream.
type streamConn struct {
	quic.Stream
	conn quic.Connection
}

func (c *streamConn) Close() error {
	var errs *multierror.Error
	c.Stream.CancelRead(0)
	if err := c.Stream.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := c.conn.CloseWithError(0, "closed"); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}

// DialQUIC connects to a QUIC listener and opens the stream frames are
// carried on. The stream only becomes visible to the listener on the first
// write, which the init control frame takes care of.
func DialQUIC(addr string) (io.ReadWriteCloser, error) {
	ctx, cancel := context.WithTimeout(context.Background(), DialTimeout)
	defer cancel()
	conn, err := quic.DialAddr(ctx, addr, ClientTLSConfig, nil)
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "open stream failed")
		return nil, err
	}
	return &streamConn{Stream: stream, conn: conn}, nil
}

// QUICListener accepts QUIC connections and returns their first stream.
type QUICListener struct {
	l      *quic.Listener
	ctx    context.Context
	cancel context.CancelFunc
}

// ListenQUIC listens for QUIC connections on a UDP address. A nil tlsConf
// uses a throwaway self-signed certificate.
func ListenQUIC(addr string, tlsConf *tls.Config) (*QUICListener, error) {
	if tlsConf == nil {
		var err error
		tlsConf, err = SelfSignedTLS()
		if err != nil {
			return nil, err
		}
	}
	l, err := quic.ListenAddr(addr, tlsConf, nil)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &QUICListener{l: l, ctx: ctx, cancel: cancel}, nil
}

// Accept waits for the next connection and its first stream.
func (l *QUICListener) Accept() (io.ReadWriteCloser, error) {
	conn, err := l.l.Accept(l.ctx)
	if err != nil {
		return nil, err
	}
	stream, err := conn.AcceptStream(l.ctx)
	if err != nil {
		conn.CloseWithError(0, "accept stream failed")
		return nil, err
	}
	return &streamConn{Stream: stream, conn: conn}, nil
}

func (l *QUICListener) Close() error {
	l.cancel()
	return l.l.Close()
}

func (l *QUICListener) Addr() net.Addr {
	return l.l.Addr()
}

// SelfSignedTLS returns a server TLS config with a fresh self-signed
// certificate for localhost.
func SelfSignedTLS() (*tls.Config, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return nil, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{QUICProtocol},
	}, nil
}
