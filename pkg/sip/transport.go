package sip

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"softswitch/pkg/errors"
)

// MessageHandler receives every successfully decoded message
type MessageHandler func(msg *Message)

// MalformedHandler receives codec rejections so the engine can answer 400
// when enough of the request survived parsing
type MalformedHandler func(err *MalformedMessageError, source, transport string)

// Sender is the outbound half of the transport, split out so the
// transaction layer can be tested without sockets.
type Sender interface {
	Send(transport, addr string, data []byte) error
}

// Transport owns the SIP listening sockets. UDP is a datagram per message;
// TCP connections are framed by Content-Length and kept open for reuse
// toward the same peer.
type Transport struct {
	logger    *logrus.Logger
	host      string
	udpPort   int
	tcpPort   int
	enableTCP bool

	handler   MessageHandler
	malformed MalformedHandler

	udpConn     *net.UDPConn
	tcpListener net.Listener

	tcpMu    sync.Mutex
	tcpConns map[string]net.Conn

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTransport creates a transport bound later by Start
func NewTransport(logger *logrus.Logger, host string, udpPort, tcpPort int, enableTCP bool) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		logger:    logger,
		host:      host,
		udpPort:   udpPort,
		tcpPort:   tcpPort,
		enableTCP: enableTCP,
		tcpConns:  make(map[string]net.Conn),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// OnMessage installs the decoded-message callback
func (t *Transport) OnMessage(h MessageHandler) { t.handler = h }

// OnMalformed installs the codec-rejection callback
func (t *Transport) OnMalformed(h MalformedHandler) { t.malformed = h }

// Start binds the listening sockets and launches the reader goroutines
func (t *Transport) Start() error {
	udpAddr := &net.UDPAddr{IP: net.ParseIP(t.host), Port: t.udpPort}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return errors.Wrap(errors.ErrNetworkFailure, fmt.Sprintf("UDP listen on %s failed: %v", udpAddr, err))
	}
	t.udpConn = conn
	t.logger.WithField("address", conn.LocalAddr().String()).Info("SIP listening on UDP")

	t.wg.Add(1)
	go t.udpLoop()

	if t.enableTCP {
		ln, err := net.Listen("tcp", net.JoinHostPort(t.host, strconv.Itoa(t.tcpPort)))
		if err != nil {
			conn.Close()
			return errors.Wrap(errors.ErrNetworkFailure, fmt.Sprintf("TCP listen failed: %v", err))
		}
		t.tcpListener = ln
		t.logger.WithField("address", ln.Addr().String()).Info("SIP listening on TCP")

		t.wg.Add(1)
		go t.acceptLoop()
	}

	return nil
}

func (t *Transport) udpLoop() {
	defer t.wg.Done()

	buf := make([]byte, 65535)
	for {
		n, raddr, err := t.udpConn.ReadFromUDP(buf)
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			t.logger.WithError(err).Warn("UDP read error")
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		t.dispatch(data, raddr.String(), "udp")
	}
}

func (t *Transport) acceptLoop() {
	defer t.wg.Done()

	for {
		conn, err := t.tcpListener.Accept()
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			t.logger.WithError(err).Warn("TCP accept error")
			continue
		}

		t.trackConn(conn)
		t.wg.Add(1)
		go t.readStream(conn)
	}
}

func (t *Transport) trackConn(conn net.Conn) {
	t.tcpMu.Lock()
	t.tcpConns[conn.RemoteAddr().String()] = conn
	t.tcpMu.Unlock()
}

func (t *Transport) dropConn(conn net.Conn) {
	t.tcpMu.Lock()
	if t.tcpConns[conn.RemoteAddr().String()] == conn {
		delete(t.tcpConns, conn.RemoteAddr().String())
	}
	t.tcpMu.Unlock()
	conn.Close()
}

// readStream frames messages off one TCP connection. The header block runs
// to the blank line; Content-Length gives the body size.
func (t *Transport) readStream(conn net.Conn) {
	defer t.wg.Done()
	defer t.dropConn(conn)

	source := conn.RemoteAddr().String()
	reader := bufio.NewReaderSize(conn, 65535)

	for {
		if t.ctx.Err() != nil {
			return
		}

		data, err := readFramedMessage(reader)
		if err != nil {
			if t.ctx.Err() == nil && err != io.EOF {
				t.logger.WithError(err).WithField("source", source).Debug("TCP stream closed")
			}
			return
		}
		if len(bytes.TrimSpace(data)) == 0 {
			continue
		}

		t.dispatch(data, source, "tcp")
	}
}

func readFramedMessage(reader *bufio.Reader) ([]byte, error) {
	var head bytes.Buffer
	contentLength := 0

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		head.WriteString(line)

		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			if head.Len() <= 4 {
				// keep-alive CRLF between messages
				head.Reset()
				continue
			}
			break
		}

		lower := strings.ToLower(trimmed)
		if strings.HasPrefix(lower, "content-length:") || strings.HasPrefix(lower, "l:") {
			_, v, ok := strings.Cut(trimmed, ":")
			if ok {
				if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
					contentLength = n
				}
			}
		}
	}

	if contentLength > 0 {
		body := make([]byte, contentLength)
		if _, err := io.ReadFull(reader, body); err != nil {
			return nil, err
		}
		head.Write(body)
	}

	return head.Bytes(), nil
}

func (t *Transport) dispatch(data []byte, source, transport string) {
	msg, err := ParseMessage(data)
	if err != nil {
		t.logger.WithError(err).WithFields(logrus.Fields{
			"source":    source,
			"transport": transport,
			"size":      len(data),
		}).Warn("Rejected malformed SIP message")

		if mfe, ok := err.(*MalformedMessageError); ok && t.malformed != nil {
			t.malformed(mfe, source, transport)
		}
		return
	}

	msg.Source = source
	msg.Transport = transport

	if t.handler != nil {
		t.handler(msg)
	}
}

// Send transmits raw bytes to addr over the given transport. TCP reuses the
// inbound connection to the peer when one exists.
func (t *Transport) Send(transport, addr string, data []byte) error {
	switch strings.ToLower(transport) {
	case "", "udp":
		dst, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			return errors.Wrap(errors.ErrNetworkFailure, fmt.Sprintf("bad destination %q: %v", addr, err))
		}
		if _, err := t.udpConn.WriteToUDP(data, dst); err != nil {
			return errors.Wrap(errors.ErrNetworkFailure, fmt.Sprintf("UDP send to %s failed: %v", addr, err))
		}
		return nil

	case "tcp":
		conn, err := t.tcpConnTo(addr)
		if err != nil {
			return err
		}
		if _, err := conn.Write(data); err != nil {
			t.dropConn(conn)
			return errors.Wrap(errors.ErrNetworkFailure, fmt.Sprintf("TCP send to %s failed: %v", addr, err))
		}
		return nil

	default:
		return errors.Wrap(errors.ErrNetworkFailure, fmt.Sprintf("unsupported transport %q", transport))
	}
}

func (t *Transport) tcpConnTo(addr string) (net.Conn, error) {
	t.tcpMu.Lock()
	conn, ok := t.tcpConns[addr]
	t.tcpMu.Unlock()
	if ok {
		return conn, nil
	}

	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, errors.Wrap(errors.ErrNetworkFailure, fmt.Sprintf("TCP dial to %s failed: %v", addr, err))
	}

	t.trackConn(conn)
	t.wg.Add(1)
	go t.readStream(conn)
	return conn, nil
}

// Close shuts the listeners down and waits for the reader goroutines
func (t *Transport) Close() error {
	t.cancel()
	if t.udpConn != nil {
		t.udpConn.Close()
	}
	if t.tcpListener != nil {
		t.tcpListener.Close()
	}
	t.tcpMu.Lock()
	for _, conn := range t.tcpConns {
		conn.Close()
	}
	t.tcpConns = make(map[string]net.Conn)
	t.tcpMu.Unlock()
	t.wg.Wait()
	return nil
}
