package sip

import (
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"softswitch/pkg/config"
	"softswitch/pkg/events"
	"softswitch/pkg/media"
)

func TestParseInfoDigit(t *testing.T) {
	digit, ok := parseInfoDigit("application/dtmf-relay", []byte("Signal=5\r\nDuration=160\r\n"))
	assert.True(t, ok)
	assert.Equal(t, byte('5'), digit)

	digit, ok = parseInfoDigit("application/dtmf-relay", []byte("signal = *\r\n"))
	assert.True(t, ok)
	assert.Equal(t, byte('*'), digit)

	digit, ok = parseInfoDigit("application/dtmf", []byte("#"))
	assert.True(t, ok)
	assert.Equal(t, byte('#'), digit)

	_, ok = parseInfoDigit("application/dtmf-relay", []byte("Duration=160\r\n"))
	assert.False(t, ok)

	_, ok = parseInfoDigit("text/plain", []byte("5"))
	assert.False(t, ok)
}

func TestIsMailboxCall(t *testing.T) {
	e := &Engine{cfg: &config.Config{Routing: config.RoutingConfig{MailboxPrefix: "*98"}}}

	assert.True(t, e.isMailboxCall("sip:*98@pbx.example.com"))
	assert.True(t, e.isMailboxCall("sip:*981234@pbx.example.com"))
	assert.False(t, e.isMailboxCall("sip:1234@pbx.example.com"))

	e.cfg.Routing.MailboxPrefix = ""
	assert.False(t, e.isMailboxCall("sip:*98@pbx.example.com"))
}

func TestStaticRoute(t *testing.T) {
	route := StaticRoute("10.0.0.5:5060")
	dest, transport, err := route("c1", "sip:bob@example.com", "alice")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5:5060", dest)
	assert.Equal(t, "udp", transport)

	_, _, err = StaticRoute("")("c1", "sip:bob@example.com", "alice")
	assert.Error(t, err)
}

// testPeer is a scripted endpoint driven over a plain UDP socket
type testPeer struct {
	t    *testing.T
	conn *net.UDPConn
}

func newTestPeer(t *testing.T) *testPeer {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testPeer{t: t, conn: conn}
}

func (p *testPeer) addr() string {
	return p.conn.LocalAddr().String()
}

func (p *testPeer) send(to string, data []byte) {
	dst, err := net.ResolveUDPAddr("udp", to)
	require.NoError(p.t, err)
	_, err = p.conn.WriteToUDP(data, dst)
	require.NoError(p.t, err)
}

// read waits for the next message that the predicate accepts, skipping
// retransmissions of things already seen
func (p *testPeer) read(timeout time.Duration, accept func(*Message) bool) *Message {
	p.t.Helper()
	buf := make([]byte, 65535)
	deadline := time.Now().Add(timeout)
	for {
		require.NoError(p.t, p.conn.SetReadDeadline(deadline))
		n, _, err := p.conn.ReadFromUDP(buf)
		require.NoError(p.t, err, "timed out waiting for a message")
		msg, err := ParseMessage(append([]byte(nil), buf[:n]...))
		if err != nil {
			continue
		}
		if accept == nil || accept(msg) {
			return msg
		}
	}
}

func testEngineConfig(sipPort int, peer string) *config.Config {
	return &config.Config{
		Network: config.NetworkConfig{
			Host:       "127.0.0.1",
			UDPPort:    sipPort,
			ExternalIP: "127.0.0.1",
		},
		Media: config.MediaConfig{
			PortMin:          42000,
			PortMax:          42960,
			BindIP:           "127.0.0.1",
			LearningDeadline: 2 * time.Second,
			MinPacketSize:    12,
			CodecPriority:    []string{"PCMU", "PCMA"},
		},
		Signaling: config.SignalingConfig{
			T1:                100 * time.Millisecond,
			T2:                400 * time.Millisecond,
			RetransmitCeiling: 4,
			CompletedLinger:   500 * time.Millisecond,
		},
		DTMF: config.DTMFConfig{
			Mode:             config.DTMFModeRTPEvent,
			EventPayloadType: 101,
		},
		Policy: config.PolicyConfig{
			SpuriousBye: config.SpuriousByePolicy{Enabled: false},
		},
		Routing: config.RoutingConfig{
			DefaultPeer:   peer,
			MailboxPrefix: "*98",
		},
	}
}

func startTestEngine(t *testing.T, sipPort int, peer string) (*Engine, *events.Bus) {
	t.Helper()

	bus := events.NewBus(testLogger())
	t.Cleanup(bus.Close)

	pm := media.NewPortManager(42000, 42960)
	e := NewEngine(testEngineConfig(sipPort, peer), testLogger(), bus, pm, nil)
	require.NoError(t, e.Start())
	t.Cleanup(func() { e.Shutdown() })
	return e, bus
}

func callerInvite(callID, sdpAddr string, sdpPort int) []byte {
	body := strings.Join([]string{
		"v=0",
		"o=caller 1 1 IN IP4 " + sdpAddr,
		"s=-",
		"c=IN IP4 " + sdpAddr,
		"t=0 0",
		fmt.Sprintf("m=audio %d RTP/AVP 0 101", sdpPort),
		"a=rtpmap:0 PCMU/8000",
		"a=rtpmap:101 telephone-event/8000",
	}, "\r\n") + "\r\n"

	return []byte(strings.Join([]string{
		"INVITE sip:1234@pbx.test SIP/2.0",
		"Via: SIP/2.0/UDP " + sdpAddr + ";branch=z9hG4bK.caller1",
		"Max-Forwards: 70",
		"From: <sip:alice@pbx.test>;tag=caller-tag",
		"To: <sip:1234@pbx.test>",
		"Call-ID: " + callID,
		"CSeq: 1 INVITE",
		"Contact: <sip:alice@" + sdpAddr + ">",
		"Content-Type: application/sdp",
		fmt.Sprintf("Content-Length: %d", len(body)),
		"",
		body,
	}, "\r\n"))
}

func peerAnswer(t *testing.T, invite *Message, toTag, sdpAddr string, sdpPort int) []byte {
	t.Helper()

	body := strings.Join([]string{
		"v=0",
		"o=callee 1 1 IN IP4 " + sdpAddr,
		"s=-",
		"c=IN IP4 " + sdpAddr,
		"t=0 0",
		fmt.Sprintf("m=audio %d RTP/AVP 0", sdpPort),
		"a=rtpmap:0 PCMU/8000",
	}, "\r\n") + "\r\n"

	viaHeader, _ := invite.GetHeader("Via")
	fromHeader, _ := invite.GetHeader("From")
	toHeader, _ := invite.GetHeader("To")

	return []byte(strings.Join([]string{
		"SIP/2.0 200 OK",
		"Via: " + viaHeader,
		"From: " + fromHeader,
		"To: " + toHeader + ";tag=" + toTag,
		"Call-ID: " + invite.CallID,
		fmt.Sprintf("CSeq: %d INVITE", invite.CSeq),
		"Contact: <sip:callee@" + sdpAddr + ">",
		"Content-Type: application/sdp",
		fmt.Sprintf("Content-Length: %d", len(body)),
		"",
		body,
	}, "\r\n"))
}

func TestEngineAnswersOptions(t *testing.T) {
	const sipPort = 45810
	startTestEngine(t, sipPort, "127.0.0.1:45899")

	caller := newTestPeer(t)
	caller.send(fmt.Sprintf("127.0.0.1:%d", sipPort), []byte(strings.Join([]string{
		"OPTIONS sip:pbx.test SIP/2.0",
		"Via: SIP/2.0/UDP 127.0.0.1;branch=z9hG4bK.opts",
		"From: <sip:probe@pbx.test>;tag=p1",
		"To: <sip:pbx.test>",
		"Call-ID: opts-1",
		"CSeq: 1 OPTIONS",
		"Max-Forwards: 70",
		"Content-Length: 0",
		"",
		"",
	}, "\r\n")))

	resp := caller.read(2*time.Second, func(m *Message) bool { return m.IsResponse() })
	assert.Equal(t, 200, resp.StatusCode)

	allow, ok := resp.GetHeader("Allow")
	require.True(t, ok)
	assert.Contains(t, allow, "INVITE")
	assert.Contains(t, allow, "REFER")
}

func TestEngineRejectsInviteWithoutCodecOverlap(t *testing.T) {
	const sipPort = 45811
	startTestEngine(t, sipPort, "127.0.0.1:45899")

	caller := newTestPeer(t)
	sdp := "v=0\r\no=x 1 1 IN IP4 127.0.0.1\r\ns=-\r\nc=IN IP4 127.0.0.1\r\nt=0 0\r\nm=audio 4000 RTP/AVP 18\r\na=rtpmap:18 G729/8000\r\n"
	caller.send(fmt.Sprintf("127.0.0.1:%d", sipPort), []byte(strings.Join([]string{
		"INVITE sip:1234@pbx.test SIP/2.0",
		"Via: SIP/2.0/UDP 127.0.0.1;branch=z9hG4bK.nocodec",
		"From: <sip:alice@pbx.test>;tag=nc1",
		"To: <sip:1234@pbx.test>",
		"Call-ID: nocodec-1",
		"CSeq: 1 INVITE",
		"Max-Forwards: 70",
		"Content-Type: application/sdp",
		fmt.Sprintf("Content-Length: %d", len(sdp)),
		"",
		sdp,
	}, "\r\n")))

	resp := caller.read(2*time.Second, func(m *Message) bool {
		return m.IsResponse() && m.StatusCode >= 200
	})
	assert.Equal(t, 488, resp.StatusCode)
}

func TestEngineBridgesCallEndToEnd(t *testing.T) {
	const sipPort = 45812

	callee := newTestPeer(t)
	engine, _ := startTestEngine(t, sipPort, callee.addr())

	caller := newTestPeer(t)
	callerHost, _, err := net.SplitHostPort(caller.addr())
	require.NoError(t, err)

	engineAddr := fmt.Sprintf("127.0.0.1:%d", sipPort)
	caller.send(engineAddr, callerInvite("e2e-1", callerHost, 42990))

	// The exchange forwards an INVITE carrying its own session description
	outInvite := callee.read(2*time.Second, func(m *Message) bool {
		return m.IsRequest() && m.Method == "INVITE"
	})
	assert.NotEqual(t, "e2e-1", outInvite.CallID, "the two legs are separate dialogs")
	assert.Contains(t, string(outInvite.Body), "m=audio")

	callee.send(engineAddr, peerAnswer(t, outInvite, "callee-tag", "127.0.0.1", 42992))

	// The callee's answer is acknowledged
	ack := callee.read(2*time.Second, func(m *Message) bool {
		return m.IsRequest() && m.Method == "ACK"
	})
	assert.Equal(t, outInvite.CallID, ack.CallID)

	// The caller sees the answer with the exchange's own media address
	ok := caller.read(2*time.Second, func(m *Message) bool {
		return m.IsResponse() && m.StatusCode == 200
	})
	assert.Equal(t, "e2e-1", ok.CallID)
	assert.NotEmpty(t, ok.ToTag)
	desc, err := ParseDescription(ok.Body)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", desc.Addr)

	inbound, found := engine.Dialogs().Find("e2e-1")
	require.True(t, found)
	assert.Equal(t, StateConfirmed, inbound.State())

	// Hang up from the caller side; the exchange forwards the BYE
	caller.send(engineAddr, []byte(strings.Join([]string{
		"BYE sip:1234@pbx.test SIP/2.0",
		"Via: SIP/2.0/UDP " + callerHost + ";branch=z9hG4bK.callerbye",
		"From: <sip:alice@pbx.test>;tag=caller-tag",
		"To: <sip:1234@pbx.test>;tag=" + ok.ToTag,
		"Call-ID: e2e-1",
		"CSeq: 2 BYE",
		"Max-Forwards: 70",
		"Content-Length: 0",
		"",
		"",
	}, "\r\n")))

	byeOK := caller.read(2*time.Second, func(m *Message) bool {
		return m.IsResponse() && m.CSeqMethod == "BYE"
	})
	assert.Equal(t, 200, byeOK.StatusCode)

	outBye := callee.read(2*time.Second, func(m *Message) bool {
		return m.IsRequest() && m.Method == "BYE"
	})
	assert.Equal(t, outInvite.CallID, outBye.CallID)
}

func TestEngineCancelAbortsPendingCall(t *testing.T) {
	const sipPort = 45813

	callee := newTestPeer(t)
	_, _ = startTestEngine(t, sipPort, callee.addr())

	caller := newTestPeer(t)
	engineAddr := fmt.Sprintf("127.0.0.1:%d", sipPort)
	caller.send(engineAddr, callerInvite("cxl-1", "127.0.0.1", 42994))

	outInvite := callee.read(2*time.Second, func(m *Message) bool {
		return m.IsRequest() && m.Method == "INVITE"
	})

	caller.send(engineAddr, []byte(strings.Join([]string{
		"CANCEL sip:1234@pbx.test SIP/2.0",
		"Via: SIP/2.0/UDP 127.0.0.1;branch=z9hG4bK.caller1",
		"From: <sip:alice@pbx.test>;tag=caller-tag",
		"To: <sip:1234@pbx.test>",
		"Call-ID: cxl-1",
		"CSeq: 1 CANCEL",
		"Max-Forwards: 70",
		"Content-Length: 0",
		"",
		"",
	}, "\r\n")))

	sawCancelOK := false
	saw487 := false
	deadline := time.Now().Add(2 * time.Second)
	for (!sawCancelOK || !saw487) && time.Now().Before(deadline) {
		m := caller.read(2*time.Second, func(m *Message) bool { return m.IsResponse() })
		switch {
		case m.CSeqMethod == "CANCEL" && m.StatusCode == 200:
			sawCancelOK = true
		case m.CSeqMethod == "INVITE" && m.StatusCode == 487:
			saw487 = true
		}
	}
	assert.True(t, sawCancelOK, "CANCEL must be answered")
	assert.True(t, saw487, "the pending INVITE must be terminated")

	// The outbound leg is cancelled as well
	outCancel := callee.read(2*time.Second, func(m *Message) bool {
		return m.IsRequest() && m.Method == "CANCEL"
	})
	assert.Equal(t, outInvite.CallID, outCancel.CallID)
}
