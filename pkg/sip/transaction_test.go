package sip

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSender captures everything the transaction layer transmits
type recordingSender struct {
	mu    sync.Mutex
	sends []recordedSend
	fail  bool
}

type recordedSend struct {
	transport string
	addr      string
	data      []byte
}

func (s *recordingSender) Send(transport, addr string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return fmt.Errorf("link down")
	}
	s.sends = append(s.sends, recordedSend{transport: transport, addr: addr, data: data})
	return nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sends)
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func fastTimers() SignalingTimers {
	return SignalingTimers{
		T1:      10 * time.Millisecond,
		T2:      40 * time.Millisecond,
		Ceiling: 3,
		Linger:  50 * time.Millisecond,
	}
}

func requestMessage(t *testing.T, method, branch, callID string, cseq uint32) *Message {
	t.Helper()

	raw := wireMessage(
		fmt.Sprintf("%s sip:bob@example.com SIP/2.0", method),
		fmt.Sprintf("Via: SIP/2.0/UDP 10.0.0.1:5060;branch=%s", branch),
		"From: <sip:alice@example.com>;tag=ft",
		"To: <sip:bob@example.com>",
		fmt.Sprintf("Call-ID: %s", callID),
		fmt.Sprintf("CSeq: %d %s", cseq, method),
		"Max-Forwards: 70",
		"Content-Length: 0",
	)
	msg, err := ParseMessage(raw)
	require.NoError(t, err)
	return msg
}

func responseFor(t *testing.T, req *Message, code int, reason, toTag string) *Message {
	t.Helper()

	lines := []string{
		fmt.Sprintf("SIP/2.0 %d %s", code, reason),
		fmt.Sprintf("Via: SIP/2.0/UDP 10.0.0.1:5060;branch=%s", req.Branch),
		"From: <sip:alice@example.com>;tag=ft",
	}
	if toTag != "" {
		lines = append(lines, fmt.Sprintf("To: <sip:bob@example.com>;tag=%s", toTag))
	} else {
		lines = append(lines, "To: <sip:bob@example.com>")
	}
	lines = append(lines,
		fmt.Sprintf("Call-ID: %s", req.CallID),
		fmt.Sprintf("CSeq: %d %s", req.CSeq, req.Method),
		"Content-Length: 0",
	)

	msg, err := ParseMessage(wireMessage(lines...))
	require.NoError(t, err)
	return msg
}

func TestClientTransactionRetransmitsOverUDP(t *testing.T) {
	sender := &recordingSender{}
	tm := NewTransactionManager(testLogger(), sender, fastTimers())
	defer tm.Shutdown()

	msg := requestMessage(t, "INVITE", "z9hG4bK.retr", "call-retr", 1)
	_, err := tm.SendRequest(msg, "udp", "10.0.0.2:5060")
	require.NoError(t, err)

	time.Sleep(25 * time.Millisecond)
	assert.GreaterOrEqual(t, sender.count(), 2, "request should have been retransmitted")
}

func TestResponseStopsRetransmission(t *testing.T) {
	sender := &recordingSender{}
	tm := NewTransactionManager(testLogger(), sender, fastTimers())
	defer tm.Shutdown()

	msg := requestMessage(t, "INVITE", "z9hG4bK.stop", "call-stop", 1)
	tx, err := tm.SendRequest(msg, "udp", "10.0.0.2:5060")
	require.NoError(t, err)

	var responses []int
	tx.OnResponse = func(_ *Transaction, resp *Message) {
		responses = append(responses, resp.StatusCode)
	}

	assert.True(t, tm.HandleResponse(responseFor(t, msg, 180, "Ringing", "bt")))
	assert.Equal(t, TxProceeding, tx.State())

	before := sender.count()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, before, sender.count(), "no retransmits after a response")

	assert.True(t, tm.HandleResponse(responseFor(t, msg, 200, "OK", "bt")))
	assert.Equal(t, TxCompleted, tx.State())
	assert.Equal(t, []int{180, 200}, responses)
}

func TestRetransmittedFinalIsAbsorbed(t *testing.T) {
	sender := &recordingSender{}
	tm := NewTransactionManager(testLogger(), sender, fastTimers())
	defer tm.Shutdown()

	msg := requestMessage(t, "INVITE", "z9hG4bK.dup", "call-dup", 1)
	tx, err := tm.SendRequest(msg, "udp", "10.0.0.2:5060")
	require.NoError(t, err)

	finals := 0
	tx.OnResponse = func(_ *Transaction, resp *Message) {
		if resp.StatusCode >= 200 {
			finals++
		}
	}

	ok := responseFor(t, msg, 200, "OK", "bt")
	tm.HandleResponse(ok)
	tm.HandleResponse(ok)
	tm.HandleResponse(ok)

	assert.Equal(t, 1, finals, "retransmitted finals must not re-notify the owner")
}

func TestRetransmitCeilingTimesOut(t *testing.T) {
	sender := &recordingSender{}
	tm := NewTransactionManager(testLogger(), sender, fastTimers())
	defer tm.Shutdown()

	msg := requestMessage(t, "INVITE", "z9hG4bK.dead", "call-dead", 1)
	tx, err := tm.SendRequest(msg, "udp", "10.0.0.2:5060")
	require.NoError(t, err)

	timedOut := make(chan struct{})
	tx.OnTimeout = func(_ *Transaction) { close(timedOut) }

	select {
	case <-timedOut:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("retransmit ceiling never fired")
	}

	assert.Equal(t, TxTerminated, tx.State())
	assert.Equal(t, 0, tm.Len())
}

func TestTCPRequestsAreNotRetransmitted(t *testing.T) {
	sender := &recordingSender{}
	tm := NewTransactionManager(testLogger(), sender, fastTimers())
	defer tm.Shutdown()

	msg := requestMessage(t, "BYE", "z9hG4bK.tcp", "call-tcp", 2)
	_, err := tm.SendRequest(msg, "tcp", "10.0.0.2:5060")
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, 1, sender.count())
}

func TestDuplicateClientTransactionRejected(t *testing.T) {
	sender := &recordingSender{}
	tm := NewTransactionManager(testLogger(), sender, fastTimers())
	defer tm.Shutdown()

	msg := requestMessage(t, "INVITE", "z9hG4bK.twice", "call-twice", 1)
	_, err := tm.SendRequest(msg, "udp", "10.0.0.2:5060")
	require.NoError(t, err)

	_, err = tm.SendRequest(msg, "udp", "10.0.0.2:5060")
	assert.Error(t, err)
}

func TestSendFailureRemovesTransaction(t *testing.T) {
	sender := &recordingSender{fail: true}
	tm := NewTransactionManager(testLogger(), sender, fastTimers())
	defer tm.Shutdown()

	msg := requestMessage(t, "INVITE", "z9hG4bK.fail", "call-fail", 1)
	_, err := tm.SendRequest(msg, "udp", "10.0.0.2:5060")
	assert.Error(t, err)
	assert.Equal(t, 0, tm.Len())
}

func TestResponseWithoutTransactionIsDropped(t *testing.T) {
	sender := &recordingSender{}
	tm := NewTransactionManager(testLogger(), sender, fastTimers())
	defer tm.Shutdown()

	req := requestMessage(t, "INVITE", "z9hG4bK.ghost", "call-ghost", 1)
	assert.False(t, tm.HandleResponse(responseFor(t, req, 200, "OK", "bt")))
}

func TestServerTransactionReplaysLastResponse(t *testing.T) {
	sender := &recordingSender{}
	tm := NewTransactionManager(testLogger(), sender, fastTimers())
	defer tm.Shutdown()

	msg := requestMessage(t, "INVITE", "z9hG4bK.srv", "call-srv", 1)
	msg.Source = "10.0.0.9:5060"
	msg.Transport = "udp"

	tx, fresh := tm.OnServerRequest(msg)
	require.True(t, fresh)

	tm.RecordServerResponse(tx, 200, []byte("SIP/2.0 200 OK\r\n\r\n"))
	assert.Equal(t, TxCompleted, tx.State())

	// A retransmitted request gets the stored response without reprocessing
	again, fresh := tm.OnServerRequest(msg)
	assert.False(t, fresh)
	assert.Same(t, tx, again)
	assert.Equal(t, 1, sender.count())
	assert.Equal(t, "10.0.0.9:5060", sender.sends[0].addr)
}

func TestCancelSendsCancelForPendingTransaction(t *testing.T) {
	sender := &recordingSender{}
	tm := NewTransactionManager(testLogger(), sender, fastTimers())
	defer tm.Shutdown()

	msg := requestMessage(t, "INVITE", "z9hG4bK.cxl", "call-cxl", 1)
	tx, err := tm.SendRequest(msg, "udp", "10.0.0.2:5060")
	require.NoError(t, err)

	tm.Cancel(tx)
	assert.Equal(t, TxTerminated, tx.State())
	assert.Equal(t, 0, tm.Len())

	require.GreaterOrEqual(t, sender.count(), 2)
	sender.mu.Lock()
	last := string(sender.sends[len(sender.sends)-1].data)
	sender.mu.Unlock()
	assert.Contains(t, last, "CANCEL sip:")

	// Cancel after completion is a no-op
	tm.Cancel(tx)
}
