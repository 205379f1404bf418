package sip

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wireMessage(lines ...string) []byte {
	return []byte(strings.Join(lines, "\r\n") + "\r\n\r\n")
}

func sampleInvite(t *testing.T) *Message {
	t.Helper()

	body := "v=0\r\no=- 1 1 IN IP4 10.0.0.1\r\ns=call\r\nc=IN IP4 10.0.0.1\r\nt=0 0\r\nm=audio 4000 RTP/AVP 0\r\n"
	raw := wireMessage(
		"INVITE sip:bob@example.com SIP/2.0",
		"Via: SIP/2.0/UDP 10.0.0.1:5060;branch=z9hG4bK776asdhds",
		"Max-Forwards: 70",
		"From: \"Alice\" <sip:alice@example.com>;tag=1928301774",
		"To: <sip:bob@example.com>",
		"Call-ID: a84b4c76e66710",
		"CSeq: 314159 INVITE",
		"Contact: <sip:alice@10.0.0.1:5060>",
		"Content-Type: application/sdp",
		fmt.Sprintf("Content-Length: %d", len(body)),
	)
	raw = append(raw, []byte(body)...)

	msg, err := ParseMessage(raw)
	require.NoError(t, err)
	return msg
}

func TestParseRequest(t *testing.T) {
	msg := sampleInvite(t)

	assert.True(t, msg.IsRequest())
	assert.False(t, msg.IsResponse())
	assert.Equal(t, "INVITE", msg.Method)
	assert.Equal(t, "a84b4c76e66710", msg.CallID)
	assert.Equal(t, "1928301774", msg.FromTag)
	assert.Empty(t, msg.ToTag)
	assert.Equal(t, uint32(314159), msg.CSeq)
	assert.Equal(t, "INVITE", msg.CSeqMethod)
	assert.Equal(t, "z9hG4bK776asdhds", msg.Branch)
	assert.Equal(t, "application/sdp", msg.ContentType)
	assert.Contains(t, string(msg.Body), "m=audio 4000")
}

func TestParseResponse(t *testing.T) {
	raw := wireMessage(
		"SIP/2.0 200 OK",
		"Via: SIP/2.0/UDP 10.0.0.1:5060;branch=z9hG4bK776asdhds",
		"From: <sip:alice@example.com>;tag=1928301774",
		"To: <sip:bob@example.com>;tag=as83kd9bs",
		"Call-ID: a84b4c76e66710",
		"CSeq: 314159 INVITE",
		"Content-Length: 0",
	)

	msg, err := ParseMessage(raw)
	require.NoError(t, err)

	assert.True(t, msg.IsResponse())
	assert.Equal(t, 200, msg.StatusCode)
	assert.Equal(t, "OK", msg.Reason)
	assert.Equal(t, "as83kd9bs", msg.ToTag)

	// Responses match their transaction through the CSeq method
	key := msg.TransactionKey()
	assert.Equal(t, "INVITE", key.Method)
	assert.Equal(t, "z9hG4bK776asdhds", key.Branch)
	assert.Equal(t, "a84b4c76e66710", key.CallID)
	assert.Equal(t, uint32(314159), key.CSeq)
}

func TestParseRejectsMissingCallID(t *testing.T) {
	raw := wireMessage(
		"BYE sip:bob@example.com SIP/2.0",
		"Via: SIP/2.0/UDP 10.0.0.1:5060;branch=z9hG4bKabc",
		"From: <sip:alice@example.com>;tag=77",
		"To: <sip:bob@example.com>;tag=88",
		"CSeq: 2 BYE",
		"Content-Length: 0",
	)

	_, err := ParseMessage(raw)
	require.Error(t, err)

	var mfe *MalformedMessageError
	require.ErrorAs(t, err, &mfe)
	assert.Contains(t, mfe.Reason, "Call-ID")
}

func TestParseRejectsMissingCSeq(t *testing.T) {
	raw := wireMessage(
		"BYE sip:bob@example.com SIP/2.0",
		"Via: SIP/2.0/UDP 10.0.0.1:5060;branch=z9hG4bKabc",
		"From: <sip:alice@example.com>;tag=77",
		"To: <sip:bob@example.com>;tag=88",
		"Call-ID: xyz",
		"Content-Length: 0",
	)

	_, err := ParseMessage(raw)
	var mfe *MalformedMessageError
	require.ErrorAs(t, err, &mfe)
	assert.Contains(t, mfe.Reason, "CSeq")
}

func TestParseRejectsMissingViaBranch(t *testing.T) {
	raw := wireMessage(
		"BYE sip:bob@example.com SIP/2.0",
		"Via: SIP/2.0/UDP 10.0.0.1:5060",
		"From: <sip:alice@example.com>;tag=77",
		"To: <sip:bob@example.com>;tag=88",
		"Call-ID: xyz",
		"CSeq: 2 BYE",
		"Content-Length: 0",
	)

	_, err := ParseMessage(raw)
	var mfe *MalformedMessageError
	require.ErrorAs(t, err, &mfe)
	assert.Contains(t, mfe.Reason, "branch")
}

func TestParseRejectsCSeqMethodMismatch(t *testing.T) {
	raw := wireMessage(
		"INVITE sip:bob@example.com SIP/2.0",
		"Via: SIP/2.0/UDP 10.0.0.1:5060;branch=z9hG4bKabc",
		"From: <sip:alice@example.com>;tag=77",
		"To: <sip:bob@example.com>",
		"Call-ID: xyz",
		"CSeq: 2 BYE",
		"Content-Length: 0",
	)

	_, err := ParseMessage(raw)
	var mfe *MalformedMessageError
	require.ErrorAs(t, err, &mfe)
	assert.Contains(t, mfe.Reason, "CSeq method")
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := ParseMessage([]byte("this is not a sip message\r\n\r\n"))
	var mfe *MalformedMessageError
	require.ErrorAs(t, err, &mfe)
}

func TestGetHeaderIsCaseInsensitive(t *testing.T) {
	msg := sampleInvite(t)

	v, ok := msg.GetHeader("call-id")
	assert.True(t, ok)
	assert.Equal(t, "a84b4c76e66710", v)

	v, ok = msg.GetHeader("Call-ID")
	assert.True(t, ok)
	assert.Equal(t, "a84b4c76e66710", v)

	_, ok = msg.GetHeader("X-Nope")
	assert.False(t, ok)
}

func TestTransactionKeyForRequest(t *testing.T) {
	msg := sampleInvite(t)

	key := msg.TransactionKey()
	assert.Equal(t, "INVITE", key.Method)
	assert.Equal(t, "z9hG4bK776asdhds", key.Branch)
	assert.NotEmpty(t, key.String())
}

func TestBytesRoundTrips(t *testing.T) {
	msg := sampleInvite(t)

	out := msg.Bytes()
	require.NotEmpty(t, out)

	again, err := ParseMessage(out)
	require.NoError(t, err)
	assert.Equal(t, msg.CallID, again.CallID)
	assert.Equal(t, msg.CSeq, again.CSeq)
	assert.Equal(t, msg.Branch, again.Branch)
}
