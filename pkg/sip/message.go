package sip

import (
	"fmt"
	"strings"

	sipparser "github.com/emiago/sipgo/sip"

	"softswitch/pkg/metrics"
)

// MalformedMessageError reports a message rejected at the codec boundary.
// Req is non-nil when the start line parsed far enough to build a 400
// response; otherwise the message is dropped silently.
type MalformedMessageError struct {
	Reason string
	Req    *sipparser.Request
	cause  error
}

func (e *MalformedMessageError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("malformed message: %s: %v", e.Reason, e.cause)
	}
	return fmt.Sprintf("malformed message: %s", e.Reason)
}

func (e *MalformedMessageError) Unwrap() error { return e.cause }

// headerEntry preserves the original header name and arrival order
type headerEntry struct {
	Name  string
	Key   string
	Index int
}

// Message wraps one parsed SIP message. The header view is an ordered,
// case-insensitive multimap; unknown headers pass through untouched so
// extension headers survive the relay. A Message is not modified after
// parse.
type Message struct {
	Method      string
	RequestURI  string
	StatusCode  int
	Reason      string
	Version     string
	Headers     map[string][]string
	HeaderOrder []headerEntry
	ContentType string
	Body        []byte

	CallID     string
	FromTag    string
	ToTag      string
	CSeq       uint32
	CSeqMethod string
	Branch     string

	Source    string
	Transport string

	Parsed sipparser.Message
}

var wireParser = sipparser.NewParser()

// ParseMessage decodes raw wire bytes and validates the identification
// headers. Call-ID, CSeq and the Via branch drive transaction and dialog
// matching; a message missing any of them cannot be routed and is rejected
// here rather than half-processed upstream.
func ParseMessage(data []byte) (*Message, error) {
	parsed, err := wireParser.ParseSIP(data)
	if err != nil {
		metrics.RecordMalformed()
		return nil, &MalformedMessageError{Reason: "unparseable start line or headers", cause: err}
	}

	msg := wrapParsed(parsed)

	req, _ := parsed.(*sipparser.Request)
	if msg.CallID == "" {
		metrics.RecordMalformed()
		return nil, &MalformedMessageError{Reason: "missing Call-ID", Req: req}
	}
	if parsed.CSeq() == nil {
		metrics.RecordMalformed()
		return nil, &MalformedMessageError{Reason: "missing or invalid CSeq", Req: req}
	}
	if msg.Branch == "" {
		metrics.RecordMalformed()
		return nil, &MalformedMessageError{Reason: "missing Via branch", Req: req}
	}
	if req != nil && msg.CSeqMethod != msg.Method && msg.Method != "ACK" && msg.Method != "CANCEL" {
		metrics.RecordMalformed()
		return nil, &MalformedMessageError{Reason: "CSeq method does not match request method", Req: req}
	}

	return msg, nil
}

// wrapParsed builds the ordered header view over a sipgo message
func wrapParsed(parsed sipparser.Message) *Message {
	msg := &Message{
		Version:     "SIP/2.0",
		Headers:     make(map[string][]string),
		HeaderOrder: make([]headerEntry, 0, 16),
		Body:        append([]byte(nil), parsed.Body()...),
		Parsed:      parsed,
	}

	switch m := parsed.(type) {
	case *sipparser.Request:
		msg.Method = string(m.Method)
		msg.RequestURI = m.Recipient.String()
		msg.Version = m.SipVersion
	case *sipparser.Response:
		msg.StatusCode = int(m.StatusCode)
		msg.Reason = m.Reason
		msg.Version = m.SipVersion
	}

	if holder, ok := parsed.(interface{ Headers() []sipparser.Header }); ok {
		for _, h := range holder.Headers() {
			name := h.Name()
			key := strings.ToLower(name)
			value := h.Value()
			idx := len(msg.Headers[key])
			msg.Headers[key] = append(msg.Headers[key], value)
			msg.HeaderOrder = append(msg.HeaderOrder, headerEntry{Name: name, Key: key, Index: idx})

			if key == "content-type" {
				msg.ContentType = value
			}
		}
	}

	if callID := parsed.CallID(); callID != nil {
		msg.CallID = callID.Value()
	}
	if from := parsed.From(); from != nil && from.Params != nil {
		if tag, ok := from.Params.Get("tag"); ok {
			msg.FromTag = tag
		}
	}
	if to := parsed.To(); to != nil && to.Params != nil {
		if tag, ok := to.Params.Get("tag"); ok {
			msg.ToTag = tag
		}
	}
	if cseq := parsed.CSeq(); cseq != nil {
		msg.CSeq = cseq.SeqNo
		msg.CSeqMethod = string(cseq.MethodName)
	}
	if via := parsed.Via(); via != nil && via.Params != nil {
		if branch, ok := via.Params.Get("branch"); ok {
			msg.Branch = branch
		}
	}

	return msg
}

// WrapRequest builds the Message view over an already constructed request
func WrapRequest(req *sipparser.Request) *Message {
	return wrapParsed(req)
}

// WrapResponse builds the Message view over an already constructed response
func WrapResponse(resp *sipparser.Response) *Message {
	return wrapParsed(resp)
}

// IsRequest reports whether the message is a request
func (m *Message) IsRequest() bool {
	return m.Method != ""
}

// IsResponse reports whether the message is a response
func (m *Message) IsResponse() bool {
	return m.StatusCode != 0
}

// GetHeader returns the first value of a header, case-insensitively
func (m *Message) GetHeader(name string) (string, bool) {
	values := m.Headers[strings.ToLower(name)]
	if len(values) == 0 {
		return "", false
	}
	return values[0], true
}

// GetHeaders returns all values of a header in arrival order
func (m *Message) GetHeaders(name string) []string {
	return m.Headers[strings.ToLower(name)]
}

// Bytes serializes the message for the wire
func (m *Message) Bytes() []byte {
	if m.Parsed == nil {
		return nil
	}
	return []byte(m.Parsed.String())
}

// TransactionKey identifies the transaction a message belongs to
func (m *Message) TransactionKey() TransactionKey {
	method := m.Method
	if m.IsResponse() {
		method = m.CSeqMethod
	}
	return TransactionKey{
		Method: method,
		Branch: m.Branch,
		CallID: m.CallID,
		CSeq:   m.CSeq,
	}
}
