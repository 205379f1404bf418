package sip

import (
	"fmt"
	"net"
	"strings"
	"sync"

	sipparser "github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"softswitch/pkg/config"
	"softswitch/pkg/errors"
	"softswitch/pkg/events"
	"softswitch/pkg/media"
)

// RouteFunc decides where a new call goes: it maps the inbound request to
// the next-hop signaling address. The default routes everything to the
// configured static peer; a directory service can be plugged in here.
type RouteFunc func(callID, requestURI, fromUser string) (dest string, transport string, err error)

// StaticRoute routes every call to one peer
func StaticRoute(peer string) RouteFunc {
	return func(callID, requestURI, fromUser string) (string, string, error) {
		if peer == "" {
			return "", "", errors.New("no route configured")
		}
		return peer, "udp", nil
	}
}

const allowedMethods = "INVITE, ACK, BYE, CANCEL, OPTIONS, PRACK, UPDATE, INFO, REFER, SUBSCRIBE, NOTIFY, PUBLISH, MESSAGE"

// Engine is the call-control core: a back-to-back user agent joining each
// inbound call leg to an outbound leg through the media relay.
type Engine struct {
	cfg       *config.Config
	logger    *logrus.Logger
	transport *Transport
	tm        *TransactionManager
	dialogs   *DialogManager
	portMgr   *media.PortManager
	bus       *events.Bus
	route     RouteFunc

	advertised string

	// bridges is keyed by the Call-ID of both legs
	bridges *Registry[*bridge]
}

// bridge joins the two legs of one call
type bridge struct {
	mu sync.Mutex

	inbound  *Dialog
	outbound *Dialog

	relay *media.RelayContext
	dtmf  *media.DTMFInterworker

	inboundTx     *Transaction
	inboundInvite *Message
	outboundTx    *Transaction

	aCodec   *media.Codec
	aOffer   CodecOffer
	aEventPT uint8
	bEventPT uint8

	ringing bool
	done    bool
}

// NewEngine wires the call-control core together
func NewEngine(cfg *config.Config, logger *logrus.Logger, bus *events.Bus, portMgr *media.PortManager, route RouteFunc) *Engine {
	e := &Engine{
		cfg:     cfg,
		logger:  logger,
		dialogs: NewDialogManager(logger, bus),
		portMgr: portMgr,
		bus:     bus,
		route:   route,
		bridges: NewRegistry[*bridge](32),
	}

	if e.route == nil {
		e.route = StaticRoute(cfg.Routing.DefaultPeer)
	}
	e.advertised = advertisedIP(cfg)

	e.transport = NewTransport(logger, cfg.Network.Host, cfg.Network.UDPPort, cfg.Network.TCPPort, cfg.Network.EnableTCP)
	e.transport.OnMessage(e.handleMessage)
	e.transport.OnMalformed(e.handleMalformed)

	e.tm = NewTransactionManager(logger, e.transport, SignalingTimers{
		T1:      cfg.Signaling.T1,
		T2:      cfg.Signaling.T2,
		Ceiling: cfg.Signaling.RetransmitCeiling,
		Linger:  cfg.Signaling.CompletedLinger,
	})

	return e
}

// advertisedIP picks the address placed in Via, Contact and SDP
func advertisedIP(cfg *config.Config) string {
	if cfg.Network.ExternalIP != "" {
		return cfg.Network.ExternalIP
	}
	if cfg.Network.Host != "" && cfg.Network.Host != "0.0.0.0" && cfg.Network.Host != "::" {
		return cfg.Network.Host
	}
	if addrs, err := net.InterfaceAddrs(); err == nil {
		for _, addr := range addrs {
			if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() && ipNet.IP.To4() != nil {
				return ipNet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

// Start binds the signaling sockets
func (e *Engine) Start() error {
	return e.transport.Start()
}

// Shutdown tears all calls down and closes the listeners
func (e *Engine) Shutdown() error {
	e.bridges.Range(func(_ string, br *bridge) bool {
		e.teardownBridge(br, "shutdown")
		return true
	})
	e.tm.Shutdown()
	return e.transport.Close()
}

// Dialogs exposes the dialog table for introspection
func (e *Engine) Dialogs() *DialogManager { return e.dialogs }

func (e *Engine) handleMessage(msg *Message) {
	if msg.IsResponse() {
		e.tm.HandleResponse(msg)
		return
	}

	switch msg.Method {
	case "ACK":
		e.handleAck(msg)
		return
	case "CANCEL":
		tx, fresh := e.tm.OnServerRequest(msg)
		if fresh {
			e.handleCancel(msg, tx)
		}
		return
	}

	tx, fresh := e.tm.OnServerRequest(msg)
	if !fresh {
		return
	}

	switch msg.Method {
	case "INVITE":
		e.handleInvite(msg, tx)
	case "BYE":
		e.handleBye(msg, tx)
	case "OPTIONS":
		e.handleOptions(msg, tx)
	case "INFO":
		e.handleInfo(msg, tx)
	case "UPDATE":
		e.handleUpdate(msg, tx)
	case "PRACK", "NOTIFY", "PUBLISH":
		e.respond(tx, msg, 200, "OK", nil, "", nil)
	case "SUBSCRIBE":
		e.respond(tx, msg, 200, "OK", nil, "", map[string]string{"Expires": "3600"})
	case "REFER":
		e.handleRefer(msg, tx)
	case "MESSAGE":
		e.handleInstantMessage(msg, tx)
	default:
		e.respond(tx, msg, 405, "Method Not Allowed", nil, "", map[string]string{"Allow": allowedMethods})
	}
}

// handleMalformed answers 400 when enough of the request parsed to address
// a response
func (e *Engine) handleMalformed(mfe *MalformedMessageError, source, transport string) {
	if mfe.Req == nil {
		return
	}
	resp := sipparser.NewResponseFromRequest(mfe.Req, 400, "Bad Request", nil)
	if err := e.transport.Send(transport, source, []byte(resp.String())); err != nil {
		e.logger.WithError(err).Debug("400 response send failed")
	}
}

// respond builds and sends a response within a server transaction
func (e *Engine) respond(tx *Transaction, req *Message, code int, reason string, body []byte, toTag string, headers map[string]string) {
	parsedReq, ok := req.Parsed.(*sipparser.Request)
	if !ok {
		return
	}

	resp := sipparser.NewResponseFromRequest(parsedReq, sipparser.StatusCode(code), reason, body)

	if toTag != "" && code != 100 {
		if to := resp.To(); to != nil {
			if to.Params == nil {
				to.Params = sipparser.NewParams()
			}
			if _, has := to.Params.Get("tag"); !has {
				to.Params.Add("tag", toTag)
			}
		}
	}
	if len(body) > 0 && len(resp.GetHeaders("Content-Type")) == 0 {
		resp.AppendHeader(sipparser.NewHeader("Content-Type", "application/sdp"))
	}
	for name, value := range headers {
		resp.AppendHeader(sipparser.NewHeader(name, value))
	}

	data := []byte(resp.String())
	if err := e.transport.Send(req.Transport, req.Source, data); err != nil {
		e.logger.WithError(err).WithFields(logrus.Fields{
			"code":    code,
			"call_id": req.CallID,
		}).Warn("Response send failed")
		return
	}
	e.tm.RecordServerResponse(tx, code, data)
}

// handleInvite processes both initial INVITEs and in-dialog re-INVITEs
func (e *Engine) handleInvite(msg *Message, tx *Transaction) {
	if msg.ToTag != "" {
		e.handleReinvite(msg, tx)
		return
	}

	logger := e.logger.WithFields(logrus.Fields{
		"call_id": msg.CallID,
		"from":    msg.FromTag,
		"uri":     msg.RequestURI,
	})

	if _, exists := e.dialogs.Find(msg.CallID); exists {
		e.respond(tx, msg, 482, "Loop Detected", nil, "", nil)
		return
	}

	localTag := uuid.NewString()[:8]
	e.respond(tx, msg, 100, "Trying", nil, "", nil)

	offer, err := ParseDescription(msg.Body)
	if err != nil {
		logger.WithError(err).Warn("Rejecting INVITE with unusable session description")
		e.respond(tx, msg, 488, "Not Acceptable Here", nil, localTag, nil)
		return
	}

	aCodec, aOffer, err := Negotiate(e.cfg.Media.CodecPriority, offer)
	if err != nil {
		logger.WithError(err).Warn("No codec overlap with caller")
		e.respond(tx, msg, 488, "Not Acceptable Here", nil, localTag, nil)
		return
	}

	inbound := e.dialogs.Create(msg.CallID, localTag, msg.FromTag, RoleUAS)
	inbound.PeerAddr = msg.Source
	inbound.PeerTransport = msg.Transport
	inbound.SeedLocalCSeq(msg.CSeq)
	inbound.UpdateRemoteCSeq(msg.CSeq)
	inbound.MailboxAccess = e.isMailboxCall(msg.RequestURI)
	if err := inbound.Fire(EventOffer, ""); err != nil {
		logger.WithError(err).Error("Dialog refused offer")
	}

	br := &bridge{
		inbound:       inbound,
		inboundTx:     tx,
		inboundInvite: msg,
		aCodec:        aCodec,
		aOffer:        aOffer,
		aEventPT:      offer.EventPT,
	}

	br.dtmf = media.NewDTMFInterworker(e.logger, e.cfg.DTMF.Mode == config.DTMFModeInband, func(digit byte, source events.DigitSource) {
		e.bus.Publish(events.Event{
			Kind:        events.KindDigit,
			CallID:      msg.CallID,
			Digit:       string(digit),
			DigitSource: source,
		})
	})

	// Ports must be allocated now so the outbound offer can name them; the
	// forwarding loops stay parked until an answer calls relay.Start()
	relay, err := media.NewRelayContext(e.logger, media.RelayConfig{
		BindIP:           e.cfg.Media.BindIP,
		LearningDeadline: e.cfg.Media.LearningDeadline,
		MinPacketSize:    e.cfg.Media.MinPacketSize,
		InbandDTMF:       e.cfg.DTMF.Mode == config.DTMFModeInband,
	}, e.portMgr, e.bus, msg.CallID, br.dtmf)
	if err != nil {
		logger.WithError(err).Error("Relay allocation failed")
		e.respond(tx, msg, 503, "Service Unavailable", nil, localTag, nil)
		e.failDialog(inbound, "relay-unavailable")
		return
	}
	br.relay = relay

	if declared, err := offer.RemoteAddr(); err == nil {
		relay.SetRemote(media.LegA, declared, aCodec, offer.EventPT)
	} else {
		logger.WithError(err).Info("Caller media address unresolvable, relying on learning")
		relay.SetRemote(media.LegA, nil, aCodec, offer.EventPT)
	}

	e.bus.Publish(events.Event{
		Kind:   events.KindCodecSelected,
		CallID: msg.CallID,
		Codec:  fmt.Sprintf("%s/%d", aCodec.Name, aCodec.ClockRate),
	})

	e.bridges.Store(msg.CallID, br)

	if err := e.startOutboundLeg(br, msg); err != nil {
		logger.WithError(err).Error("Outbound leg setup failed")
		e.respond(tx, msg, 502, "Bad Gateway", nil, localTag, nil)
		e.teardownBridge(br, "route-failure")
	}
}

func (e *Engine) isMailboxCall(requestURI string) bool {
	prefix := e.cfg.Routing.MailboxPrefix
	if prefix == "" {
		return false
	}
	user := requestURI
	if _, rest, ok := strings.Cut(requestURI, ":"); ok {
		user = rest
	}
	if u, _, ok := strings.Cut(user, "@"); ok {
		user = u
	}
	return strings.HasPrefix(user, prefix)
}

// startOutboundLeg routes the call and opens leg B
func (e *Engine) startOutboundLeg(br *bridge, invite *Message) error {
	fromUser := ""
	if from := invite.Parsed.From(); from != nil {
		fromUser = from.Address.User
	}

	dest, transport, err := e.route(invite.CallID, invite.RequestURI, fromUser)
	if err != nil {
		return err
	}

	outCallID := uuid.NewString()
	localTag := uuid.NewString()[:8]

	outbound := e.dialogs.Create(outCallID, localTag, "", RoleUAC)
	outbound.PeerAddr = dest
	outbound.PeerTransport = transport
	outbound.MailboxAccess = br.inbound.MailboxAccess
	if err := outbound.Fire(EventOffer, ""); err != nil {
		e.logger.WithError(err).Error("Outbound dialog refused offer")
	}
	br.outbound = outbound
	e.bridges.Store(outCallID, br)

	trunkPriority := e.cfg.Media.TrunkCodecPriority
	if len(trunkPriority) == 0 {
		trunkPriority = e.cfg.Media.CodecPriority
	}
	var offerCodecs []*media.Codec
	for _, name := range trunkPriority {
		base, _, _ := strings.Cut(name, "/")
		if c, ok := media.LookupByName(base, 0); ok {
			offerCodecs = append(offerCodecs, c)
		}
	}
	if len(offerCodecs) == 0 {
		offerCodecs = []*media.Codec{br.aCodec}
	}

	br.bEventPT = e.cfg.DTMF.EventPayloadType
	body, err := BuildOffer(e.advertised, br.relay.LocalPorts(media.LegB).RTP, offerCodecs, br.bEventPT)
	if err != nil {
		return err
	}

	var recipient sipparser.Uri
	target := invite.RequestURI
	if !strings.Contains(target, "@") {
		target = fmt.Sprintf("sip:%s", dest)
	}
	if err := sipparser.ParseUri(target, &recipient); err != nil {
		return errors.Wrap(err, "unroutable request URI")
	}

	req := sipparser.NewRequest(sipparser.INVITE, recipient)

	via := &sipparser.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       strings.ToUpper(transport),
		Host:            e.advertised,
		Port:            e.cfg.Network.UDPPort,
		Params:          sipparser.NewParams(),
	}
	via.Params.Add("branch", "z9hG4bK."+uuid.NewString())
	req.AppendHeader(via)

	from := &sipparser.FromHeader{
		Address: sipparser.Uri{Scheme: "sip", User: fromUser, Host: e.advertised},
		Params:  sipparser.NewParams(),
	}
	from.Params.Add("tag", localTag)
	req.AppendHeader(from)
	req.AppendHeader(&sipparser.ToHeader{Address: recipient})

	callID := sipparser.CallIDHeader(outCallID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sipparser.CSeqHeader{SeqNo: outbound.NextLocalCSeq(), MethodName: sipparser.INVITE})
	maxFwd := sipparser.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(&sipparser.ContactHeader{
		Address: sipparser.Uri{Scheme: "sip", User: "softswitch", Host: e.advertised, Port: e.cfg.Network.UDPPort},
	})
	req.AppendHeader(sipparser.NewHeader("Content-Type", "application/sdp"))
	req.SetBody(body)

	outMsg := WrapRequest(req)
	clientTx, err := e.tm.SendRequest(outMsg, transport, dest)
	if err != nil {
		return err
	}
	clientTx.OnResponse = func(_ *Transaction, resp *Message) { e.onOutboundResponse(br, resp) }
	clientTx.OnTimeout = func(_ *Transaction) { e.onOutboundTimeout(br) }
	br.outboundTx = clientTx

	return nil
}

// onOutboundResponse drives the bridge forward as leg B answers
func (e *Engine) onOutboundResponse(br *bridge, resp *Message) {
	br.mu.Lock()
	if br.done {
		br.mu.Unlock()
		return
	}
	br.mu.Unlock()

	logger := e.logger.WithFields(logrus.Fields{
		"call_id": br.inbound.CallID,
		"status":  resp.StatusCode,
	})

	switch {
	case resp.StatusCode == 100:

	case resp.StatusCode < 200:
		e.relayProvisional(br, resp, logger)

	case resp.StatusCode < 300:
		e.completeBridge(br, resp, logger)

	default:
		logger.Info("Callee rejected the call")
		localTag := br.inbound.LocalTag
		e.respond(br.inboundTx, br.inboundInvite, resp.StatusCode, resp.Reason, nil, localTag, nil)
		if br.outbound.RemoteTag == "" {
			br.outbound.RemoteTag = resp.ToTag
		}
		e.ackFinal(br, resp)
		e.failDialog(br.inbound, "rejected")
		e.failDialog(br.outbound, "rejected")
		e.teardownBridge(br, "rejected")
	}
}

func (e *Engine) relayProvisional(br *bridge, resp *Message, logger *logrus.Entry) {
	var answerBody []byte

	// Early media: the callee's 183 carries an answer; wire leg B up and
	// give the caller our own early answer
	if len(resp.Body) > 0 {
		if answer, err := ParseDescription(resp.Body); err == nil {
			if bCodec, _, err := Negotiate(e.cfg.Media.CodecPriority, answer); err == nil {
				if declared, err := answer.RemoteAddr(); err == nil {
					br.relay.SetRemote(media.LegB, declared, bCodec, answer.EventPT)
				}
				br.relay.Start()

				body, err := BuildAnswer(e.advertised, br.relay.LocalPorts(media.LegA).RTP, br.aCodec, br.aEventPT)
				if err == nil {
					answerBody = body
				}

				if br.inbound.CanFire(EventProgress) {
					br.inbound.Fire(EventProgress, "early-media")
				}
				if br.outbound.CanFire(EventProgress) {
					br.outbound.Fire(EventProgress, "early-media")
				}
			}
		}
	}

	br.mu.Lock()
	alreadyRinging := br.ringing
	br.ringing = true
	br.mu.Unlock()

	if alreadyRinging && answerBody == nil {
		return
	}

	e.respond(br.inboundTx, br.inboundInvite, resp.StatusCode, resp.Reason, answerBody, br.inbound.LocalTag, nil)
	logger.Debug("Relayed provisional response")
}

// completeBridge finishes call setup when leg B answers with 2xx
func (e *Engine) completeBridge(br *bridge, resp *Message, logger *logrus.Entry) {
	answer, err := ParseDescription(resp.Body)
	if err != nil {
		logger.WithError(err).Warn("Callee answer has unusable session description")
		e.respond(br.inboundTx, br.inboundInvite, 502, "Bad Gateway", nil, br.inbound.LocalTag, nil)
		e.ackFinal(br, resp)
		e.hangupOutbound(br, "bad-answer")
		e.failDialog(br.inbound, "bad-answer")
		e.teardownBridge(br, "bad-answer")
		return
	}

	bCodec, _, err := Negotiate(e.cfg.Media.CodecPriority, answer)
	if err != nil {
		logger.WithError(err).Warn("Callee answer offers no usable codec")
		e.respond(br.inboundTx, br.inboundInvite, 488, "Not Acceptable Here", nil, br.inbound.LocalTag, nil)
		e.ackFinal(br, resp)
		e.hangupOutbound(br, "no-codec")
		e.failDialog(br.inbound, "no-codec")
		e.teardownBridge(br, "no-codec")
		return
	}

	br.outbound.RemoteTag = resp.ToTag
	if contact, ok := resp.GetHeader("Contact"); ok {
		br.outbound.RemoteTarget = contact
	}

	if declared, err := answer.RemoteAddr(); err == nil {
		br.relay.SetRemote(media.LegB, declared, bCodec, answer.EventPT)
	} else {
		br.relay.SetRemote(media.LegB, nil, bCodec, answer.EventPT)
	}
	br.relay.Start()

	e.ackFinal(br, resp)

	answerBody, err := BuildAnswer(e.advertised, br.relay.LocalPorts(media.LegA).RTP, br.aCodec, br.aEventPT)
	if err != nil {
		logger.WithError(err).Error("Failed to build answer for caller")
		answerBody = nil
	}
	e.respond(br.inboundTx, br.inboundInvite, 200, "OK", answerBody, br.inbound.LocalTag, nil)

	if br.outbound.CanFire(EventAnswer) {
		br.outbound.Fire(EventAnswer, "")
	}
	if br.inbound.CanFire(EventAnswer) {
		br.inbound.Fire(EventAnswer, "")
	}
	br.inbound.MarkAnswered()
	br.outbound.MarkAnswered()

	logger.WithFields(logrus.Fields{
		"caller_codec": br.aCodec.Name,
		"callee_codec": bCodec.Name,
	}).Info("Call established")
}

// ackFinal acknowledges a final response on the outbound leg
func (e *Engine) ackFinal(br *bridge, resp *Message) {
	tx := br.outboundTx
	if tx == nil || tx.origRequest == nil {
		return
	}
	orig := tx.origRequest

	recipient := orig.Recipient
	if contact, ok := resp.GetHeader("Contact"); ok {
		uri := contact
		if i := strings.IndexByte(uri, '<'); i >= 0 {
			if j := strings.IndexByte(uri, '>'); j > i {
				uri = uri[i+1 : j]
			}
		}
		var parsed sipparser.Uri
		if err := sipparser.ParseUri(uri, &parsed); err == nil {
			recipient = parsed
		}
	}

	ack := sipparser.NewRequest(sipparser.ACK, recipient)
	if via := orig.Via(); via != nil {
		ack.AppendHeader(sipparser.HeaderClone(via))
	}
	if from := orig.From(); from != nil {
		ack.AppendHeader(sipparser.HeaderClone(from))
	}
	if to := resp.Parsed.To(); to != nil {
		ack.AppendHeader(sipparser.HeaderClone(to))
	}
	if callID := orig.CallID(); callID != nil {
		ack.AppendHeader(sipparser.HeaderClone(callID))
	}
	if cseq := orig.CSeq(); cseq != nil {
		ack.AppendHeader(&sipparser.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sipparser.ACK})
	}
	maxFwd := sipparser.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	if err := e.transport.Send(br.outbound.PeerTransport, br.outbound.PeerAddr, []byte(ack.String())); err != nil {
		e.logger.WithError(err).Debug("ACK send failed")
	}
}

// onOutboundTimeout fires when leg B never responds; the retransmit ceiling
// is the one error class that tears the call down from inside
func (e *Engine) onOutboundTimeout(br *bridge) {
	e.logger.WithField("call_id", br.inbound.CallID).Warn("Outbound leg timed out")

	e.respond(br.inboundTx, br.inboundInvite, 408, "Request Timeout", nil, br.inbound.LocalTag, nil)
	e.failDialog(br.inbound, "timeout")
	e.failDialog(br.outbound, "timeout")
	e.teardownBridge(br, "timeout")
}

// failDialog drives a dialog to terminated along whichever edge is legal
func (e *Engine) failDialog(d *Dialog, reason string) {
	if d == nil {
		return
	}
	switch {
	case d.CanFire(EventReject):
		d.Fire(EventReject, reason)
	case d.CanFire(EventTimeout):
		d.Fire(EventTimeout, reason)
	}
}

// handleReinvite renegotiates media inside a confirmed dialog
func (e *Engine) handleReinvite(msg *Message, tx *Transaction) {
	dialog, ok := e.dialogs.Find(msg.CallID)
	if !ok {
		e.respond(tx, msg, 481, "Call/Transaction Does Not Exist", nil, "", nil)
		return
	}
	if !dialog.UpdateRemoteCSeq(msg.CSeq) {
		e.respond(tx, msg, 500, "Server Internal Error", nil, dialog.LocalTag, nil)
		return
	}

	// One renegotiation at a time; a competing offer is told to retry
	if err := dialog.Fire(EventModify, "reinvite"); err != nil {
		e.respond(tx, msg, 491, "Request Pending", nil, dialog.LocalTag, nil)
		return
	}

	br, _ := e.bridges.Load(msg.CallID)
	if br == nil || br.relay == nil {
		e.respond(tx, msg, 481, "Call/Transaction Does Not Exist", nil, dialog.LocalTag, nil)
		return
	}

	offer, err := ParseDescription(msg.Body)
	if err != nil {
		e.respond(tx, msg, 488, "Not Acceptable Here", nil, dialog.LocalTag, nil)
		dialog.Fire(EventModifyDone, "rejected-offer")
		return
	}

	codec, offerEntry, err := Negotiate(e.cfg.Media.CodecPriority, offer)
	if err != nil {
		e.respond(tx, msg, 488, "Not Acceptable Here", nil, dialog.LocalTag, nil)
		dialog.Fire(EventModifyDone, "no-codec")
		return
	}

	leg := media.LegA
	if br.outbound != nil && dialog.CallID == br.outbound.CallID {
		leg = media.LegB
	}

	// Renegotiation re-opens address learning for the leg
	if declared, err := offer.RemoteAddr(); err == nil {
		br.relay.SetRemote(leg, declared, codec, offer.EventPT)
	} else {
		br.relay.SetRemote(leg, nil, codec, offer.EventPT)
	}
	if leg == media.LegA {
		br.aCodec = codec
		br.aOffer = offerEntry
		br.aEventPT = offer.EventPT
	}

	answerBody, err := BuildAnswer(e.advertised, br.relay.LocalPorts(leg).RTP, codec, offer.EventPT)
	if err != nil {
		e.respond(tx, msg, 500, "Server Internal Error", nil, dialog.LocalTag, nil)
		dialog.Fire(EventModifyDone, "answer-failure")
		return
	}

	e.respond(tx, msg, 200, "OK", answerBody, dialog.LocalTag, nil)
	dialog.MarkAnswered()

	e.bus.Publish(events.Event{
		Kind:   events.KindCodecSelected,
		CallID: dialog.CallID,
		Codec:  fmt.Sprintf("%s/%d", codec.Name, codec.ClockRate),
	})
}

// handleAck closes the INVITE handshake
func (e *Engine) handleAck(msg *Message) {
	dialog, ok := e.dialogs.Find(msg.CallID)
	if !ok {
		return
	}

	if dialog.State() == StateModifying {
		dialog.Fire(EventModifyDone, "")
	}
}

// handleBye terminates the call, subject to the voicemail grace policy
func (e *Engine) handleBye(msg *Message, tx *Transaction) {
	dialog, ok := e.dialogs.Find(msg.CallID)
	if !ok {
		e.respond(tx, msg, 481, "Call/Transaction Does Not Exist", nil, "", nil)
		return
	}
	dialog.UpdateRemoteCSeq(msg.CSeq)

	if dialog.ShouldIgnoreBye(e.cfg.Policy.SpuriousBye) {
		e.logger.WithFields(logrus.Fields{
			"call_id": msg.CallID,
			"window":  e.cfg.Policy.SpuriousBye.Window,
		}).Info("Ignoring reflexive BYE inside the answer grace window")
		e.respond(tx, msg, 200, "OK", nil, dialog.LocalTag, nil)
		return
	}

	e.respond(tx, msg, 200, "OK", nil, dialog.LocalTag, nil)

	if dialog.CanFire(EventHangup) {
		dialog.Fire(EventHangup, "remote-bye")
	}
	if dialog.CanFire(EventRelease) {
		dialog.Fire(EventRelease, "remote-bye")
	}

	br, _ := e.bridges.Load(msg.CallID)
	if br != nil {
		other := br.inbound
		if dialog.CallID == br.inbound.CallID {
			other = br.outbound
		}
		if other != nil && other.State() != StateTerminated {
			e.sendBye(other, "peer-hangup")
		}
		e.teardownBridge(br, "remote-bye")
	}
}

// sendBye issues a BYE on a dialog we own
func (e *Engine) sendBye(d *Dialog, reason string) {
	if d.CanFire(EventHangup) {
		d.Fire(EventHangup, reason)
	}

	target := d.RemoteTarget
	if target == "" {
		target = fmt.Sprintf("sip:%s", d.PeerAddr)
	}
	if i := strings.IndexByte(target, '<'); i >= 0 {
		if j := strings.IndexByte(target, '>'); j > i {
			target = target[i+1 : j]
		}
	}

	var recipient sipparser.Uri
	if err := sipparser.ParseUri(target, &recipient); err != nil {
		e.logger.WithError(err).Debug("BYE target unparseable")
		e.failDialog(d, reason)
		return
	}

	req := sipparser.NewRequest(sipparser.BYE, recipient)

	via := &sipparser.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       strings.ToUpper(orUDP(d.PeerTransport)),
		Host:            e.advertised,
		Port:            e.cfg.Network.UDPPort,
		Params:          sipparser.NewParams(),
	}
	via.Params.Add("branch", "z9hG4bK."+uuid.NewString())
	req.AppendHeader(via)

	from := &sipparser.FromHeader{
		Address: sipparser.Uri{Scheme: "sip", User: "softswitch", Host: e.advertised},
		Params:  sipparser.NewParams(),
	}
	from.Params.Add("tag", d.LocalTag)
	req.AppendHeader(from)

	to := &sipparser.ToHeader{Address: recipient, Params: sipparser.NewParams()}
	if d.RemoteTag != "" {
		to.Params.Add("tag", d.RemoteTag)
	}
	req.AppendHeader(to)

	callID := sipparser.CallIDHeader(d.CallID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sipparser.CSeqHeader{SeqNo: d.NextLocalCSeq(), MethodName: sipparser.BYE})
	maxFwd := sipparser.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	byeMsg := WrapRequest(req)
	clientTx, err := e.tm.SendRequest(byeMsg, d.PeerTransport, d.PeerAddr)
	if err != nil {
		e.logger.WithError(err).Debug("BYE send failed")
		e.failDialog(d, reason)
		return
	}

	clientTx.OnResponse = func(_ *Transaction, _ *Message) {
		if d.CanFire(EventRelease) {
			d.Fire(EventRelease, reason)
		}
	}
	clientTx.OnTimeout = func(_ *Transaction) {
		e.failDialog(d, "timeout")
	}
}

// hangupOutbound ends an answered outbound leg
func (e *Engine) hangupOutbound(br *bridge, reason string) {
	if br.outbound != nil && br.outbound.State() != StateTerminated {
		e.sendBye(br.outbound, reason)
	}
}

// handleCancel aborts a call the caller gave up on before answer
func (e *Engine) handleCancel(msg *Message, tx *Transaction) {
	e.respond(tx, msg, 200, "OK", nil, "", nil)

	br, ok := e.bridges.Load(msg.CallID)
	if !ok {
		return
	}

	br.mu.Lock()
	pending := !br.done && br.inbound.State() != StateConfirmed
	br.mu.Unlock()
	if !pending {
		return
	}

	e.respond(br.inboundTx, br.inboundInvite, 487, "Request Terminated", nil, br.inbound.LocalTag, nil)
	if br.outboundTx != nil {
		e.tm.Cancel(br.outboundTx)
	}
	e.failDialog(br.inbound, "canceled")
	e.failDialog(br.outbound, "canceled")
	e.teardownBridge(br, "canceled")
}

// handleOptions answers capability probes
func (e *Engine) handleOptions(msg *Message, tx *Transaction) {
	e.respond(tx, msg, 200, "OK", nil, "", map[string]string{
		"Allow":  allowedMethods,
		"Accept": "application/sdp, application/dtmf-relay, application/dtmf",
	})
}

// handleInfo extracts DTMF digits carried out of band
func (e *Engine) handleInfo(msg *Message, tx *Transaction) {
	dialog, ok := e.dialogs.Find(msg.CallID)
	if !ok {
		e.respond(tx, msg, 481, "Call/Transaction Does Not Exist", nil, "", nil)
		return
	}
	dialog.UpdateRemoteCSeq(msg.CSeq)

	digit, ok := parseInfoDigit(msg.ContentType, msg.Body)
	if ok {
		if br, found := e.bridges.Load(msg.CallID); found && br.dtmf != nil {
			br.dtmf.HandleSignaling(digit)
		}
	}

	e.respond(tx, msg, 200, "OK", nil, dialog.LocalTag, nil)
}

// parseInfoDigit reads both common INFO digit formats: the key/value
// dtmf-relay body and the bare-digit dtmf body
func parseInfoDigit(contentType string, body []byte) (byte, bool) {
	ct := strings.ToLower(contentType)
	text := strings.TrimSpace(string(body))

	switch {
	case strings.Contains(ct, "dtmf-relay"):
		for _, line := range strings.Split(text, "\n") {
			key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
			if !ok || !strings.EqualFold(strings.TrimSpace(key), "Signal") {
				continue
			}
			value = strings.TrimSpace(value)
			if len(value) == 1 {
				return value[0], true
			}
		}
	case strings.Contains(ct, "dtmf"):
		if len(text) == 1 {
			return text[0], true
		}
	}
	return 0, false
}

// handleUpdate renegotiates without the ACK round trip
func (e *Engine) handleUpdate(msg *Message, tx *Transaction) {
	dialog, ok := e.dialogs.Find(msg.CallID)
	if !ok {
		e.respond(tx, msg, 481, "Call/Transaction Does Not Exist", nil, "", nil)
		return
	}

	if len(msg.Body) == 0 {
		e.respond(tx, msg, 200, "OK", nil, dialog.LocalTag, nil)
		return
	}

	e.handleReinvite(msg, tx)
	if dialog.State() == StateModifying {
		dialog.Fire(EventModifyDone, "update")
	}
}

// handleRefer acknowledges a transfer request and hands it to the
// collaborators on the event bus
func (e *Engine) handleRefer(msg *Message, tx *Transaction) {
	dialog, ok := e.dialogs.Find(msg.CallID)
	if !ok {
		e.respond(tx, msg, 481, "Call/Transaction Does Not Exist", nil, "", nil)
		return
	}

	referTo, _ := msg.GetHeader("Refer-To")
	e.bus.Publish(events.Event{
		Kind:   events.KindTransfer,
		CallID: msg.CallID,
		Body:   referTo,
	})

	e.respond(tx, msg, 202, "Accepted", nil, dialog.LocalTag, nil)
}

// handleInstantMessage surfaces a MESSAGE body on the event bus
func (e *Engine) handleInstantMessage(msg *Message, tx *Transaction) {
	e.bus.Publish(events.Event{
		Kind:   events.KindMessage,
		CallID: msg.CallID,
		Body:   string(msg.Body),
	})
	e.respond(tx, msg, 200, "OK", nil, "", nil)
}

// teardownBridge closes the relay and forgets both legs
func (e *Engine) teardownBridge(br *bridge, reason string) {
	br.mu.Lock()
	if br.done {
		br.mu.Unlock()
		return
	}
	br.done = true
	br.mu.Unlock()

	if br.relay != nil {
		br.relay.Close()
	}

	if br.inbound != nil {
		e.finishDialog(br.inbound, reason)
		e.bridges.Delete(br.inbound.CallID)
	}
	if br.outbound != nil {
		e.finishDialog(br.outbound, reason)
		e.bridges.Delete(br.outbound.CallID)
	}
}

func (e *Engine) finishDialog(d *Dialog, reason string) {
	if d.State() != StateTerminated {
		if d.CanFire(EventHangup) {
			d.Fire(EventHangup, reason)
		}
		if d.CanFire(EventRelease) {
			d.Fire(EventRelease, reason)
		}
		if d.State() != StateTerminated {
			e.failDialog(d, reason)
		}
	}
	e.dialogs.Remove(d.CallID)
}

func orUDP(transport string) string {
	if transport == "" {
		return "udp"
	}
	return transport
}
