package media

import (
	"context"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"

	"softswitch/pkg/errors"
	"softswitch/pkg/events"
	"softswitch/pkg/metrics"
)

// LegID identifies one side of a relay context
type LegID int

const (
	LegA LegID = iota
	LegB
)

func (l LegID) String() string {
	if l == LegA {
		return "A"
	}
	return "B"
}

// other returns the opposite leg
func (l LegID) other() LegID {
	return 1 - l
}

// RelayConfig carries the media-plane tunables for one relay context
type RelayConfig struct {
	BindIP           string
	LearningDeadline time.Duration
	MinPacketSize    int
	InbandDTMF       bool
}

// leg holds the per-side state of a relay: local sockets, remote addresses
// and the outbound rewrite counters used when transcoding.
type leg struct {
	id       LegID
	conn     *net.UDPConn
	rtcpConn *net.UDPConn
	ports    PortPair

	mu       sync.RWMutex
	declared *net.UDPAddr
	learned  *net.UDPAddr
	locked   bool
	codec    *Codec
	eventPT  uint8 // negotiated telephone-event payload type, 0 when absent

	learnTimer *time.Timer

	// outbound RTP identity, used only on the transcode path
	ssrc   uint32
	seq    uint16
	ts     uint32
	tsInit bool
}

// remote returns the current send destination for the leg. The learned
// address wins once set; before that the declared address is used.
func (l *leg) remote() *net.UDPAddr {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.learned != nil {
		return l.learned
	}
	return l.declared
}

// RelayContext forwards RTP between two call legs, learning each peer's
// real address from its first packet to traverse NAT. Packets are relayed
// verbatim when both legs share a codec and transcoded otherwise.
type RelayContext struct {
	callID string
	logger *logrus.Entry
	cfg    RelayConfig

	portMgr *PortManager
	bus     *events.Bus
	dtmf    *DTMFInterworker

	legs [2]*leg

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	started   bool
}

// NewRelayContext allocates ports and binds the four sockets (RTP and RTCP
// for each leg). The context is inert until Start is called.
func NewRelayContext(logger *logrus.Logger, cfg RelayConfig, pm *PortManager, bus *events.Bus, callID string, dtmf *DTMFInterworker) (*RelayContext, error) {
	if cfg.MinPacketSize < 12 {
		cfg.MinPacketSize = 12
	}

	ctx, cancel := context.WithCancel(context.Background())
	rc := &RelayContext{
		callID:  callID,
		logger:  logger.WithField("call_id", callID),
		cfg:     cfg,
		portMgr: pm,
		bus:     bus,
		dtmf:    dtmf,
		ctx:     ctx,
		cancel:  cancel,
	}

	bindIP := net.ParseIP(cfg.BindIP)
	if bindIP == nil {
		bindIP = net.IPv4zero
	}

	for i := range rc.legs {
		pair, err := pm.AllocatePair()
		if err != nil {
			rc.releaseResources()
			cancel()
			return nil, errors.Wrap(err, "failed to allocate relay ports")
		}

		l := &leg{
			id:    LegID(i),
			ports: pair,
			ssrc:  rand.Uint32(),
			seq:   uint16(rand.Uint32()),
		}

		l.conn, err = net.ListenUDP("udp", &net.UDPAddr{IP: bindIP, Port: pair.RTP})
		if err == nil {
			l.rtcpConn, err = net.ListenUDP("udp", &net.UDPAddr{IP: bindIP, Port: pair.RTCP})
		}
		if err != nil {
			if l.conn != nil {
				l.conn.Close()
			}
			pm.ReleasePair(pair)
			rc.releaseResources()
			cancel()
			return nil, errors.Wrap(err, "failed to bind relay sockets")
		}

		rc.legs[i] = l
	}

	metrics.AdjustRelayContexts(1)
	return rc, nil
}

// LocalPorts returns the port pair bound for the given leg, for use in SDP
func (rc *RelayContext) LocalPorts(id LegID) PortPair {
	return rc.legs[id].ports
}

// SetRemote installs the declared remote address and negotiated codec for a
// leg and arms the address-learning deadline. Called after each successful
// negotiation; on re-negotiation it also resets any previously learned
// address so the new peer can be learned afresh.
func (rc *RelayContext) SetRemote(id LegID, declared *net.UDPAddr, codec *Codec, eventPT uint8) {
	l := rc.legs[id]

	l.mu.Lock()
	l.declared = declared
	l.learned = nil
	l.locked = false
	l.codec = codec
	l.eventPT = eventPT
	l.tsInit = false
	if l.learnTimer != nil {
		l.learnTimer.Stop()
	}
	l.learnTimer = time.AfterFunc(rc.cfg.LearningDeadline, func() { rc.learnExpired(id) })
	l.mu.Unlock()

	rc.logger.WithFields(logrus.Fields{
		"leg":      id.String(),
		"declared": declared.String(),
		"codec":    codec.Name,
	}).Debug("Relay leg configured")
}

// learnExpired fires when no packet arrived from a leg within the learning
// deadline. The declared address becomes authoritative for the rest of the
// session.
func (rc *RelayContext) learnExpired(id LegID) {
	l := rc.legs[id]

	l.mu.Lock()
	if l.locked || l.declared == nil {
		l.mu.Unlock()
		return
	}
	l.locked = true
	l.learned = l.declared
	addr := l.declared
	l.mu.Unlock()

	rc.logger.WithFields(logrus.Fields{
		"leg":     id.String(),
		"address": addrString(addr),
	}).Warn("Address learning deadline expired, using declared address")
}

// learn records the first sender as the authoritative peer for the leg
func (rc *RelayContext) learn(id LegID, src *net.UDPAddr) bool {
	l := rc.legs[id]

	l.mu.Lock()
	if l.locked {
		ok := l.learned != nil && udpAddrEqual(l.learned, src)
		l.mu.Unlock()
		return ok
	}
	l.locked = true
	l.learned = src
	if l.learnTimer != nil {
		l.learnTimer.Stop()
	}
	l.mu.Unlock()

	rc.logger.WithFields(logrus.Fields{
		"leg":     id.String(),
		"address": src.String(),
	}).Info("Learned media address from first packet")

	if rc.bus != nil {
		ev := events.Event{Kind: events.KindMediaConnected, CallID: rc.callID}
		if id == LegA {
			ev.LearnedAddrA = src.String()
		} else {
			ev.LearnedAddrB = src.String()
		}
		rc.bus.Publish(ev)
	}
	return true
}

// Start launches the forwarding loops for both legs
func (rc *RelayContext) Start() {
	if rc.started {
		return
	}
	rc.started = true

	for _, l := range rc.legs {
		rc.wg.Add(2)
		go rc.rtpLoop(l)
		go rc.rtcpLoop(l)
	}
}

// rtpLoop reads RTP from one leg and forwards it to the other
func (rc *RelayContext) rtpLoop(src *leg) {
	defer rc.wg.Done()

	dst := rc.legs[src.id.other()]
	buf := make([]byte, 2048)

	for {
		src.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, raddr, err := src.conn.ReadFromUDP(buf)
		if err != nil {
			if rc.ctx.Err() != nil {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			rc.logger.WithError(err).Debug("RTP read error")
			continue
		}

		if n < rc.cfg.MinPacketSize {
			metrics.RecordDroppedPacket("too_short")
			continue
		}

		if !rc.learn(src.id, raddr) {
			metrics.RecordDroppedPacket("unexpected_source")
			continue
		}

		rc.forward(src, dst, buf[:n])
	}
}

// forward relays one RTP packet, transcoding when the legs disagree on codec
func (rc *RelayContext) forward(src, dst *leg, raw []byte) {
	dest := dst.remote()
	if dest == nil {
		metrics.RecordDroppedPacket("no_destination")
		return
	}

	var pkt rtp.Packet
	if err := pkt.Unmarshal(raw); err != nil {
		metrics.RecordDroppedPacket("malformed_rtp")
		return
	}

	src.mu.RLock()
	srcCodec, srcEventPT := src.codec, src.eventPT
	src.mu.RUnlock()
	dst.mu.RLock()
	dstCodec, dstEventPT := dst.codec, dst.eventPT
	dst.mu.RUnlock()

	if srcCodec == nil || dstCodec == nil {
		metrics.RecordDroppedPacket("not_negotiated")
		return
	}

	// Telephone-event packets feed the digit stream and cross only when the
	// far leg negotiated the event payload as well. Otherwise the digit is
	// reinjected out of band by the signaling layer.
	if srcEventPT != 0 && pkt.PayloadType == srcEventPT {
		if rc.dtmf != nil {
			rc.dtmf.HandleRTPEvent(pkt.Payload, pkt.Timestamp)
		}
		if dstEventPT == 0 {
			metrics.RecordDroppedPacket("event_unsupported")
			return
		}
		pkt.PayloadType = dstEventPT
		rc.write(dst, &pkt, dest, len(raw))
		return
	}

	if srcCodec.Name == dstCodec.Name && srcCodec.SampleRate == dstCodec.SampleRate {
		if rc.dtmf != nil && rc.cfg.InbandDTMF && srcCodec.Transcodable() {
			if pcm, err := Decode(pkt.Payload, srcCodec); err == nil {
				rc.dtmf.HandleAudio(pcm)
			}
		}
		// Passthrough keeps the original SSRC and sequence numbers
		if _, err := dst.conn.WriteToUDP(raw, dest); err != nil {
			metrics.RecordDroppedPacket("send_failed")
			return
		}
		metrics.RecordForwardedPacket(len(raw))
		return
	}

	rc.transcodeForward(src, dst, &pkt, srcCodec, dstCodec, dest, raw)
}

// transcodeForward converts the payload between codecs and rewrites the RTP
// identity so the destination sees one coherent stream. A conversion failure
// on a single packet falls back to forwarding it unmodified; one bad packet
// must never take the call down.
func (rc *RelayContext) transcodeForward(src, dst *leg, pkt *rtp.Packet, from, to *Codec, dest *net.UDPAddr, raw []byte) {
	start := time.Now()

	pcm, err := Decode(pkt.Payload, from)
	if err != nil {
		rc.passthroughFallback(dst, raw, dest, err)
		return
	}

	if rc.dtmf != nil && rc.cfg.InbandDTMF {
		rc.dtmf.HandleAudio(pcm)
	}

	if from.SampleRate != to.SampleRate {
		pcm, err = Resample(pcm, from.SampleRate, to.SampleRate)
		if err != nil {
			rc.passthroughFallback(dst, raw, dest, err)
			return
		}
	}

	payload, err := Encode(pcm, to.SampleRate, to)
	if err != nil {
		rc.passthroughFallback(dst, raw, dest, err)
		return
	}

	dst.mu.Lock()
	if !dst.tsInit {
		dst.ts = rand.Uint32()
		dst.tsInit = true
	}
	out := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         pkt.Marker,
			PayloadType:    to.PayloadType,
			SequenceNumber: dst.seq,
			Timestamp:      dst.ts,
			SSRC:           dst.ssrc,
		},
		Payload: payload,
	}
	dst.seq++
	dst.ts += uint32(len(pcm))
	dst.mu.Unlock()

	metrics.ObserveTranscode(from.Name, to.Name, time.Since(start))
	rc.write(dst, &out, dest, len(raw))
}

// passthroughFallback ships the original bytes when conversion fails
func (rc *RelayContext) passthroughFallback(dst *leg, raw []byte, dest *net.UDPAddr, convErr error) {
	rc.logger.WithError(convErr).Debug("Transcode failed, forwarding packet unmodified")
	if _, err := dst.conn.WriteToUDP(raw, dest); err != nil {
		metrics.RecordDroppedPacket("send_failed")
		return
	}
	metrics.RecordForwardedPacket(len(raw))
}

// write marshals and sends a rebuilt packet out of the destination leg's
// own socket so the peer sees a consistent source port.
func (rc *RelayContext) write(dst *leg, pkt *rtp.Packet, dest *net.UDPAddr, rawLen int) {
	out, err := pkt.Marshal()
	if err != nil {
		metrics.RecordDroppedPacket("marshal_failed")
		return
	}
	if _, err := dst.conn.WriteToUDP(out, dest); err != nil {
		metrics.RecordDroppedPacket("send_failed")
		return
	}
	metrics.RecordForwardedPacket(rawLen)
}

// rtcpLoop forwards RTCP between the companion ports without modification
func (rc *RelayContext) rtcpLoop(src *leg) {
	defer rc.wg.Done()

	dst := rc.legs[src.id.other()]
	buf := make([]byte, 2048)

	for {
		src.rtcpConn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, _, err := src.rtcpConn.ReadFromUDP(buf)
		if err != nil {
			if rc.ctx.Err() != nil {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			continue
		}

		if rc.logger.Logger.IsLevelEnabled(logrus.TraceLevel) {
			if pkts, err := rtcp.Unmarshal(buf[:n]); err == nil && len(pkts) > 0 {
				rc.logger.WithFields(logrus.Fields{
					"leg":     src.id.String(),
					"reports": len(pkts),
				}).Trace("RTCP forwarded")
			}
		}

		remote := dst.remote()
		if remote == nil {
			continue
		}
		rtcpDest := &net.UDPAddr{IP: remote.IP, Port: remote.Port + 1}
		dst.rtcpConn.WriteToUDP(buf[:n], rtcpDest)
	}
}

// Close tears the relay down deterministically: loops are stopped, sockets
// closed and ports returned to the pool. Safe to call more than once.
func (rc *RelayContext) Close() {
	rc.closeOnce.Do(func() {
		rc.cancel()
		for _, l := range rc.legs {
			if l == nil {
				continue
			}
			l.mu.Lock()
			if l.learnTimer != nil {
				l.learnTimer.Stop()
			}
			l.mu.Unlock()
			if l.conn != nil {
				l.conn.Close()
			}
			if l.rtcpConn != nil {
				l.rtcpConn.Close()
			}
		}
		rc.wg.Wait()
		rc.releaseResources()
		metrics.AdjustRelayContexts(-1)

		if rc.bus != nil {
			ev := events.Event{Kind: events.KindMediaLost, CallID: rc.callID}
			if a := rc.legs[LegA]; a != nil {
				a.mu.Lock()
				if a.learned != nil {
					ev.LearnedAddrA = a.learned.String()
				}
				a.mu.Unlock()
			}
			if b := rc.legs[LegB]; b != nil {
				b.mu.Lock()
				if b.learned != nil {
					ev.LearnedAddrB = b.learned.String()
				}
				b.mu.Unlock()
			}
			if ev.LearnedAddrA != "" || ev.LearnedAddrB != "" {
				rc.bus.Publish(ev)
			}
		}
		rc.logger.Debug("Relay context closed")
	})
}

func (rc *RelayContext) releaseResources() {
	for i, l := range rc.legs {
		if l == nil {
			continue
		}
		rc.portMgr.ReleasePair(l.ports)
		rc.legs[i] = nil
	}
}

func udpAddrEqual(a, b *net.UDPAddr) bool {
	return a.Port == b.Port && a.IP.Equal(b.IP)
}

func addrString(a *net.UDPAddr) string {
	if a == nil {
		return "<none>"
	}
	return a.String()
}
