package sip

import (
	"context"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/sirupsen/logrus"

	"softswitch/pkg/config"
	"softswitch/pkg/errors"
	"softswitch/pkg/events"
	"softswitch/pkg/metrics"
)

// Dialog lifecycle states
const (
	StateIdle        = "idle"
	StateOffering    = "offering"
	StateEarlyMedia  = "early_media"
	StateConfirmed   = "confirmed"
	StateModifying   = "modifying"
	StateTerminating = "terminating"
	StateTerminated  = "terminated"
)

// Dialog lifecycle events
const (
	EventOffer      = "offer"
	EventProgress   = "progress"
	EventAnswer     = "answer"
	EventModify     = "modify"
	EventModifyDone = "modify_done"
	EventHangup     = "hangup"
	EventRelease    = "release"
	EventReject     = "reject"
	EventTimeout    = "timeout"
)

// DialogRole says which side opened the dialog
type DialogRole string

const (
	RoleUAS DialogRole = "uas" // we answered the INVITE
	RoleUAC DialogRole = "uac" // we sent the INVITE
)

// Dialog is one SIP dialog: the {Call-ID, local tag, remote tag} triple and
// its lifecycle machine. State transitions publish call.state events; the
// peer address and CSeq counters live here so requests inside the dialog
// can be built without touching the original INVITE.
type Dialog struct {
	CallID    string
	LocalTag  string
	RemoteTag string
	Role      DialogRole

	// Peer signaling address for in-dialog requests
	PeerAddr      string
	PeerTransport string
	RemoteTarget  string

	// MailboxAccess marks calls into the voice mailbox, which some
	// endpoints follow with a reflexive BYE right after answer
	MailboxAccess bool

	machine *fsm.FSM

	mu                sync.Mutex
	localCSeq         uint32
	remoteCSeq        uint32
	createdAt         time.Time
	confirmedAt       time.Time
	lastOKAt          time.Time
	terminationReason string
	spuriousByeSpent  bool

	logger *logrus.Entry
	bus    *events.Bus
}

// dialogEvents is the full transition table, including the failure edge
// from the pre-answer states straight to terminated
var dialogEvents = fsm.Events{
	{Name: EventOffer, Src: []string{StateIdle}, Dst: StateOffering},
	{Name: EventProgress, Src: []string{StateOffering}, Dst: StateEarlyMedia},
	{Name: EventAnswer, Src: []string{StateOffering, StateEarlyMedia}, Dst: StateConfirmed},
	{Name: EventModify, Src: []string{StateConfirmed}, Dst: StateModifying},
	{Name: EventModifyDone, Src: []string{StateModifying}, Dst: StateConfirmed},
	{Name: EventHangup, Src: []string{StateOffering, StateEarlyMedia, StateConfirmed, StateModifying}, Dst: StateTerminating},
	{Name: EventRelease, Src: []string{StateTerminating}, Dst: StateTerminated},
	{Name: EventReject, Src: []string{StateOffering, StateEarlyMedia}, Dst: StateTerminated},
	{Name: EventTimeout, Src: []string{StateOffering, StateEarlyMedia, StateConfirmed, StateModifying, StateTerminating}, Dst: StateTerminated},
}

// NewDialog creates a dialog in the idle state
func NewDialog(logger *logrus.Logger, bus *events.Bus, callID, localTag, remoteTag string, role DialogRole) *Dialog {
	d := &Dialog{
		CallID:    callID,
		LocalTag:  localTag,
		RemoteTag: remoteTag,
		Role:      role,
		createdAt: time.Now(),
		logger: logger.WithFields(logrus.Fields{
			"call_id": callID,
			"role":    role,
		}),
		bus: bus,
	}

	d.machine = fsm.NewFSM(StateIdle, dialogEvents, fsm.Callbacks{
		"after_event": func(_ context.Context, e *fsm.Event) {
			d.afterTransition(e)
		},
	})

	return d
}

func (d *Dialog) afterTransition(e *fsm.Event) {
	reason := ""
	if len(e.Args) > 0 {
		if r, ok := e.Args[0].(string); ok {
			reason = r
		}
	}

	switch e.Dst {
	case StateConfirmed:
		if e.Src == StateOffering || e.Src == StateEarlyMedia {
			d.confirmedAt = time.Now()
			metrics.ObserveCallSetup(d.confirmedAt.Sub(d.createdAt))
		}
		d.lastOKAt = time.Now()
	case StateTerminated:
		d.terminationReason = reason
		metrics.ObserveDialogDuration(reasonOrDefault(reason), time.Since(d.createdAt))
	}

	d.logger.WithFields(logrus.Fields{
		"from":   e.Src,
		"to":     e.Dst,
		"event":  e.Event,
		"reason": reason,
	}).Debug("Dialog transition")

	if d.bus != nil {
		d.bus.Publish(events.Event{
			Kind:     events.KindCallState,
			CallID:   d.CallID,
			State:    e.Dst,
			Previous: e.Src,
			Reason:   reason,
		})
	}
}

func reasonOrDefault(reason string) string {
	if reason == "" {
		return "normal"
	}
	return reason
}

// State returns the current lifecycle state
func (d *Dialog) State() string {
	return d.machine.Current()
}

// Fire attempts a lifecycle transition. The optional reason is recorded and
// published with the state change.
func (d *Dialog) Fire(event string, reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	err := d.machine.Event(context.Background(), event, reason)
	if err != nil {
		return errors.Wrap(errors.ErrDialogState, err.Error())
	}
	return nil
}

// CanFire reports whether the event is legal in the current state
func (d *Dialog) CanFire(event string) bool {
	return d.machine.Can(event)
}

// NextLocalCSeq increments and returns the local sequence number
func (d *Dialog) NextLocalCSeq() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.localCSeq++
	return d.localCSeq
}

// SeedLocalCSeq sets the starting local sequence number
func (d *Dialog) SeedLocalCSeq(seq uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if seq > d.localCSeq {
		d.localCSeq = seq
	}
}

// UpdateRemoteCSeq records the peer's sequence number, rejecting regressions
func (d *Dialog) UpdateRemoteCSeq(seq uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if seq < d.remoteCSeq {
		return false
	}
	d.remoteCSeq = seq
	return true
}

// MarkAnswered stamps the most recent success response, which anchors the
// spurious-BYE grace window
func (d *Dialog) MarkAnswered() {
	d.mu.Lock()
	d.lastOKAt = time.Now()
	d.mu.Unlock()
}

// TerminationReason returns the recorded reason after termination
func (d *Dialog) TerminationReason() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.terminationReason
}

// Age returns how long the dialog has existed
func (d *Dialog) Age() time.Duration {
	return time.Since(d.createdAt)
}

// ShouldIgnoreBye applies the voicemail grace policy: certain endpoints
// send a reflexive BYE immediately after answering a mailbox call, and
// honoring it would cut the announcement off. Within the configured window
// of the last success response, on a dialog the policy applies to, exactly
// one BYE is swallowed. A second BYE is always honored, as is any BYE
// outside the window.
func (d *Dialog) ShouldIgnoreBye(policy config.SpuriousByePolicy) bool {
	if !policy.Enabled {
		return false
	}
	if policy.MailboxOnly && !d.MailboxAccess {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.spuriousByeSpent {
		return false
	}
	if d.lastOKAt.IsZero() || time.Since(d.lastOKAt) > policy.Window {
		return false
	}

	d.spuriousByeSpent = true
	return true
}

// DialogManager is the dialog table
type DialogManager struct {
	logger  *logrus.Logger
	bus     *events.Bus
	dialogs *Registry[*Dialog]
}

// NewDialogManager creates an empty dialog table
func NewDialogManager(logger *logrus.Logger, bus *events.Bus) *DialogManager {
	return &DialogManager{
		logger:  logger,
		bus:     bus,
		dialogs: NewRegistry[*Dialog](32),
	}
}

// Create registers a new dialog under its Call-ID
func (dm *DialogManager) Create(callID, localTag, remoteTag string, role DialogRole) *Dialog {
	d := NewDialog(dm.logger, dm.bus, callID, localTag, remoteTag, role)
	dm.dialogs.Store(callID, d)
	metrics.AdjustDialogs(1)
	return d
}

// Find looks a dialog up by Call-ID
func (dm *DialogManager) Find(callID string) (*Dialog, bool) {
	return dm.dialogs.Load(callID)
}

// Remove drops a dialog from the table
func (dm *DialogManager) Remove(callID string) {
	if dm.dialogs.Delete(callID) {
		metrics.AdjustDialogs(-1)
	}
}

// Len reports the number of live dialogs
func (dm *DialogManager) Len() int {
	return dm.dialogs.Len()
}

// Range walks all dialogs
func (dm *DialogManager) Range(fn func(d *Dialog) bool) {
	dm.dialogs.Range(func(_ string, d *Dialog) bool {
		return fn(d)
	})
}
