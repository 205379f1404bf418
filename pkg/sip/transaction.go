package sip

import (
	"fmt"
	"sync"
	"time"

	sipparser "github.com/emiago/sipgo/sip"
	"github.com/sirupsen/logrus"

	"softswitch/pkg/errors"
	"softswitch/pkg/metrics"
)

// TransactionKey identifies one transaction. Branch alone is unique for a
// compliant peer; method, Call-ID and CSeq are included so a peer reusing a
// branch across calls cannot cross-match.
type TransactionKey struct {
	Method string
	Branch string
	CallID string
	CSeq   uint32
}

func (k TransactionKey) String() string {
	return fmt.Sprintf("%s|%s|%s|%d", k.Method, k.Branch, k.CallID, k.CSeq)
}

// TxState is the transaction lifecycle state
type TxState int

const (
	// TxCalling: request sent, nothing heard yet; retransmitting on UDP
	TxCalling TxState = iota
	// TxProceeding: a provisional response arrived
	TxProceeding
	// TxCompleted: final response seen; lingering to absorb retransmits
	TxCompleted
	// TxTerminated: removed from the table
	TxTerminated
)

func (s TxState) String() string {
	switch s {
	case TxCalling:
		return "calling"
	case TxProceeding:
		return "proceeding"
	case TxCompleted:
		return "completed"
	default:
		return "terminated"
	}
}

// SignalingTimers are the retransmission tunables
type SignalingTimers struct {
	T1      time.Duration // initial retransmit interval
	T2      time.Duration // retransmit interval cap
	Ceiling int           // retransmit attempts before giving up
	Linger  time.Duration // completed-state quiet period before removal
}

// Transaction tracks one request/response exchange. Client transactions
// retain the request for UDP retransmission; server transactions retain the
// last response so a retransmitted request can be answered without
// reprocessing.
type Transaction struct {
	Key      TransactionKey
	IsClient bool

	// OnResponse is invoked once per distinct response on client
	// transactions. OnTimeout fires when the retransmit ceiling is hit;
	// this is the only internally fatal error class and the owning dialog
	// is expected to terminate with it.
	OnResponse func(tx *Transaction, resp *Message)
	OnTimeout  func(tx *Transaction)

	mgr       *TransactionManager
	transport string
	dest      string

	mu           sync.Mutex
	state        TxState
	request      []byte
	origRequest  *sipparser.Request
	lastResponse []byte
	finalSeen    bool
	attempts     int
	interval     time.Duration
	retransmit   *time.Timer
	linger       *time.Timer
	created      time.Time
}

// State returns the current lifecycle state
func (tx *Transaction) State() TxState {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state
}

// TransactionManager owns the transaction table and timers
type TransactionManager struct {
	logger *logrus.Logger
	sender Sender
	timers SignalingTimers
	txs    *Registry[*Transaction]
}

// NewTransactionManager creates the manager over the given sender
func NewTransactionManager(logger *logrus.Logger, sender Sender, timers SignalingTimers) *TransactionManager {
	if timers.T1 <= 0 {
		timers.T1 = 500 * time.Millisecond
	}
	if timers.T2 <= 0 {
		timers.T2 = 4 * time.Second
	}
	if timers.Ceiling <= 0 {
		timers.Ceiling = 6
	}
	if timers.Linger <= 0 {
		timers.Linger = 5 * time.Second
	}

	return &TransactionManager{
		logger: logger,
		sender: sender,
		timers: timers,
		txs:    NewRegistry[*Transaction](32),
	}
}

// SendRequest transmits a request and opens a client transaction for it.
// On UDP the request is retransmitted with T1-doubling intervals capped at
// T2 until a response arrives or the ceiling is reached.
func (tm *TransactionManager) SendRequest(msg *Message, transport, dest string) (*Transaction, error) {
	tx := &Transaction{
		Key:       msg.TransactionKey(),
		IsClient:  true,
		mgr:       tm,
		transport: transport,
		dest:      dest,
		state:     TxCalling,
		request:   msg.Bytes(),
		interval:  tm.timers.T1,
		created:   time.Now(),
	}
	if req, ok := msg.Parsed.(*sipparser.Request); ok {
		tx.origRequest = req
	}

	if _, stored := tm.txs.StoreIfAbsent(tx.Key.String(), tx); !stored {
		return nil, errors.New(fmt.Sprintf("transaction %s already exists", tx.Key))
	}
	metrics.AdjustTransactions(1)
	metrics.RecordRequest(msg.Method, "out")

	if err := tm.sender.Send(transport, dest, tx.request); err != nil {
		tm.remove(tx)
		return nil, err
	}

	if transport == "" || transport == "udp" {
		tx.mu.Lock()
		tx.retransmit = time.AfterFunc(tx.interval, func() { tm.retransmitFire(tx) })
		tx.mu.Unlock()
	}

	tm.logger.WithFields(logrus.Fields{
		"method":  tx.Key.Method,
		"branch":  tx.Key.Branch,
		"call_id": tx.Key.CallID,
		"dest":    dest,
	}).Debug("Client transaction opened")

	return tx, nil
}

func (tm *TransactionManager) retransmitFire(tx *Transaction) {
	tx.mu.Lock()
	if tx.state != TxCalling {
		tx.mu.Unlock()
		return
	}

	tx.attempts++
	if tx.attempts >= tm.timers.Ceiling {
		tx.state = TxTerminated
		tx.mu.Unlock()

		tm.logger.WithError(errors.ErrTransactionTimeout).WithFields(logrus.Fields{
			"method":   tx.Key.Method,
			"call_id":  tx.Key.CallID,
			"attempts": tx.attempts,
		}).Warn("Retransmit ceiling reached, transaction timed out")

		tm.removeTerminated(tx)
		if tx.OnTimeout != nil {
			tx.OnTimeout(tx)
		}
		return
	}

	data := tx.request
	tx.interval *= 2
	if tx.interval > tm.timers.T2 {
		tx.interval = tm.timers.T2
	}
	tx.retransmit = time.AfterFunc(tx.interval, func() { tm.retransmitFire(tx) })
	tx.mu.Unlock()

	metrics.RecordRetransmission(tx.Key.Method)
	if err := tm.sender.Send(tx.transport, tx.dest, data); err != nil {
		tm.logger.WithError(err).Debug("Retransmission send failed")
	}
}

// HandleResponse matches a response to its client transaction. Responses
// with no matching transaction are logged and dropped. Retransmitted final
// responses inside the linger window are absorbed without re-notifying the
// owner.
func (tm *TransactionManager) HandleResponse(msg *Message) bool {
	key := msg.TransactionKey()
	tx, ok := tm.txs.Load(key.String())
	if !ok || !tx.IsClient {
		tm.logger.WithFields(logrus.Fields{
			"status":  msg.StatusCode,
			"call_id": msg.CallID,
			"branch":  msg.Branch,
		}).Info("Dropping response matching no transaction")
		return false
	}

	metrics.RecordResponse(msg.StatusCode, "in")

	tx.mu.Lock()
	if tx.state == TxTerminated {
		tx.mu.Unlock()
		return false
	}
	if tx.retransmit != nil {
		tx.retransmit.Stop()
	}

	if msg.StatusCode < 200 {
		tx.state = TxProceeding
		tx.mu.Unlock()
		if tx.OnResponse != nil {
			tx.OnResponse(tx, msg)
		}
		return true
	}

	if tx.finalSeen {
		tx.mu.Unlock()
		return true
	}
	tx.finalSeen = true
	tx.state = TxCompleted
	tx.linger = time.AfterFunc(tm.timers.Linger, func() { tm.remove(tx) })
	tx.mu.Unlock()

	if tx.OnResponse != nil {
		tx.OnResponse(tx, msg)
	}
	return true
}

// Cancel terminates a pending client transaction and sends a best-effort
// CANCEL for it. A transaction that already completed is left alone.
func (tm *TransactionManager) Cancel(tx *Transaction) {
	tx.mu.Lock()
	if tx.state != TxCalling && tx.state != TxProceeding {
		tx.mu.Unlock()
		return
	}
	tx.state = TxTerminated
	if tx.retransmit != nil {
		tx.retransmit.Stop()
	}
	orig := tx.origRequest
	tx.mu.Unlock()

	tm.removeTerminated(tx)

	if orig == nil {
		return
	}

	cancel := sipparser.NewRequest(sipparser.CANCEL, orig.Recipient)
	if via := orig.Via(); via != nil {
		cancel.AppendHeader(sipparser.HeaderClone(via))
	}
	if from := orig.From(); from != nil {
		cancel.AppendHeader(sipparser.HeaderClone(from))
	}
	if to := orig.To(); to != nil {
		cancel.AppendHeader(sipparser.HeaderClone(to))
	}
	if callID := orig.CallID(); callID != nil {
		cancel.AppendHeader(sipparser.HeaderClone(callID))
	}
	if cseq := orig.CSeq(); cseq != nil {
		cancel.AppendHeader(&sipparser.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sipparser.CANCEL})
	}
	cancel.AppendHeader(sipparser.NewHeader("Max-Forwards", "70"))

	if err := tm.sender.Send(tx.transport, tx.dest, []byte(cancel.String())); err != nil {
		tm.logger.WithError(err).Debug("CANCEL send failed")
	}
	metrics.RecordRequest("CANCEL", "out")
}

// OnServerRequest opens (or finds) the server transaction for an inbound
// request. The second return is false for a retransmission, in which case
// the previously sent response, if any, has already been replayed.
func (tm *TransactionManager) OnServerRequest(msg *Message) (*Transaction, bool) {
	tx := &Transaction{
		Key:       msg.TransactionKey(),
		mgr:       tm,
		transport: msg.Transport,
		dest:      msg.Source,
		state:     TxProceeding,
		created:   time.Now(),
	}

	existing, stored := tm.txs.StoreIfAbsent(tx.Key.String(), tx)
	if !stored {
		existing.mu.Lock()
		last := existing.lastResponse
		existing.mu.Unlock()
		if last != nil {
			if err := tm.sender.Send(existing.transport, existing.dest, last); err != nil {
				tm.logger.WithError(err).Debug("Response replay failed")
			}
		}
		return existing, false
	}

	metrics.AdjustTransactions(1)
	metrics.RecordRequest(msg.Method, "in")
	return tx, true
}

// RecordServerResponse remembers the response sent for a server transaction
// so request retransmissions can be answered from the table. A final
// response moves the transaction to Completed and schedules removal.
func (tm *TransactionManager) RecordServerResponse(tx *Transaction, statusCode int, data []byte) {
	metrics.RecordResponse(statusCode, "out")

	tx.mu.Lock()
	tx.lastResponse = data
	if statusCode >= 200 && tx.state != TxCompleted && tx.state != TxTerminated {
		tx.state = TxCompleted
		tx.linger = time.AfterFunc(tm.timers.Linger, func() { tm.remove(tx) })
	}
	tx.mu.Unlock()
}

// remove terminates a transaction and drops it from the table
func (tm *TransactionManager) remove(tx *Transaction) {
	tx.mu.Lock()
	if tx.state == TxTerminated {
		tx.mu.Unlock()
		return
	}
	tx.state = TxTerminated
	if tx.retransmit != nil {
		tx.retransmit.Stop()
	}
	if tx.linger != nil {
		tx.linger.Stop()
	}
	tx.mu.Unlock()

	tm.removeTerminated(tx)
}

// removeTerminated drops an already terminated transaction from the table
func (tm *TransactionManager) removeTerminated(tx *Transaction) {
	if tm.txs.Delete(tx.Key.String()) {
		metrics.AdjustTransactions(-1)
	}
}

// Len reports the number of live transactions
func (tm *TransactionManager) Len() int {
	return tm.txs.Len()
}

// Shutdown stops every timer and clears the table
func (tm *TransactionManager) Shutdown() {
	tm.txs.Range(func(_ string, tx *Transaction) bool {
		tx.mu.Lock()
		tx.state = TxTerminated
		if tx.retransmit != nil {
			tx.retransmit.Stop()
		}
		if tx.linger != nil {
			tx.linger.Stop()
		}
		tx.mu.Unlock()
		return true
	})
}
