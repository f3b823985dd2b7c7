// Package mailtx implements the per-connection mail transaction (spec.md
// §4.D): envelope accumulation, an async write pipeline that streams the
// message body into a tmp/ file, and an atomic commit that publishes the
// canonical file and hard-link-clones it into every other recipient's
// Maildir.
package mailtx

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/elsid-go/smtpd/internal/maildir"
	"github.com/elsid-go/smtpd/internal/metrics"
)

// WriteStatus is the write pipeline's status, standing in for the
// original's AIO NOT_STARTED/WAIT/DONE/ERROR sum type (spec.md §9).
type WriteStatus int

const (
	NotStarted WriteStatus = iota
	Wait
	Done
	Error
)

func (s WriteStatus) String() string {
	switch s {
	case NotStarted:
		return "NOT_STARTED"
	case Wait:
		return "WAIT"
	case Done:
		return "DONE"
	case Error:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ErrNotActive is returned by operations that require an active
// transaction.
var ErrNotActive = errors.New("mailtx: transaction is not active")

// ErrWriteInFlight is returned by AddData when the previous write has
// not yet drained.
var ErrWriteInFlight = errors.New("mailtx: previous write still in flight")

// Recipient is one accepted RCPT TO forward-path plus its resolved
// Maildir.
type Recipient struct {
	Address string
	Maildir *maildir.Maildir
}

type writeResult struct {
	n   int
	err error
}

// Transaction is at most one active mail transaction per connection.
type Transaction struct {
	root     string
	hostname string // this server's advertised hostname
	localIP  string
	peerIP   string // the connected client's IPv4 address
	logger   *slog.Logger

	domain         string // EHLO/HELO domain
	reversePath    string // MAIL FROM
	recipients     []*Recipient
	firstRecipient *Recipient
	header         []byte
	dataFilename   string

	file        *os.File
	offset      int64
	writeStatus WriteStatus
	writeErr    error
	statusCh    chan writeResult

	isActive bool
}

// New creates a Transaction bound to the connection's peer IP, local IP,
// and server hostname; these never change for the connection's lifetime.
func New(root, hostname, localIP, peerIP string, logger *slog.Logger) *Transaction {
	return &Transaction{
		root:     root,
		hostname: hostname,
		localIP:  localIP,
		peerIP:   peerIP,
		logger:   logger,
	}
}

// IsActive reports whether a transaction is currently open.
func (tx *Transaction) IsActive() bool { return tx.isActive }

// Domain returns the greeted EHLO/HELO domain, preserved across
// Rollback (the session stays greeted).
func (tx *Transaction) Domain() string { return tx.domain }

// SetDomain records the EHLO/HELO domain; it is not gated on Begin since
// greeting happens before any transaction exists.
func (tx *Transaction) SetDomain(domain string) { tx.domain = domain }

// Begin clears the envelope and opens a new transaction. Invariant:
// is_active ⇒ reverse_path != "" is established by the caller via
// SetReversePath immediately after Begin.
func (tx *Transaction) Begin() {
	tx.reversePath = ""
	tx.recipients = nil
	tx.firstRecipient = nil
	tx.header = nil
	tx.dataFilename = ""
	tx.resetWritePipeline()
	tx.isActive = true
}

// SetReversePath records the MAIL FROM address.
func (tx *Transaction) SetReversePath(reversePath string) error {
	if !tx.isActive {
		return ErrNotActive
	}
	tx.reversePath = reversePath
	return nil
}

// ReversePath returns the current MAIL FROM address.
func (tx *Transaction) ReversePath() string { return tx.reversePath }

// AddForwardPath appends a recipient; the first call fixes
// FirstRecipient, whose Maildir receives the canonical on-disk file.
func (tx *Transaction) AddForwardPath(address string) error {
	if !tx.isActive {
		return ErrNotActive
	}
	md, err := maildir.New(tx.root, address)
	if err != nil {
		return fmt.Errorf("mailtx: invalid recipient %q: %w", address, err)
	}
	r := &Recipient{Address: address, Maildir: md}
	tx.recipients = append(tx.recipients, r)
	if tx.firstRecipient == nil {
		tx.firstRecipient = r
	}
	return nil
}

// Recipients returns the accepted recipients in insertion order.
func (tx *Transaction) Recipients() []*Recipient { return tx.recipients }

// AddHeader generates the Return-path/Received header block and submits
// it as the first write of the transaction's body.
func (tx *Transaction) AddHeader() (WriteStatus, error) {
	if !tx.isActive {
		return Error, ErrNotActive
	}
	if tx.firstRecipient == nil {
		return Error, fmt.Errorf("mailtx: add_header requires at least one recipient")
	}

	tx.header = []byte(fmt.Sprintf(
		"Return-path: <%s>\r\nReceived: from %s(%s) by %s(%s) via SMTP for %s; %s\r\n",
		tx.reversePath, tx.domain, tx.peerIP, tx.hostname, tx.localIP,
		tx.firstRecipient.Address, time.Now().Format("Mon, 2 Jan 2006 15:04:05 -0700"),
	))

	return tx.AddData(tx.header)
}

// AddData submits an async write of exactly len(buf) bytes. The caller
// must not mutate buf until the write drains (AddDataStatus returns
// Done or Error). Returns ErrWriteInFlight if the previous write hasn't
// drained yet — the caller should retry on a later poll tick.
func (tx *Transaction) AddData(buf []byte) (WriteStatus, error) {
	if !tx.isActive {
		return Error, ErrNotActive
	}
	if tx.writeStatus == Wait {
		return Wait, ErrWriteInFlight
	}

	if tx.file == nil {
		if err := tx.openDataFile(); err != nil {
			return Error, err
		}
	}

	tx.submit(buf)
	return Wait, nil
}

// AddDataStatus polls the current write without blocking.
func (tx *Transaction) AddDataStatus() WriteStatus {
	if tx.writeStatus != Wait {
		return tx.writeStatus
	}
	select {
	case res := <-tx.statusCh:
		tx.offset += int64(res.n)
		if res.err != nil {
			tx.writeStatus = Error
			tx.writeErr = res.err
		} else {
			tx.writeStatus = Done
		}
	default:
	}
	return tx.writeStatus
}

// WriteError returns the error observed by the last completed write, if
// any.
func (tx *Transaction) WriteError() error { return tx.writeErr }

func (tx *Transaction) openDataFile() error {
	if tx.firstRecipient == nil {
		return fmt.Errorf("mailtx: cannot open data file without a recipient")
	}
	md := tx.firstRecipient.Maildir
	if err := md.Init(); err != nil {
		return err
	}

	tx.dataFilename = generateFilename()
	f, err := md.CreateFile(tx.dataFilename)
	if err != nil {
		return err
	}
	tx.file = f
	tx.offset = 0
	tx.statusCh = make(chan writeResult, 1)
	return nil
}

func (tx *Transaction) submit(buf []byte) {
	tx.writeStatus = Wait
	tx.writeErr = nil
	f := tx.file
	ch := tx.statusCh
	expected := len(buf)
	go func() {
		n, err := f.Write(buf)
		if err == nil && n < expected {
			err = fmt.Errorf("mailtx: short write %d/%d bytes", n, expected)
		}
		ch <- writeResult{n: n, err: err}
	}()
}

// Commit publishes the canonical file into the first recipient's new/
// directory and hard-link-clones it into every other recipient's
// Maildir. Returns Wait if the final write hasn't drained yet.
//
// If cloning fails partway through, the first recipient's file is
// already published and is left in place; the caller surfaces ERROR to
// the client and logs the partial delivery (spec.md §9, §4.D).
func (tx *Transaction) Commit() (WriteStatus, error) {
	if !tx.isActive {
		return Error, ErrNotActive
	}

	status := tx.AddDataStatus()
	switch status {
	case Wait:
		return Wait, nil
	case NotStarted:
		// No DATA was ever submitted; nothing to publish.
		tx.isActive = false
		return Error, fmt.Errorf("mailtx: commit with no data written")
	case Error:
		tx.abortFile()
		tx.isActive = false
		return Error, tx.writeErr
	}

	if err := tx.file.Close(); err != nil {
		tx.abortFile()
		tx.isActive = false
		return Error, fmt.Errorf("mailtx: close before publish: %w", err)
	}
	tx.file = nil

	if err := tx.firstRecipient.Maildir.MoveToNew(tx.dataFilename); err != nil {
		tx.isActive = false
		return Error, fmt.Errorf("mailtx: publish canonical file: %w", err)
	}

	for _, r := range tx.recipients {
		if r == tx.firstRecipient {
			continue
		}
		if err := r.Maildir.Init(); err != nil {
			tx.isActive = false
			return Error, fmt.Errorf("mailtx: partial delivery, clone init failed for %s: %w", r.Address, err)
		}
		if err := r.Maildir.CloneFile(tx.firstRecipient.Maildir, tx.dataFilename); err != nil {
			tx.isActive = false
			return Error, fmt.Errorf("mailtx: partial delivery, clone failed for %s: %w", r.Address, err)
		}
	}

	tx.isActive = false
	metrics.TransactionsCommitted.Inc()
	return Done, nil
}

// Rollback waits for any in-flight write to finish (the write is not
// cancelled), unlinks the tmp file, clears the envelope and recipients,
// but preserves Domain so the session stays greeted.
func (tx *Transaction) Rollback() {
	if tx.writeStatus == Wait {
		// There is no true cancellation of an in-flight goroutine write;
		// block until it finishes and discard its result.
		<-tx.statusCh
	}
	tx.abortFile()

	if tx.isActive {
		metrics.TransactionsRolledBack.Inc()
	}

	tx.reversePath = ""
	tx.header = nil
	tx.recipients = nil
	tx.firstRecipient = nil
	tx.isActive = false
}

// Destroy tears down the transaction unconditionally: waits out any
// in-flight write of an active transaction (see Rollback) and removes the
// tmp file, regardless of is_active.
func (tx *Transaction) Destroy() {
	if tx.isActive {
		tx.Rollback()
		return
	}
	tx.abortFile()
}

func (tx *Transaction) abortFile() {
	if tx.file != nil {
		tx.file.Close()
		tx.file = nil
	}
	if tx.firstRecipient != nil && tx.dataFilename != "" {
		if err := tx.firstRecipient.Maildir.RemoveFile(tx.dataFilename); err != nil && tx.logger != nil {
			tx.logger.Warn("mailtx: failed to remove tmp file on rollback", "filename", tx.dataFilename, "error", err)
		}
	}
	tx.resetWritePipeline()
}

func (tx *Transaction) resetWritePipeline() {
	tx.file = nil
	tx.offset = 0
	tx.writeStatus = NotStarted
	tx.writeErr = nil
	tx.statusCh = nil
}

// generateFilename builds the globally unique filename per spec.md §4.D:
// {sec:016x}_{usec:016x}_{pid:08x}_{rand:08x}_{hostname}.eml
func generateFilename() string {
	now := time.Now()
	sec := now.Unix()
	usec := now.UnixMicro() % 1_000_000
	pid := os.Getpid()
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	return fmt.Sprintf("%016x_%016x_%08x_%08x_%s.eml", sec, usec, pid, randomUint32(), hostname)
}

// randomUint32 draws the filename's random segment. uuid.New() is used
// as the entropy source to stay consistent with the rest of the
// codebase's UUID tagging (internal/session).
func randomUint32() uint32 {
	id := uuid.New()
	return uint32(id[0])<<24 | uint32(id[1])<<16 | uint32(id[2])<<8 | uint32(id[3])
}
