// Package session implements the per-connection SMTP context, FSM, and
// dispatcher (spec.md §3 "Context", §4.E, §4.F): a nonblocking state
// machine that parses buffered input into commands, drives a mail
// transaction, and enqueues response buffers for the worker to drain.
package session

// State is one node of the SMTP command-sequence FSM.
type State int

const (
	StateInit State = iota
	StateWaitEhlo
	StateWaitMail
	StateWaitRcpt
	StateWaitRcptOrData
	StateWaitMoreData
	StateError
	StateInvalid
	StateDone
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateWaitEhlo:
		return "WAIT_EHLO"
	case StateWaitMail:
		return "WAIT_MAIL"
	case StateWaitRcpt:
		return "WAIT_RCPT"
	case StateWaitRcptOrData:
		return "WAIT_RCPT_OR_DATA"
	case StateWaitMoreData:
		return "WAIT_MORE_DATA"
	case StateError:
		return "ERROR"
	case StateInvalid:
		return "INVALID"
	case StateDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further command is ever dispatched once a
// context reaches this state (spec.md §4.F "Terminal disposition").
func (s State) Terminal() bool {
	return s == StateDone || s == StateInvalid
}

// Event is one FSM input. Most events are driven by the dispatcher
// recognizing a command token; Begin/Timeout are driven by the worker.
type Event int

const (
	EventBegin Event = iota
	EventRset
	EventEhlo
	EventMail
	EventRcpt
	EventData
	EventMoreData
	EventDataEnd
	EventQuit
	EventTimeout
	EventInvalid
)

// Result is the outcome a command handler hands back to the dispatcher
// (spec.md §4.F "Transition result codes").
type Result int

const (
	// ResultSucceed advances to the table's next state; the line is
	// consumed.
	ResultSucceed Result = iota
	// ResultFailed keeps the current state; the line is consumed; the
	// handler has already enqueued its response.
	ResultFailed
	// ResultWait keeps the current state and sets IsWaitTransition; the
	// line is consumed, and the dispatcher resumes the handler's pending
	// async op on later ticks instead of re-reading the command.
	ResultWait
	// ResultError transitions to StateError and enqueues 451.
	ResultError
)
