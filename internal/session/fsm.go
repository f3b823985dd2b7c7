package session

// handlerFunc runs a recognized command against the context and reports
// how the dispatcher should proceed: the next state to land in (when
// Result is ResultSucceed) or the current state to hold at (when Result
// is ResultWait, pending an async transaction write).
type handlerFunc func(ctx *Context, line []byte) (Result, State)

// commandTables is the per-state "token -> handler" map (spec.md §4.F). A
// verb absent from the current state's table but present in allVerbs is
// a sequence error (503); a token absent from allVerbs entirely is a
// syntax error (500).
var commandTables = map[State]map[string]handlerFunc{
	StateWaitEhlo: {
		"ehlo": handleEhlo,
		"helo": handleEhlo,
		"rset": handleRset,
		"noop": handleNoop,
		"quit": handleQuit,
		"vrfy": handleVrfy,
	},
	StateWaitMail: {
		"mail": handleMail,
		"ehlo": handleEhlo,
		"helo": handleEhlo,
		"rset": handleRset,
		"noop": handleNoop,
		"quit": handleQuit,
		"vrfy": handleVrfy,
	},
	StateWaitRcpt: {
		"rcpt": handleRcpt,
		"ehlo": handleEhlo,
		"helo": handleEhlo,
		"rset": handleRset,
		"noop": handleNoop,
		"quit": handleQuit,
		"vrfy": handleVrfy,
	},
	StateWaitRcptOrData: {
		"rcpt": handleRcpt,
		"data": handleData,
		"ehlo": handleEhlo,
		"helo": handleEhlo,
		"rset": handleRset,
		"noop": handleNoop,
		"quit": handleQuit,
		"vrfy": handleVrfy,
	},
	StateError: {
		"ehlo": handleEhlo,
		"helo": handleEhlo,
		"rset": handleRset,
		"noop": handleNoop,
		"quit": handleQuit,
		"vrfy": handleVrfy,
	},
}

// allVerbs is every command token the wire protocol recognizes
// (spec.md §6), used to distinguish a 503 sequence error (known verb,
// wrong state) from a 500 syntax error (unknown token entirely).
var allVerbs = map[string]bool{
	"ehlo": true,
	"helo": true,
	"mail": true,
	"rcpt": true,
	"data": true,
	"noop": true,
	"rset": true,
	"quit": true,
	"vrfy": true,
}

func lookup(state State, token string) (handlerFunc, bool) {
	table, ok := commandTables[state]
	if !ok {
		return nil, false
	}
	handler, ok := table[token]
	return handler, ok
}
