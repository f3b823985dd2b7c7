package session

import (
	"bytes"
	"strings"

	"github.com/elsid-go/smtpd/internal/buffer"
	"github.com/elsid-go/smtpd/internal/mailtx"
)

var crlf = []byte("\r\n")

// asyncOp is a pending transaction write or commit the dispatcher must
// poll on subsequent ticks instead of re-parsing a command (spec.md §4.F
// "is_wait_transition").
type asyncOp struct {
	poll    func(ctx *Context) mailtx.WriteStatus
	resolve func(ctx *Context, status mailtx.WriteStatus)
}

// Begin greets a freshly accepted connection (the FSM's Begin event).
func Begin(ctx *Context) {
	ctx.Out.Push(respReady)
	ctx.State = StateWaitEhlo
	ctx.Touch()
}

// Tick runs one dispatcher pass over ctx: it resumes a pending async
// write if one exists, otherwise checks the idle timeout and processes
// at most one buffered command (or, in WaitMoreData, one payload line).
func Tick(ctx *Context) {
	if ctx.async != nil {
		resumeAsync(ctx)
		return
	}

	if ctx.State == StateInit || ctx.State.Terminal() {
		return
	}

	if ctx.IdleFor() > ctx.Settings.Server.Timeout {
		ctx.State = StateInvalid
		return
	}

	if ctx.State == StateWaitMoreData {
		dispatchDataLine(ctx)
		return
	}

	dispatchCommand(ctx)
}

func resumeAsync(ctx *Context) {
	op := ctx.async
	status := op.poll(ctx)
	if status == mailtx.Wait {
		return
	}
	ctx.async = nil
	ctx.IsWaitTransition = false
	op.resolve(ctx, status)
	ctx.Touch()
}

func dispatchCommand(ctx *Context) {
	skipLeadingWhitespace(ctx)

	end := ctx.In.Find(crlf)
	if end == buffer.NotFound {
		return
	}
	line := append([]byte(nil), ctx.In.Unread()[:end+len(crlf)]...)

	token := extractToken(line)
	handler, ok := lookup(ctx.State, token)
	if !ok {
		ctx.In.Advance(len(line))
		if allVerbs[token] {
			ctx.Out.Push(respBadSequence)
		} else {
			ctx.Out.Push(respSyntaxError)
		}
		ctx.State = StateError
		ctx.Touch()
		return
	}

	ctx.In.Advance(len(line))
	result, next := handler(ctx, line)
	if result == ResultWait {
		ctx.IsWaitTransition = true
		return
	}
	switch result {
	case ResultFailed:
		// Stay in the current state; the handler already responded.
	case ResultError:
		ctx.Out.Push(respLocalError)
		ctx.State = StateError
	default:
		ctx.State = next
	}
	ctx.Touch()
}

// dispatchDataLine hands one buffered line to handleDataLine while in
// WaitMoreData. handleDataLine itself distinguishes the DATA_END
// terminator and a mid-body RSET interrupt from ordinary payload bytes.
func dispatchDataLine(ctx *Context) {
	end := ctx.In.Find(crlf)
	if end == buffer.NotFound {
		return
	}
	line := append([]byte(nil), ctx.In.Unread()[:end+len(crlf)]...)
	ctx.In.Advance(len(line))

	handleDataLine(ctx, line)
	if ctx.async != nil {
		ctx.IsWaitTransition = true
		return
	}
	ctx.Touch()
}

func skipLeadingWhitespace(ctx *Context) {
	u := ctx.In.Unread()
	n := 0
	for n < len(u) && (u[n] == ' ' || u[n] == '\t' || u[n] == '\r' || u[n] == '\n') {
		n++
	}
	if n > 0 {
		ctx.In.Advance(n)
	}
}

// extractToken returns the lowercase command verb, bounded at the first
// space or the line's CRLF, clamped to 4 bytes (spec.md §4.F step 4).
func extractToken(line []byte) string {
	idx := bytes.IndexByte(line, ' ')
	if idx == -1 {
		idx = len(line) - 2 // strip trailing CRLF
	}
	if idx > len(line) {
		idx = len(line)
	}
	token := line[:idx]
	if len(token) > 4 {
		token = token[:4]
	}
	return strings.ToLower(string(token))
}
