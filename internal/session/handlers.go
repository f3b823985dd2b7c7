package session

import (
	"github.com/elsid-go/smtpd/internal/mailtx"
	"github.com/elsid-go/smtpd/internal/smtpparse"
)

func handleEhlo(ctx *Context, line []byte) (Result, State) {
	if ctx.Transaction.IsActive() {
		ctx.Transaction.Rollback()
	}
	if m, ok := smtpparse.ParseEhlo(line); ok {
		ctx.Transaction.SetDomain(string(m.Value))
	}
	ctx.Out.Push(respOK)
	return ResultSucceed, StateWaitMail
}

func handleMail(ctx *Context, line []byte) (Result, State) {
	m, ok := smtpparse.ParseMail(line)
	if !ok {
		ctx.Out.Push(respReversePathSyntax())
		return ResultSucceed, StateError
	}
	ctx.Transaction.Begin()
	ctx.Transaction.SetReversePath(string(m.Value))
	ctx.Out.Push(respOK)
	return ResultSucceed, StateWaitRcpt
}

func handleRcpt(ctx *Context, line []byte) (Result, State) {
	m, ok := smtpparse.ParseRcpt(line)
	if !ok {
		ctx.Out.Push(respForwardPathSyntax())
		return ResultSucceed, StateError
	}
	if err := ctx.Transaction.AddForwardPath(string(m.Value)); err != nil {
		ctx.Out.Push(respForwardPathSyntax())
		return ResultSucceed, StateError
	}
	ctx.Out.Push(respOK)
	return ResultSucceed, StateWaitRcptOrData
}

func handleData(ctx *Context, line []byte) (Result, State) {
	status, err := ctx.Transaction.AddHeader()
	return awaitHeaderWrite(ctx, status, err)
}

func awaitHeaderWrite(ctx *Context, status mailtx.WriteStatus, err error) (Result, State) {
	switch status {
	case mailtx.Done:
		ctx.Out.Push(respStartMailInput)
		return ResultSucceed, StateWaitMoreData
	case mailtx.Wait:
		ctx.async = &asyncOp{
			poll: func(c *Context) mailtx.WriteStatus {
				return c.Transaction.AddDataStatus()
			},
			resolve: func(c *Context, s mailtx.WriteStatus) {
				if s == mailtx.Done {
					c.Out.Push(respStartMailInput)
					c.State = StateWaitMoreData
				} else {
					c.Out.Push(respLocalError)
					c.State = StateError
				}
			},
		}
		return ResultWait, StateWaitRcptOrData
	default:
		ctx.Out.Push(respLocalError)
		return ResultSucceed, StateError
	}
}

func handleRset(ctx *Context, line []byte) (Result, State) {
	if ctx.Transaction.IsActive() {
		ctx.Transaction.Rollback()
	}
	ctx.Out.Push(respOK)
	if ctx.State == StateWaitEhlo {
		return ResultSucceed, StateWaitEhlo
	}
	return ResultSucceed, StateWaitMail
}

func handleNoop(ctx *Context, line []byte) (Result, State) {
	ctx.Out.Push(respOK)
	return ResultSucceed, ctx.State
}

func handleQuit(ctx *Context, line []byte) (Result, State) {
	ctx.Out.Push(respClosing)
	return ResultSucceed, StateDone
}

func handleVrfy(ctx *Context, line []byte) (Result, State) {
	ctx.Out.Push(respCommandNotImpl)
	return ResultSucceed, ctx.State
}

// handleDataLine processes one line already consumed from the input
// buffer while in WaitMoreData: the ".\r\n" terminator (commit), an RSET
// interrupting the transaction mid-body (spec.md §8 scenario 5
// "Rollback"), or a payload line submitted to the write pipeline.
func handleDataLine(ctx *Context, line []byte) {
	if bytesEqualDataEnd(line) {
		handleDataEnd(ctx)
		return
	}
	if isRsetLine(line) {
		handleDataRset(ctx)
		return
	}

	status, err := ctx.Transaction.AddData(line)
	switch status {
	case mailtx.Wait:
		ctx.async = &asyncOp{
			poll: func(c *Context) mailtx.WriteStatus {
				return c.Transaction.AddDataStatus()
			},
			resolve: func(c *Context, s mailtx.WriteStatus) {
				if s != mailtx.Done {
					c.Out.Push(respLocalError)
					c.State = StateError
				}
			},
		}
	default:
		_ = err
		ctx.Out.Push(respLocalError)
		ctx.State = StateError
	}
}

func handleDataEnd(ctx *Context) {
	status, _ := ctx.Transaction.Commit()
	switch status {
	case mailtx.Done:
		ctx.Out.Push(respOK)
		ctx.State = StateWaitMail
	case mailtx.Wait:
		ctx.async = &asyncOp{
			poll: func(c *Context) mailtx.WriteStatus {
				s, _ := c.Transaction.Commit()
				return s
			},
			resolve: func(c *Context, s mailtx.WriteStatus) {
				if s == mailtx.Done {
					c.Out.Push(respOK)
					c.State = StateWaitMail
				} else {
					c.Out.Push(respLocalError)
					c.State = StateError
				}
			},
		}
	default:
		ctx.Out.Push(respLocalError)
		ctx.State = StateError
	}
}

func bytesEqualDataEnd(line []byte) bool {
	return string(line) == ".\r\n"
}

// isRsetLine recognizes an RSET sent mid-DATA as an interrupt rather
// than a payload line, the same token test dispatchCommand uses.
func isRsetLine(line []byte) bool {
	return extractToken(line) == "rset"
}

// handleDataRset rolls back the in-flight transaction and returns to
// WaitMail, per spec.md §8 scenario 5: the partial tmp/ file is
// unlinked and no file is ever published to new/.
func handleDataRset(ctx *Context) {
	if ctx.Transaction.IsActive() {
		ctx.Transaction.Rollback()
	}
	ctx.Out.Push(respOK)
	ctx.State = StateWaitMail
}
