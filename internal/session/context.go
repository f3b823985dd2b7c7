package session

import (
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/elsid-go/smtpd/internal/buffer"
	"github.com/elsid-go/smtpd/internal/config"
	"github.com/elsid-go/smtpd/internal/mailtx"
)

// Context is the per-connection state a worker keys by client socket fd
// (spec.md §3 "Context", §4.E).
type Context struct {
	Settings *config.Config
	Log      *slog.Logger

	State            State
	In               *buffer.Buffer
	Out              *OutQueue
	Socket           net.Conn
	IsWaitTransition bool
	Command          string
	UUID             string
	Transaction      *mailtx.Transaction

	InitTime       time.Time
	LastActionTime time.Time

	PeerIP  string
	LocalIP string

	async *asyncOp
}

// NewContext allocates a fresh context for an accepted connection: a UUID
// tag, an input buffer sized to the configured max message size, and a
// transaction bound to the connection's addresses. State starts at Init;
// the caller drives Begin to produce the greeting.
func NewContext(settings *config.Config, log *slog.Logger, socket net.Conn, peerIP, localIP string) *Context {
	now := time.Now()
	id := uuid.New().String()
	sessionLog := log.With("uuid", id)
	return &Context{
		Settings:       settings,
		Log:            sessionLog,
		State:          StateInit,
		In:             buffer.New(settings.Server.MaxInMessageSize),
		Out:            newOutQueue(),
		Socket:         socket,
		UUID:           id,
		Transaction:    mailtx.New(settings.Maildir.Root, settings.Server.Hostname, localIP, peerIP, sessionLog),
		InitTime:       now,
		LastActionTime: now,
		PeerIP:         peerIP,
		LocalIP:        localIP,
	}
}

// Touch records that a command was just processed, resetting the idle
// timeout clock.
func (c *Context) Touch() {
	c.LastActionTime = time.Now()
}

// IdleFor reports how long the context has gone without a processed
// command.
func (c *Context) IdleFor() time.Duration {
	return time.Since(c.LastActionTime)
}

// Teardown logs the session's duration and destroys the transaction
// (waiting out any in-flight write and unlinking its tmp file), per
// spec.md §4.E.
func (c *Context) Teardown() {
	c.Log.Info("session closed",
		"state", c.State.String(),
		"duration", time.Since(c.InitTime))
	c.Transaction.Destroy()
}
