package session

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/elsid-go/smtpd/internal/config"
)

func testConfig(root string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Maildir.Root = root
	cfg.Server.Hostname = "mail.example.net"
	cfg.Server.MaxInMessageSize = 1 << 20
	cfg.Server.Timeout = 100 * time.Millisecond
	return cfg
}

func newTestContext(t *testing.T, root string) *Context {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := NewContext(testConfig(root), logger, nil, "203.0.113.5", "10.0.0.1")
	Begin(ctx)
	return ctx
}

// drain ticks the dispatcher until no complete line remains in the input
// buffer and no async write is pending.
func drain(t *testing.T, ctx *Context) {
	t.Helper()
	for i := 0; i < 100000; i++ {
		if ctx.In.Find(crlf) == -1 && ctx.async == nil {
			return
		}
		Tick(ctx)
	}
	t.Fatal("drain: exceeded iteration budget")
}

func feed(t *testing.T, ctx *Context, data string) {
	t.Helper()
	ctx.In.Append([]byte(data))
	drain(t, ctx)
}

func popAllResponses(ctx *Context) []string {
	var out []string
	for !ctx.Out.Empty() {
		out = append(out, string(ctx.Out.items[0]))
		ctx.Out.items = ctx.Out.items[1:]
	}
	ctx.Out.offset = 0
	return out
}

func TestHappyPathSingleRecipient(t *testing.T) {
	root := t.TempDir()
	ctx := newTestContext(t, root)

	if got := popAllResponses(ctx); len(got) != 1 || got[0] != "220 Service ready\r\n" {
		t.Fatalf("greeting = %v", got)
	}

	feed(t, ctx, "EHLO example.net\r\n")
	if got := popAllResponses(ctx); len(got) != 1 || got[0] != "250 Ok\r\n" {
		t.Fatalf("EHLO response = %v", got)
	}
	if ctx.State != StateWaitMail {
		t.Fatalf("state after EHLO = %v", ctx.State)
	}

	feed(t, ctx, "MAIL FROM:<a@example.net>\r\n")
	if got := popAllResponses(ctx); len(got) != 1 || got[0] != "250 Ok\r\n" {
		t.Fatalf("MAIL response = %v", got)
	}

	feed(t, ctx, "RCPT TO:<b@example.org>\r\n")
	if got := popAllResponses(ctx); len(got) != 1 || got[0] != "250 Ok\r\n" {
		t.Fatalf("RCPT response = %v", got)
	}

	feed(t, ctx, "DATA\r\n")
	if got := popAllResponses(ctx); len(got) != 1 || got[0] != "354 Start mail input; end with <CRLF>.<CRLF>\r\n" {
		t.Fatalf("DATA response = %v", got)
	}
	if ctx.State != StateWaitMoreData {
		t.Fatalf("state after DATA = %v", ctx.State)
	}

	feed(t, ctx, "Subject: hi\r\n\r\nHello\r\n.\r\n")
	if got := popAllResponses(ctx); len(got) != 1 || got[0] != "250 Ok\r\n" {
		t.Fatalf("DATA end response = %v", got)
	}
	if ctx.State != StateWaitMail {
		t.Fatalf("state after DATA end = %v", ctx.State)
	}

	feed(t, ctx, "QUIT\r\n")
	if got := popAllResponses(ctx); len(got) != 1 || got[0] != "221 Service closing transmission channel\r\n" {
		t.Fatalf("QUIT response = %v", got)
	}
	if ctx.State != StateDone {
		t.Fatalf("state after QUIT = %v", ctx.State)
	}

	matches, _ := filepath.Glob(filepath.Join(root, "example.org", "b", "Maildir", "new", "*"))
	if len(matches) != 1 {
		t.Fatalf("expected one delivered file, got %d", len(matches))
	}
	content, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("read delivered file: %v", err)
	}
	if !hasPrefix(string(content), "Return-path: <a@example.net>") {
		t.Fatalf("missing Return-path prefix: %q", content)
	}
	if !hasSuffix(string(content), "Hello\r\n") {
		t.Fatalf("missing Hello suffix: %q", content)
	}
}

func TestBadSequenceRecovery(t *testing.T) {
	root := t.TempDir()
	ctx := newTestContext(t, root)
	popAllResponses(ctx)

	feed(t, ctx, "EHLO x\r\n")
	popAllResponses(ctx)

	feed(t, ctx, "DATA\r\n")
	got := popAllResponses(ctx)
	if len(got) != 1 || got[0] != "503 Bad sequence of commands\r\n" {
		t.Fatalf("DATA out of sequence = %v", got)
	}
	if ctx.State != StateError {
		t.Fatalf("state after bad sequence = %v", ctx.State)
	}

	feed(t, ctx, "RSET\r\n")
	got = popAllResponses(ctx)
	if len(got) != 1 || got[0] != "250 Ok\r\n" {
		t.Fatalf("RSET response = %v", got)
	}
	if ctx.State != StateWaitMail {
		t.Fatalf("state after RSET = %v", ctx.State)
	}
}

func TestParseFailureRecovery(t *testing.T) {
	root := t.TempDir()
	ctx := newTestContext(t, root)
	popAllResponses(ctx)

	feed(t, ctx, "EHLO x\r\n")
	popAllResponses(ctx)

	feed(t, ctx, "MAIL FROM:<>\r\n")
	got := popAllResponses(ctx)
	if len(got) != 1 || got[0] != "555 Syntax error in reverse-path or not present\r\n" {
		t.Fatalf("empty MAIL response = %v", got)
	}
	if ctx.State != StateError {
		t.Fatalf("state after parse failure = %v", ctx.State)
	}

	feed(t, ctx, "EHLO x\r\n")
	got = popAllResponses(ctx)
	if len(got) != 1 || got[0] != "250 Ok\r\n" {
		t.Fatalf("EHLO recovery response = %v", got)
	}

	feed(t, ctx, "MAIL FROM:<a@x>\r\n")
	got = popAllResponses(ctx)
	if len(got) != 1 || got[0] != "250 Ok\r\n" {
		t.Fatalf("valid MAIL response = %v", got)
	}
}

func TestRollbackMidData(t *testing.T) {
	root := t.TempDir()
	ctx := newTestContext(t, root)
	popAllResponses(ctx)

	feed(t, ctx, "EHLO x\r\n")
	popAllResponses(ctx)
	feed(t, ctx, "MAIL FROM:<a@example.net>\r\n")
	popAllResponses(ctx)
	feed(t, ctx, "RCPT TO:<b@example.org>\r\n")
	popAllResponses(ctx)
	feed(t, ctx, "DATA\r\n")
	popAllResponses(ctx)

	feed(t, ctx, "RSET\r\n")
	got := popAllResponses(ctx)
	if len(got) != 1 || got[0] != "250 Ok\r\n" {
		t.Fatalf("RSET mid-DATA response = %v", got)
	}

	newMatches, _ := filepath.Glob(filepath.Join(root, "example.org", "b", "Maildir", "new", "*"))
	if len(newMatches) != 0 {
		t.Fatalf("expected no published file after rollback, got %v", newMatches)
	}
	tmpMatches, _ := filepath.Glob(filepath.Join(root, "example.org", "b", "Maildir", "tmp", "*"))
	if len(tmpMatches) != 0 {
		t.Fatalf("expected no tmp file left after rollback, got %v", tmpMatches)
	}
}

func TestTimeoutTransitionsToInvalid(t *testing.T) {
	root := t.TempDir()
	ctx := newTestContext(t, root)
	popAllResponses(ctx)

	feed(t, ctx, "EHLO x\r\n")
	popAllResponses(ctx)

	time.Sleep(150 * time.Millisecond)
	Tick(ctx)

	if ctx.State != StateInvalid {
		t.Fatalf("state after idle timeout = %v", ctx.State)
	}
}

func TestVrfyNotImplemented(t *testing.T) {
	root := t.TempDir()
	ctx := newTestContext(t, root)
	popAllResponses(ctx)

	feed(t, ctx, "VRFY someone\r\n")
	got := popAllResponses(ctx)
	if len(got) != 1 || got[0] != "502 Command not implemented\r\n" {
		t.Fatalf("VRFY response = %v", got)
	}
	if ctx.State != StateWaitEhlo {
		t.Fatalf("VRFY should not change state, got %v", ctx.State)
	}
}

func TestUnknownCommandSyntaxError(t *testing.T) {
	root := t.TempDir()
	ctx := newTestContext(t, root)
	popAllResponses(ctx)

	feed(t, ctx, "BOGUS\r\n")
	got := popAllResponses(ctx)
	if len(got) != 1 || got[0] != "500 Syntax error, command unrecognized\r\n" {
		t.Fatalf("unknown command response = %v", got)
	}
	if ctx.State != StateError {
		t.Fatalf("state after unknown command = %v", ctx.State)
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}
