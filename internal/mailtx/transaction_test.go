package mailtx

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func newTestTransaction(t *testing.T, root string) *Transaction {
	t.Helper()
	return New(root, "mail.example.net", "10.0.0.1", "203.0.113.5", nil)
}

func drainWrite(t *testing.T, tx *Transaction) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for tx.AddDataStatus() == Wait {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for write to drain")
		default:
		}
	}
}

func TestBeginActivatesWithEmptyReversePath(t *testing.T) {
	tx := newTestTransaction(t, t.TempDir())
	tx.Begin()
	if !tx.IsActive() {
		t.Fatal("expected transaction to be active after Begin")
	}
	if tx.ReversePath() != "" {
		t.Fatal("expected empty reverse path right after Begin")
	}
}

func TestSingleRecipientRoundTrip(t *testing.T) {
	root := t.TempDir()
	tx := newTestTransaction(t, root)

	tx.Begin()
	if err := tx.SetReversePath("a@example.net"); err != nil {
		t.Fatalf("SetReversePath: %v", err)
	}
	tx.SetDomain("example.net")
	if err := tx.AddForwardPath("b@example.org"); err != nil {
		t.Fatalf("AddForwardPath: %v", err)
	}

	if _, err := tx.AddHeader(); err != nil {
		t.Fatalf("AddHeader: %v", err)
	}
	drainWrite(t, tx)

	body := []byte("Subject: hi\r\n\r\nHello\r\n")
	if _, err := tx.AddData(body); err != nil {
		t.Fatalf("AddData: %v", err)
	}
	drainWrite(t, tx)

	status, err := tx.Commit()
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if status != Done {
		t.Fatalf("Commit status = %v, want Done", status)
	}

	matches, _ := filepath.Glob(filepath.Join(root, "example.org", "b", "Maildir", "new", "*"))
	if len(matches) != 1 {
		t.Fatalf("expected exactly one file in new/, got %d", len(matches))
	}

	content, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("failed to read delivered file: %v", err)
	}
	if !strings.Contains(string(content), "Return-path: <a@example.net>") {
		t.Fatalf("missing Return-path header: %q", content)
	}
	if !strings.Contains(string(content), "Hello\r\n") {
		t.Fatalf("missing body tail: %q", content)
	}
}

// TestRecipientOrderPreserved exercises go-cmp to compare the recipient
// address list against the exact RCPT TO insertion order (spec.md §3
// "Recipient ... First recipient in insertion order is canonical").
func TestRecipientOrderPreserved(t *testing.T) {
	root := t.TempDir()
	tx := newTestTransaction(t, root)

	tx.Begin()
	tx.SetReversePath("a@example.net")
	for _, addr := range []string{"b@example.org", "c@example.org", "d@example.org"} {
		if err := tx.AddForwardPath(addr); err != nil {
			t.Fatalf("AddForwardPath(%s): %v", addr, err)
		}
	}

	var got []string
	for _, r := range tx.Recipients() {
		got = append(got, r.Address)
	}
	want := []string{"b@example.org", "c@example.org", "d@example.org"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("recipient order mismatch (-want +got):\n%s", diff)
	}
}

func TestMultipleRecipientsShareInode(t *testing.T) {
	root := t.TempDir()
	tx := newTestTransaction(t, root)

	tx.Begin()
	tx.SetReversePath("a@example.net")
	tx.SetDomain("example.net")
	tx.AddForwardPath("b@example.org")
	tx.AddForwardPath("c@example.org")

	tx.AddHeader()
	drainWrite(t, tx)
	tx.AddData([]byte("body\r\n"))
	drainWrite(t, tx)

	status, err := tx.Commit()
	if err != nil || status != Done {
		t.Fatalf("Commit failed: status=%v err=%v", status, err)
	}

	bMatches, _ := filepath.Glob(filepath.Join(root, "example.org", "b", "Maildir", "new", "*"))
	cMatches, _ := filepath.Glob(filepath.Join(root, "example.org", "c", "Maildir", "new", "*"))
	if len(bMatches) != 1 || len(cMatches) != 1 {
		t.Fatalf("expected one file per recipient, got b=%d c=%d", len(bMatches), len(cMatches))
	}

	bInfo, _ := os.Stat(bMatches[0])
	cInfo, _ := os.Stat(cMatches[0])
	if !os.SameFile(bInfo, cInfo) {
		t.Fatal("expected both recipients to share the same inode")
	}
}

func TestRollbackRemovesTmpFile(t *testing.T) {
	root := t.TempDir()
	tx := newTestTransaction(t, root)

	tx.Begin()
	tx.SetReversePath("a@example.net")
	tx.SetDomain("example.net")
	tx.AddForwardPath("b@example.org")

	tx.AddHeader()
	drainWrite(t, tx)
	tx.AddData([]byte("partial"))
	drainWrite(t, tx)

	tx.Rollback()

	if tx.IsActive() {
		t.Fatal("expected transaction inactive after rollback")
	}
	if tx.Domain() != "example.net" {
		t.Fatal("expected domain preserved across rollback")
	}

	tmpMatches, _ := filepath.Glob(filepath.Join(root, "example.org", "b", "Maildir", "tmp", "*"))
	if len(tmpMatches) != 0 {
		t.Fatalf("expected no files left in tmp/, got %v", tmpMatches)
	}
	newMatches, _ := filepath.Glob(filepath.Join(root, "example.org", "b", "Maildir", "new", "*"))
	if len(newMatches) != 0 {
		t.Fatalf("expected no files in new/, got %v", newMatches)
	}
}

func TestNRecipientsSameContentHash(t *testing.T) {
	for _, n := range []int{1, 3, 16} {
		n := n
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			root := t.TempDir()
			tx := newTestTransaction(t, root)
			tx.Begin()
			tx.SetReversePath("a@example.net")
			tx.SetDomain("example.net")

			for i := 0; i < n; i++ {
				if err := tx.AddForwardPath(fmt.Sprintf("user%d@example.org", i)); err != nil {
					t.Fatalf("AddForwardPath: %v", err)
				}
			}

			tx.AddHeader()
			drainWrite(t, tx)
			body := []byte("payload line one\r\npayload line two\r\n")
			tx.AddData(body)
			drainWrite(t, tx)

			status, err := tx.Commit()
			if err != nil || status != Done {
				t.Fatalf("Commit failed: status=%v err=%v", status, err)
			}

			var hashes []string
			for i := 0; i < n; i++ {
				matches, _ := filepath.Glob(filepath.Join(root, "example.org", fmt.Sprintf("user%d", i), "Maildir", "new", "*"))
				if len(matches) != 1 {
					t.Fatalf("recipient %d: expected 1 file, got %d", i, len(matches))
				}
				content, err := os.ReadFile(matches[0])
				if err != nil {
					t.Fatalf("read failed: %v", err)
				}
				sum := sha256.Sum256(content)
				hashes = append(hashes, fmt.Sprintf("%x", sum))
			}
			for i := 1; i < len(hashes); i++ {
				if hashes[i] != hashes[0] {
					t.Fatalf("hash mismatch at recipient %d", i)
				}
			}
		})
	}
}
