// Package maildir implements the per-recipient Maildir tree (spec.md
// §4.B): creation of tmp/new/cur, creating files in tmp/, atomically
// publishing into new/, and hard-linking a published file into a peer
// recipient's new/ for O(1) multi-recipient delivery of one artifact.
package maildir

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// dirMode matches spec.md §4.B: "mode 0777 (umask applies)".
const dirMode = 0o777

// fileMode matches spec.md §4.B's create_file contract.
const fileMode = 0o644

// Maildir is the directory tree rooted at <root>/<domain>/<user>/Maildir.
type Maildir struct {
	base string // <root>/<domain>/<user>/Maildir
}

// New resolves the Maildir for a forward-path address under root R, per
// spec.md §4.B: R/<domain>/<user>/Maildir.
func New(root, address string) (*Maildir, error) {
	local, domain, err := split(address)
	if err != nil {
		return nil, err
	}
	return &Maildir{base: filepath.Join(root, domain, local, "Maildir")}, nil
}

func split(address string) (local, domain string, err error) {
	at := strings.LastIndexByte(address, '@')
	if at <= 0 || at == len(address)-1 {
		return "", "", fmt.Errorf("maildir: address %q has no local/domain split", address)
	}
	return address[:at], address[at+1:], nil
}

// Base returns the Maildir root directory (the one containing
// tmp/new/cur).
func (m *Maildir) Base() string { return m.base }

func (m *Maildir) tmpDir() string { return filepath.Join(m.base, "tmp") }
func (m *Maildir) newDir() string { return filepath.Join(m.base, "new") }
func (m *Maildir) curDir() string { return filepath.Join(m.base, "cur") }

// Init creates tmp/, new/, cur/ recursively if they don't already exist.
func (m *Maildir) Init() error {
	for _, dir := range []string{m.tmpDir(), m.newDir(), m.curDir()} {
		if err := os.MkdirAll(dir, dirMode); err != nil {
			return fmt.Errorf("maildir: failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// CreateFile opens tmp/name with O_CREAT|O_WRONLY|O_EXCL, failing if a
// file of that name already exists.
func (m *Maildir) CreateFile(name string) (*os.File, error) {
	path := filepath.Join(m.tmpDir(), name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, fileMode)
	if err != nil {
		return nil, fmt.Errorf("maildir: create_file %s: %w", path, err)
	}
	return f, nil
}

// MoveToNew renames tmp/name to new/name, atomic on the same
// filesystem.
func (m *Maildir) MoveToNew(name string) error {
	src := filepath.Join(m.tmpDir(), name)
	dst := filepath.Join(m.newDir(), name)
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("maildir: move_to_new %s: %w", name, err)
	}
	return nil
}

// CloneFile hard-links src's new/name into this Maildir's new/name,
// giving O(1) multi-recipient delivery of a single on-disk artifact.
// Assumes src and this Maildir share a filesystem.
func (m *Maildir) CloneFile(src *Maildir, name string) error {
	srcPath := filepath.Join(src.newDir(), name)
	dstPath := filepath.Join(m.newDir(), name)
	if err := os.Link(srcPath, dstPath); err != nil {
		return fmt.Errorf("maildir: clone_file %s -> %s: %w", srcPath, dstPath, err)
	}
	return nil
}

// RemoveFile unlinks tmp/name. Used on rollback of a never-published
// transaction.
func (m *Maildir) RemoveFile(name string) error {
	path := filepath.Join(m.tmpDir(), name)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("maildir: remove_file %s: %w", path, err)
	}
	return nil
}
