// Package fdpass implements the file-descriptor passing primitive
// spec.md §6 describes as the wire-level contract between master and
// worker: a Unix domain SOCK_DGRAM socketpair carrying one accepted
// client fd per message via an SCM_RIGHTS ancillary message, body a
// single zero byte.
//
// The in-process dispatcher (SPEC_FULL.md §0) hands client connections
// to workers over a Go channel instead, since goroutines already share
// a descriptor table. This package is kept and tested directly so the
// FD-passing contract itself is implemented, not just described.
package fdpass

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Pair is one end of a Unix domain SOCK_DGRAM socketpair used as a
// control channel between master and worker.
type Pair struct {
	fd int
}

// NewControlPair creates a connected pair of datagram sockets, mirroring
// the original's socketpair-based control channel: the master keeps one
// end, the worker gets the other.
func NewControlPair() (master, worker *Pair, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("fdpass: socketpair: %w", err)
	}
	return &Pair{fd: fds[0]}, &Pair{fd: fds[1]}, nil
}

// FD returns the raw file descriptor backing this end of the pair, for
// use with poll/epoll.
func (p *Pair) FD() int { return p.fd }

// Close closes this end of the pair.
func (p *Pair) Close() error {
	return unix.Close(p.fd)
}

// SendFD sends fd to the peer as an SCM_RIGHTS ancillary message with a
// single zero byte as the message body, per spec.md §6 "FD passing".
func (p *Pair) SendFD(fd int) error {
	rights := unix.UnixRights(fd)
	if err := unix.Sendmsg(p.fd, []byte{0}, rights, nil, 0); err != nil {
		return fmt.Errorf("fdpass: sendmsg: %w", err)
	}
	return nil
}

// RecvFD blocks until one message carrying a single SCM_RIGHTS fd
// arrives, then returns that descriptor.
func (p *Pair) RecvFD() (int, error) {
	body := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(4))

	n, oobn, _, _, err := unix.Recvmsg(p.fd, body, oob, 0)
	if err != nil {
		return -1, fmt.Errorf("fdpass: recvmsg: %w", err)
	}
	if n < 1 {
		return -1, fmt.Errorf("fdpass: recvmsg: short message body")
	}
	if oobn == 0 {
		return -1, fmt.Errorf("fdpass: recvmsg: no ancillary data")
	}

	scms, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return -1, fmt.Errorf("fdpass: parse control message: %w", err)
	}
	for _, scm := range scms {
		fds, err := unix.ParseUnixRights(&scm)
		if err != nil {
			continue
		}
		if len(fds) > 0 {
			return fds[0], nil
		}
	}
	return -1, fmt.Errorf("fdpass: no fd found in control message")
}
