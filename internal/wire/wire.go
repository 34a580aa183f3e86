// Package wire implements the minimal request/reply framing of spec
// §6: fixed-layout binary records with a request code, variable
// payload, and optional out-of-band file descriptors carried via
// SCM_RIGHTS, read off each client's Unix-domain socket.
//
// Grounded on the teacher's fuse/server.go readRequest (a pooled
// fixed-size read buffer, decoded into a request struct) adapted from
// a single mount fd to per-client Unix sockets, with SCM_RIGHTS
// ancillary data added per spec §6 "File-descriptor passing".
package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// headerSize is the fixed-layout header: 4 bytes request code, 4
// bytes payload length, 4 bytes ancillary fd count.
const headerSize = 12

const maxPayload = 1 << 20 // 1 MiB, generous for fixed-layout control records

// Request is one decoded client request, per spec §6.
type Request struct {
	Code    uint32
	Payload []byte
	FDs     []int
}

// Reply is symmetric to Request, per spec §6 "Replies are symmetric".
type Reply struct {
	Status  uint32
	Payload []byte
	FDs     []int
}

// ReadRequest reads one fixed-layout record plus any SCM_RIGHTS
// ancillary fds off the client socket sockFD, the generalization of
// the teacher's readRequest to a socket that also carries fd passing.
func ReadRequest(sockFD int) (*Request, error) {
	hdr := make([]byte, headerSize)
	oob := make([]byte, unix.CmsgSpace(64*4)) // room for up to 64 fds

	n, oobn, _, _, err := unix.Recvmsg(sockFD, hdr, oob, 0)
	if err != nil {
		return nil, errors.Wrap(err, "recvmsg header")
	}
	if n != headerSize {
		return nil, errors.Errorf("short header read: got %d want %d", n, headerSize)
	}

	code := binary.LittleEndian.Uint32(hdr[0:4])
	payloadLen := binary.LittleEndian.Uint32(hdr[4:8])
	if payloadLen > maxPayload {
		return nil, errors.Errorf("payload length %d exceeds maximum %d", payloadLen, maxPayload)
	}

	fds, err := parseFds(oob[:oobn])
	if err != nil {
		return nil, err
	}

	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := readFull(sockFD, payload); err != nil {
			return nil, errors.Wrap(err, "read payload")
		}
	}

	return &Request{Code: code, Payload: payload, FDs: fds}, nil
}

func parseFds(oob []byte) ([]int, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	messages, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, errors.Wrap(err, "parse control message")
	}
	var fds []int
	for _, m := range messages {
		parsed, err := unix.ParseUnixRights(&m)
		if err != nil {
			continue
		}
		fds = append(fds, parsed...)
	}
	return fds, nil
}

func readFull(fd int, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := unix.Read(fd, buf[total:])
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, errors.New("unexpected EOF reading payload")
		}
		total += n
	}
	return total, nil
}

// WriteReply writes r to sockFD, attaching any FDs as SCM_RIGHTS
// ancillary data, per spec §6 "Server -> client: for every newly
// created fd-backed object, the server may send the underlying POSIX
// fd to the client".
func WriteReply(sockFD int, r *Reply) error {
	hdr := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(hdr[0:4], r.Status)
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(r.Payload)))
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(r.FDs)))

	var oob []byte
	if len(r.FDs) > 0 {
		oob = unix.UnixRights(r.FDs...)
	}

	if err := unix.Sendmsg(sockFD, hdr, oob, nil, 0); err != nil {
		return errors.Wrap(err, "sendmsg header")
	}
	if len(r.Payload) > 0 {
		if err := writeFull(sockFD, r.Payload); err != nil {
			return errors.Wrap(err, "write payload")
		}
	}
	return nil
}

func writeFull(fd int, buf []byte) error {
	for len(buf) > 0 {
		n, err := unix.Write(fd, buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}
