package session

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/sysguard/remote/internal/transport"
)

// TransferDirection orients a file transfer relative to this server.
type TransferDirection int

const (
	// Upload receives a file from the client.
	Upload TransferDirection = iota
	// Download sends a local file to the client.
	Download
)

// transferChunkSize is the per-frame payload for file transfers.
const transferChunkSize = 8192

// TransferFile moves a file across the session. A transfer announces
// the total size in an 8-byte header frame, then streams fixed-size
// chunks; the receiving side writes until the announced size has
// arrived. Disabled by feature flag.
func (s *Session) TransferFile(dir TransferDirection, localPath string) error {
	if !s.opts.Features.FileTransfer {
		return fmt.Errorf("transfer: file transfer disabled")
	}
	switch dir {
	case Download:
		return s.sendFile(localPath)
	case Upload:
		return s.receiveFile(localPath)
	}
	return fmt.Errorf("transfer: unknown direction %d", dir)
}

func (s *Session) sendFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("transfer: open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("transfer: stat %s: %w", path, err)
	}
	size := uint64(info.Size())

	header := binary.LittleEndian.AppendUint64(nil, size)
	if !transport.Send(s.conn, header) {
		return fmt.Errorf("transfer: send size header")
	}

	buf := make([]byte, transferChunkSize)
	var sent uint64
	for sent < size {
		n, err := f.Read(buf)
		if n > 0 {
			if !transport.Send(s.conn, buf[:n]) {
				return fmt.Errorf("transfer: connection lost after %d bytes", sent)
			}
			sent += uint64(n)
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("transfer: read %s: %w", path, err)
		}
	}
	s.log.Info().Str("path", path).Uint64("bytes", sent).Msg("file sent")
	return nil
}

func (s *Session) receiveFile(path string) error {
	header := transport.Receive(s.conn)
	if len(header) != 8 {
		return fmt.Errorf("transfer: bad size header")
	}
	size := binary.LittleEndian.Uint64(header)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("transfer: create %s: %w", path, err)
	}
	defer f.Close()

	var received uint64
	for received < size {
		chunk := transport.Receive(s.conn)
		if chunk == nil {
			return fmt.Errorf("transfer: connection lost after %d of %d bytes", received, size)
		}
		if _, err := f.Write(chunk); err != nil {
			return fmt.Errorf("transfer: write %s: %w", path, err)
		}
		received += uint64(len(chunk))
	}
	s.log.Info().Str("path", path).Uint64("bytes", received).Msg("file received")
	return nil
}
