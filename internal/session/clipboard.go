package session

import "github.com/sysguard/remote/internal/transport"

// SyncClipboard places text on the local clipboard and pushes it to
// the peer. A platform without clipboard access degrades to sending
// only. Disabled by feature flag.
func (s *Session) SyncClipboard(text string) bool {
	if !s.opts.Features.RemoteClipboard {
		return false
	}

	if s.opts.Clipboard != nil {
		if err := s.opts.Clipboard.Set(text); err != nil {
			s.log.Warn().Err(err).Msg("local clipboard unavailable")
		}
	} else {
		s.log.Warn().Msg("clipboard unsupported on this platform")
	}

	s.clipMu.Lock()
	s.clipTxt = text
	s.clipMu.Unlock()

	payload, err := s.opts.Cipher.Encrypt([]byte(text))
	if err != nil {
		s.log.Warn().Err(err).Msg("clipboard encryption failed")
		return false
	}
	return transport.Send(s.conn, payload)
}

// ReceiveClipboard reads one clipboard update from the peer and
// applies it locally. Returns the received text.
func (s *Session) ReceiveClipboard() (string, bool) {
	if !s.opts.Features.RemoteClipboard {
		return "", false
	}
	payload := transport.Receive(s.conn)
	if payload == nil {
		return "", false
	}
	data, err := s.opts.Cipher.Decrypt(payload)
	if err != nil {
		s.log.Warn().Err(err).Msg("discarding undecryptable clipboard payload")
		return "", false
	}
	text := string(data)

	if s.opts.Clipboard != nil {
		if err := s.opts.Clipboard.Set(text); err != nil {
			s.log.Warn().Err(err).Msg("local clipboard unavailable")
		}
	}
	s.clipMu.Lock()
	s.clipTxt = text
	s.clipMu.Unlock()
	return text, true
}

// ClipboardText returns the last text seen on the shared clipboard.
// When the platform clipboard is readable it takes precedence over
// the cached copy.
func (s *Session) ClipboardText() string {
	if s.opts.Clipboard != nil {
		if text, err := s.opts.Clipboard.Get(); err == nil {
			return text
		}
	}
	s.clipMu.Lock()
	defer s.clipMu.Unlock()
	return s.clipTxt
}
