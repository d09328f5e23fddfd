package session

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sysguard/remote/internal/transport"
)

// ChatMessage is one entry in the session's chat history.
type ChatMessage struct {
	Sender    string
	Content   string
	Timestamp time.Time
}

// Chat messages travel as "sender|unixSeconds|content". Content may
// itself contain the separator; only the first two are structural.
const chatSeparator = "|"

func encodeChat(msg ChatMessage) []byte {
	return []byte(msg.Sender + chatSeparator +
		strconv.FormatInt(msg.Timestamp.Unix(), 10) + chatSeparator +
		msg.Content)
}

func decodeChat(data []byte) (ChatMessage, error) {
	parts := strings.SplitN(string(data), chatSeparator, 3)
	if len(parts) != 3 {
		return ChatMessage{}, fmt.Errorf("chat: malformed message")
	}
	secs, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return ChatMessage{}, fmt.Errorf("chat: bad timestamp %q", parts[1])
	}
	return ChatMessage{
		Sender:    parts[0],
		Content:   parts[2],
		Timestamp: time.Unix(secs, 0),
	}, nil
}

// SendChat records the message in the history and delivers it to the
// peer. Disabled by feature flag.
func (s *Session) SendChat(sender, content string) bool {
	if !s.opts.Features.Chat {
		return false
	}
	msg := ChatMessage{Sender: sender, Content: content, Timestamp: time.Now()}
	s.appendChat(msg)

	payload, err := s.opts.Cipher.Encrypt(encodeChat(msg))
	if err != nil {
		s.log.Warn().Err(err).Msg("chat encryption failed")
		return false
	}
	return transport.Send(s.conn, payload)
}

// ReceiveChat reads one inbound chat message. A message that fails to
// parse is preserved verbatim under a system sender rather than
// dropped.
func (s *Session) ReceiveChat() (ChatMessage, bool) {
	if !s.opts.Features.Chat {
		return ChatMessage{}, false
	}
	payload := transport.Receive(s.conn)
	if payload == nil {
		return ChatMessage{}, false
	}
	data, err := s.opts.Cipher.Decrypt(payload)
	if err != nil {
		s.log.Warn().Err(err).Msg("discarding undecryptable chat payload")
		return ChatMessage{}, false
	}
	msg, err := decodeChat(data)
	if err != nil {
		s.log.Warn().Err(err).Msg("malformed chat message")
		msg = ChatMessage{Sender: "system", Content: string(data), Timestamp: time.Now()}
	}
	s.appendChat(msg)
	return msg, true
}

// ChatHistory returns a copy of the bounded chat ring, oldest first.
func (s *Session) ChatHistory() []ChatMessage {
	s.chatMu.Lock()
	defer s.chatMu.Unlock()
	out := make([]ChatMessage, len(s.chat))
	copy(out, s.chat)
	return out
}

func (s *Session) appendChat(msg ChatMessage) {
	s.chatMu.Lock()
	defer s.chatMu.Unlock()
	s.chat = append(s.chat, msg)
	if len(s.chat) > maxChatHistory {
		s.chat = s.chat[len(s.chat)-maxChatHistory:]
	}
}
