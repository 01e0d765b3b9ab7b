// Package tts implements the synthesis provider on the Deepgram speak
// websocket, which streams text in and rendered audio out over one
// connection.
package tts

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/ariavoice/aria/internal/core"
)

type DeepgramConfig struct {
	APIKey     string
	WSBaseURL  string
	Model      string
	SampleRate int
}

type DeepgramProvider struct {
	cfg DeepgramConfig
}

func NewDeepgramProvider(cfg DeepgramConfig) (*DeepgramProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("tts: deepgram api key is required")
	}
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = "wss://api.deepgram.com"
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = "aura-asteria-en"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 48000
	}
	return &DeepgramProvider{cfg: cfg}, nil
}

func (p *DeepgramProvider) Start(ctx context.Context, sid core.SessionID) (core.SynthesisStream, error) {
	u, err := url.Parse(strings.TrimRight(p.cfg.WSBaseURL, "/") + "/v1/speak")
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("model", p.cfg.Model)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", fmt.Sprintf("%d", p.cfg.SampleRate))
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.cfg.APIKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return nil, fmt.Errorf("tts: dial deepgram websocket: %w", err)
	}

	s := &speakStream{
		sid:    sid,
		conn:   conn,
		events: make(chan core.SynthesisEvent, 256),
		done:   make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

type speakStream struct {
	sid       core.SessionID
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	events    chan core.SynthesisEvent
	done      chan struct{}
}

type speakMessage struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

func (s *speakStream) send(ctx context.Context, msg speakMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("tts: send %s: %w", msg.Type, err)
	}
	return nil
}

func (s *speakStream) Speak(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return s.send(ctx, speakMessage{Type: "Speak", Text: text})
}

func (s *speakStream) Flush(ctx context.Context) error {
	return s.send(ctx, speakMessage{Type: "Flush"})
}

func (s *speakStream) Clear(ctx context.Context) error {
	return s.send(ctx, speakMessage{Type: "Clear"})
}

func (s *speakStream) Events() <-chan core.SynthesisEvent { return s.events }

func (s *speakStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		_ = s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Close"}`))
		s.writeMu.Unlock()
		_ = s.conn.Close()
	})
	return nil
}

func (s *speakStream) readLoop() {
	defer close(s.events)
	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.emit(core.SynthesisEvent{Kind: core.SynthesisError, Err: fmt.Errorf("tts: read: %w", err)})
			}
			return
		}
		if kind == websocket.BinaryMessage {
			s.emit(core.SynthesisEvent{Kind: core.SynthesisAudio, Audio: data})
			continue
		}
		var msg speakMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Debug().Err(err).Str("module", "tts").Msg("unparseable speak message")
			continue
		}
		switch msg.Type {
		case "Flushed":
			s.emit(core.SynthesisEvent{Kind: core.SynthesisFlushed})
		case "Cleared":
			s.emit(core.SynthesisEvent{Kind: core.SynthesisCleared})
		case "Warning":
			log.Warn().Str("module", "tts").Str("session", string(s.sid)).Msg("speak warning")
		}
	}
}

func (s *speakStream) emit(ev core.SynthesisEvent) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

var _ core.SynthesisProvider = (*DeepgramProvider)(nil)
