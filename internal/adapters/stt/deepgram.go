// Package stt implements the recognition provider on the Deepgram live
// transcription websocket.
package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/ariavoice/aria/internal/core"
)

const keepAlivePeriod = 5 * time.Second

type DeepgramConfig struct {
	APIKey     string
	WSBaseURL  string
	Model      string
	Language   string
	SampleRate int
	// EndpointingMS is Deepgram's silence window for speech_final.
	EndpointingMS int
}

type DeepgramProvider struct {
	cfg DeepgramConfig
}

func NewDeepgramProvider(cfg DeepgramConfig) (*DeepgramProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("stt: deepgram api key is required")
	}
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = "wss://api.deepgram.com"
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = "nova-2"
	}
	if strings.TrimSpace(cfg.Language) == "" {
		cfg.Language = "en-US"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 48000
	}
	if cfg.EndpointingMS <= 0 {
		cfg.EndpointingMS = 300
	}
	return &DeepgramProvider{cfg: cfg}, nil
}

func (p *DeepgramProvider) Start(ctx context.Context, sid core.SessionID) (core.RecognitionStream, error) {
	u, err := url.Parse(strings.TrimRight(p.cfg.WSBaseURL, "/") + "/v1/listen")
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("model", p.cfg.Model)
	q.Set("language", p.cfg.Language)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", fmt.Sprintf("%d", p.cfg.SampleRate))
	q.Set("channels", "1")
	q.Set("interim_results", "true")
	q.Set("vad_events", "true")
	q.Set("endpointing", fmt.Sprintf("%d", p.cfg.EndpointingMS))
	q.Set("smart_format", "true")
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.cfg.APIKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return nil, fmt.Errorf("stt: dial deepgram websocket: %w", err)
	}

	s := &deepgramStream{
		sid:    sid,
		conn:   conn,
		events: make(chan core.RecognitionEvent, 256),
		done:   make(chan struct{}),
	}
	go s.readLoop()
	go s.keepAlive()
	return s, nil
}

type deepgramStream struct {
	sid       core.SessionID
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	events    chan core.RecognitionEvent
	done      chan struct{}
}

func (s *deepgramStream) SendAudio(ctx context.Context, pcm []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
		return fmt.Errorf("stt: send audio: %w", err)
	}
	return nil
}

func (s *deepgramStream) Events() <-chan core.RecognitionEvent { return s.events }

func (s *deepgramStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		_ = s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
		s.writeMu.Unlock()
		_ = s.conn.Close()
	})
	return nil
}

func (s *deepgramStream) keepAlive() {
	ticker := time.NewTicker(keepAlivePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			_ = s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"KeepAlive"}`))
			s.writeMu.Unlock()
		}
	}
}

// deepgramMessage is the subset of the live API responses we act on.
type deepgramMessage struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func (s *deepgramStream) readLoop() {
	defer close(s.events)
	// is_final closes one audio segment within an utterance; speech_final
	// closes the utterance. Final segments accumulate until then.
	var segments []string
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.emit(core.RecognitionEvent{Kind: core.RecognitionError, Err: fmt.Errorf("stt: read: %w", err)})
			}
			return
		}
		var msg deepgramMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Debug().Err(err).Str("module", "stt").Msg("unparseable deepgram message")
			continue
		}
		switch msg.Type {
		case "SpeechStarted":
			s.emit(core.RecognitionEvent{Kind: core.RecognitionSpeechStarted})
		case "Results":
			if len(msg.Channel.Alternatives) == 0 {
				continue
			}
			alt := msg.Channel.Alternatives[0]
			text := strings.TrimSpace(alt.Transcript)
			if msg.IsFinal && text != "" {
				segments = append(segments, text)
			}
			switch {
			case msg.SpeechFinal:
				s.emit(core.RecognitionEvent{
					Kind:       core.RecognitionFinal,
					Text:       strings.Join(segments, " "),
					Confidence: alt.Confidence,
				})
				segments = segments[:0]
			case text != "":
				partial := text
				if len(segments) > 0 {
					if msg.IsFinal {
						partial = strings.Join(segments, " ")
					} else {
						partial = strings.Join(segments, " ") + " " + text
					}
				}
				s.emit(core.RecognitionEvent{Kind: core.RecognitionPartial, Text: partial, Confidence: alt.Confidence})
			}
		}
	}
}

func (s *deepgramStream) emit(ev core.RecognitionEvent) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

var _ core.RecognitionProvider = (*DeepgramProvider)(nil)
