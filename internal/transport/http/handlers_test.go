package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/ariavoice/aria/internal/app"
	"github.com/ariavoice/aria/internal/config"
	"github.com/ariavoice/aria/internal/core"
)

type fakeSignaler struct {
	offerErr   error
	candErr    error
	lastOffer  app.OfferRequest
	candidates []core.Candidate
}

func (f *fakeSignaler) CreateOrUpdateSession(ctx context.Context, req app.OfferRequest) (app.Answer, error) {
	f.lastOffer = req
	if f.offerErr != nil {
		return app.Answer{}, f.offerErr
	}
	sid := req.SessionID
	if sid == "" {
		sid = "generated-id"
	}
	return app.Answer{SDP: "answer-sdp", Type: "answer", SessionID: sid}, nil
}

func (f *fakeSignaler) AddCandidates(sid core.SessionID, candidates []core.Candidate) error {
	if f.candErr != nil {
		return f.candErr
	}
	f.candidates = append(f.candidates, candidates...)
	return nil
}

func newTestRouter(sig Signaler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	return SetupRouter(&config.Config{Mode: "release"}, sig)
}

func doJSON(t *testing.T, r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestOfferEndpointReturnsAnswer(t *testing.T) {
	sig := &fakeSignaler{}
	r := newTestRouter(sig)

	w := doJSON(t, r, http.MethodPost, "/offer", `{"sdp":"v=0","type":"offer"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", w.Code, w.Body.String())
	}
	var resp AnswerResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.SDP != "answer-sdp" || resp.Type != "answer" || resp.SessionID != "generated-id" {
		t.Fatalf("response = %+v", resp)
	}
}

func TestOfferEndpointForwardsSessionFields(t *testing.T) {
	sig := &fakeSignaler{}
	r := newTestRouter(sig)

	w := doJSON(t, r, http.MethodPost, "/offer", `{"sdp":"v=0","type":"offer","session_id":"s1","restart":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if sig.lastOffer.SessionID != "s1" || !sig.lastOffer.Restart {
		t.Fatalf("forwarded offer = %+v", sig.lastOffer)
	}
}

func TestOfferEndpointRejectsMalformedBody(t *testing.T) {
	r := newTestRouter(&fakeSignaler{})

	for _, body := range []string{``, `{}`, `{"sdp":"v=0"}`, `{"type":"offer"}`, `not json`} {
		w := doJSON(t, r, http.MethodPost, "/offer", body)
		if w.Code != http.StatusUnprocessableEntity {
			t.Fatalf("body %q: status = %d, want 422", body, w.Code)
		}
	}
}

func TestOfferEndpointMapsSignalingErrors(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{core.ErrInvalidOffer, http.StatusUnprocessableEntity},
		{core.ErrSessionConflict, http.StatusConflict},
		{&core.BuildError{Stage: "recognition", Err: core.ErrUnknownSession}, http.StatusBadGateway},
	}
	for _, tc := range cases {
		r := newTestRouter(&fakeSignaler{offerErr: tc.err})
		w := doJSON(t, r, http.MethodPost, "/offer", `{"sdp":"v=0","type":"offer"}`)
		if w.Code != tc.want {
			t.Fatalf("error %v: status = %d, want %d", tc.err, w.Code, tc.want)
		}
	}
}

func TestCandidateEndpointDeliversCandidates(t *testing.T) {
	sig := &fakeSignaler{}
	r := newTestRouter(sig)

	body := `{"session_id":"s1","candidates":[{"candidate":"candidate:1","sdp_mid":"0","sdp_mline_index":0}]}`
	w := doJSON(t, r, http.MethodPatch, "/offer", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", w.Code, w.Body.String())
	}
	if len(sig.candidates) != 1 || sig.candidates[0].Candidate != "candidate:1" {
		t.Fatalf("candidates = %+v", sig.candidates)
	}
}

func TestCandidateEndpointIgnoresUnknownSession(t *testing.T) {
	r := newTestRouter(&fakeSignaler{candErr: core.ErrUnknownSession})

	body := `{"session_id":"gone","candidates":[{"candidate":"candidate:1"}]}`
	w := doJSON(t, r, http.MethodPatch, "/offer", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 for unknown session", w.Code)
	}
	if !strings.Contains(w.Body.String(), "ignored") {
		t.Fatalf("body = %s, want ignored status", w.Body.String())
	}
}

func TestHealthEndpoint(t *testing.T) {
	r := newTestRouter(&fakeSignaler{})
	w := doJSON(t, r, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"ok"`) {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestCORSPreflight(t *testing.T) {
	r := newTestRouter(&fakeSignaler{})
	req := httptest.NewRequest(http.MethodOptions, "/offer", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d, want 204", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("missing CORS headers: %v", w.Header())
	}
}
