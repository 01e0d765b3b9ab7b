package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/ariavoice/aria/internal/app"
	"github.com/ariavoice/aria/internal/core"
)

// Signaler is the slice of the signaling service the HTTP layer needs.
type Signaler interface {
	CreateOrUpdateSession(ctx context.Context, req app.OfferRequest) (app.Answer, error)
	AddCandidates(sid core.SessionID, candidates []core.Candidate) error
}

type OfferRequest struct {
	SDP       string `json:"sdp" binding:"required"`
	Type      string `json:"type" binding:"required"`
	SessionID string `json:"session_id"`
	Restart   bool   `json:"restart"`
}

type AnswerResponse struct {
	SDP       string `json:"sdp"`
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

type CandidateRequest struct {
	SessionID  string          `json:"session_id" binding:"required"`
	Candidates []CandidateBody `json:"candidates" binding:"required"`
}

type CandidateBody struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdp_mid"`
	SDPMLineIndex uint16 `json:"sdp_mline_index"`
}

func handleOffer(sig Signaler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req OfferRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "missing or invalid offer body"})
			return
		}

		answer, err := sig.CreateOrUpdateSession(c.Request.Context(), app.OfferRequest{
			SDP:       req.SDP,
			Type:      req.Type,
			SessionID: core.SessionID(req.SessionID),
			Restart:   req.Restart,
		})
		if err != nil {
			switch {
			case errors.Is(err, core.ErrInvalidOffer):
				c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			case errors.Is(err, core.ErrSessionConflict):
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			default:
				log.Error().Err(err).Str("module", "transport.http").Msg("offer failed")
				c.JSON(http.StatusBadGateway, gin.H{"error": "session setup failed"})
			}
			return
		}

		c.JSON(http.StatusOK, AnswerResponse{
			SDP:       answer.SDP,
			Type:      answer.Type,
			SessionID: string(answer.SessionID),
		})
	}
}

func handleCandidates(sig Signaler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CandidateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "missing or invalid candidate body"})
			return
		}

		candidates := make([]core.Candidate, 0, len(req.Candidates))
		for _, cand := range req.Candidates {
			candidates = append(candidates, core.Candidate{
				Candidate:     cand.Candidate,
				SDPMid:        cand.SDPMid,
				SDPMLineIndex: cand.SDPMLineIndex,
			})
		}

		err := sig.AddCandidates(core.SessionID(req.SessionID), candidates)
		if err != nil {
			// Candidates for a session that already went away are not an
			// error for the client; it will notice on the peer connection.
			if errors.Is(err, core.ErrUnknownSession) {
				c.JSON(http.StatusOK, gin.H{"status": "ignored"})
				return
			}
			c.JSON(http.StatusBadGateway, gin.H{"error": "candidate delivery failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "aria"})
}
