package api

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"fieldsense/internal/engine"
	"fieldsense/internal/model"
	"fieldsense/internal/normalize"
)

const maxBodyBytes = 2 << 20

type admissionResponse struct {
	Status    string          `json:"status"`
	Message   string          `json:"message,omitempty"`
	EventID   string          `json:"event_id"`
	Duplicate bool            `json:"duplicate"`
	Reason    string          `json:"reason,omitempty"`
	EventType model.EventKind `json:"event_type"`
	DeviceID  string          `json:"device_id"`
}

func readBody(c *gin.Context) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidEvent, err)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, fmt.Errorf("%w: empty body", model.ErrInvalidEvent)
	}
	return body, nil
}

// respondAdmission answers 201 for a newly stored event and 200 for a duplicate.
func respondAdmission(c *gin.Context, cand model.Candidate, adm engine.Admission) {
	resp := admissionResponse{
		EventType: cand.Kind,
		DeviceID:  cand.DeviceID,
	}
	if adm.Accepted() {
		resp.Status = "success"
		resp.Message = "Event received and stored"
		resp.EventID = adm.Event.ID
		c.JSON(http.StatusCreated, resp)
		return
	}
	resp.Status = string(adm.Status)
	resp.Message = "Event already stored"
	resp.EventID = adm.ExistingID
	resp.Duplicate = true
	resp.Reason = adm.Reason
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleChirpStackWebhook(c *gin.Context) {
	body, err := readBody(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	cand, err := normalize.DecodeChirpStack(body, c.Query("event"))
	if err != nil {
		s.Metrics.IngestError(normalize.SourceChirpStack)
		s.fail(c, err)
		return
	}
	adm, err := s.Engine.Ingest(c.Request.Context(), cand)
	if err != nil {
		s.fail(c, err)
		return
	}
	respondAdmission(c, cand, adm)
}

// handlePacket accepts a direct device push. The optional channel segment
// (gas, temperatura, umidade, solo, fluxo) must name a known sensor channel.
func (s *Server) handlePacket(c *gin.Context) {
	if ch := c.Param("channel"); ch != "" {
		if _, ok := normalize.CanonicalField(ch); !ok {
			s.fail(c, fmt.Errorf("%w: unknown channel %q", model.ErrInvalidEvent, ch))
			return
		}
	}
	body, err := readBody(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	cand, err := normalize.DecodeDevicePush(body)
	if err != nil {
		s.Metrics.IngestError(normalize.SourceDevice)
		s.fail(c, err)
		return
	}
	if key := strings.TrimSpace(c.GetHeader("Idempotency-Key")); key != "" {
		cand.DedupKey = key
	}
	adm, err := s.Engine.Ingest(c.Request.Context(), cand)
	if err != nil {
		s.fail(c, err)
		return
	}
	respondAdmission(c, cand, adm)
}
