package api

import (
	"errors"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/ratchetml/ratchet/internal/adapter"
	"github.com/ratchetml/ratchet/internal/engine"
	"github.com/ratchetml/ratchet/internal/logger"
	"github.com/ratchetml/ratchet/internal/tensor"
)

type Server struct {
	svc *Service
	log logger.Logger
}

func NewServer(svc *Service, log logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	return &Server{svc: svc, log: log}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.POST("/v1/generate", s.handleGenerate)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status: "ok",
		Device: s.svc.Model().DeviceType(),
		Model:  s.svc.modelName(),
	})
}

func (s *Server) handleGenerate(c *echo.Context) error {
	var req GenerateRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return writeBadRequest(c, "malformed request body: "+err.Error())
	}

	resp, err := s.svc.Generate(c.Request().Context(), &req)
	if err != nil {
		return s.writeGenerateError(c, err)
	}

	s.log.Info("generation complete",
		"id", resp.ID,
		"rows", len(resp.Sequences),
		"generated", resp.Usage.GeneratedTokens,
		"steps", resp.Usage.Steps)
	return c.JSON(http.StatusOK, resp)
}

// writeGenerateError maps engine error kinds onto HTTP statuses: caller
// mistakes are 400s, missing adapters and tensors are 404s, anything else
// is a 500.
func (s *Server) writeGenerateError(c *echo.Context, err error) error {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, engine.ErrConfig),
		errors.Is(err, engine.ErrRange),
		errors.Is(err, engine.ErrMissingInput):
		return writeBadRequest(c, err.Error())
	case errors.Is(err, adapter.ErrNotFound), errors.Is(err, tensor.ErrNotFound):
		return writeNotFound(c, err.Error())
	default:
		s.log.Error("generation failed", "error", err)
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error())
	}
}

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg)
}

func writeNotFound(c *echo.Context, msg string) error {
	return writeError(c, http.StatusNotFound, "not_found_error", msg)
}

func writeError(c *echo.Context, status int, errType, msg string) error {
	return c.JSON(status, map[string]any{
		"error": ResponseError{
			Message: msg,
			Type:    errType,
		},
	})
}
