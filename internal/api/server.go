package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/attnkit/internal/attention"
	"github.com/samcharles93/attnkit/internal/logger"
	"github.com/samcharles93/attnkit/internal/tensor"
	"github.com/samcharles93/attnkit/internal/version"
)

type Server struct {
	store   *ResultStore
	log     logger.Logger
	workers int
	clock   func() time.Time
}

// NewServer wires the attention endpoints. workers bounds the head pool per
// request; 0 means GOMAXPROCS.
func NewServer(store *ResultStore, log logger.Logger, workers int) *Server {
	if store == nil {
		store = NewResultStore(0)
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Server{
		store:   store,
		log:     log,
		workers: workers,
		clock:   time.Now,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/v1/healthz", s.handleHealth)
	e.POST("/v1/attention", s.handleCreateAttention)
	e.GET("/v1/attention/:id", s.handleGetAttention)
	e.DELETE("/v1/attention/:id", s.handleDeleteAttention)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: version.String(),
	})
}

func (s *Server) handleCreateAttention(c *echo.Context) error {
	req, err := decodeJSON[AttentionRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}

	start := s.clock()
	out, err := s.compute(&req)
	if err != nil {
		s.log.Debug("attention request failed", "variant", req.Variant, "error", err)
		return writeFailure(c, err)
	}
	elapsed := s.clock().Sub(start)

	resp := &AttentionResponse{
		ID:        uuid.New(),
		Object:    "attention.result",
		Variant:   req.Variant,
		Shape:     out.Shape,
		Data:      out.Values(),
		DType:     out.DType.String(),
		ElapsedMS: float64(elapsed.Microseconds()) / 1000,
		CreatedAt: start.Unix(),
	}
	s.store.Save(resp)
	s.log.Info("attention computed", "id", resp.ID, "variant", req.Variant, "shape", resp.Shape, "elapsed", elapsed)
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) compute(req *AttentionRequest) (*tensor.Tensor, error) {
	q, err := req.Query.toTensor("query")
	if err != nil {
		return nil, err
	}
	k, err := req.Key.toTensor("key")
	if err != nil {
		return nil, err
	}
	v, err := req.Value.toTensor("value")
	if err != nil {
		return nil, err
	}

	opts := []attention.Option{
		attention.WithWorkers(s.workers),
		attention.WithLogger(s.log),
	}
	if req.Scale != nil {
		opts = append(opts, attention.WithScale(*req.Scale))
	}
	if req.BlockSize != nil {
		opts = append(opts, attention.WithBlockSize(*req.BlockSize))
	}
	maskOpt, err := req.Mask.option()
	if err != nil {
		return nil, err
	}
	opts = append(opts, maskOpt)

	if req.Variant != VariantFlash {
		if err := checkScorePlane(q, k); err != nil {
			return nil, err
		}
	}

	switch req.Variant {
	case VariantSDPA, "":
		req.Variant = VariantSDPA
		return attention.ScaledDotProductAttention(q, k, v, opts...)
	case VariantFlash:
		return attention.FlashAttention(q, k, v, opts...)
	case VariantGrouped:
		return attention.ScaledDotProductAttentionGrouped(q, k, v, opts...)
	default:
		return nil, newInvalidRequest("variant", fmt.Sprintf("unknown variant %q", req.Variant))
	}
}

func (s *Server) handleGetAttention(c *echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return writeNotFound(c, "result not found")
	}
	resp, ok := s.store.Get(id)
	if !ok {
		return writeNotFound(c, "result not found")
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleDeleteAttention(c *echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil || !s.store.Delete(id) {
		return writeNotFound(c, "result not found")
	}
	return c.JSON(http.StatusOK, DeleteAttentionResp{
		ID:      id,
		Object:  "attention.result.deleted",
		Deleted: true,
	})
}
