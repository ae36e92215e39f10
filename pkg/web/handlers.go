// Package web provides HTTP handlers and REST API endpoints for conversations and flows.
package web

import (
	"net/http"
	"strconv"
	"time"

	"github.com/dukex/chatflow/pkg/engine"
	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/persistence"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

type APIHandlers struct {
	engine      *engine.Engine
	persistence persistence.Persistence
	validator   *validator.Validate
}

func NewAPIHandlers(
	engine *engine.Engine,
	persistence persistence.Persistence,
	validator *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		engine:      engine,
		persistence: persistence,
		validator:   validator,
	}
}

func (h *APIHandlers) StartSession(c fiber.Ctx) error {
	var req StartSessionRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	result, err := h.engine.StartSession(c.Context(), req.FlowID, req.State)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(TransformTurnResponse(result))
}

func (h *APIHandlers) Interact(c fiber.Ctx) error {
	token := c.Params("token")
	if token == "" {
		return badRequest(c, "Session token is required")
	}

	var req InteractRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	result, err := h.engine.Interact(c.Context(), token, req.Input())
	if err != nil {
		return handleEngineError(c, err)
	}

	// A rejected answer is a normal turn: the client shows the error and asks again.
	return c.JSON(TransformTurnResponse(result))
}

func (h *APIHandlers) EndSession(c fiber.Ctx) error {
	token := c.Params("token")
	if token == "" {
		return badRequest(c, "Session token is required")
	}

	var req EndSessionRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	status := models.SessionCompleted
	if req.Status != "" {
		status = models.SessionStatus(req.Status)
	}

	ended, err := h.engine.EndSession(c.Context(), token, status)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(TransformSessionResponse(ended))
}

func (h *APIHandlers) GetSession(c fiber.Ctx) error {
	token := c.Params("token")
	if token == "" {
		return badRequest(c, "Session token is required")
	}

	found, err := h.engine.GetSession(c.Context(), token)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(TransformSessionResponse(found))
}

// PublishFlow validates and publishes a flow. With ?draft=true the flow is
// stored unpublished instead.
func (h *APIHandlers) PublishFlow(c fiber.Ctx) error {
	var flow models.Flow
	if err := c.Bind().JSON(&flow); err != nil {
		return badRequest(c, "Invalid JSON format: "+err.Error())
	}

	if flow.ID == "" {
		return badRequest(c, "Flow ID is required")
	}

	draft, err := strconv.ParseBool(c.Query("draft", "false"))
	if err != nil {
		return badRequest(c, "Invalid draft parameter")
	}

	if draft {
		report, err := h.engine.Catalog().SaveDraft(c.Context(), &flow)
		if err != nil {
			return handleEngineError(c, err)
		}

		return c.Status(fiber.StatusCreated).JSON(PublishFlowResponse{Flow: &flow, Warnings: report.Warnings})
	}

	_, report, err := h.engine.Catalog().Publish(c.Context(), &flow)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(PublishFlowResponse{Flow: &flow, Warnings: report.Warnings})
}

func (h *APIHandlers) GetFlow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Flow ID is required")
	}

	flow, err := h.engine.Catalog().Flow(c.Context(), id)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(flow)
}

func (h *APIHandlers) GetFlows(c fiber.Ctx) error {
	flows, err := h.persistence.Flows().Flows(c.Context())
	if err != nil {
		return handleEngineError(c, err)
	}

	if flows == nil {
		flows = []*models.Flow{}
	}

	return c.JSON(fiber.Map{
		"flows":       flows,
		"total_count": len(flows),
	})
}

// DeliverResult applies a task result delivered over HTTP rather than the bus.
func (h *APIHandlers) DeliverResult(c fiber.Ctx) error {
	var req TaskResultRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	outcome, err := h.engine.Deliver(c.Context(), req.TaskResult())
	if err != nil {
		return handleEngineError(c, err)
	}

	status := fiber.StatusOK
	if outcome.Status == engine.DeliveryApplied {
		status = fiber.StatusAccepted
	}

	return c.Status(status).JSON(TransformDeliveryResponse(outcome))
}

func (h *APIHandlers) GetNodeTypes(c fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"node_types": h.engine.Registry().Describe(),
	})
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	status := "healthy"
	message := "Chatflow API is healthy"
	httpStatus := http.StatusOK

	persistenceCheck := "ok"
	if err := h.persistence.HealthCheck(c.Context()); err != nil {
		persistenceCheck = err.Error()
		status = "unhealthy"
		message = "Chatflow API is unhealthy"
		httpStatus = http.StatusInternalServerError
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"persistence": persistenceCheck,
			"node_types":  len(h.engine.Registry().Types()),
			"breakers":    h.engine.Breakers().Snapshot(),
		},
		"timestamp": time.Now().UTC(),
	})
}
