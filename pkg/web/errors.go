package web

import (
	"github.com/dukex/chatflow/pkg/flowerr"
	"github.com/dukex/chatflow/pkg/persistence"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(fiber.StatusBadRequest).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

// statusFor maps an engine error to an HTTP status and a problem type.
func statusFor(err error) (int, string) {
	switch {
	case persistence.IsSessionNotFound(err):
		return fiber.StatusNotFound, "session_not_found"
	case persistence.IsFlowNotFound(err):
		return fiber.StatusNotFound, "flow_not_found"
	case persistence.IsFlowPublished(err):
		return fiber.StatusConflict, "flow_published"
	}

	switch kind := flowerr.KindOf(err); kind {
	case flowerr.KindValidation:
		return fiber.StatusBadRequest, string(kind)
	case flowerr.KindConcurrencyConflict:
		return fiber.StatusConflict, string(kind)
	case flowerr.KindIntegrity:
		return fiber.StatusLocked, string(kind)
	case flowerr.KindConfiguration, flowerr.KindExpression:
		return fiber.StatusUnprocessableEntity, string(kind)
	case flowerr.KindExternalCall:
		return fiber.StatusBadGateway, string(kind)
	default:
		return fiber.StatusInternalServerError, "internal_error"
	}
}

// handleEngineError renders err as a problem document. Internal errors keep
// their detail out of the response.
func handleEngineError(c fiber.Ctx, err error) error {
	status, problemType := statusFor(err)

	problem := problems.NewStatusProblem(status).
		WithInstance(c.Path()).
		WithType(problemType)

	if status == fiber.StatusInternalServerError {
		return c.Status(status).JSON(problem)
	}

	return c.Status(status).JSON(problem.WithDetail(err.Error()))
}
