package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prohmpiriya/fwe-access/internal/domain"
	"github.com/prohmpiriya/fwe-access/internal/dto"
	"github.com/prohmpiriya/fwe-access/internal/service"
	"github.com/prohmpiriya/fwe-access/pkg/logger"
	"github.com/prohmpiriya/fwe-access/pkg/response"
	"github.com/prohmpiriya/fwe-access/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// CheckInHandler handles terminal check-in HTTP requests
type CheckInHandler struct {
	checkInService service.CheckInService
}

// NewCheckInHandler creates a new check-in handler
func NewCheckInHandler(checkInService service.CheckInService) *CheckInHandler {
	return &CheckInHandler{checkInService: checkInService}
}

// Register handles POST /api/v1/acesso/register.
// Every decided scan is a 200; the body's action tells the gate what to do.
func (h *CheckInHandler) Register(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.checkin.register")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	var req dto.CheckInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request")
		c.JSON(http.StatusUnprocessableEntity, dto.NewErrorResponse(dto.CodeValidationError, dto.MessageValidation))
		return
	}

	d, err := h.checkInService.Register(ctx, req.PIN, req.Ticket)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.handleError(c, err)
		return
	}

	if d.Outcome == domain.OutcomeTerminalNotFound {
		span.SetStatus(codes.Error, "terminal not found")
		c.JSON(http.StatusUnauthorized, dto.NewErrorResponse(dto.CodeTerminalNotFound, domain.TerminalNotFoundMessage))
		return
	}

	span.SetAttributes(
		attribute.String("outcome", d.Outcome.String()),
		attribute.Bool("recorded", d.Recorded),
	)
	span.SetStatus(codes.Ok, "")
	c.JSON(http.StatusOK, dto.FromDecision(d, req.ViewImage))
}

// ListAccesses handles GET /api/v1/acesso/tickets/:id/accesses
func (h *CheckInHandler) ListAccesses(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.checkin.list_accesses")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	ticketID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || ticketID <= 0 {
		span.SetStatus(codes.Error, "invalid ticket id")
		response.BadRequest(c, domain.ErrInvalidTicketID.Error())
		return
	}

	// Parse pagination parameters
	page := 1
	pageSize := service.DefaultPageSize
	if p := c.Query("page"); p != "" {
		if n, err := strconv.Atoi(p); err == nil && n > 0 {
			page = n
		}
	}
	if ps := c.Query("page_size"); ps != "" {
		if n, err := strconv.Atoi(ps); err == nil && n > 0 && n <= service.MaxPageSize {
			pageSize = n
		}
	}

	span.SetAttributes(
		attribute.Int64("ticket_id", ticketID),
		attribute.Int("page", page),
		attribute.Int("page_size", pageSize),
	)

	records, total, err := h.checkInService.ListAccesses(ctx, ticketID, page, pageSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, domain.ErrInvalidTicketID) {
			response.BadRequest(c, err.Error())
			return
		}
		logger.ErrorContext(ctx, "list accesses failed", zap.Int64("ticket_id", ticketID), zap.Error(err))
		response.InternalError(c, err)
		return
	}

	span.SetStatus(codes.Ok, "")
	response.Paginated(c, dto.FromAccessRecords(records), response.NewPageMeta(page, pageSize, total))
}

// handleError converts service errors to terminal responses. Infrastructure
// details go to the log only.
func (h *CheckInHandler) handleError(c *gin.Context, err error) {
	switch {
	case domain.IsValidationError(err):
		c.JSON(http.StatusUnprocessableEntity, dto.NewErrorResponse(dto.CodeValidationError, dto.MessageValidation))
	default:
		_ = c.Error(err)
		logger.ErrorContext(c.Request.Context(), "check-in failed",
			zap.String("path", c.Request.URL.Path),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, dto.NewErrorResponse(dto.CodeInternalError, dto.MessageInternalError))
	}
}

// WriteIdempotencyError renders idempotency rejections in the terminal error format
func WriteIdempotencyError(c *gin.Context, status int, code, message string) {
	c.JSON(status, dto.NewErrorResponse(code, message))
}
