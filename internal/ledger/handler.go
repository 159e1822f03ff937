package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/apotek-core/apotek-core/internal/platform/httpx"
	"github.com/apotek-core/apotek-core/internal/shared"
)

// Handler wires HTTP endpoints for the ledger module.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs ledger handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/movements", h.post)
	r.Get("/products/{id}/movements", h.productHistory)
	r.Get("/entries/{id}/movements", h.entryHistory)
}

type movementRequest struct {
	ProductID int64  `json:"product_id" validate:"required,gt=0"`
	Direction string `json:"direction" validate:"required,oneof=IN OUT"`
	Quantity  int64  `json:"quantity" validate:"required,gt=0"`
	Reason    string `json:"reason" validate:"required"`
	Note      string `json:"note"`
}

type postRequest struct {
	Code      string            `json:"code"`
	Actor     string            `json:"actor" validate:"required"`
	Movements []movementRequest `json:"movements" validate:"required,min=1,dive"`
}

func (h *Handler) post(w http.ResponseWriter, r *http.Request) {
	var req postRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "body JSON tidak valid")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	movements := make([]Movement, 0, len(req.Movements))
	for _, m := range req.Movements {
		movements = append(movements, Movement{
			ProductID: m.ProductID,
			Direction: Direction(m.Direction),
			Quantity:  m.Quantity,
			Reason:    Reason(m.Reason),
			Note:      m.Note,
		})
	}

	result, err := h.service.Post(r.Context(), PostInput{Code: req.Code, Actor: req.Actor, Movements: movements})
	if err != nil {
		h.respondPostError(w, err)
		return
	}
	for _, productID := range result.NegativeProducts {
		h.logger.Warn("stok produk menjadi negatif",
			slog.Int64("product_id", productID),
			slog.String("actor", req.Actor))
	}
	httpx.JSON(w, http.StatusCreated, result)
}

func (h *Handler) respondPostError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidQuantity),
		errors.Is(err, ErrInvalidDirection),
		errors.Is(err, ErrInvalidReason),
		errors.Is(err, ErrEmptyPost):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrProductNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, shared.ErrIdempotencyConflict):
		httpx.Problem(w, http.StatusConflict, "Duplicate", err.Error())
	case errors.Is(err, ErrInconsistent):
		// Never swallowed: the mismatch is logged for reconciliation.
		h.logger.Error("ledger tidak konsisten", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Ledger Inconsistent", err.Error())
	default:
		h.logger.Error("post movements", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func (h *Handler) productHistory(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "ID produk tidak valid")
		return
	}
	h.history(w, r, HistoryFilter{ProductID: id, Limit: queryLimit(r)})
}

func (h *Handler) entryHistory(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "ID antrean tidak valid")
		return
	}
	h.history(w, r, HistoryFilter{EntryID: id, Limit: queryLimit(r)})
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request, filter HistoryFilter) {
	movements, err := h.service.History(r.Context(), filter)
	if err != nil {
		h.logger.Error("movement history", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"movements": movements})
}

func queryLimit(r *http.Request) int {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	return limit
}
