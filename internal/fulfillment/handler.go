package fulfillment

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/apotek-core/apotek-core/internal/ledger"
	"github.com/apotek-core/apotek-core/internal/platform/httpx"
)

// Handler wires HTTP endpoints for the pharmacy queue.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	queue     *QueueBuilder
	validator *validator.Validate
}

// NewHandler constructs fulfillment handler.
func NewHandler(logger *slog.Logger, service *Service, queue *QueueBuilder) *Handler {
	return &Handler{logger: logger, service: service, queue: queue, validator: validator.New()}
}

// MountRoutes registers queue routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/queue", h.snapshot)
	r.Post("/queue", h.enqueue)
	r.Get("/queue/{id}", h.show)
	r.Get("/queue/{id}/transitions", h.transitions)
	r.Put("/queue/{id}/claim", h.claim)
	r.Put("/queue/{id}/ready", h.markReady)
	r.Put("/queue/{id}/dispense", h.dispense)
}

func (h *Handler) snapshot(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := SnapshotFilter{Search: q.Get("search")}
	if raw := q.Get("status"); raw != "" && raw != "all" {
		status := Status(strings.ToUpper(raw))
		if !status.IsValid() {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "status filter tidak dikenal: "+raw)
			return
		}
		filter.Status = status
	}
	snap, err := h.queue.Snapshot(r.Context(), filter)
	if err != nil {
		h.logger.Error("queue snapshot", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, snap)
}

type itemRequest struct {
	ProductID int64  `json:"product_id"`
	DrugName  string `json:"drug_name"`
	Dosage    string `json:"dosage"`
	Quantity  int64  `json:"quantity" validate:"required,gt=0"`
}

type prescriptionRequest struct {
	Type         string        `json:"type" validate:"required"`
	SharedDosage string        `json:"shared_dosage"`
	Items        []itemRequest `json:"items" validate:"required,min=1,dive"`
}

type enqueueRequest struct {
	VisitRef      string                `json:"visit_ref" validate:"required,uuid"`
	PatientName   string                `json:"patient_name" validate:"required"`
	Actor         string                `json:"actor" validate:"required"`
	Prescriptions []prescriptionRequest `json:"prescriptions" validate:"required,min=1,dive"`
}

func (h *Handler) enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "body JSON tidak valid")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	input := CreateInput{VisitRef: req.VisitRef, PatientName: req.PatientName, Actor: req.Actor}
	for _, p := range req.Prescriptions {
		pin := PrescriptionInput{Type: PrescriptionType(strings.ToUpper(p.Type)), SharedDosage: p.SharedDosage}
		for _, item := range p.Items {
			pin.Items = append(pin.Items, ItemInput{
				ProductID: item.ProductID,
				DrugName:  item.DrugName,
				Dosage:    item.Dosage,
				Quantity:  item.Quantity,
			})
		}
		input.Prescriptions = append(input.Prescriptions, pin)
	}

	entry, err := h.service.Enqueue(r.Context(), input)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, entry)
}

func (h *Handler) show(w http.ResponseWriter, r *http.Request) {
	id, ok := h.entryID(w, r)
	if !ok {
		return
	}
	entry, err := h.service.GetByID(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, entry)
}

func (h *Handler) transitions(w http.ResponseWriter, r *http.Request) {
	id, ok := h.entryID(w, r)
	if !ok {
		return
	}
	transitions, err := h.service.Transitions(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"transitions": transitions})
}

type claimRequest struct {
	OperatorName string `json:"operator_name" validate:"required"`
}

func (h *Handler) claim(w http.ResponseWriter, r *http.Request) {
	id, ok := h.entryID(w, r)
	if !ok {
		return
	}
	var req claimRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "body JSON tidak valid")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "operator_name wajib diisi")
		return
	}
	entry, err := h.service.Claim(r.Context(), id, req.OperatorName)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, entry)
}

type actorRequest struct {
	Actor string `json:"actor"`
}

func (h *Handler) markReady(w http.ResponseWriter, r *http.Request) {
	id, ok := h.entryID(w, r)
	if !ok {
		return
	}
	req, ok := h.decodeActor(w, r)
	if !ok {
		return
	}
	entry, err := h.service.MarkReady(r.Context(), id, req.Actor)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, entry)
}

type dispenseResponse struct {
	Entry     *Entry            `json:"entry"`
	Movements []ledger.Movement `json:"movements"`
	// NegativeProducts flags stock driven negative by this dispense so
	// the terminal can surface it for reconciliation.
	NegativeProducts []int64 `json:"negative_products,omitempty"`
}

func (h *Handler) dispense(w http.ResponseWriter, r *http.Request) {
	id, ok := h.entryID(w, r)
	if !ok {
		return
	}
	req, ok := h.decodeActor(w, r)
	if !ok {
		return
	}
	entry, result, err := h.service.Dispense(r.Context(), id, req.Actor)
	if err != nil {
		h.respondError(w, err)
		return
	}
	for _, productID := range result.NegativeProducts {
		h.logger.Warn("stok produk menjadi negatif setelah penyerahan",
			slog.Int64("entry_id", id),
			slog.Int64("product_id", productID))
	}
	httpx.JSON(w, http.StatusOK, dispenseResponse{
		Entry:            entry,
		Movements:        result.Movements,
		NegativeProducts: result.NegativeProducts,
	})
}

func (h *Handler) entryID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "ID antrean tidak valid")
		return 0, false
	}
	return id, true
}

func (h *Handler) decodeActor(w http.ResponseWriter, r *http.Request) (actorRequest, bool) {
	var req actorRequest
	if err := httpx.DecodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "body JSON tidak valid")
		return actorRequest{}, false
	}
	return req, true
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	var transition *TransitionError
	switch {
	case errors.As(err, &transition):
		// 409 with the current state so the terminal re-synchronizes and
		// can ask "already claimed by X, continue?".
		httpx.ProblemWith(w, http.StatusConflict, "Invalid State Transition", transition.Error(), map[string]any{
			"entry_id":          transition.EntryID,
			"current_status":    transition.Current,
			"assigned_operator": transition.AssignedOperator,
		})
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrDuplicateVisit):
		httpx.Problem(w, http.StatusConflict, "Duplicate", err.Error())
	case errors.Is(err, ErrOperatorRequired),
		errors.Is(err, ErrVisitRefRequired),
		errors.Is(err, ErrPatientNameRequired),
		errors.Is(err, ErrEmptyPrescriptions),
		errors.Is(err, ErrEmptyItems),
		errors.Is(err, ErrInvalidPrescriptionType),
		errors.Is(err, ErrSharedDosageRequired),
		errors.Is(err, ErrSharedDosageNotAllowed),
		errors.Is(err, ErrDrugRequired),
		errors.Is(err, ErrDosageRequired),
		errors.Is(err, ErrInvalidQuantity):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ledger.ErrInconsistent):
		h.logger.Error("ledger tidak konsisten saat penyerahan", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Ledger Inconsistent", err.Error())
	default:
		h.logger.Error("fulfillment request gagal", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
