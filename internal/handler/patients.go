package handler

import (
	"log/slog"
	"net/http"

	"patient_service/internal/auth"
	"patient_service/internal/models"
	"patient_service/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/gofrs/uuid"
)

var staffRoles = []models.Role{models.RoleAdmin, models.RoleDoctor}

type updatePatientRequest struct {
	Name    *string   `json:"name"`
	Email   *string   `json:"email"`
	Role    *string   `json:"role"`
	Age     *ageValue `json:"age"`
	Ailment *string   `json:"ailment"`
}

// GET /api/patients
func (h *Handler) ListPatients(c *gin.Context) {
	const op = "handler.ListPatients"

	log := h.log.With(slog.String("op", op))

	patients, err := h.serviceLayer.ListPatients(c.Request.Context())
	if err != nil {
		h.respondError(c, log, err, "Failed to fetch patients")

		return
	}

	c.JSON(http.StatusOK, patients)
}

// GET /api/patients/:id
func (h *Handler) GetPatient(c *gin.Context) {
	const op = "handler.GetPatient"

	log := h.log.With(slog.String("op", op))

	id, ok := patientID(c)
	if !ok {
		return
	}

	p, ok := principalFrom(c)
	if !ok {
		newErrorResponse(c, http.StatusUnauthorized, "invalid token")

		return
	}

	// Patients may read their own record; staff may read any.
	if p.UserID != id {
		if err := auth.CheckRole(staffRoles, p.Role); err != nil {
			newErrorResponse(c, http.StatusForbidden, "Access denied")

			return
		}
	}

	patient, err := h.serviceLayer.GetPatient(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, log, err, "Failed to fetch patient")

		return
	}

	c.JSON(http.StatusOK, patient)
}

// POST /api/patients
func (h *Handler) CreatePatient(c *gin.Context) {
	const op = "handler.CreatePatient"

	log := h.log.With(slog.String("op", op))

	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Debug("failed to read request body", slog.Any("error", err))

		newErrorResponse(c, http.StatusBadRequest, "invalid request body")

		return
	}

	patient, err := h.serviceLayer.CreatePatient(c.Request.Context(), req.toInput())
	if err != nil {
		h.respondError(c, log, err, "Failed to create patient")

		return
	}

	c.JSON(http.StatusCreated, patient)
}

// PUT /api/patients/:id
func (h *Handler) UpdatePatient(c *gin.Context) {
	const op = "handler.UpdatePatient"

	log := h.log.With(slog.String("op", op))

	id, ok := patientID(c)
	if !ok {
		return
	}

	actor, ok := principalFrom(c)
	if !ok {
		newErrorResponse(c, http.StatusUnauthorized, "invalid token")

		return
	}

	var req updatePatientRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Debug("failed to read request body", slog.Any("error", err))

		newErrorResponse(c, http.StatusBadRequest, "invalid request body")

		return
	}

	patient, err := h.serviceLayer.UpdatePatient(c.Request.Context(), actor, id, service.UpdatePatientInput{
		Name:    req.Name,
		Email:   req.Email,
		Role:    req.Role,
		Age:     req.Age.intPtr(),
		Ailment: req.Ailment,
	})
	if err != nil {
		h.respondError(c, log, err, "Failed to update patient")

		return
	}

	c.JSON(http.StatusOK, patient)
}

// DELETE /api/patients/:id
func (h *Handler) DeletePatient(c *gin.Context) {
	const op = "handler.DeletePatient"

	log := h.log.With(slog.String("op", op))

	id, ok := patientID(c)
	if !ok {
		return
	}

	if err := h.serviceLayer.DeletePatient(c.Request.Context(), id); err != nil {
		h.respondError(c, log, err, "Failed to delete patient")

		return
	}

	log.Info("patient deleted", slog.String("patient_id", id.String()))

	c.JSON(http.StatusOK, messageResponse{Message: "Patient deleted successfully"})
}

func patientID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.FromString(c.Param("id"))
	if err != nil {
		newErrorResponse(c, http.StatusBadRequest, "invalid patient id")

		return uuid.Nil, false
	}

	return id, true
}
