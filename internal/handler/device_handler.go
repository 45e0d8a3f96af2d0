package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/secure-auth-api/internal/service"
	appErrors "github.com/noah-isme/secure-auth-api/pkg/errors"
	"github.com/noah-isme/secure-auth-api/pkg/response"
)

// DeviceHandler exposes the caller's bound devices.
type DeviceHandler struct {
	service *service.DeviceService
}

// NewDeviceHandler creates a new handler.
func NewDeviceHandler(svc *service.DeviceService) *DeviceHandler {
	return &DeviceHandler{service: svc}
}

// List godoc
// @Summary List devices
// @Description Returns the caller's active devices
// @Tags Devices
// @Produce json
// @Success 200 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /devices [get]
func (h *DeviceHandler) List(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	devices, err := h.service.List(c.Request.Context(), claims.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, devices)
}

// Trust godoc
// @Summary Mark device as trusted
// @Tags Devices
// @Produce json
// @Param id path string true "Device ID"
// @Success 204 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /devices/{id}/trust [post]
func (h *DeviceHandler) Trust(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	if err := h.service.Trust(c.Request.Context(), c.Param("id"), claims.UserID); err != nil {
		response.Error(c, err)
		return
	}

	response.NoContent(c)
}

// Revoke godoc
// @Summary Revoke a device
// @Description Deactivates the device and revokes its sessions
// @Tags Devices
// @Produce json
// @Param id path string true "Device ID"
// @Success 204 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /devices/{id} [delete]
func (h *DeviceHandler) Revoke(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	if err := h.service.Revoke(c.Request.Context(), c.Param("id"), claims.UserID); err != nil {
		response.Error(c, err)
		return
	}

	response.NoContent(c)
}
