package api

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/technosupport/ts-mediagw/internal/data"
)

type DeviceHandler struct {
	Devices data.DeviceModel
}

func NewDeviceHandler(devices data.DeviceModel) *DeviceHandler {
	return &DeviceHandler{Devices: devices}
}

func validRtspURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "rtsp" || u.Scheme == "rtsps") && u.Host != ""
}

// POST /v2/devices
func (h *DeviceHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string `json:"name"`
		RtspURL  string `json:"rtsp_url"`
		Location string `json:"location"`
	}
	if err := readJSON(w, r, &req); err != nil {
		badRequest(w, r, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		badRequest(w, r, "name is required")
		return
	}
	if !validRtspURL(req.RtspURL) {
		badRequest(w, r, "rtsp_url must be a valid rtsp:// or rtsps:// URL")
		return
	}

	device := &data.Device{
		Name:     req.Name,
		RtspURL:  req.RtspURL,
		Location: req.Location,
	}
	if err := h.Devices.Create(r.Context(), device); err != nil {
		serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, device)
}

// GET /v2/devices
func (h *DeviceHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	devices, total, err := h.Devices.List(r.Context(), limit, offset)
	if err != nil {
		serverError(w, r, err)
		return
	}
	if devices == nil {
		devices = []*data.Device{}
	}
	writeJSON(w, http.StatusOK, listResponse{Items: devices, Total: total, Limit: limit, Offset: offset})
}

// GET /v2/devices/{id}
func (h *DeviceHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		badRequest(w, r, "invalid device id")
		return
	}

	device, err := h.Devices.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			notFound(w, r, "device")
			return
		}
		serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, device)
}

// PUT /v2/devices/{id}
func (h *DeviceHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		badRequest(w, r, "invalid device id")
		return
	}

	device, err := h.Devices.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			notFound(w, r, "device")
			return
		}
		serverError(w, r, err)
		return
	}

	var req struct {
		Name     *string `json:"name"`
		RtspURL  *string `json:"rtsp_url"`
		Location *string `json:"location"`
	}
	if err := readJSON(w, r, &req); err != nil {
		badRequest(w, r, "invalid request body")
		return
	}
	if req.Name != nil {
		if strings.TrimSpace(*req.Name) == "" {
			badRequest(w, r, "name must not be empty")
			return
		}
		device.Name = *req.Name
	}
	if req.RtspURL != nil {
		if !validRtspURL(*req.RtspURL) {
			badRequest(w, r, "rtsp_url must be a valid rtsp:// or rtsps:// URL")
			return
		}
		device.RtspURL = *req.RtspURL
	}
	if req.Location != nil {
		device.Location = *req.Location
	}

	if err := h.Devices.Update(r.Context(), device); err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			notFound(w, r, "device")
			return
		}
		serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, device)
}

// DELETE /v2/devices/{id}
func (h *DeviceHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		badRequest(w, r, "invalid device id")
		return
	}

	if err := h.Devices.Delete(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, data.ErrRecordNotFound):
			notFound(w, r, "device")
		case errors.Is(err, data.ErrEditConflict):
			WriteError(w, r, http.StatusConflict, CodeValidationError,
				"device has active streams; stop them first", nil)
		default:
			serverError(w, r, err)
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
