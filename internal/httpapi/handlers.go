package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/ManuGH/xg2g/internal/displayname"
	"github.com/ManuGH/xg2g/internal/locker/model"
	"github.com/ManuGH/xg2g/internal/userflow"
	"github.com/go-chi/chi/v5"
)

type cardScanRequest struct {
	KioskID string `json:"kiosk_id"`
	CardID  string `json:"card_id"`
}

func (s *Server) handleCardScan(w http.ResponseWriter, r *http.Request) {
	var req cardScanRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.KioskID == "" || req.CardID == "" {
		writeError(w, http.StatusBadRequest, "kiosk_id and card_id are required")
		return
	}

	res, err := s.userflow.HandleCardScan(r.Context(), req.KioskID, req.CardID, clientIdentity(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "card scan failed")
		return
	}
	writeJSON(w, statusForAction(res.Action), res)
}

type lockerSelectionRequest struct {
	KioskID  string `json:"kiosk_id"`
	CardID   string `json:"card_id"`
	LockerID int    `json:"locker_id"`
}

func (s *Server) handleLockerSelection(w http.ResponseWriter, r *http.Request) {
	var req lockerSelectionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	res, err := s.userflow.HandleLockerSelection(r.Context(), req.KioskID, req.CardID, req.LockerID)
	if err == userflow.ErrNoActiveSession {
		writeError(w, http.StatusConflict, "no active selection session")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "locker selection failed")
		return
	}
	writeJSON(w, statusForAction(res.Action), res)
}

func (s *Server) handleQrRequest(w http.ResponseWriter, r *http.Request) {
	kioskID := chi.URLParam(r, "kioskID")
	lockerID, err := strconv.Atoi(chi.URLParam(r, "lockerID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid locker id")
		return
	}
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		writeError(w, http.StatusBadRequest, "device_id query parameter is required")
		return
	}

	res, err := s.userflow.HandleQrRequest(r.Context(), kioskID, lockerID, deviceID, clientIdentity(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "qr request failed")
		return
	}
	status := res.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func statusForAction(a userflow.Action) int {
	if a == userflow.ActionRateLimited {
		return http.StatusTooManyRequests
	}
	return http.StatusOK
}

type heartbeatRequest struct {
	Zone      string `json:"zone"`
	Version   string `json:"version"`
	Telemetry json.RawMessage `json:"telemetry,omitempty"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	kioskID := chi.URLParam(r, "kioskID")
	var req heartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	if err := s.fleet.RecordHeartbeat(r.Context(), kioskID, req.Zone, req.Version, req.Telemetry); err != nil {
		writeError(w, http.StatusInternalServerError, "heartbeat recording failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleFleetStatus(w http.ResponseWriter, r *http.Request) {
	online, total, err := s.fleet.FleetStatus(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "fleet status unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"online": online, "total": total})
}

type staffOpenRequest struct {
	StaffUser string `json:"staff_user"`
	Reason    string `json:"reason"`
}

func (s *Server) handleStaffOpen(w http.ResponseWriter, r *http.Request) {
	kioskID := chi.URLParam(r, "kioskID")
	lockerID, err := strconv.Atoi(chi.URLParam(r, "lockerID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid locker id")
		return
	}
	var req staffOpenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	payload, _ := json.Marshal(model.OpenLockerPayload{LockerID: lockerID, StaffUser: req.StaffUser, Reason: req.Reason})
	commandID, err := s.cq.Enqueue(r.Context(), kioskID, model.CommandOpenLocker, payload, model.DefaultMaxRetries)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	s.auditLogger.StaffOpen(r.Context(), kioskID, lockerID, req.StaffUser, req.Reason)
	writeJSON(w, http.StatusAccepted, map[string]string{"command_id": commandID})
}

type bulkOpenRequest struct {
	LockerIDs  []int  `json:"locker_ids"`
	StaffUser  string `json:"staff_user"`
	ExcludeVIP bool   `json:"exclude_vip"`
	IntervalMS int    `json:"interval_ms"`
}

func (s *Server) handleBulkOpen(w http.ResponseWriter, r *http.Request) {
	kioskID := chi.URLParam(r, "kioskID")
	var req bulkOpenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	payload, _ := json.Marshal(model.BulkOpenPayload{
		LockerIDs: req.LockerIDs, StaffUser: req.StaffUser,
		ExcludeVIP: req.ExcludeVIP, IntervalMS: req.IntervalMS,
	})
	commandID, err := s.cq.Enqueue(r.Context(), kioskID, model.CommandBulkOpen, payload, model.DefaultMaxRetries)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	s.auditLogger.BulkOpen(r.Context(), kioskID, req.StaffUser, len(req.LockerIDs), 0)
	writeJSON(w, http.StatusAccepted, map[string]string{"command_id": commandID})
}

type blockRequest struct {
	StaffUser string `json:"staff_user"`
	Reason    string `json:"reason"`
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	s.enqueueBlockCommand(w, r, model.CommandBlockLocker)
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	s.enqueueBlockCommand(w, r, model.CommandUnblockLocker)
}

func (s *Server) enqueueBlockCommand(w http.ResponseWriter, r *http.Request, cmdType model.CommandType) {
	kioskID := chi.URLParam(r, "kioskID")
	lockerID, err := strconv.Atoi(chi.URLParam(r, "lockerID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid locker id")
		return
	}
	var req blockRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	payload, _ := json.Marshal(model.BlockLockerPayload{LockerID: lockerID, StaffUser: req.StaffUser, Reason: req.Reason})
	commandID, err := s.cq.Enqueue(r.Context(), kioskID, cmdType, payload, model.DefaultMaxRetries)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"command_id": commandID})
}

type forceTransitionRequest struct {
	StaffUser string `json:"staff_user"`
	NewState  string `json:"new_state"`
	Reason    string `json:"reason"`
}

func (s *Server) handleForceTransition(w http.ResponseWriter, r *http.Request) {
	kioskID := chi.URLParam(r, "kioskID")
	lockerID, err := strconv.Atoi(chi.URLParam(r, "lockerID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid locker id")
		return
	}
	var req forceTransitionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	applied, err := s.lsm.ForceTransition(r.Context(), kioskID, lockerID, model.Status(req.NewState), req.StaffUser, req.Reason)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "force transition failed")
		return
	}
	if !applied {
		writeError(w, http.StatusConflict, "transition rejected")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type displayNameRequest struct {
	StaffUser   string `json:"staff_user"`
	DisplayName string `json:"display_name"`
}

func (s *Server) handleDisplayName(w http.ResponseWriter, r *http.Request) {
	kioskID := chi.URLParam(r, "kioskID")
	lockerID, err := strconv.Atoi(chi.URLParam(r, "lockerID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid locker id")
		return
	}
	var req displayNameRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	normalized, err := displayname.ValidateUnique(r.Context(), s.nameChecker, kioskID, req.DisplayName, lockerID)
	if err != nil {
		if verr, ok := err.(*displayname.ValidationError); ok {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": verr.Reason, "suggestion": verr.Suggestion})
			return
		}
		writeError(w, http.StatusInternalServerError, "display name validation failed")
		return
	}

	applied, err := s.lsm.SetDisplayName(r.Context(), kioskID, lockerID, req.StaffUser, normalized)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "display name update failed")
		return
	}
	if !applied {
		writeError(w, http.StatusNotFound, "locker not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"display_name": normalized})
}
