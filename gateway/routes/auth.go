package routes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"vouchergate/gateway/auth"
	"vouchergate/gateway/middleware"
	"vouchergate/observability"
	"vouchergate/observability/logging"
	"vouchergate/storage"
)

const defaultMaxBodyBytes = 4 << 10

// authWire accepts ts as a JSON number or a numeric string.
type authWire struct {
	RouterID string      `json:"router_id"`
	MAC      string      `json:"mac"`
	Voucher  string      `json:"voucher"`
	TS       json.Number `json:"ts"`
	Nonce    string      `json:"nonce"`
	Sig      string      `json:"sig"`
}

type acceptResponse struct {
	Allow     int    `json:"allow"`
	Remaining int64  `json:"remaining"`
	Up        int64  `json:"up"`
	Down      int64  `json:"down"`
	Grant     string `json:"grant,omitempty"`
}

type rejectResponse struct {
	Allow int `json:"allow"`
}

type authHandler struct {
	validator Validator
	events    EventRecorder
	logger    *slog.Logger
	maxBody   int64
}

func (h *authHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	req, err := decodeAuthRequest(http.MaxBytesReader(w, r.Body, h.maxBody))
	var grant *auth.Grant
	if err == nil {
		grant, err = h.validator.Validate(r.Context(), req)
	}
	h.record(r, req, err, time.Since(start))

	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, acceptResponse{
			Allow:     1,
			Remaining: int64(grant.Remaining / time.Second),
			Up:        grant.UpBytes,
			Down:      grant.DownBytes,
			Grant:     grant.Token,
		})
	case errors.Is(err, auth.ErrMalformed):
		writeJSON(w, http.StatusBadRequest, rejectResponse{})
	case auth.IsRejection(err):
		writeJSON(w, http.StatusForbidden, rejectResponse{})
	default:
		writeJSON(w, http.StatusInternalServerError, rejectResponse{})
	}
}

func decodeAuthRequest(body io.Reader) (auth.AuthRequest, error) {
	var wire authWire
	if err := json.NewDecoder(body).Decode(&wire); err != nil {
		return auth.AuthRequest{}, fmt.Errorf("%w: decode body: %v", auth.ErrMalformed, err)
	}
	req := auth.AuthRequest{
		RouterID: wire.RouterID,
		MAC:      wire.MAC,
		Voucher:  wire.Voucher,
		Nonce:    wire.Nonce,
		Sig:      wire.Sig,
	}
	if wire.TS == "" {
		return req, fmt.Errorf("%w: ts required", auth.ErrMalformed)
	}
	ts, err := wire.TS.Int64()
	if err != nil {
		return req, fmt.Errorf("%w: ts must be an integer", auth.ErrMalformed)
	}
	req.TS = ts
	return req, nil
}

// record logs, counts and audits one decision. The specific reason never
// reaches the client.
func (h *authHandler) record(r *http.Request, req auth.AuthRequest, err error, elapsed time.Duration) {
	reason := auth.Reason(err)
	outcome := observability.OutcomeAllow
	switch {
	case err == nil:
	case auth.IsRejection(err):
		outcome = observability.OutcomeDeny
	default:
		outcome = observability.OutcomeError
	}
	ctx := context.WithoutCancel(r.Context())
	observability.Auth().ObserveDecision(ctx, outcome, reason, elapsed)

	remote := middleware.ClientAddr(r)
	attrs := []any{
		"outcome", outcome,
		"reason", reason,
		"router_id", req.RouterID,
		"mac", logging.MaskMAC(req.MAC),
		"voucher", logging.MaskCode(req.Voucher),
		"remote_addr", remote,
		"duration_ms", float64(elapsed.Microseconds()) / 1000,
	}
	detail := ""
	if err != nil {
		detail = err.Error()
		attrs = append(attrs, "error", detail)
	}
	switch outcome {
	case observability.OutcomeError:
		h.logger.Error("auth decision", attrs...)
	case observability.OutcomeDeny:
		h.logger.Warn("auth decision", attrs...)
	default:
		h.logger.Info("auth decision", attrs...)
	}

	if h.events == nil {
		return
	}
	event := storage.AuthEvent{
		RouterID:   clip(req.RouterID, 64),
		MAC:        clip(req.MAC, 17),
		Voucher:    clip(req.Voucher, 32),
		Allowed:    err == nil,
		Reason:     reason,
		Detail:     clip(detail, 256),
		RemoteAddr: clip(remote, 64),
	}
	if recErr := h.events.RecordEvent(ctx, event); recErr != nil {
		h.logger.Error("record auth event failed", "error", recErr, "router_id", req.RouterID)
	}
}

func clip(value string, max int) string {
	if len(value) <= max {
		return value
	}
	return value[:max]
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
