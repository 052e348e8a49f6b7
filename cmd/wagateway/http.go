package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/schedulink/wagateway/internal/gateway"
	"github.com/schedulink/wagateway/internal/manager"
	"github.com/schedulink/wagateway/pkg/models"
)

// newHTTPHandler builds the admin surface: status and health for dashboards,
// metrics for scraping, and per-tenant lifecycle operations.
func newHTTPHandler(mgr *manager.Manager) http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, mgr.GetAllStatus())
	})

	mux.HandleFunc("GET /status/{tenant}", func(w http.ResponseWriter, r *http.Request) {
		snap, err := mgr.GetStatus(models.TenantID(r.PathValue("tenant")))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	})

	mux.HandleFunc("POST /tenants/{tenant}/connect", func(w http.ResponseWriter, r *http.Request) {
		tenant := models.TenantID(r.PathValue("tenant"))
		if err := mgr.Connect(r.Context(), tenant); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "connecting"})
	})

	mux.HandleFunc("POST /tenants/{tenant}/disconnect", func(w http.ResponseWriter, r *http.Request) {
		if err := mgr.Disconnect(models.TenantID(r.PathValue("tenant"))); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
	})

	mux.HandleFunc("POST /tenants/{tenant}/pair", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			PhoneNumber string `json:"phone_number"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PhoneNumber == "" {
			http.Error(w, "phone_number is required", http.StatusBadRequest)
			return
		}
		code, err := mgr.RequestPairingCode(r.Context(), models.TenantID(r.PathValue("tenant")), req.PhoneNumber)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"code": code})
	})

	mux.HandleFunc("POST /tenants/{tenant}/send", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ChatID  string        `json:"chat_id"`
			Text    string        `json:"text"`
			Media   *models.Media `json:"media,omitempty"`
			Caption string        `json:"caption,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChatID == "" {
			http.Error(w, "chat_id is required", http.StatusBadRequest)
			return
		}
		tenant := models.TenantID(r.PathValue("tenant"))
		var (
			id  string
			err error
		)
		if req.Media != nil {
			id, err = mgr.SendMedia(r.Context(), tenant, req.ChatID, *req.Media, req.Caption)
		} else {
			id, err = mgr.SendText(r.Context(), tenant, req.ChatID, req.Text)
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message_id": id})
	})

	mux.HandleFunc("DELETE /tenants/{tenant}", func(w http.ResponseWriter, r *http.Request) {
		if err := mgr.Cleanup(r.Context(), models.TenantID(r.PathValue("tenant"))); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps gateway error codes onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch gateway.GetErrorCode(err) {
	case gateway.ErrCodeTenantNotFound:
		status = http.StatusNotFound
	case gateway.ErrCodeInvalidRecipient:
		status = http.StatusBadRequest
	case gateway.ErrCodeNotConnected, gateway.ErrCodeAlreadyConnecting, gateway.ErrCodeAlreadyConnected:
		status = http.StatusConflict
	case gateway.ErrCodeMaxAttempts, gateway.ErrCodeMaxRetries:
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// runStatus queries a running server's status endpoint.
func runStatus(cmd *cobra.Command, addr, tenant string) error {
	url := fmt.Sprintf("http://%s/status", addr)
	if tenant != "" {
		url = fmt.Sprintf("http://%s/status/%s", addr, tenant)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("querying %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %s", resp.Status)
	}

	var snaps []models.StatusSnapshot
	if tenant != "" {
		var snap models.StatusSnapshot
		if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
		snaps = []models.StatusSnapshot{snap}
	} else if err := json.NewDecoder(resp.Body).Decode(&snaps); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-20s %-20s %-10s %-8s %s\n", "TENANT", "STATUS", "CONNECTED", "RETRIES", "LAST ERROR")
	for _, s := range snaps {
		fmt.Fprintf(out, "%-20s %-20s %-10t %-8d %s\n",
			s.TenantID, s.Status, s.Connected, s.RetryCount, s.LastError)
	}
	return nil
}
