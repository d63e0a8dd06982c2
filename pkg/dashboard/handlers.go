package dashboard

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/sipeed/wabridge/pkg/logger"
	"github.com/sipeed/wabridge/pkg/send"
	"github.com/sipeed/wabridge/pkg/session"
)

const userDisconnectReason = "User requested disconnect"

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service": "wabridge",
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":            true,
		"authenticated": s.session.Status().Authenticated,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	st := s.session.Status()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"state":                st.State,
		"authenticated":        st.Authenticated,
		"connecting":           st.Connecting,
		"hasQR":                st.HasQR,
		"connectedSubscribers": s.hub.Count(),
		"account":              st.Account,
		"diagnostics":          st.Diagnostics,
		"timestamp":            time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ch := s.session.Challenge()
	if ch == nil {
		writeError(w, http.StatusNotFound, "QR not available")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"qr":          ch.DataURI,
		"hasQR":       true,
		"generatedAt": ch.IssuedAt.UTC(),
	})
}

func (s *Server) handleQRPNG(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ch := s.session.Challenge()
	if ch == nil {
		writeError(w, http.StatusNotFound, "QR not available")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Length", strconv.Itoa(len(ch.PNG)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(ch.PNG)
}

func (s *Server) handleQRSVG(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	size := 320
	if v := r.URL.Query().Get("size"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 64 && n <= 2048 {
			size = n
		}
	}
	svg, err := s.session.ChallengeSVG(size)
	if err != nil {
		writeError(w, http.StatusNotFound, "QR not available")
		return
	}
	w.Header().Set("Content-Type", "image/svg+xml")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(svg))
}

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := s.session.Start(); err != nil {
		if errors.Is(err, session.ErrAlreadyInitialized) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Initialization started",
	})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := s.session.Stop(userDisconnectReason); err != nil {
		if errors.Is(err, session.ErrNoClient) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// handleRestart schedules a restart and returns immediately; the outcome is
// streamed to subscribers.
func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := s.session.TryRestart("operator requested restart"); err != nil {
		if errors.Is(err, session.ErrRestartInProgress) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"success": true,
		"message": "Restart scheduled",
	})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body struct {
		Phone   string `json:"phone"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	ack, err := s.sender.Send(r.Context(), body.Phone, body.Message)
	if err != nil {
		var sendErr *send.Error
		if !errors.As(err, &sendErr) {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp := map[string]interface{}{"error": sendErr.Error()}
		if sendErr.Retryable() {
			resp["queued"] = true
		}
		logger.WarnCF("dashboard", "Send failed", map[string]interface{}{
			"kind":  sendErr.Kind.String(),
			"error": sendErr.Error(),
		})
		writeJSON(w, sendErr.HTTPStatus(), resp)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"messageId": ack.MessageID,
		"recipient": ack.Recipient,
		"attempts":  ack.Attempts,
	})
}

// handleDebug returns internal state for troubleshooting. It never includes
// the challenge payload itself or any secret.
func (s *Server) handleDebug(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	st := s.session.Status()
	qrInfo := map[string]interface{}{"present": false}
	if ch := s.session.Challenge(); ch != nil {
		qrInfo = map[string]interface{}{
			"present":       true,
			"type":          "image/png",
			"pngBytes":      len(ch.PNG),
			"dataURILength": len(ch.DataURI),
			"rawLength":     len(ch.Raw),
			"issuedAt":      ch.IssuedAt.UTC(),
		}
	}

	resp := map[string]interface{}{
		"state":             st.State,
		"stateSince":        st.StateSince.UTC(),
		"generation":        st.Generation,
		"authenticated":     st.Authenticated,
		"connecting":        st.Connecting,
		"clientInitialized": st.ClientInitialized,
		"restarting":        st.Restarting,
		"qr":                qrInfo,
		"invalidQrCount":    st.Diagnostics.InvalidQRCount,
		"sendInFlight":      s.sender.InFlight(),
		"sendFailures":      s.sender.FailureCount(),
		"subscribers":       s.hub.Count(),
		"uptime":            time.Since(s.startTime).Round(time.Second).String(),
		"diagnostics":       st.Diagnostics,
	}

	if s.opts.Journal != nil {
		transitions, err := s.opts.Journal.RecentTransitions(r.Context(), debugTransitions)
		if err != nil {
			resp["transitionsError"] = err.Error()
		} else {
			resp["transitions"] = transitions
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
