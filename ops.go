package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"pactduel/trust/internal/lobbycode"
	"pactduel/trust/internal/pipeline"
)

// registerOpsEndpoints wires the operational surface: health, per-player trust
// reports, and lobby code issuance for the matchmaking service.
func registerOpsEndpoints(mux *http.ServeMux, gatekeeper *pipeline.Gatekeeper, gateway *Gateway) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":  "ok",
			"clients": gateway.ActiveClients(),
		})
	})

	mux.HandleFunc("/trustz", func(w http.ResponseWriter, r *http.Request) {
		playerID := strings.TrimSpace(r.URL.Query().Get("player_id"))
		if playerID == "" {
			http.Error(w, "player_id is required", http.StatusBadRequest)
			return
		}
		report := gatekeeper.Report(playerID)
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(report); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})

	mux.HandleFunc("/lobby-codes", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		code, err := gatekeeper.IssueLobbyCode()
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, lobbycode.ErrCodeSpaceExhausted) {
				status = http.StatusConflict
			}
			http.Error(w, err.Error(), status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(code)
	})

	//1.- Redemption mutates usage counts, so it only answers POST.
	mux.HandleFunc("/lobby-codes/redeem", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		value := strings.TrimSpace(r.URL.Query().Get("code"))
		if value == "" {
			http.Error(w, "code is required", http.StatusBadRequest)
			return
		}
		result := gatekeeper.RedeemLobbyCode(value)
		w.Header().Set("Content-Type", "application/json")
		if !result.Valid {
			w.WriteHeader(http.StatusForbidden)
		}
		_ = json.NewEncoder(w).Encode(result)
	})
}
