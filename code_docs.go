package main

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"

	"pactduel/trust/internal/validation"
)

// CodeDoc describes one rejection code for client developers. The structure is
// deliberately generic so future clients can attach extra metadata without
// breaking the API.
type CodeDoc struct {
	Code        validation.Code `json:"code"`
	Description string          `json:"description"`
	Terminal    bool            `json:"terminal,omitempty"`
}

// defaultCodeDocs is the canonical catalog of rejection codes the gateway can
// send in a VALIDATION_RESULT frame. Hosting it on the gateway keeps client
// error handling in sync with the server without a shared schema package.
var defaultCodeDocs = []CodeDoc{
	{Code: validation.CodeMalformed, Description: "The frame is not valid JSON or fails the envelope schema."},
	{Code: validation.CodeUnknownType, Description: "The message type is not recognised."},
	{Code: validation.CodeOversized, Description: "The frame exceeds the payload size ceiling."},
	{Code: validation.CodeRateLimited, Description: "The sender exhausted the rate budget for this message class."},
	{Code: validation.CodeTimestampDrift, Description: "The claimed timestamp drifts too far from server time."},
	{Code: validation.CodeReplayed, Description: "The claimed timestamp falls inside the replay window."},
	{Code: validation.CodeTimestampCollide, Description: "Two frames claimed timestamps closer than the collision gap."},
	{Code: validation.CodeIdentityMismatch, Description: "The payload sender does not match the bound identity.", Terminal: true},
	{Code: validation.CodeIdentityConflict, Description: "The player identity is already bound to another connection.", Terminal: true},
	{Code: validation.CodeUnbound, Description: "The connection has no bound identity."},
	{Code: validation.CodeMaliciousPayload, Description: "The payload matches a known injection pattern.", Terminal: true},
	{Code: validation.CodeDuplicateContent, Description: "An identical message was repeated too often."},
	{Code: validation.CodeSpamPattern, Description: "The sender is flagged for sustained spam behaviour.", Terminal: true},
	{Code: validation.CodeQuarantined, Description: "The sender is in a temporary quarantine cool-down."},
	{Code: validation.CodeNotHost, Description: "The sender is not the host of the target lobby."},
	{Code: validation.CodeBadHostPayload, Description: "The host action payload fails its shape checks."},
	{Code: validation.CodeUnknownSession, Description: "The referenced game session does not exist."},
	{Code: validation.CodeSessionEnded, Description: "The referenced game session has already ended."},
	{Code: validation.CodeInvalidPhase, Description: "The session phase does not accept decisions."},
	{Code: validation.CodeInvalidRound, Description: "The round number is outside the session bounds."},
	{Code: validation.CodeDuplicateDecision, Description: "A decision was already lodged for this round."},
	{Code: validation.CodeResultMismatch, Description: "The submitted result contradicts the authoritative match record."},
	{Code: validation.CodeScoreOutOfRange, Description: "A claimed score exceeds what the payoff matrix allows."},
	{Code: validation.CodeDecisionMismatch, Description: "Claimed decision counts do not reconcile with the round count."},
	{Code: validation.CodeImpossibleTiming, Description: "The match completed faster or slower than physically plausible."},
	{Code: validation.CodeFutureTimestamp, Description: "The completion timestamp lies in the future."},
	{Code: validation.CodePlayerBlocked, Description: "The sender exceeds the risk threshold.", Terminal: true},
	{Code: validation.CodeCodeExhausted, Description: "The lobby code is expired or fully redeemed."},
}

// registerCodeDocEndpoints registers the HTTP handler clients use to fetch the
// rejection-code catalog as JSON.
func registerCodeDocEndpoints(mux *http.ServeMux) {
	mux.HandleFunc("/api/codes", func(w http.ResponseWriter, r *http.Request) {
		// Always work on a copy so concurrent requests cannot mutate the
		// global slice by accident.
		docs := append([]CodeDoc(nil), defaultCodeDocs...)
		sort.SliceStable(docs, func(i, j int) bool {
			return strings.Compare(string(docs[i].Code), string(docs[j].Code)) < 0
		})

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(w).Encode(docs); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}
