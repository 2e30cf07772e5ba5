package hostauth

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"pactduel/trust/internal/logging"
	"pactduel/trust/internal/ratelimit"
	"pactduel/trust/internal/suspect"
	"pactduel/trust/internal/validation"
)

// ActionType enumerates the privileged lobby and tournament operations.
type ActionType string

const (
	ActionKickPlayer       ActionType = "KICK_PLAYER"
	ActionUpdateSettings   ActionType = "UPDATE_SETTINGS"
	ActionStartTournament  ActionType = "START_TOURNAMENT"
	ActionCancelTournament ActionType = "CANCEL_TOURNAMENT"
	ActionCloseLobby       ActionType = "CLOSE_LOBBY"
)

// Action is a privileged request attributed to the sending player. The
// IsBoundHost decision is taken against the authoritative lobby host record,
// never against client-supplied data.
type Action struct {
	Type     ActionType      `json:"type"`
	LobbyID  string          `json:"lobby_id"`
	SenderID string          `json:"sender_id"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// flagger records unauthorized-action signals for the risk model. The
// anti-cheat engine satisfies it, so every flag raises the risk score.
type flagger interface {
	Flag(playerID string, pattern suspect.PatternType)
}

// Authorizer verifies host privileges and action payload shape, applying the
// stricter host-class rate budget. Accepted actions are always marked for the
// audit journal because they mutate shared multi-party state.
type Authorizer struct {
	mu      sync.RWMutex
	logger  *logging.Logger
	limiter *ratelimit.Limiter
	risks   flagger
	hosts   map[string]string
}

// NewAuthorizer wires the authorizer to the shared limiter and risk flagger.
func NewAuthorizer(limiter *ratelimit.Limiter, risks flagger, logger *logging.Logger) *Authorizer {
	return &Authorizer{
		logger:  logger,
		limiter: limiter,
		risks:   risks,
		hosts:   make(map[string]string),
	}
}

// SetHost records the authoritative host for a lobby.
func (a *Authorizer) SetHost(lobbyID, hostID string) {
	if a == nil || lobbyID == "" {
		return
	}
	a.mu.Lock()
	if hostID == "" {
		delete(a.hosts, lobbyID)
	} else {
		a.hosts[lobbyID] = hostID
	}
	a.mu.Unlock()
}

// HostOf returns the authoritative host for a lobby, if known.
func (a *Authorizer) HostOf(lobbyID string) (string, bool) {
	if a == nil {
		return "", false
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	host, ok := a.hosts[lobbyID]
	return host, ok
}

// Authorize verifies that the action originates from the current host and
// that its payload carries the action-specific required fields.
func (a *Authorizer) Authorize(action Action) validation.Result {
	if a == nil {
		return validation.Accept()
	}
	if action.LobbyID == "" || action.SenderID == "" {
		return validation.Reject(validation.CodeMalformed, "lobby and sender ids are required")
	}

	a.mu.RLock()
	host, known := a.hosts[action.LobbyID]
	a.mu.RUnlock()

	//1.- Fail closed against the authoritative host field.
	if !known || host != action.SenderID {
		if a.risks != nil {
			a.risks.Flag(action.SenderID, suspect.UnauthorizedAction)
		}
		if a.logger != nil {
			a.logger.Warn("non-host privileged action rejected",
				logging.String("lobby_id", action.LobbyID),
				logging.String("sender_id", action.SenderID),
				logging.String("action", string(action.Type)),
			)
		}
		return validation.Reject(validation.CodeNotHost,
			"only the lobby host may perform this action").
			WithRisk(validation.RiskHigh).Logged()
	}

	//2.- Privileged actions draw from the stricter host-class budget.
	if a.limiter != nil {
		if result := a.limiter.Check(action.SenderID, ratelimit.ClassHost); !result.Valid {
			return result
		}
	}

	if result := a.checkPayload(action); !result.Valid {
		return result
	}

	//3.- Accepted host actions are logged unconditionally: they mutate shared
	// multi-party state.
	return validation.Accept().Logged()
}

// checkPayload validates the action-specific payload requirements.
func (a *Authorizer) checkPayload(action Action) validation.Result {
	switch action.Type {
	case ActionKickPlayer:
		var payload struct {
			TargetID string `json:"target_id"`
		}
		if err := json.Unmarshal(action.Payload, &payload); err != nil || strings.TrimSpace(payload.TargetID) == "" {
			return validation.Reject(validation.CodeBadHostPayload, "kick requires a target player id")
		}
		if payload.TargetID == action.SenderID {
			return validation.Reject(validation.CodeBadHostPayload, "host cannot kick themselves")
		}
	case ActionUpdateSettings:
		var payload struct {
			Settings map[string]any `json:"settings"`
		}
		if err := json.Unmarshal(action.Payload, &payload); err != nil || len(payload.Settings) == 0 {
			return validation.Reject(validation.CodeBadHostPayload, "settings update requires a settings object")
		}
	case ActionStartTournament, ActionCancelTournament, ActionCloseLobby:
		// No payload requirements beyond host privilege.
	default:
		return validation.Reject(validation.CodeUnknownType,
			fmt.Sprintf("unknown host action %q", action.Type))
	}
	return validation.Accept()
}
