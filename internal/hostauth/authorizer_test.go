package hostauth

import (
	"encoding/json"
	"testing"
	"time"

	"pactduel/trust/internal/anticheat"
	"pactduel/trust/internal/ratelimit"
	"pactduel/trust/internal/suspect"
	"pactduel/trust/internal/validation"
)

func kickAction(lobbyID, senderID, targetID string) Action {
	payload, _ := json.Marshal(map[string]string{"target_id": targetID})
	return Action{Type: ActionKickPlayer, LobbyID: lobbyID, SenderID: senderID, Payload: payload}
}

func TestAuthorizeRejectsNonHost(t *testing.T) {
	table := suspect.NewTable()
	engine := anticheat.NewEngine(anticheat.Config{}, table, nil)
	authorizer := NewAuthorizer(nil, engine, nil)
	authorizer.SetHost("lobby-1", "host-1")

	result := authorizer.Authorize(kickAction("lobby-1", "player-2", "player-3"))
	if result.Valid {
		t.Fatal("expected a non-host kick to be rejected")
	}
	if result.Code != validation.CodeNotHost {
		t.Fatalf("unexpected code: %q", result.Code)
	}
	if !result.ShouldLog {
		t.Fatal("non-host actions must be marked for the audit journal")
	}
	if table.Count("player-2", suspect.UnauthorizedAction) != 1 {
		t.Fatal("expected an unauthorized-action flag for the sender")
	}
	if engine.RiskScore("player-2") <= 0 {
		t.Fatal("expected the unauthorized attempt to raise the risk score")
	}
}

func TestAuthorizeAcceptsHostKick(t *testing.T) {
	authorizer := NewAuthorizer(nil, nil, nil)
	authorizer.SetHost("lobby-1", "host-1")

	result := authorizer.Authorize(kickAction("lobby-1", "host-1", "player-2"))
	if !result.Valid {
		t.Fatalf("host kick rejected: %+v", result)
	}
	if !result.ShouldLog {
		t.Fatal("accepted host actions must be marked for the audit journal")
	}
}

func TestAuthorizeRejectsSelfKick(t *testing.T) {
	authorizer := NewAuthorizer(nil, nil, nil)
	authorizer.SetHost("lobby-1", "host-1")

	result := authorizer.Authorize(kickAction("lobby-1", "host-1", "host-1"))
	if result.Valid {
		t.Fatal("expected a self-kick to be rejected")
	}
	if result.Code != validation.CodeBadHostPayload {
		t.Fatalf("unexpected code: %q", result.Code)
	}
}

func TestAuthorizeSettingsRequireContent(t *testing.T) {
	authorizer := NewAuthorizer(nil, nil, nil)
	authorizer.SetHost("lobby-1", "host-1")

	empty := Action{Type: ActionUpdateSettings, LobbyID: "lobby-1", SenderID: "host-1",
		Payload: json.RawMessage(`{"settings":{}}`)}
	if result := authorizer.Authorize(empty); result.Valid {
		t.Fatal("expected an empty settings update to be rejected")
	}

	filled := Action{Type: ActionUpdateSettings, LobbyID: "lobby-1", SenderID: "host-1",
		Payload: json.RawMessage(`{"settings":{"rounds":12}}`)}
	if result := authorizer.Authorize(filled); !result.Valid {
		t.Fatalf("valid settings update rejected: %+v", result)
	}
}

func TestAuthorizeUnknownActionType(t *testing.T) {
	authorizer := NewAuthorizer(nil, nil, nil)
	authorizer.SetHost("lobby-1", "host-1")

	result := authorizer.Authorize(Action{Type: "SHUFFLE_PLAYERS", LobbyID: "lobby-1", SenderID: "host-1"})
	if result.Valid {
		t.Fatal("expected an unknown action type to be rejected")
	}
	if result.Code != validation.CodeUnknownType {
		t.Fatalf("unexpected code: %q", result.Code)
	}
}

func TestAuthorizeDrawsFromHostRateBudget(t *testing.T) {
	now := time.Unix(1700000000, 0)
	limiter := ratelimit.NewLimiter(nil, nil, ratelimit.WithClock(func() time.Time { return now }))
	authorizer := NewAuthorizer(limiter, nil, nil)
	authorizer.SetHost("lobby-1", "host-1")

	for i := 0; i < 5; i++ {
		result := authorizer.Authorize(Action{Type: ActionStartTournament, LobbyID: "lobby-1", SenderID: "host-1"})
		if !result.Valid {
			t.Fatalf("host action %d rejected: %+v", i+1, result)
		}
		now = now.Add(2 * time.Second)
	}
	result := authorizer.Authorize(Action{Type: ActionStartTournament, LobbyID: "lobby-1", SenderID: "host-1"})
	if result.Valid {
		t.Fatal("expected the sixth host action inside the window to be rejected")
	}
	if result.Code != validation.CodeRateLimited {
		t.Fatalf("unexpected code: %q", result.Code)
	}
}

func TestHostOf(t *testing.T) {
	authorizer := NewAuthorizer(nil, nil, nil)
	if _, known := authorizer.HostOf("lobby-1"); known {
		t.Fatal("expected no host before SetHost")
	}
	authorizer.SetHost("lobby-1", "host-1")
	host, known := authorizer.HostOf("lobby-1")
	if !known || host != "host-1" {
		t.Fatalf("unexpected host record: %q %v", host, known)
	}
}
