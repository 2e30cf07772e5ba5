package identity

import (
	"testing"

	"pactduel/trust/internal/validation"
)

func TestBinderSecondConnectionForSamePlayerFailsClosed(t *testing.T) {
	binder := NewBinder(nil)

	if result := binder.Bind("conn-1", "player-1"); !result.Valid {
		t.Fatalf("first binding rejected: %+v", result)
	}
	result := binder.Bind("conn-2", "player-1")
	if result.Valid {
		t.Fatal("expected the concurrent binding for the same player to fail")
	}
	if result.Code != validation.CodeIdentityConflict {
		t.Fatalf("unexpected code: %q", result.Code)
	}
	if _, bound := binder.Lookup("conn-2"); bound {
		t.Fatal("rejected binding must not be recorded")
	}
}

func TestBinderBindIsIdempotentPerConnection(t *testing.T) {
	binder := NewBinder(nil)
	binder.Bind("conn-1", "player-1")
	if result := binder.Bind("conn-1", "player-1"); !result.Valid {
		t.Fatalf("re-binding the same pair should be accepted: %+v", result)
	}
	if result := binder.Bind("conn-1", "player-2"); result.Valid {
		t.Fatal("a bound connection must not switch identities")
	}
}

func TestBinderIsConsistent(t *testing.T) {
	binder := NewBinder(nil)
	binder.Bind("conn-1", "player-1")

	if result := binder.IsConsistent("conn-1", "player-1"); !result.Valid {
		t.Fatalf("matching identity rejected: %+v", result)
	}

	result := binder.IsConsistent("conn-1", "player-2")
	if result.Valid {
		t.Fatal("expected a mismatched identity to be rejected")
	}
	if result.Code != validation.CodeIdentityMismatch {
		t.Fatalf("unexpected code: %q", result.Code)
	}
	if !result.ShouldBlock || !result.ShouldLog {
		t.Fatal("identity mismatch must carry the block and log hints")
	}

	if result := binder.IsConsistent("conn-9", "player-1"); result.Code != validation.CodeUnbound {
		t.Fatalf("expected unbound code, got %q", result.Code)
	}
}

func TestBinderUnbindFreesIdentity(t *testing.T) {
	binder := NewBinder(nil)
	binder.Bind("conn-1", "player-1")
	binder.Unbind("conn-1")

	if result := binder.Bind("conn-2", "player-1"); !result.Valid {
		t.Fatalf("identity should be free after unbind: %+v", result)
	}
	if binder.ActiveBindings() != 1 {
		t.Fatalf("expected one active binding, got %d", binder.ActiveBindings())
	}
}

func TestBinderRebindRevokesExistingBindings(t *testing.T) {
	binder := NewBinder(nil)
	binder.Bind("conn-1", "player-1")

	if result := binder.Rebind("conn-2", "player-1"); !result.Valid {
		t.Fatalf("rebind rejected: %+v", result)
	}
	if _, bound := binder.Lookup("conn-1"); bound {
		t.Fatal("the stale binding should have been revoked")
	}
	binding, bound := binder.Lookup("conn-2")
	if !bound || binding.PlayerID != "player-1" {
		t.Fatalf("unexpected binding after rebind: %+v", binding)
	}
}

func TestBinderHonoursRaisedBindingCap(t *testing.T) {
	binder := NewBinder(nil, WithMaxBindingsPerPlayer(2))
	binder.Bind("conn-1", "player-1")
	if result := binder.Bind("conn-2", "player-1"); !result.Valid {
		t.Fatalf("second binding should fit under the raised cap: %+v", result)
	}
	if result := binder.Bind("conn-3", "player-1"); result.Valid {
		t.Fatal("third binding should exceed the cap")
	}
}
