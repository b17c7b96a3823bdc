package identity_test

import (
	"context"
	"errors"
	"testing"

	"github.com/basket/fleetd/internal/identity"
)

func TestResourcesFor(t *testing.T) {
	tests := []struct {
		level          string
		wantRetries    int
		wantSelfModify bool
	}{
		{identity.LevelObserver, 0, false},
		{identity.LevelBuilder, 2, false},
		{identity.LevelArchitect, 3, true},
		{identity.LevelSovereign, 5, true},
		{"nonsense", 0, false}, // unknown level collapses to observer
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			r := identity.ResourcesFor(tt.level)
			if r.MaxRetries != tt.wantRetries {
				t.Errorf("MaxRetries = %d, want %d", r.MaxRetries, tt.wantRetries)
			}
			if r.CanSelfModifyPrompt != tt.wantSelfModify {
				t.Errorf("CanSelfModifyPrompt = %v, want %v", r.CanSelfModifyPrompt, tt.wantSelfModify)
			}
			if r.ContextTokens <= 0 || r.TimeoutMinutes <= 0 {
				t.Error("envelope must grant positive context and timeout")
			}
		})
	}
}

func TestStaticService(t *testing.T) {
	svc := identity.NewStaticService([]identity.Identity{
		{OperatorID: "op-1", DisplayName: "Ada", AutonomyLevel: identity.LevelArchitect},
	})
	ctx := context.Background()

	id, err := svc.ResolveIdentity(ctx, "op-1")
	if err != nil {
		t.Fatal(err)
	}
	if id.AutonomyLevel != identity.LevelArchitect {
		t.Fatalf("level = %s", id.AutonomyLevel)
	}

	_, err = svc.ResolveIdentity(ctx, "ghost")
	var unknown *identity.UnknownOperatorError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownOperatorError, got %v", err)
	}
	if svc.GetOrNull(ctx, "ghost") != nil {
		t.Fatal("GetOrNull must swallow lookup failures")
	}
	if svc.GetOrNull(ctx, "op-1") == nil {
		t.Fatal("GetOrNull must return known operators")
	}
}
