// Package identity resolves operators to their autonomy level and the
// resource envelope that level grants. Resolution failures are never fatal:
// callers fall back to configured defaults.
package identity

import "context"

// Autonomy levels, lowest to highest.
const (
	LevelObserver    = "observer"
	LevelParticipant = "participant"
	LevelBuilder     = "builder"
	LevelArchitect   = "architect"
	LevelSovereign   = "sovereign"
)

// Identity is an operator profile.
type Identity struct {
	OperatorID    string
	DisplayName   string
	AutonomyLevel string
}

// Resources is the envelope granted to an autonomy level.
type Resources struct {
	MaxRetries          int
	ContextTokens       int
	TimeoutMinutes      int
	CanSelfModifyPrompt bool
}

// resourceTable maps autonomy levels to their envelopes. Unknown levels get
// the observer envelope.
var resourceTable = map[string]Resources{
	LevelObserver:    {MaxRetries: 0, ContextTokens: 4000, TimeoutMinutes: 10, CanSelfModifyPrompt: false},
	LevelParticipant: {MaxRetries: 1, ContextTokens: 8000, TimeoutMinutes: 20, CanSelfModifyPrompt: false},
	LevelBuilder:     {MaxRetries: 2, ContextTokens: 16000, TimeoutMinutes: 30, CanSelfModifyPrompt: false},
	LevelArchitect:   {MaxRetries: 3, ContextTokens: 32000, TimeoutMinutes: 60, CanSelfModifyPrompt: true},
	LevelSovereign:   {MaxRetries: 5, ContextTokens: 64000, TimeoutMinutes: 120, CanSelfModifyPrompt: true},
}

// ResourcesFor returns the envelope for an autonomy level. Pure lookup.
func ResourcesFor(level string) Resources {
	if r, ok := resourceTable[level]; ok {
		return r
	}
	return resourceTable[LevelObserver]
}

// Service resolves operator identities. Implementations may hit external
// systems; the retry engine and saga treat every error as "use defaults".
type Service interface {
	// ResolveIdentity returns the operator's profile or an error.
	ResolveIdentity(ctx context.Context, operatorID string) (*Identity, error)
	// GetOrNull returns the profile or nil, swallowing lookup errors.
	GetOrNull(ctx context.Context, operatorID string) *Identity
}

// StaticService serves identities from a fixed map. It backs tests and
// single-node deployments where operators are listed in config.
type StaticService struct {
	byID map[string]Identity
}

func NewStaticService(identities []Identity) *StaticService {
	byID := make(map[string]Identity, len(identities))
	for _, id := range identities {
		byID[id.OperatorID] = id
	}
	return &StaticService{byID: byID}
}

func (s *StaticService) ResolveIdentity(_ context.Context, operatorID string) (*Identity, error) {
	if id, ok := s.byID[operatorID]; ok {
		return &id, nil
	}
	return nil, &UnknownOperatorError{OperatorID: operatorID}
}

func (s *StaticService) GetOrNull(ctx context.Context, operatorID string) *Identity {
	id, err := s.ResolveIdentity(ctx, operatorID)
	if err != nil {
		return nil
	}
	return id
}

// UnknownOperatorError reports an operator with no profile.
type UnknownOperatorError struct {
	OperatorID string
}

func (e *UnknownOperatorError) Error() string {
	return "unknown operator " + e.OperatorID
}
