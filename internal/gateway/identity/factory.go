package identity

import (
	"time"

	"github.com/google/uuid"

	apperrors "github.com/netra-systems/netra-gateway/internal/common/errors"
)

// ContextRequest carries the caller-supplied identity fields for building a
// UserExecutionContext.
type ContextRequest struct {
	// UserID is required; it comes from the authenticated principal.
	UserID string

	// ThreadID is optional. When set, the context resumes that thread and the
	// value is used exactly as given. When empty, a new thread ID is generated.
	ThreadID string

	// ClientID is optional. When empty, a fresh socket client ID is generated.
	ClientID string
}

// Factory builds execution contexts. All ID generation happens here so the
// rest of the gateway never mints identity fields ad hoc.
type Factory struct{}

// NewFactory creates a context factory.
func NewFactory() *Factory {
	return &Factory{}
}

// Build constructs a fully populated context. RunID and RequestID are always
// freshly generated; ThreadID is taken verbatim from the request when present.
func (f *Factory) Build(req ContextRequest) (*UserExecutionContext, error) {
	if req.UserID == "" {
		return nil, apperrors.ValidationError("user_id", "must not be empty")
	}

	origin := ThreadResumed
	threadID := req.ThreadID
	if threadID == "" {
		threadID = uuid.New().String()
		origin = ThreadNew
	}

	clientID := req.ClientID
	if clientID == "" {
		clientID = uuid.New().String()
	}

	return &UserExecutionContext{
		UserID:    req.UserID,
		ThreadID:  threadID,
		RunID:     uuid.New().String(),
		RequestID: uuid.New().String(),
		ClientID:  clientID,
		Origin:    origin,
		CreatedAt: time.Now().UTC(),
	}, nil
}
