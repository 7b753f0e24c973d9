package upstream

import (
	"context"

	"poly2api-go/internal/credential"
	"poly2api-go/internal/translator"
)

// Stream is a live upstream stream. Events closes after the final event;
// Cancel tears down the upstream connection and may be called at any time.
type Stream struct {
	Events <-chan translator.StreamEvent
	Cancel func()
}

// Result is either a complete response or a stream handle, never both.
// CredentialID names the credential that served the request.
type Result struct {
	Response     *translator.Response
	Stream       *Stream
	CredentialID int64
}

// Dispatcher sends one translated request to a provider using a specific
// credential. Implementations return classified errors (internal/errors
// kinds) so the failover loop can decide whether to retry.
type Dispatcher interface {
	Provider() credential.Provider
	Dispatch(ctx context.Context, cred *credential.Credential, req *translator.Request) (*Result, error)
	// Models lists the model ids this provider currently serves.
	Models(ctx context.Context, cred *credential.Credential) ([]string, error)
}
