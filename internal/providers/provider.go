package providers

import (
	"context"

	"github.com/AI-Template-SDK/senso-visibility/internal/providers/common"
)

// Provider sends one prompt to an external AI-answer service.
type Provider interface {
	Call(ctx context.Context, req common.Request) (*common.Response, error)
	GetProviderName() string
}
