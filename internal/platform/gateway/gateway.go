package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotSupported marks an operation a gateway does not implement,
	// such as local signature verification on PayPal.
	ErrNotSupported = errors.New("gateway: operation not supported")

	// ErrSignatureMismatch means the client-supplied proof of payment did
	// not verify. Callers must treat it as a failed payment, never as a
	// transient error.
	ErrSignatureMismatch = errors.New("gateway: signature mismatch")
)

// ChargeRequest asks a gateway to open a charge for one submission.
// AmountMinor is in the currency's minor unit (paise, cents).
type ChargeRequest struct {
	AmountMinor int64
	Currency    string
	Receipt     string
	Notes       map[string]string
	ReturnURL   string
	CancelURL   string
}

// Charge is the gateway-side order the client completes checkout against.
type Charge struct {
	OrderID     string
	AmountMinor int64
	Currency    string
	Status      string
	ApprovalURL string
}

// VerifyInput carries the client's proof that checkout finished.
type VerifyInput struct {
	OrderID   string
	PaymentID string
	Signature string
}

type CaptureInput struct {
	OrderID string
}

type CaptureResult struct {
	PaymentID string
	Status    string
}

// Gateway is the contract every payment provider adapter satisfies.
// VerifySignature is deterministic and never performs network IO.
type Gateway interface {
	Name() string
	CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error)
	VerifySignature(in VerifyInput) error
	Capture(ctx context.Context, in CaptureInput) (*CaptureResult, error)
}

// Registry resolves gateways by name so handlers never switch on
// provider strings.
type Registry struct {
	gateways    map[string]Gateway
	defaultName string
}

func NewRegistry() *Registry {
	return &Registry{gateways: map[string]Gateway{}}
}

func (r *Registry) Register(g Gateway) {
	if r == nil || g == nil {
		return
	}
	name := strings.ToLower(strings.TrimSpace(g.Name()))
	if name == "" {
		return
	}
	r.gateways[name] = g
	if r.defaultName == "" {
		r.defaultName = name
	}
}

// Get resolves a gateway by name; the empty string resolves the first
// registered gateway.
func (r *Registry) Get(name string) (Gateway, error) {
	if r == nil || len(r.gateways) == 0 {
		return nil, fmt.Errorf("gateway: no gateways registered")
	}
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		key = r.defaultName
	}
	g, ok := r.gateways[key]
	if !ok {
		return nil, fmt.Errorf("gateway: unknown gateway %q", name)
	}
	return g, nil
}

func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.gateways))
	for name := range r.gateways {
		names = append(names, name)
	}
	return names
}
