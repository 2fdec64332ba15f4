package tier

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/extract-cli/internal/model"
	"github.com/sells-group/extract-cli/internal/resilience"
)

// DefaultCallTimeout bounds a single inference call, independent of retries.
const DefaultCallTimeout = 45 * time.Second

// InferRequest asks an inference capability for one or more fields.
type InferRequest struct {
	Text         string
	Fields       []*model.FieldSpec
	Instructions string
}

// InferResponse carries the answered fields. CostUSD is the provider's
// reported cost when known, zero otherwise.
type InferResponse struct {
	Values  []model.FieldValue
	CostUSD float64
}

// Inferer is an opaque model capability.
type Inferer interface {
	Infer(ctx context.Context, req InferRequest) (*InferResponse, error)
}

// InferenceConfig configures an Inference backend.
type InferenceConfig struct {
	Tier        model.Tier
	Name        string
	CallTimeout time.Duration
	Retry       resilience.RetryConfig
	Limiter     *rate.Limiter
	Breaker     *resilience.CircuitBreaker
	// CallCost is the table price of one call, charged when the provider
	// reports no cost of its own.
	CallCost float64
	// Calibration scales reported confidence before it is compared with the
	// field threshold. Zero means 1.
	Calibration float64
}

// Inference adapts an Inferer to the Backend contract: per-call timeout,
// retries of transient errors, circuit breaking and rate limiting. Exhausted
// retries surface as ErrUnresolved.
type Inference struct {
	inf Inferer
	cfg InferenceConfig
}

// NewInference creates an inference backend.
func NewInference(inf Inferer, cfg InferenceConfig) *Inference {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Tier.String()
	}
	if cfg.Calibration <= 0 {
		cfg.Calibration = 1
	}
	return &Inference{inf: inf, cfg: cfg}
}

func (b *Inference) Tier() model.Tier { return b.cfg.Tier }

func (b *Inference) Extract(ctx context.Context, req Request) (Result, error) {
	var (
		mu   sync.Mutex
		cost float64
	)
	call := func(ctx context.Context) (*InferResponse, error) {
		if b.cfg.Limiter != nil {
			if err := b.cfg.Limiter.Wait(ctx); err != nil {
				return nil, eris.Wrap(err, "tier: rate limiter")
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
		defer cancel()

		resp, err := b.inf.Infer(callCtx, InferRequest{
			Text:         req.Text,
			Fields:       []*model.FieldSpec{req.Field},
			Instructions: req.Instructions,
		})

		charge := b.cfg.CallCost
		if resp != nil && resp.CostUSD > 0 {
			charge = resp.CostUSD
		}
		mu.Lock()
		cost += charge
		mu.Unlock()
		return resp, err
	}
	if b.cfg.Breaker != nil {
		inner := call
		call = func(ctx context.Context) (*InferResponse, error) {
			return resilience.ExecuteVal(ctx, b.cfg.Breaker, inner)
		}
	}

	retry := b.cfg.Retry
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger(b.cfg.Name, req.Field.Name)
	}
	resp, err := resilience.DoVal(ctx, retry, call)

	mu.Lock()
	res := Result{Cost: cost}
	mu.Unlock()

	if err != nil {
		if ctx.Err() != nil {
			return res, eris.Wrap(ctx.Err(), "tier: canceled")
		}
		zap.L().Warn("tier: backend exhausted",
			zap.String("backend", b.cfg.Name),
			zap.String("field", req.Field.Name),
			zap.Error(err),
		)
		return res, eris.Wrapf(ErrUnresolved, "%s: %v", b.cfg.Name, err)
	}

	for _, v := range resp.Values {
		if v.FieldName != req.Field.Name || v.RawValue == "" {
			continue
		}
		v = v.WithConfidence(clamp01(v.Confidence * b.cfg.Calibration))
		v.TierUsed = b.cfg.Tier
		v.Locked = false
		res.Value = v
		return res, nil
	}
	return res, eris.Wrapf(ErrUnresolved, "%s: no answer for %s", b.cfg.Name, req.Field.Name)
}
