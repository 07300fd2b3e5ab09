package kernel

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/autofleet/autofleet/internal/common/logger"
)

// Kernel modes. Auto starts structured and may hand over to vision
// once; the explicit modes pin a single kernel for the whole task.
const (
	ModeStructured = "structured"
	ModeVision     = "vision"
	ModeAuto       = "auto"
)

// Hybrid routes a task to the structured or vision kernel. In auto
// mode the handover is one-way and happens at most once per run.
type Hybrid struct {
	mode       string
	structured *Structured
	vision     *Vision
	log        *logger.Logger
}

func NewHybrid(mode string, deps Deps) (*Hybrid, error) {
	switch mode {
	case "":
		mode = ModeAuto
	case ModeAuto, ModeStructured, ModeVision:
	default:
		return nil, fmt.Errorf("unknown kernel mode %q", mode)
	}
	deps.fill()
	return &Hybrid{
		mode:       mode,
		structured: NewStructured(deps),
		vision:     NewVision(deps),
		log:        deps.Log.WithComponent("kernel.hybrid"),
	}, nil
}

func (k *Hybrid) Reset() {
	k.structured.Reset()
	k.vision.Reset()
}

func (k *Hybrid) Run(ctx context.Context, instruction string) Outcome {
	switch k.mode {
	case ModeStructured:
		return k.structured.Run(ctx, instruction)
	case ModeVision:
		return k.vision.Run(ctx, instruction)
	}

	first := k.structured.Run(ctx, instruction)
	if !first.ShouldFallback || first.DeviceUnavailable || ctx.Err() != nil {
		return first
	}

	k.log.Info("handing over to vision kernel",
		zap.String("signal", first.Bailout),
		zap.Int("steps_taken", first.Steps))

	k.vision.Seed(k.structured.Summary(), first.Steps)
	second := k.vision.Run(ctx, instruction)

	merged := second
	merged.Mode = "hybrid:auto(structured→vision)"
	merged.Steps += first.Steps
	merged.PromptTokens += first.PromptTokens
	merged.CompletionTokens += first.CompletionTokens
	merged.TotalTokens += first.TotalTokens
	// There is nothing further to fall back to.
	merged.ShouldFallback = false
	return merged
}
