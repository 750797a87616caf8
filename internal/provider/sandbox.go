package provider

import (
	"context"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/leadmail/internal/sandbox"
)

// simulatedErrors are replies a real relay might give
var simulatedErrors = []string{
	"550 User not found",
	"451 Temporary failure",
	"452 Insufficient storage",
	"421 Service not available",
}

// Sandbox captures messages to the sandbox store instead of sending them
type Sandbox struct {
	name    string
	storage *sandbox.Storage
	logger  *slog.Logger

	mu          sync.Mutex
	rng         *rand.Rand
	probability float64
}

// NewSandbox creates a capturing provider
func NewSandbox(name string, storage *sandbox.Storage, logger *slog.Logger) *Sandbox {
	return &Sandbox{
		name:    name,
		storage: storage,
		logger:  logger,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetErrorSimulation makes a fraction of sends fail with a canned reply.
// Zero disables simulation.
func (s *Sandbox) SetErrorSimulation(probability float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probability = probability
}

// SetSeed makes simulated errors reproducible
func (s *Sandbox) SetSeed(seed int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rng = rand.New(rand.NewSource(seed))
}

// Name returns the configured provider name
func (s *Sandbox) Name() string {
	return s.name
}

// Send stores the message. Simulated failures are stored too so the
// capture log shows every attempt.
func (s *Sandbox) Send(ctx context.Context, msg *Message) Outcome {
	captured := &sandbox.Message{
		ID:           uuid.NewString(),
		EntryID:      msg.ID,
		CampaignID:   msg.CampaignID,
		Stage:        msg.Stage,
		From:         msg.From.String(),
		To:           msg.To.String(),
		ReplyTo:      msg.ReplyTo,
		Subject:      msg.Subject,
		Text:         msg.Text,
		HTML:         msg.HTML,
		Data:         BuildMIME(msg),
		CapturedAt:   time.Now().UTC(),
		SimulatedErr: s.simulate(),
	}

	if err := s.storage.Save(ctx, captured); err != nil {
		return Transient("sandbox: failed to save message: " + err.Error())
	}

	if captured.SimulatedErr != "" {
		s.logger.Info("sandbox: simulated failure",
			"entry_id", msg.ID,
			"to", msg.To.Email,
			"error", captured.SimulatedErr,
		)
		if strings.HasPrefix(captured.SimulatedErr, "5") {
			return Permanent(captured.SimulatedErr)
		}
		return Transient(captured.SimulatedErr)
	}

	s.logger.Info("sandbox: message captured",
		"entry_id", msg.ID,
		"capture_id", captured.ID,
		"to", msg.To.Email,
	)
	return Delivered(captured.ID)
}

func (s *Sandbox) simulate() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.probability <= 0 || s.rng.Float64() >= s.probability {
		return ""
	}
	return simulatedErrors[s.rng.Intn(len(simulatedErrors))]
}
