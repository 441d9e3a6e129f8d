package chat

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

// Request is an inference turn against a trained model
type Request struct {
	ModelNameOrPath   string `json:"model_name_or_path" validate:"required"`
	AdapterNameOrPath string `json:"adapter_name_or_path,omitempty"`
	Template          string `json:"template,omitempty"`
	FinetuningType    string `json:"finetuning_type,omitempty"`
	InferBackend      string `json:"infer_backend" validate:"required,oneof=huggingface vllm"`
	Input             string `json:"input" validate:"required"`
	SessionID         string `json:"session_id,omitempty"`
}

// Service keeps conversations and forwards them to an engine
type Service struct {
	sessions *SessionStore
	engine   Engine
	log      *zap.SugaredLogger
}

func NewService(sessions *SessionStore, engine Engine) *Service {
	return &Service{
		sessions: sessions,
		engine:   engine,
		log:      zap.S().Named("chat"),
	}
}

// Complete returns the full reply and the session it was recorded under
func (s *Service) Complete(ctx context.Context, req Request) (string, string, error) {
	sessionID := s.sessions.Open(req.SessionID)
	history := s.sessions.Append(sessionID, Message{Role: RoleUser, Content: req.Input})

	reply, err := s.engine.Complete(ctx, req.ModelNameOrPath, history)
	if err != nil {
		return "", sessionID, err
	}
	s.sessions.Append(sessionID, Message{Role: RoleAssistant, Content: reply})
	return reply, sessionID, nil
}

// Stream relays reply fragments as they arrive. The assembled reply is
// recorded in the session once the engine finishes.
func (s *Service) Stream(ctx context.Context, req Request) (string, <-chan Delta, error) {
	sessionID := s.sessions.Open(req.SessionID)
	history := s.sessions.Append(sessionID, Message{Role: RoleUser, Content: req.Input})

	upstream, err := s.engine.Stream(ctx, req.ModelNameOrPath, history)
	if err != nil {
		return sessionID, nil, err
	}

	out := make(chan Delta)
	go func() {
		defer close(out)
		var reply strings.Builder
		failed := false
		for d := range upstream {
			if d.Err != nil {
				failed = true
				s.log.Warnw("chat stream interrupted", "session_id", sessionID, "error", d.Err)
			}
			reply.WriteString(d.Content)
			select {
			case out <- d:
			case <-ctx.Done():
				failed = true
			}
		}
		if !failed {
			s.sessions.Append(sessionID, Message{Role: RoleAssistant, Content: reply.String()})
		}
	}()
	return sessionID, out, nil
}
