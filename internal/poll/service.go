package poll

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"studypulse/server/internal/model"
	"studypulse/server/internal/store"
)

var (
	ErrValidation    = errors.New("invalid poll fields")
	ErrDuplicateVote = errors.New("user already voted")
	ErrPollEnded     = errors.New("poll is not active")
	ErrBadOption     = errors.New("option index out of range")
)

const (
	minOptions = 2
	maxOptions = 4
)

type Service struct {
	store store.Store
}

func NewService(st store.Store) *Service {
	return &Service{store: st}
}

func (s *Service) Create(ctx context.Context, tenantID, question string, options []string) (model.Poll, error) {
	question = strings.TrimSpace(question)
	if tenantID == "" || question == "" {
		return model.Poll{}, ErrValidation
	}
	if len(options) < minOptions || len(options) > maxOptions {
		return model.Poll{}, ErrValidation
	}
	poll := model.Poll{
		ID:           uuid.NewString(),
		TenantID:     tenantID,
		Question:     question,
		Options:      make([]model.PollOption, 0, len(options)),
		Active:       true,
		VotedUserIDs: map[string]bool{},
		CreatedAt:    time.Now().UTC(),
	}
	for _, text := range options {
		text = strings.TrimSpace(text)
		if text == "" {
			return model.Poll{}, ErrValidation
		}
		poll.Options = append(poll.Options, model.PollOption{Text: text})
	}
	if err := s.store.Set(ctx, store.Polls, poll.ID, poll); err != nil {
		return model.Poll{}, err
	}
	return poll, nil
}

// Vote counts one user's vote at most once. The duplicate check, the option
// counter and the voter set all change inside a single store.Transform, so the
// precondition is re-checked at commit time and two concurrent votes can
// neither double-count a user nor lose each other's increment.
func (s *Service) Vote(ctx context.Context, pollID string, optionIndex int, userID string) (model.Poll, error) {
	if userID == "" {
		return model.Poll{}, ErrValidation
	}
	var voted model.Poll
	err := s.store.Transform(ctx, store.Polls, pollID, func(raw []byte) ([]byte, error) {
		if raw == nil {
			return nil, store.ErrNotFound
		}
		var poll model.Poll
		if err := json.Unmarshal(raw, &poll); err != nil {
			return nil, err
		}
		if !poll.Active {
			return nil, ErrPollEnded
		}
		if optionIndex < 0 || optionIndex >= len(poll.Options) {
			return nil, ErrBadOption
		}
		if poll.VotedUserIDs[userID] {
			return nil, ErrDuplicateVote
		}
		if poll.VotedUserIDs == nil {
			poll.VotedUserIDs = map[string]bool{}
		}
		poll.Options[optionIndex].Votes++
		poll.TotalVotes++
		poll.VotedUserIDs[userID] = true
		voted = poll
		return json.Marshal(poll)
	})
	if err != nil {
		return model.Poll{}, err
	}
	return voted, nil
}

// End deactivates the poll. Counts survive; the poll stays queryable as
// history and takes no further votes.
func (s *Service) End(ctx context.Context, pollID string) (model.Poll, error) {
	var ended model.Poll
	err := s.store.Transform(ctx, store.Polls, pollID, func(raw []byte) ([]byte, error) {
		if raw == nil {
			return nil, store.ErrNotFound
		}
		var poll model.Poll
		if err := json.Unmarshal(raw, &poll); err != nil {
			return nil, err
		}
		if poll.Active {
			now := time.Now().UTC()
			poll.Active = false
			poll.EndedAt = &now
		}
		ended = poll
		return json.Marshal(poll)
	})
	if err != nil {
		return model.Poll{}, err
	}
	return ended, nil
}

func (s *Service) Get(ctx context.Context, pollID string) (model.Poll, error) {
	var poll model.Poll
	if err := s.store.Get(ctx, store.Polls, pollID, &poll); err != nil {
		return model.Poll{}, err
	}
	return poll, nil
}

// List returns the tenant's polls; activeOnly narrows to live ones.
func (s *Service) List(ctx context.Context, tenantID string, activeOnly bool) ([]model.Poll, error) {
	filters := []store.Filter{{Field: "tenantId", Value: tenantID}}
	if activeOnly {
		filters = append(filters, store.Filter{Field: "active", Value: true})
	}
	var polls []model.Poll
	if err := s.store.Query(ctx, store.Polls, filters, &polls); err != nil {
		return nil, err
	}
	return polls, nil
}
