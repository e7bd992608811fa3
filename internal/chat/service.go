package chat

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/suPer8Hu/kb-chat/internal/common"
	"github.com/suPer8Hu/kb-chat/internal/kb"
)

const defaultConversationTitle = "新会话"

// Streamer opens the upstream assistant event stream for a turn.
type Streamer interface {
	OpenStream(ctx context.Context, chatID string, messages []kb.Message) (io.ReadCloser, error)
}

type Service struct {
	repo              *Repo
	streamer          Streamer
	resolver          *kb.Resolver
	contextWindowSize int
	finalizeWait      time.Duration
}

func NewService(repo *Repo, streamer Streamer, resolver *kb.Resolver, contextWindowSize int, finalizeWait time.Duration) *Service {
	if contextWindowSize <= 0 || contextWindowSize > 100 {
		contextWindowSize = 20
	}
	return &Service{
		repo:              repo,
		streamer:          streamer,
		resolver:          resolver,
		contextWindowSize: contextWindowSize,
		finalizeWait:      finalizeWait,
	}
}

func (s *Service) CreateConversation(ctx context.Context, userID uint64, title string) (*Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = defaultConversationTitle
	}

	cid, err := common.NewULID()
	if err != nil {
		return nil, err
	}

	conv := &Conversation{
		ConversationID: cid,
		UserID:         userID,
		Title:          title,
	}
	if err := s.repo.CreateConversation(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *Service) ListConversations(ctx context.Context, userID uint64, keyword string) ([]Conversation, error) {
	return s.repo.ListConversations(ctx, userID, keyword)
}

// getOwnedConversation loads the conversation and hides it from non-owners.
func (s *Service) getOwnedConversation(ctx context.Context, userID uint64, conversationID string) (*Conversation, error) {
	conv, err := s.repo.GetConversationByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.UserID != userID {
		return nil, gorm.ErrRecordNotFound
	}
	return conv, nil
}

func (s *Service) ValidateConversationOwner(ctx context.Context, userID uint64, conversationID string) error {
	_, err := s.getOwnedConversation(ctx, userID, conversationID)
	return err
}

func (s *Service) RenameConversation(ctx context.Context, userID uint64, conversationID, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return errors.New("title is required")
	}
	if _, err := s.getOwnedConversation(ctx, userID, conversationID); err != nil {
		return err
	}
	return s.repo.UpdateConversationTitle(ctx, conversationID, title)
}

func (s *Service) DeleteConversation(ctx context.Context, userID uint64, conversationID string) error {
	if _, err := s.getOwnedConversation(ctx, userID, conversationID); err != nil {
		return err
	}
	return s.repo.DeleteConversation(ctx, conversationID)
}

func (s *Service) ListMessages(ctx context.Context, userID uint64, conversationID string, limit int, beforeID uint64) ([]Message, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if err := s.ValidateConversationOwner(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	return s.repo.ListMessages(ctx, userID, conversationID, limit, beforeID)
}

// AddMessage records a message supplied by the caller, sources included.
func (s *Service) AddMessage(ctx context.Context, userID uint64, conversationID, role, content string, sources []kb.Source) (*Message, error) {
	if content == "" {
		return nil, errors.New("message content is required")
	}
	switch role {
	case "user", "assistant", "system":
	default:
		return nil, errors.New("invalid message role")
	}
	if err := s.ValidateConversationOwner(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	m := &Message{
		ConversationID: conversationID,
		UserID:         userID,
		Role:           role,
		Content:        content,
	}
	if err := m.SetSources(sources); err != nil {
		return nil, err
	}
	if err := s.repo.InsertMessage(ctx, m); err != nil {
		return nil, err
	}
	_ = s.repo.TouchConversation(ctx, conversationID)
	return m, nil
}

func (s *Service) InsertUserMessage(ctx context.Context, userID uint64, conversationID, content string) error {
	if err := s.ValidateConversationOwner(ctx, userID, conversationID); err != nil {
		return err
	}
	return s.repo.InsertMessage(ctx, &Message{
		ConversationID: conversationID,
		UserID:         userID,
		Role:           "user",
		Content:        content,
	})
}

func (s *Service) InsertUserMessageOrGetExisting(ctx context.Context, userID uint64, conversationID, content string, key *string) (*Message, bool, error) {
	if err := s.ValidateConversationOwner(ctx, userID, conversationID); err != nil {
		return nil, false, err
	}
	return s.repo.InsertUserMessageOrGetExisting(ctx, userID, conversationID, content, key)
}

// assistantStore adapts the repo to the session's persistence collaborator.
type assistantStore struct {
	repo   *Repo
	userID uint64
}

func (a *assistantStore) CreateAssistantMessage(ctx context.Context, conversationID, content string, sources []kb.Source) (uint64, error) {
	m := &Message{
		ConversationID: conversationID,
		UserID:         a.userID,
		Role:           "assistant",
		Content:        content,
	}
	if err := m.SetSources(sources); err != nil {
		return 0, err
	}
	if err := a.repo.InsertMessage(ctx, m); err != nil {
		return 0, err
	}
	_ = a.repo.TouchConversation(ctx, conversationID)
	return m.ID, nil
}

// historyWindow builds the prior message list in ASC order for the upstream.
func (s *Service) historyWindow(ctx context.Context, userID uint64, conversationID string) ([]kb.Message, error) {
	recentDesc, err := s.repo.ListRecentMessagesDesc(ctx, userID, conversationID, s.contextWindowSize)
	if err != nil {
		return nil, err
	}
	out := make([]kb.Message, 0, len(recentDesc))
	for i := len(recentDesc) - 1; i >= 0; i-- {
		m := recentDesc[i]
		out = append(out, kb.Message{Role: m.Role, Content: m.Content})
	}
	return out, nil
}

// runTurn inserts the user message, opens the upstream stream and drives one
// session to its persisted message.
func (s *Service) runTurn(ctx context.Context, userID uint64, conversationID, content string, opts kb.SessionOptions) (*kb.Result, error) {
	if _, err := s.getOwnedConversation(ctx, userID, conversationID); err != nil {
		return nil, err
	}

	if content != "" {
		if err := s.repo.InsertMessage(ctx, &Message{
			ConversationID: conversationID,
			UserID:         userID,
			Role:           "user",
			Content:        content,
		}); err != nil {
			return nil, err
		}
	}

	history, err := s.historyWindow(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, errors.New("conversation has no messages")
	}

	body, err := s.streamer.OpenStream(ctx, "", history)
	if err != nil {
		// Session never started; no assistant message is created.
		return nil, err
	}
	defer body.Close()

	opts.FinalizeWait = s.finalizeWait
	session := kb.NewSession(conversationID, s.resolver, &assistantStore{repo: s.repo, userID: userID}, opts)
	res, err := session.Run(ctx, body)
	if err != nil {
		return nil, err
	}
	_ = s.repo.TouchConversation(ctx, conversationID)
	return res, nil
}

// SendMessageStream stores the user message, streams assistant fragments out
// over chunks, and delivers the finalized result once the session persisted.
func (s *Service) SendMessageStream(ctx context.Context, userID uint64, conversationID, content string) (chunks <-chan string, results <-chan *kb.Result, errs <-chan error) {
	outChunks := make(chan string, 16)
	outResults := make(chan *kb.Result, 1)
	outErrs := make(chan error, 1)

	go func() {
		defer close(outChunks)
		defer close(outResults)
		defer close(outErrs)

		opts := kb.SessionOptions{
			OnDelta: func(fragment string) {
				select {
				case outChunks <- fragment:
				case <-ctx.Done():
				}
			},
		}
		res, err := s.runTurn(ctx, userID, conversationID, content, opts)
		if err != nil {
			outErrs <- err
			return
		}
		outResults <- res
	}()

	return outChunks, outResults, outErrs
}

// GenerateAssistantReplyAndInsert runs a turn without an observer. The user
// message is expected to be in place already (worker path).
func (s *Service) GenerateAssistantReplyAndInsert(ctx context.Context, userID uint64, conversationID string) (string, uint64, error) {
	res, err := s.runTurn(ctx, userID, conversationID, "", kb.SessionOptions{})
	if err != nil {
		return "", 0, err
	}
	return res.Content, res.MessageID, nil
}

func (s *Service) CreateJob(ctx context.Context, job *Job) error {
	return s.repo.CreateJob(ctx, job)
}

func (s *Service) GetJob(ctx context.Context, jobID string) (*Job, error) {
	return s.repo.GetJobByID(ctx, jobID)
}

func (s *Service) CreateJobOrGetExisting(ctx context.Context, job *Job) (*Job, bool, error) {
	return s.repo.CreateJobOrGetExisting(ctx, job)
}
