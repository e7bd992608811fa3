package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/suPer8Hu/kb-chat/internal/kb"
)

// recordingStreamer serves a scripted SSE body and records the history it was
// handed.
type recordingStreamer struct {
	body string
	last []kb.Message
	err  error
}

func (s *recordingStreamer) OpenStream(ctx context.Context, chatID string, messages []kb.Message) (io.ReadCloser, error) {
	s.last = append([]kb.Message(nil), messages...)
	if s.err != nil {
		return nil, s.err
	}
	return io.NopCloser(strings.NewReader(s.body)), nil
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(gormsqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Conversation{}, &Message{}, &Job{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func newTestService(t *testing.T, streamer Streamer) (*Service, *Repo) {
	t.Helper()
	repo := NewRepo(openTestDB(t))
	resolver := kb.NewResolver(nil, kb.NewSourceCache())
	return NewService(repo, streamer, resolver, 20, 2*time.Second), repo
}

func scriptedSSE(payloads ...string) string {
	var b strings.Builder
	for _, p := range payloads {
		b.WriteString("data: ")
		b.WriteString(p)
		b.WriteString("\n\n")
	}
	return b.String()
}

func TestCreateConversation_DefaultTitle(t *testing.T) {
	svc, _ := newTestService(t, &recordingStreamer{})

	conv, err := svc.CreateConversation(context.Background(), 1, "  ")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if conv.Title != "新会话" {
		t.Fatalf("title = %q", conv.Title)
	}
	if len(conv.ConversationID) != 26 {
		t.Fatalf("conversation id %q is not a ulid", conv.ConversationID)
	}
}

func TestConversationOwnership(t *testing.T) {
	svc, _ := newTestService(t, &recordingStreamer{})
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, 1, "mine")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	if err := svc.RenameConversation(ctx, 2, conv.ConversationID, "stolen"); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("rename by non-owner: %v", err)
	}
	if err := svc.DeleteConversation(ctx, 2, conv.ConversationID); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("delete by non-owner: %v", err)
	}
	if _, err := svc.ListMessages(ctx, 2, conv.ConversationID, 10, 0); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("list by non-owner: %v", err)
	}

	if err := svc.RenameConversation(ctx, 1, conv.ConversationID, "renamed"); err != nil {
		t.Fatalf("rename by owner: %v", err)
	}
	got, err := svc.ListConversations(ctx, 1, "")
	if err != nil || len(got) != 1 || got[0].Title != "renamed" {
		t.Fatalf("list after rename: %v %+v", err, got)
	}
}

func TestListConversations_Keyword(t *testing.T) {
	svc, _ := newTestService(t, &recordingStreamer{})
	ctx := context.Background()

	if _, err := svc.CreateConversation(ctx, 3, "redis eviction"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.CreateConversation(ctx, 3, "billing"); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := svc.ListConversations(ctx, 3, "redis")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].Title != "redis eviction" {
		t.Fatalf("keyword filter: %+v", got)
	}
}

func TestDeleteConversation_RemovesMessages(t *testing.T) {
	svc, repo := newTestService(t, &recordingStreamer{})
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, 4, "gone soon")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.AddMessage(ctx, 4, conv.ConversationID, "user", "hi", nil); err != nil {
		t.Fatalf("add message: %v", err)
	}
	if err := svc.DeleteConversation(ctx, 4, conv.ConversationID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	msgs, err := repo.ListMessages(ctx, 4, conv.ConversationID, 10, 0)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("messages survived delete: %+v", msgs)
	}
}

func TestSendMessageStream_PersistsTurn(t *testing.T) {
	streamer := &recordingStreamer{body: scriptedSSE(
		`{"choices":[{"delta":{"content":"An"}}]}`,
		`{"choices":[{"delta":{"content":"swer [1]"}}]}`,
		`{"reference":{"chunks":[{"id":"c1","document_id":"d1","dataset_id":"k1","document_name":"guide.pdf","url":"https://kb/guide"}]}}`,
		`[DONE]`,
	)}
	svc, repo := newTestService(t, streamer)
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, 5, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	chunks, results, errs := svc.SendMessageStream(ctx, 5, conv.ConversationID, "what does the guide say?")

	var streamed strings.Builder
	for c := range chunks {
		streamed.WriteString(c)
	}
	select {
	case err := <-errs:
		if err != nil {
			t.Fatalf("stream error: %v", err)
		}
	default:
	}
	res := <-results
	if res == nil {
		t.Fatalf("no result delivered")
	}
	if streamed.String() != "Answer [1]" {
		t.Fatalf("streamed = %q", streamed.String())
	}
	if res.Content != "Answer {cite:0}" {
		t.Fatalf("final content = %q", res.Content)
	}

	// upstream saw the user message in the history window
	if len(streamer.last) == 0 || streamer.last[len(streamer.last)-1].Content != "what does the guide say?" {
		t.Fatalf("history window: %+v", streamer.last)
	}

	msgs, err := repo.ListMessages(ctx, 5, conv.ConversationID, 10, 0)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected user + assistant, got %d messages", len(msgs))
	}
	// DESC order: assistant first
	if msgs[0].Role != "assistant" || msgs[1].Role != "user" {
		t.Fatalf("roles: %s, %s", msgs[0].Role, msgs[1].Role)
	}
	sources, err := msgs[0].ParseSources()
	if err != nil {
		t.Fatalf("parse sources: %v", err)
	}
	if len(sources) != 1 || sources[0].DocumentName != "guide.pdf" {
		t.Fatalf("stored sources: %+v", sources)
	}
}

func TestSendMessageStream_UpstreamFailureLeavesNoAssistantMessage(t *testing.T) {
	streamer := &recordingStreamer{err: errors.New("upstream unavailable")}
	svc, repo := newTestService(t, streamer)
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, 6, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	chunks, _, errs := svc.SendMessageStream(ctx, 6, conv.ConversationID, "hello?")
	for range chunks {
	}
	if err := <-errs; err == nil {
		t.Fatalf("expected stream error")
	}

	msgs, err := repo.ListMessages(ctx, 6, conv.ConversationID, 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	// the user message is kept; no assistant message was created
	if len(msgs) != 1 || msgs[0].Role != "user" {
		t.Fatalf("messages after failed open: %+v", msgs)
	}
}

func TestGenerateAssistantReplyAndInsert_WorkerPath(t *testing.T) {
	streamer := &recordingStreamer{body: scriptedSSE(`{"answer":"queued answer"}`, `[DONE]`)}
	svc, repo := newTestService(t, streamer)
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, 7, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.InsertUserMessage(ctx, 7, conv.ConversationID, "async question"); err != nil {
		t.Fatalf("insert user message: %v", err)
	}

	content, msgID, err := svc.GenerateAssistantReplyAndInsert(ctx, 7, conv.ConversationID)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if content != "queued answer" || msgID == 0 {
		t.Fatalf("content=%q id=%d", content, msgID)
	}

	msgs, err := repo.ListMessages(ctx, 7, conv.ConversationID, 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != "assistant" {
		t.Fatalf("messages: %+v", msgs)
	}
}

func TestGenerateAssistantReply_EmptyConversation(t *testing.T) {
	svc, _ := newTestService(t, &recordingStreamer{body: scriptedSSE(`[DONE]`)})
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, 8, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, _, err := svc.GenerateAssistantReplyAndInsert(ctx, 8, conv.ConversationID); err == nil {
		t.Fatalf("expected error for empty conversation")
	}
}

func TestInsertUserMessageOrGetExisting_Idempotent(t *testing.T) {
	svc, _ := newTestService(t, &recordingStreamer{})
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, 9, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	key := "req-abc"
	first, created, err := svc.InsertUserMessageOrGetExisting(ctx, 9, conv.ConversationID, "once", &key)
	if err != nil || !created {
		t.Fatalf("first insert: created=%v err=%v", created, err)
	}
	second, created, err := svc.InsertUserMessageOrGetExisting(ctx, 9, conv.ConversationID, "once", &key)
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if created {
		t.Fatalf("duplicate key created a new row")
	}
	if second.ID != first.ID {
		t.Fatalf("ids differ: %d vs %d", first.ID, second.ID)
	}
}

func TestCreateJobOrGetExisting_Idempotent(t *testing.T) {
	svc, _ := newTestService(t, &recordingStreamer{})
	ctx := context.Background()

	key := "job-key-1"
	first := &Job{ID: "01HZXJOB0000000000000000A1", UserID: 10, ConversationID: "c", Question: "q", Status: JobQueued, IdempotencyKey: &key}
	_, created, err := svc.CreateJobOrGetExisting(ctx, first)
	if err != nil || !created {
		t.Fatalf("first job: created=%v err=%v", created, err)
	}

	dup := &Job{ID: "01HZXJOB0000000000000000A2", UserID: 10, ConversationID: "c", Question: "q", Status: JobQueued, IdempotencyKey: &key}
	existing, created, err := svc.CreateJobOrGetExisting(ctx, dup)
	if err != nil {
		t.Fatalf("dup job: %v", err)
	}
	if created || existing.ID != first.ID {
		t.Fatalf("idempotent create failed: created=%v id=%s", created, existing.ID)
	}
}
