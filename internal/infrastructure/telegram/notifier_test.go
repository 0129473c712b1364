package telegram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"ForumScanner/internal/config"
)

func TestNewNotifierRequiresCredentials(t *testing.T) {
	t.Parallel()

	if n := NewNotifier(config.TelegramConfig{BotToken: "x"}); n != nil {
		t.Fatalf("expected nil notifier without chat id")
	}
	var n *Notifier
	if err := n.PublishSummary(context.Background(), "hi"); err == nil {
		t.Fatalf("nil notifier must report misconfiguration")
	}
}

func TestPublishSummary(t *testing.T) {
	t.Parallel()

	var gotPath, gotText, gotChat string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		gotPath = r.URL.Path
		gotText = r.PostForm.Get("text")
		gotChat = r.PostForm.Get("chat_id")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := NewNotifier(config.TelegramConfig{BotToken: "token", ChatID: "42"})
	n.baseURL = server.URL
	n.client = server.Client()

	long := strings.Repeat("a", maxMessageLen+10)
	if err := n.PublishSummary(context.Background(), long); err != nil {
		t.Fatalf("PublishSummary: %v", err)
	}
	if gotPath != "/bottoken/sendMessage" || gotChat != "42" {
		t.Fatalf("unexpected request: path=%s chat=%s", gotPath, gotChat)
	}
	if len(gotText) != maxMessageLen {
		t.Fatalf("message not truncated: %d", len(gotText))
	}
}

func TestTruncateRunesKeepsCharactersWhole(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("ж", maxMessageLen+5)
	got := truncateRunes(long, maxMessageLen)
	if !utf8.ValidString(got) || utf8.RuneCountInString(got) != maxMessageLen {
		t.Fatalf("bad truncation: valid=%v runes=%d", utf8.ValidString(got), utf8.RuneCountInString(got))
	}
	if short := "итог"; truncateRunes(short, maxMessageLen) != short {
		t.Fatalf("short message must pass through")
	}
}

func TestPublishSummaryReportsStatus(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	n := NewNotifier(config.TelegramConfig{BotToken: "token", ChatID: "42"})
	n.baseURL = server.URL
	n.client = server.Client()

	if err := n.PublishSummary(context.Background(), "hi"); err == nil {
		t.Fatalf("expected error on non-200")
	}
}
