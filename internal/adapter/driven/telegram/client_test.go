package telegram_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/repotracker/internal/adapter/driven/telegram"
	"github.com/ericfisherdev/repotracker/internal/domain/model"
	"github.com/ericfisherdev/repotracker/internal/domain/port/driven"
)

const testToken = "123:secret"

type recorder struct {
	mu      sync.Mutex
	methods []string
	forms   []url.Values
}

func (r *recorder) add(method string, form url.Values) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods = append(r.methods, method)
	r.forms = append(r.forms, form)
	return len(r.methods)
}

// newTestClient serves getMe itself and hands every other Bot API call to
// respond with its 1-based sequence number.
func newTestClient(t *testing.T, respond func(w http.ResponseWriter, n int)) (*telegram.Client, *recorder) {
	t.Helper()

	rec := &recorder{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		method, ok := strings.CutPrefix(r.URL.Path, "/bot"+testToken+"/")
		require.True(t, ok, "unexpected path %s", r.URL.Path)

		w.Header().Set("Content-Type", "application/json")
		if method == "getMe" {
			writeResult(w, map[string]any{"id": 1, "is_bot": true, "first_name": "Tracker", "username": "tracker_bot"})
			return
		}
		respond(w, rec.add(method, r.PostForm))
	}))
	t.Cleanup(server.Close)

	client, err := telegram.New(telegram.Config{
		Token:       testToken,
		APIEndpoint: server.URL + "/bot%s/%s",
		HTTPClient:  server.Client(),
	})
	require.NoError(t, err)
	return client, rec
}

func writeResult(w http.ResponseWriter, result any) {
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": result})
}

func writeError(w http.ResponseWriter, code int, description string, params map[string]any) {
	body := map[string]any{"ok": false, "error_code": code, "description": description}
	if params != nil {
		body["parameters"] = params
	}
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func ok(w http.ResponseWriter, n int) {
	writeResult(w, map[string]any{"message_id": 100 + n, "date": 0, "chat": map[string]any{"id": 42, "type": "private"}})
}

func TestNew_RejectsBadToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		writeError(w, http.StatusUnauthorized, "Unauthorized", nil)
	}))
	t.Cleanup(server.Close)

	_, err := telegram.New(telegram.Config{Token: testToken, APIEndpoint: server.URL + "/bot%s/%s"})

	var apiErr *telegram.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "getMe", apiErr.Method)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Code)
}

func TestNew_ReportsUsername(t *testing.T) {
	client, _ := newTestClient(t, ok)
	assert.Equal(t, "tracker_bot", client.Username())
}

func TestSendMessage(t *testing.T) {
	client, rec := newTestClient(t, ok)

	id, err := client.SendMessage(context.Background(), model.OutgoingMessage{
		ChatID:             "42",
		Text:               "<b>foo/bar</b> new commit",
		ParseMode:          model.ParseModeHTML,
		DisableLinkPreview: true,
		Actions: [][]model.Action{
			{{Label: "Commit", URL: "https://github.com/foo/bar/commit/bbb2222"}, {Label: "", URL: "https://ignored"}},
		},
	})

	require.NoError(t, err)
	assert.Equal(t, int64(101), id)
	require.Len(t, rec.forms, 1)
	assert.Equal(t, "sendMessage", rec.methods[0])

	form := rec.forms[0]
	assert.Equal(t, "42", form.Get("chat_id"))
	assert.Equal(t, "HTML", form.Get("parse_mode"))
	assert.Equal(t, "true", form.Get("disable_web_page_preview"))

	var markup struct {
		InlineKeyboard [][]struct {
			Text string `json:"text"`
			URL  string `json:"url"`
		} `json:"inline_keyboard"`
	}
	require.NoError(t, json.Unmarshal([]byte(form.Get("reply_markup")), &markup))
	require.Len(t, markup.InlineKeyboard, 1)
	require.Len(t, markup.InlineKeyboard[0], 1)
	assert.Equal(t, "Commit", markup.InlineKeyboard[0][0].Text)
}

func TestSendMessage_ChannelUsername(t *testing.T) {
	client, rec := newTestClient(t, ok)

	_, err := client.SendMessage(context.Background(), model.OutgoingMessage{ChatID: "@releases", Text: "hi"})

	require.NoError(t, err)
	assert.Equal(t, "@releases", rec.forms[0].Get("chat_id"))
}

func TestSendMessage_InvalidChatID(t *testing.T) {
	client, rec := newTestClient(t, ok)

	_, err := client.SendMessage(context.Background(), model.OutgoingMessage{ChatID: "not a chat", Text: "hi"})

	assert.Error(t, err)
	assert.Empty(t, rec.forms)
}

func TestSendMessage_PlainOmitsParseMode(t *testing.T) {
	client, rec := newTestClient(t, ok)

	_, err := client.SendMessage(context.Background(), model.OutgoingMessage{ChatID: "42", Text: "hello"})
	require.NoError(t, err)

	_, present := rec.forms[0]["parse_mode"]
	assert.False(t, present)
	_, present = rec.forms[0]["reply_markup"]
	assert.False(t, present)
}

func TestSendMessage_SplitsLongText(t *testing.T) {
	client, rec := newTestClient(t, ok)

	line := strings.Repeat("x", 100)
	var b strings.Builder
	for range 50 {
		b.WriteString(line)
		b.WriteString("\n")
	}

	id, err := client.SendMessage(context.Background(), model.OutgoingMessage{
		ChatID:  "42",
		Text:    b.String(),
		Actions: [][]model.Action{{{Label: "Repo", URL: "https://github.com/foo/bar"}}},
	})

	require.NoError(t, err)
	assert.Equal(t, int64(101), id, "first chunk id is returned")
	require.Len(t, rec.forms, 2)
	assert.LessOrEqual(t, len([]rune(rec.forms[0].Get("text"))), telegram.MaxMessageLength)
	assert.Empty(t, rec.forms[0].Get("reply_markup"), "buttons go on the last chunk only")
	assert.NotEmpty(t, rec.forms[1].Get("reply_markup"))
}

func TestSendMessage_PartialDeliveryCarriesRemainder(t *testing.T) {
	client, rec := newTestClient(t, func(w http.ResponseWriter, n int) {
		if n == 2 {
			writeError(w, http.StatusTooManyRequests, "Too Many Requests: retry after 1", map[string]any{"retry_after": 1})
			return
		}
		ok(w, n)
	})

	first := strings.Repeat("a", 3000)
	second := strings.Repeat("b", 3000)
	msg := model.OutgoingMessage{
		ChatID:  "42",
		Text:    first + "\n" + second,
		Actions: [][]model.Action{{{Label: "Repo", URL: "https://github.com/foo/bar"}}},
	}

	id, err := client.SendMessage(context.Background(), msg)

	assert.Equal(t, int64(101), id)
	var partial *driven.PartialDeliveryError
	require.True(t, errors.As(err, &partial))
	assert.Equal(t, 1, partial.Delivered)
	assert.Equal(t, second, partial.Remaining.Text)
	assert.Equal(t, msg.Actions, partial.Remaining.Actions)
	assert.ErrorIs(t, err, driven.ErrChatRateLimited)

	_, err = client.SendMessage(context.Background(), partial.Remaining)
	require.NoError(t, err)
	require.Len(t, rec.forms, 3)
	assert.Equal(t, second, rec.forms[2].Get("text"))
}

func TestSendMessage_RateLimited(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, _ int) {
		writeError(w, http.StatusTooManyRequests, "Too Many Requests: retry after 3", map[string]any{"retry_after": 3})
	})

	_, err := client.SendMessage(context.Background(), model.OutgoingMessage{ChatID: "42", Text: "hi"})

	require.Error(t, err)
	assert.ErrorIs(t, err, driven.ErrChatRateLimited)

	var retry *driven.RetryAfterError
	require.True(t, errors.As(err, &retry))
	assert.Equal(t, 3*time.Second, retry.After)
}

func TestSendMessage_MarkupRejected(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, _ int) {
		writeError(w, http.StatusBadRequest, "Bad Request: can't parse entities: Unsupported start tag \"div\"", nil)
	})

	_, err := client.SendMessage(context.Background(), model.OutgoingMessage{ChatID: "42", Text: "<div>x</div>", ParseMode: model.ParseModeHTML})

	assert.ErrorIs(t, err, driven.ErrMessageMarkup)
}

func TestSendMessage_OtherAPIError(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, _ int) {
		writeError(w, http.StatusForbidden, "Forbidden: bot was blocked by the user", nil)
	})

	_, err := client.SendMessage(context.Background(), model.OutgoingMessage{ChatID: "42", Text: "hi"})

	var apiErr *telegram.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 403, apiErr.Code)
	assert.NotContains(t, err.Error(), "secret")
}

func TestSendMessage_CanceledContext(t *testing.T) {
	client, rec := newTestClient(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.SendMessage(ctx, model.OutgoingMessage{ChatID: "42", Text: "hi"})

	assert.ErrorIs(t, err, context.Canceled)
	assert.NotContains(t, err.Error(), "secret")
	assert.Empty(t, rec.forms)
}

func TestSendMessage_EmptyText(t *testing.T) {
	client, rec := newTestClient(t, ok)

	_, err := client.SendMessage(context.Background(), model.OutgoingMessage{ChatID: "42", Text: "   "})

	assert.Error(t, err)
	assert.Empty(t, rec.forms)
}

func TestEditMessageText(t *testing.T) {
	client, rec := newTestClient(t, func(w http.ResponseWriter, _ int) {
		writeResult(w, true)
	})

	err := client.EditMessageText(context.Background(), "42", 7, model.OutgoingMessage{
		Text:    "updated",
		Actions: [][]model.Action{{{Label: "Repo", URL: "https://github.com/foo/bar"}}},
	})

	require.NoError(t, err)
	assert.Equal(t, "editMessageText", rec.methods[0])
	form := rec.forms[0]
	assert.Equal(t, "42", form.Get("chat_id"))
	assert.Equal(t, "7", form.Get("message_id"))
	assert.Equal(t, "updated", form.Get("text"))
	assert.Contains(t, form.Get("reply_markup"), "https://github.com/foo/bar")
}

func TestAnswerCallbackQuery(t *testing.T) {
	client, rec := newTestClient(t, func(w http.ResponseWriter, _ int) {
		writeResult(w, true)
	})

	err := client.AnswerCallbackQuery(context.Background(), "cb-1", "Done", true)

	require.NoError(t, err)
	assert.Equal(t, "answerCallbackQuery", rec.methods[0])
	assert.Equal(t, "cb-1", rec.forms[0].Get("callback_query_id"))
	assert.Equal(t, "Done", rec.forms[0].Get("text"))
	assert.Equal(t, "true", rec.forms[0].Get("show_alert"))
}
