// Package telegram implements the ChatTransport port over the Telegram Bot API
// using go-telegram-bot-api.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/ericfisherdev/repotracker/internal/domain/model"
	"github.com/ericfisherdev/repotracker/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.ChatTransport = (*Client)(nil)

// MaxMessageLength is the Bot API limit on message text, in characters.
const MaxMessageLength = 4096

// Config configures a Client.
type Config struct {
	Token string
	// APIEndpoint is a format string taking the token and the method name.
	// Defaults to tgbotapi.APIEndpoint.
	APIEndpoint string
	HTTPClient  *http.Client
}

// Client calls the Bot API methods the tracker needs. It does not retry;
// retry policy belongs to the caller.
type Client struct {
	bot   *tgbotapi.BotAPI
	httpc tgbotapi.HTTPClient
	token string
}

// New authenticates the bot token with getMe and returns a Client.
func New(cfg Config) (*Client, error) {
	endpoint := cfg.APIEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	httpc := cfg.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: 30 * time.Second}
	}

	c := &Client{httpc: httpc, token: cfg.Token}
	bot, err := tgbotapi.NewBotAPIWithClient(cfg.Token, endpoint, httpc)
	if err != nil {
		return nil, c.classify(context.Background(), "getMe", err)
	}
	c.bot = bot
	return c, nil
}

// Username is the bot's handle as reported by getMe.
func (c *Client) Username() string { return c.bot.Self.UserName }

// APIError is a Bot API failure that maps to no sentinel.
type APIError struct {
	Method      string
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s: %d %s", e.Method, e.Code, e.Description)
}

// SendMessage delivers msg, splitting text longer than MaxMessageLength on
// line boundaries. Buttons are attached to the last chunk. It returns the
// message ID of the first chunk. A failure after the first chunk is a
// *driven.PartialDeliveryError carrying the unsent remainder.
func (c *Client) SendMessage(ctx context.Context, msg model.OutgoingMessage) (int64, error) {
	chunks := splitMessage(msg.Text, msg.ParseMode == model.ParseModeHTML)
	if len(chunks) == 0 {
		return 0, errors.New("telegram sendMessage: empty text")
	}

	chat, err := parseChat(msg.ChatID)
	if err != nil {
		return 0, err
	}

	bot := c.withContext(ctx)
	var firstID int64
	for i, chunk := range chunks {
		cfg := tgbotapi.MessageConfig{
			BaseChat:              chat,
			Text:                  chunk,
			ParseMode:             string(msg.ParseMode),
			DisableWebPagePreview: msg.DisableLinkPreview,
		}
		if i == len(chunks)-1 {
			if kb := inlineKeyboard(msg.Actions); kb != nil {
				cfg.ReplyMarkup = *kb
			}
		}

		sent, err := bot.Send(cfg)
		if err != nil {
			err = c.classify(ctx, "sendMessage", err)
			if i == 0 {
				return 0, err
			}
			remaining := msg
			remaining.Text = strings.Join(chunks[i:], "\n")
			return firstID, &driven.PartialDeliveryError{
				Delivered: i,
				FirstID:   firstID,
				Remaining: remaining,
				Err:       err,
			}
		}
		if i == 0 {
			firstID = int64(sent.MessageID)
		}
	}

	return firstID, nil
}

// EditMessageText replaces the text and buttons of a sent message. Text
// beyond the first chunk is dropped.
func (c *Client) EditMessageText(ctx context.Context, chatID string, messageID int64, msg model.OutgoingMessage) error {
	text := msg.Text
	if chunks := splitMessage(text, msg.ParseMode == model.ParseModeHTML); len(chunks) > 0 {
		text = chunks[0]
	}

	chat, err := parseChat(chatID)
	if err != nil {
		return err
	}

	cfg := tgbotapi.EditMessageTextConfig{
		BaseEdit: tgbotapi.BaseEdit{
			ChatID:          chat.ChatID,
			ChannelUsername: chat.ChannelUsername,
			MessageID:       int(messageID),
			ReplyMarkup:     inlineKeyboard(msg.Actions),
		},
		Text:                  text,
		ParseMode:             string(msg.ParseMode),
		DisableWebPagePreview: msg.DisableLinkPreview,
	}

	if _, err := c.withContext(ctx).Request(cfg); err != nil {
		return c.classify(ctx, "editMessageText", err)
	}
	return nil
}

// AnswerCallbackQuery acknowledges a button press.
func (c *Client) AnswerCallbackQuery(ctx context.Context, callbackID, text string, showAlert bool) error {
	cfg := tgbotapi.NewCallback(callbackID, text)
	if showAlert {
		cfg = tgbotapi.NewCallbackWithAlert(callbackID, text)
	}

	if _, err := c.withContext(ctx).Request(cfg); err != nil {
		return c.classify(ctx, "answerCallbackQuery", err)
	}
	return nil
}

// withContext returns a shallow copy of the bot whose requests carry ctx.
// The library itself takes no context.
func (c *Client) withContext(ctx context.Context) *tgbotapi.BotAPI {
	bot := *c.bot
	bot.Client = ctxClient{ctx: ctx, next: c.httpc}
	return &bot
}

type ctxClient struct {
	ctx  context.Context
	next tgbotapi.HTTPClient
}

func (c ctxClient) Do(req *http.Request) (*http.Response, error) {
	return c.next.Do(req.WithContext(c.ctx))
}

// parseChat accepts a numeric chat ID or an @channel username.
func parseChat(chatID string) (tgbotapi.BaseChat, error) {
	chatID = strings.TrimSpace(chatID)
	if id, err := strconv.ParseInt(chatID, 10, 64); err == nil {
		return tgbotapi.BaseChat{ChatID: id}, nil
	}
	if strings.HasPrefix(chatID, "@") && len(chatID) > 1 {
		return tgbotapi.BaseChat{ChannelUsername: chatID}, nil
	}
	return tgbotapi.BaseChat{}, fmt.Errorf("telegram: invalid chat id %q", chatID)
}

func inlineKeyboard(rows [][]model.Action) *tgbotapi.InlineKeyboardMarkup {
	var out [][]tgbotapi.InlineKeyboardButton
	for _, row := range rows {
		var buttons []tgbotapi.InlineKeyboardButton
		for _, action := range row {
			if action.Label == "" || action.URL == "" {
				continue
			}
			buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonURL(action.Label, action.URL))
		}
		if len(buttons) > 0 {
			out = append(out, tgbotapi.NewInlineKeyboardRow(buttons...))
		}
	}
	if len(out) == 0 {
		return nil
	}
	kb := tgbotapi.NewInlineKeyboardMarkup(out...)
	return &kb
}

// classify maps a library error onto the chat sentinels. Transport errors
// embed the request URL, which carries the bot token.
func (c *Client) classify(ctx context.Context, method string, err error) error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusTooManyRequests || apiErr.RetryAfter > 0:
			return &driven.RetryAfterError{
				After: time.Duration(apiErr.RetryAfter) * time.Second,
				Err:   fmt.Errorf("telegram %s: %w: %s", method, driven.ErrChatRateLimited, apiErr.Message),
			}
		case strings.Contains(strings.ToLower(apiErr.Message), "can't parse entities"):
			return fmt.Errorf("telegram %s: %w: %s", method, driven.ErrMessageMarkup, apiErr.Message)
		default:
			return &APIError{Method: method, Code: apiErr.Code, Description: apiErr.Message}
		}
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("telegram %s: %w", method, ctxErr)
	}
	return fmt.Errorf("telegram %s: %s", method, c.scrub(err.Error()))
}

func (c *Client) scrub(s string) string {
	if c.token == "" {
		return s
	}
	return strings.ReplaceAll(s, c.token, "[REDACTED]")
}
