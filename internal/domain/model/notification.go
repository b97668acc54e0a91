package model

// Notification is a rendered chat message ready for a ChatTransport.
type Notification struct {
	HTML               string // Telegram HTML parse mode body.
	Plain              string // Fallback body sent without a parse mode.
	DisableLinkPreview bool
	Actions            [][]Action
}

// Action is a URL button rendered under a notification.
type Action struct {
	Label string
	URL   string
}

// ParseMode selects how the chat platform interprets message text.
type ParseMode string

const (
	ParseModeHTML  ParseMode = "HTML"
	ParseModePlain ParseMode = ""
)

// OutgoingMessage is one send request to the chat transport.
type OutgoingMessage struct {
	ChatID             string
	Text               string
	ParseMode          ParseMode
	DisableLinkPreview bool
	Actions            [][]Action
}
