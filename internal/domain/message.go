package domain

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Message is the delivery request carried as a job payload. The core never
// interprets it beyond (de)serialization; the delivery transport does.
type Message struct {
	From       string    `json:"from"`
	Recipients []string  `json:"recipients"`
	Subject    string    `json:"subject"`
	BodyText   string    `json:"bodyText,omitempty"`
	BodyHTML   string    `json:"bodyHtml,omitempty"`
	Tag        string    `json:"tag,omitempty"`
	TxID       string    `json:"txId,omitempty"`
	DelayUntil time.Time `json:"delayTS,omitempty"`
}

func (m *Message) Validate() error {
	if len(m.Recipients) == 0 {
		return errors.New("message requires at least one recipient")
	}
	if m.From == "" {
		return errors.New("message requires a sender address")
	}
	if m.BodyText == "" && m.BodyHTML == "" {
		return errors.New("message requires a text or html body")
	}
	return nil
}

func (m *Message) Marshal() ([]byte, error) {
	b, err := json.Marshal(m)
	return b, errors.Wrap(err, "marshal message")
}

func UnmarshalMessage(b []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, errors.Wrap(err, "unmarshal message")
	}
	return &m, nil
}
