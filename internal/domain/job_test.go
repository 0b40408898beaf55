package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatus_Terminal(t *testing.T) {
	tests := []struct {
		status   Status
		terminal bool
	}{
		{Waiting, false},
		{Delayed, false},
		{Active, false},
		{Completed, true},
		{Failed, true},
		{Cancelled, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.status.Terminal())
		})
	}
}

func TestStatus_Cancellable(t *testing.T) {
	tests := []struct {
		status      Status
		cancellable bool
	}{
		{Waiting, true},
		{Delayed, true},
		{Active, false},
		{Completed, false},
		{Failed, false},
		{Cancelled, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.cancellable, tt.status.Cancellable())
		})
	}
}

func TestFilter_Matches(t *testing.T) {
	j := &Job{ID: "j1", Owner: "API-1", Tag: "batchA", TxID: "tx1", Status: Delayed}

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"empty filter matches", Filter{}, true},
		{"matching tag", Filter{Tag: "batchA"}, true},
		{"wrong tag", Filter{Tag: "batchB"}, false},
		{"matching id and status", Filter{JobID: "j1", Status: Delayed}, true},
		{"matching id wrong status", Filter{JobID: "j1", Status: Waiting}, false},
		{"matching txid", Filter{TxID: "tx1"}, true},
		{"conjunction fails on one predicate", Filter{Tag: "batchA", TxID: "other"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Matches(j))
		})
	}
}

func TestMessage_Validate(t *testing.T) {
	valid := Message{
		From:       "noreply@example.com",
		Recipients: []string{"a@example.com"},
		BodyText:   "hi",
	}
	assert.NoError(t, valid.Validate())

	noRecipients := valid
	noRecipients.Recipients = nil
	assert.Error(t, noRecipients.Validate())

	noSender := valid
	noSender.From = ""
	assert.Error(t, noSender.Validate())

	noBody := valid
	noBody.BodyText = ""
	assert.Error(t, noBody.Validate())
}
