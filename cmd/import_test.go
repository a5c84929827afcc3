package main

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		path     string
		override string
		want     string
		wantErr  bool
	}{
		{"mail.jsonl", "", "jsonl", false},
		{"mail.NDJSON", "", "jsonl", false},
		{"mail.json", "", "jsonl", false},
		{"fixtures/mail.yaml", "", "yaml", false},
		{"mail.yml", "", "yaml", false},
		{"mail.txt", "yaml", "yaml", false},
		{"mail.txt", "", "", true},
		{"mail.jsonl", "csv", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.path+"/"+tt.override, func(t *testing.T) {
			got, err := detectFormat(tt.path, tt.override)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReadItems_JSONL(t *testing.T) {
	in := `{"id":"m1","subject":"Request for quote","body":"Need 500 widgets","sender":"alice@customer.com","received_at":"2025-03-10T09:00:00Z","conversation_id":"c1"}

{"id":"m2","subject":"Re: Request for quote","body":"Pricing attached","sender":"bob@vendor.com","received_at":"2025-03-10T10:00:00Z","conversation_id":"c1"}
`
	items, err := readItems(strings.NewReader(in), "jsonl")
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, "m1", items[0].ID)
	assert.Equal(t, "alice@customer.com", items[0].Sender)
	assert.Equal(t, "c1", items[1].ConversationID)
	assert.True(t, items[1].ReceivedAt.Equal(time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)))
}

func TestReadItems_JSONLBadLine(t *testing.T) {
	in := "{\"id\":\"m1\"}\n{not json}\n"
	_, err := readItems(strings.NewReader(in), "jsonl")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestReadItems_YAML(t *testing.T) {
	in := `
- id: m1
  subject: Production down
  body: Checkout is failing for every customer.
  sender: ops@customer.com
  received_at: 2025-03-10T09:00:00Z
- subject: No id here
  body: hello
  sender: someone@example.com
  received_at: 2025-03-10T11:30:00Z
`
	items, err := readItems(strings.NewReader(in), "yaml")
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, "Production down", items[0].Subject)
	assert.True(t, items[0].ReceivedAt.Equal(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)))
	assert.Len(t, items[1].ID, 36, "missing id gets a uuid")
	assert.Empty(t, items[1].ConversationID)

	again, err := readItems(strings.NewReader(in), "yaml")
	require.NoError(t, err)
	assert.Equal(t, items[1].ID, again[1].ID, "re-reading the same file keeps derived ids")
}

func TestReadItems_DerivedIDs(t *testing.T) {
	in := `{"subject":"Thanks","body":"Got it.","sender":"a@customer.com","received_at":"2025-03-10T09:00:00Z"}
{"subject":"Thanks","body":"Got it.","sender":"a@customer.com","received_at":"2025-03-11T09:00:00Z"}
{"subject":"Thanks","body":"Got it.","sender":"a@customer.com","received_at":"2025-03-10T09:00:00Z"}
`
	items, err := readItems(strings.NewReader(in), "jsonl")
	require.NoError(t, err)
	require.Len(t, items, 2, "an identical record collapses onto the same id")
	assert.NotEqual(t, items[0].ID, items[1].ID, "received time keeps repeats apart")

	first := items[0]
	first.Body = "Got it, thanks."
	assert.NotEqual(t, items[0].ID, derivedID(&first))
}

func TestReadItems_YAMLEmpty(t *testing.T) {
	items, err := readItems(strings.NewReader(""), "yaml")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestReadItems_LastDuplicateWins(t *testing.T) {
	in := `{"id":"m1","subject":"first"}
{"id":"m2","subject":"other"}
{"id":" m1 ","subject":"second"}
`
	items, err := readItems(strings.NewReader(in), "jsonl")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "m1", items[0].ID)
	assert.Equal(t, "second", items[0].Subject)
	assert.Equal(t, "m2", items[1].ID)
}

func TestReadItems_UnknownFormat(t *testing.T) {
	_, err := readItems(strings.NewReader(""), "csv")
	require.Error(t, err)
}
