package suggest

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teacherly/plansync/internal/entity"
	"github.com/teacherly/plansync/internal/localstore"
)

type stubMessages struct {
	reply string
	err   error
	got   anthropic.MessageNewParams
}

func (s *stubMessages) New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error) {
	s.got = params
	if s.err != nil {
		return nil, s.err
	}
	return &anthropic.Message{
		Content: []anthropic.ContentBlockUnion{
			{Type: "text", Text: s.reply},
		},
	}, nil
}

func testConflict() *localstore.ConflictRecord {
	return &localstore.ConflictRecord{
		EntityType: entity.TypeDaybookEntry,
		EntityID:   "d1",
		LocalData:  json.RawMessage(`{"id":"d1","whatWorked":"stations"}`),
		RemoteData: json.RawMessage(`{"id":"d1","nextSteps":"review"}`),
	}
}

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New("", "")
	assert.Error(t, err)
}

func TestSuggestMergeParsesReply(t *testing.T) {
	stub := &stubMessages{
		reply: `Here is the merge:
{"merged": {"id":"d1","whatWorked":"stations","nextSteps":"review"}, "rationale": "Kept both fields."}`,
	}
	s := &Suggester{messages: stub, model: DefaultModel}

	sg, err := s.SuggestMerge(context.Background(), testConflict())
	require.NoError(t, err)

	var merged map[string]any
	require.NoError(t, json.Unmarshal(sg.Merged, &merged))
	assert.Equal(t, "stations", merged["whatWorked"])
	assert.Equal(t, "review", merged["nextSteps"])
	assert.Equal(t, "Kept both fields.", sg.Rationale)

	// The prompt carries both versions.
	assert.Contains(t, stub.got.Messages[0].Content[0].OfText.Text, "whatWorked")
	assert.Contains(t, stub.got.Messages[0].Content[0].OfText.Text, "nextSteps")
}

func TestSuggestMergeRejectsProseOnlyReply(t *testing.T) {
	s := &Suggester{messages: &stubMessages{reply: "I cannot merge these."}, model: DefaultModel}
	_, err := s.SuggestMerge(context.Background(), testConflict())
	assert.Error(t, err)
}

func TestSuggestMergeRejectsMissingMergedField(t *testing.T) {
	s := &Suggester{messages: &stubMessages{reply: `{"rationale":"nothing"}`}, model: DefaultModel}
	_, err := s.SuggestMerge(context.Background(), testConflict())
	assert.Error(t, err)
}
