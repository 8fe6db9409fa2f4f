package openai

import (
	"testing"

	"github.com/hupe1980/agentledger/model"
	"github.com/openai/openai-go"
	"github.com/stretchr/testify/assert"
)

func TestBuildParams_PinsSampling(t *testing.T) {
	client := openai.NewClient()
	m := NewModelFromClient(&client, func(o *Options) {
		o.Temperature = 0.7
	})

	params := m.buildParams(model.Request{
		Instructions: "be terse",
		Messages: []model.Message{
			{Role: model.RoleUser, Text: "hello"},
			{Role: model.RoleAssistant, Text: "hi"},
		},
		Temperature: model.Float(0),
		Seed:        model.Int(7),
	})

	assert.Len(t, params.Messages, 3)
	assert.Equal(t, 0.0, params.Temperature.Value)
	assert.Equal(t, int64(7), params.Seed.Value)
	assert.Equal(t, int64(1024), params.MaxCompletionTokens.Value)
}

func TestInfo(t *testing.T) {
	client := openai.NewClient()
	m := NewModelFromClient(&client)

	assert.Equal(t, "openai", m.Info().Provider)
}
