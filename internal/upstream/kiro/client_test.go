package kiro

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"poly2api-go/internal/credential"
	apperrors "poly2api-go/internal/errors"
	"poly2api-go/internal/translator"
)

func testCred() *credential.Credential {
	return &credential.Credential{ID: 1, Provider: credential.ProviderKiro, AccessToken: "tok", Region: "us-east-1"}
}

func testRequest(stream bool) *translator.Request {
	return &translator.Request{
		Model:  "claude-sonnet-4",
		Stream: stream,
		System: "be brief",
		Messages: []translator.Message{
			{Role: translator.RoleUser, Parts: []translator.Part{{Type: translator.PartText, Text: "hello"}}},
		},
	}
}

func newTestClient(srv *httptest.Server) *Client {
	// the region placeholder becomes a path segment on the test server
	return New(srv.Client(), srv.URL+"/%s", "us-east-1")
}

func TestBuildConversationShape(t *testing.T) {
	req := testRequest(false)
	req.Tools = []translator.Tool{{Name: "get_weather", InputSchema: []byte(`{"type":"object"}`)}}
	req.Messages = append(req.Messages,
		translator.Message{Role: translator.RoleAssistant, Parts: []translator.Part{
			{Type: translator.PartText, Text: "checking"},
			{Type: translator.PartToolUse, ToolID: "t1", ToolName: "get_weather", ToolInput: []byte(`{"city":"Berlin"}`)},
		}},
		translator.Message{Role: translator.RoleTool, Parts: []translator.Part{
			{Type: translator.PartToolResult, ToolResultFor: "t1", Text: "sunny"},
		}},
		translator.Message{Role: translator.RoleUser, Parts: []translator.Part{
			{Type: translator.PartText, Text: "and tomorrow?"},
		}},
	)

	body := buildConversation(req)
	state := gjson.GetBytes(body, "conversationState")
	require.Equal(t, "MANUAL", state.Get("chatTriggerType").String())
	require.NotEmpty(t, state.Get("conversationId").String())

	// system prompt folds into the current user content
	current := state.Get("currentMessage.userInputMessage")
	require.Contains(t, current.Get("content").String(), "be brief")
	require.Contains(t, current.Get("content").String(), "and tomorrow?")
	require.Equal(t, "claude-sonnet-4", current.Get("modelId").String())

	require.Equal(t, "get_weather",
		current.Get("userInputMessageContext.tools.0.toolSpecification.name").String())
	require.Equal(t, "t1",
		current.Get("userInputMessageContext.toolResults.0.toolUseId").String())

	history := state.Get("history").Array()
	require.Len(t, history, 2)
	require.Equal(t, "hello", history[0].Get("userInputMessage.content").String())
	require.Equal(t, "checking", history[1].Get("assistantResponseMessage.content").String())
	require.Equal(t, "get_weather", history[1].Get("assistantResponseMessage.toolUses.0.name").String())
}

const textStreamBody = "event: assistantResponseEvent\ndata: {\"content\":\"Hel\"}\n\n" +
	"event: assistantResponseEvent\ndata: {\"content\":\"lo\"}\n\n"

const toolStreamBody = "event: toolUseEvent\ndata: {\"toolUseId\":\"t1\",\"name\":\"get_weather\",\"input\":\"{\\\"city\\\":\"}\n\n" +
	"event: toolUseEvent\ndata: {\"toolUseId\":\"t1\",\"input\":\"\\\"Berlin\\\"}\",\"stop\":true}\n\n"

func TestDispatchNonStreamAggregates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		require.True(t, gjson.GetBytes(body, "conversationState").Exists())
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, textStreamBody+toolStreamBody)
	}))
	defer srv.Close()

	res, err := newTestClient(srv).Dispatch(context.Background(), testCred(), testRequest(false))
	require.NoError(t, err)
	require.NotNil(t, res.Response)
	require.Equal(t, "tool_use", res.Response.StopReason)
	require.Len(t, res.Response.Parts, 2)
	require.Equal(t, "Hello", res.Response.Parts[0].Text)
	require.Equal(t, "get_weather", res.Response.Parts[1].ToolName)
	require.JSONEq(t, `{"city":"Berlin"}`, string(res.Response.Parts[1].ToolInput))
}

func TestDispatchStreamEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, textStreamBody)
	}))
	defer srv.Close()

	res, err := newTestClient(srv).Dispatch(context.Background(), testCred(), testRequest(true))
	require.NoError(t, err)
	require.NotNil(t, res.Stream)

	var types []translator.EventType
	var text string
	for ev := range res.Stream.Events {
		types = append(types, ev.Type)
		if ev.Type == translator.EventTextDelta {
			text += ev.Text
		}
	}
	require.Equal(t, []translator.EventType{
		translator.EventStart,
		translator.EventTextDelta,
		translator.EventTextDelta,
		translator.EventFinish,
	}, types)
	require.Equal(t, "Hello", text)
}

func TestDispatchStreamCancel(t *testing.T) {
	blocked := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: assistantResponseEvent\ndata: {\"content\":\"x\"}\n\n")
		w.(http.Flusher).Flush()
		<-blocked
	}))
	defer srv.Close()
	defer close(blocked)

	res, err := newTestClient(srv).Dispatch(context.Background(), testCred(), testRequest(true))
	require.NoError(t, err)

	<-res.Stream.Events // EventStart
	<-res.Stream.Events // text delta
	res.Stream.Cancel()

	// channel closes shortly after cancel
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-res.Stream.Events:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("stream did not close after cancel")
		}
	}
}

func TestDispatchUpstreamErrorClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"message":"ThrottlingException"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv).Dispatch(context.Background(), testCred(), testRequest(false))
	require.Equal(t, apperrors.KindRateLimit, apperrors.KindOf(err))
}

func TestModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"models":[{"modelId":"claude-sonnet-4"},{"modelId":"claude-haiku-4"}]}`)
	}))
	defer srv.Close()

	models, err := newTestClient(srv).Models(context.Background(), testCred())
	require.NoError(t, err)
	require.Equal(t, []string{"claude-sonnet-4", "claude-haiku-4"}, models)
}

func TestFetchQuota(t *testing.T) {
	reset := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"limits":[{"modelId":"claude-sonnet-4","remainingFraction":0.42,"resetTime":%q}]}`,
			reset.Format(time.RFC3339))
	}))
	defer srv.Close()

	quota, err := newTestClient(srv).FetchQuota(context.Background(), testCred())
	require.NoError(t, err)
	require.InDelta(t, 0.42, quota["claude-sonnet-4"].RemainingFraction, 0.001)
	require.True(t, quota["claude-sonnet-4"].ResetTime.Equal(reset))
}
