package turn

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lianues/buildcopy/internal/config"
	"github.com/lianues/buildcopy/internal/edit"
	"github.com/lianues/buildcopy/internal/events"
	"github.com/lianues/buildcopy/internal/gateway"
	"github.com/lianues/buildcopy/internal/prompt"
	"github.com/lianues/buildcopy/internal/snapshot"
	"github.com/lianues/buildcopy/internal/workspace"
	"github.com/lianues/buildcopy/pkg/models"
)

// fakeGateway replays a scripted event sequence.
type fakeGateway struct {
	events  []gateway.Event
	lastReq gateway.Request
	block   bool
}

func (f *fakeGateway) Send(ctx context.Context, req gateway.Request) <-chan gateway.Event {
	f.lastReq = req
	ch := make(chan gateway.Event)
	go func() {
		defer close(ch)
		if f.block {
			<-ctx.Done()
			return
		}
		for _, e := range f.events {
			select {
			case <-ctx.Done():
				return
			case ch <- e:
			}
		}
	}()
	return ch
}

func newRunner(t *testing.T, cfg *config.Config, gw gateway.Gateway) (*Runner, string) {
	t.Helper()
	root := filepath.Join(t.TempDir(), "workspace")
	require.NoError(t, os.MkdirAll(root, 0o755))
	reader := workspace.NewReader(root)
	composer := prompt.NewComposer(cfg, filepath.Dir(root))
	applier := edit.NewApplier(root, snapshot.NewStore(reader))
	return NewRunner(cfg, reader, composer, gw, applier, nil), root
}

func kinds(evs []events.Event) []events.Kind {
	out := make([]events.Kind, len(evs))
	for i, e := range evs {
		out[i] = e.Kind
	}
	return out
}

func TestRunEventOrdering(t *testing.T) {
	gw := &fakeGateway{events: []gateway.Event{
		{Kind: gateway.KindText, Text: "Hello "},
		{Kind: gateway.KindText, Text: "world"},
		{Kind: gateway.KindUsage, Usage: &models.TokenUsage{PromptTokens: 10, CompletionTokens: 2, TotalTokens: 12}},
	}}
	runner, root := newRunner(t, config.Default(), gw)
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.ts"), []byte("const a = 1;\n"), 0o600))

	var sink events.Collector
	res, err := runner.Run(context.Background(), nil, "say hello", &sink)
	require.NoError(t, err)

	assert.Equal(t, "Hello world", res.ResponseText)
	assert.Equal(t, []events.Kind{
		events.KindFilesIncluded,
		events.KindChunk,
		events.KindChunk,
		events.KindUsage,
		events.KindDone,
	}, kinds(sink.Events))
	assert.Equal(t, []string{"a.ts"}, sink.Events[0].Files)
	assert.Equal(t, 12, sink.Events[3].Usage.TotalTokens)
}

func TestRunPassesOptimizedHistoryAndPrompt(t *testing.T) {
	cfg := config.Default()
	gw := &fakeGateway{events: []gateway.Event{{Kind: gateway.KindText, Text: "ok"}}}
	runner, root := newRunner(t, cfg, gw)
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.ts"), []byte("const a = 1;\n"), 0o600))

	// Historic user message embedding the identical file body.
	digest := workspace.NewReader(root).Read()
	composer := prompt.NewComposer(cfg, root)
	history := []models.Message{{
		Role:     models.RoleUser,
		Text:     "earlier",
		FullText: composer.Compose(digest, "earlier"),
	}}

	var sink events.Collector
	res, err := runner.Run(context.Background(), history, "next step", &sink)
	require.NoError(t, err)

	require.Len(t, gw.lastReq.History, 1)
	assert.Contains(t, gw.lastReq.History[0].FullText, prompt.FilePlaceholder)
	assert.Contains(t, gw.lastReq.UserPrompt, "const a = 1;")
	assert.Contains(t, res.FullPrompt, "next step")
}

func TestRunGatewayErrorAborts(t *testing.T) {
	gw := &fakeGateway{events: []gateway.Event{
		{Kind: gateway.KindText, Text: "partial"},
		{Kind: gateway.KindError, Err: errors.New("quota exceeded")},
	}}
	runner, _ := newRunner(t, config.Default(), gw)

	var sink events.Collector
	_, err := runner.Run(context.Background(), nil, "x", &sink)
	require.Error(t, err)

	got := kinds(sink.Events)
	assert.Equal(t, events.KindError, got[len(got)-1])
	// no usage, no done after an error
	assert.NotContains(t, got, events.KindUsage)
	assert.NotContains(t, got, events.KindDone)
}

func TestRunCancellationIsSilent(t *testing.T) {
	gw := &fakeGateway{block: true}
	runner, _ := newRunner(t, config.Default(), gw)

	ctx, cancel := context.WithCancel(context.Background())
	var sink events.Collector
	done := make(chan error, 1)
	go func() {
		_, err := runner.Run(ctx, nil, "x", &sink)
		done <- err
	}()
	cancel()
	err := <-done
	assert.ErrorIs(t, err, context.Canceled)

	for _, k := range kinds(sink.Events) {
		assert.NotEqual(t, events.KindUsage, k)
		assert.NotEqual(t, events.KindDone, k)
		assert.NotEqual(t, events.KindError, k)
	}
}

func TestApplyChangesParseErrorTouchesNothing(t *testing.T) {
	runner, root := newRunner(t, config.Default(), &fakeGateway{})
	require.NoError(t, os.WriteFile(filepath.Join(root, "x.ts"), []byte("const x = 1;\n"), 0o600))

	var sink events.Collector
	_, err := runner.ApplyChanges(`<changes><change><file>x.ts</file><content><![CDATA[unterminated`, "msg-1", &sink)
	require.Error(t, err)

	require.Len(t, sink.Events, 1)
	assert.Equal(t, events.KindError, sink.Events[0].Kind)

	data, readErr := os.ReadFile(filepath.Join(root, "x.ts"))
	require.NoError(t, readErr)
	assert.Equal(t, "const x = 1;\n", string(data))

	// no snapshot either
	_, statErr := os.Stat(filepath.Join(filepath.Dir(root), snapshot.DirName))
	assert.True(t, os.IsNotExist(statErr))
}

func TestApplyChangesEmitsSnapshotEvent(t *testing.T) {
	runner, root := newRunner(t, config.Default(), &fakeGateway{})

	var sink events.Collector
	res, err := runner.ApplyChanges(`<changes><change type="update"><file>a.ts</file><content><![CDATA[const a = 1;
]]></content></change></changes>`, "msg-7", &sink)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)

	require.Len(t, sink.Events, 1)
	assert.Equal(t, events.KindSnapshotCreated, sink.Events[0].Kind)
	assert.Equal(t, res.SnapshotLabel, sink.Events[0].SnapshotLabel)
	assert.Equal(t, "msg-7", sink.Events[0].MessageID)

	data, readErr := os.ReadFile(filepath.Join(root, "a.ts"))
	require.NoError(t, readErr)
	assert.Equal(t, "const a = 1;\n", string(data))
}

func TestWindowHistory(t *testing.T) {
	msgs := []models.Message{
		{Role: models.RoleUser, Text: "u1"},
		{Role: models.RoleModel, Text: "m1"},
		{Role: models.RoleUser, Text: "u2"},
		{Role: models.RoleModel, Text: "m2"},
		{Role: models.RoleUser, Text: "u3"},
	}

	assert.Len(t, windowHistory(msgs, -1), 5)
	assert.Nil(t, windowHistory(msgs, 0))

	got := windowHistory(msgs, 2)
	require.Len(t, got, 3)
	assert.Equal(t, "u2", got[0].Text)

	// window larger than history keeps everything
	assert.Len(t, windowHistory(msgs, 10), 5)
}
