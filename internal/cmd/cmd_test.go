package cmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwc19890114/LLMCouncil-Optimization/internal/config"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/council"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/model"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/model/modeltest"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/testutil"
)

// executeCommand runs a cobra command with args and returns captured output
func executeCommand(root *cobra.Command, args ...string) (output string, err error) {
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err = root.Execute()
	return buf.String(), err
}

// setupTestEnvironment writes a config file pointing every path into a
// temporary directory and routes all model calls to a scripted provider.
func setupTestEnvironment(t *testing.T) (cfgPath string, provider *modeltest.Provider) {
	t.Helper()

	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))

	cfgPath = testutil.WriteFile(t, dir, "config.yaml", `
logging:
  level: error
database:
  driver: sqlite
  dsn: `+filepath.Join(dir, "council.db")+`
council:
  chairman_model: openrouter:chair
  title_model: openrouter:titler
trace:
  enabled: true
  dir: `+filepath.Join(dir, "traces")+`
jobs:
  dispatch_interval: 10ms
agents:
  list:
    - id: alpha
      name: Alpha
      model: openrouter:a
    - id: beta
      name: Beta
      model: openrouter:b
`)

	provider = modeltest.New().Reply("titler", "Go basics")
	orig := newRegistry
	newRegistry = func(context.Context, config.ProvidersConfig) (*model.Registry, error) {
		r := model.NewRegistry()
		r.Register(model.DefaultProvider, provider)
		return r, nil
	}
	t.Cleanup(func() {
		newRegistry = orig
		askConversation, askQuiet = "", false
		listJSON, agentsJSON, traceSummary, traceJSON = false, false, false, false
	})
	return cfgPath, provider
}

func decodeEvents(t *testing.T, output string) []council.StageEvent {
	t.Helper()
	var events []council.StageEvent
	sc := bufio.NewScanner(strings.NewReader(output))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var ev council.StageEvent
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev), sc.Text())
		events = append(events, ev)
	}
	return events
}

func TestRootCommand(t *testing.T) {
	require.NotNil(t, rootCmd)
	assert.Equal(t, "council", rootCmd.Use)

	cmdMap := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		cmdMap[c.Name()] = true
	}
	for _, expected := range []string{"ask", "jobs", "agents", "trace", "config", "conversations", "docs"} {
		assert.True(t, cmdMap[expected], "expected subcommand %q", expected)
	}
}

func TestAskStreamsEventsAndRecordsHistory(t *testing.T) {
	cfgPath, provider := setupTestEnvironment(t)

	output, err := executeCommand(rootCmd, "-c", cfgPath, "ask", "What", "is", "Go?")
	require.NoError(t, err, output)

	events := decodeEvents(t, output)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.Equal(t, council.EventComplete, last.Type, output)

	var types []string
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, council.CompleteEvent(council.StageAnswers))
	assert.Contains(t, types, council.CompleteEvent(council.StageChairman))
	assert.Contains(t, types, council.EventTitle)
	assert.Equal(t, 1, provider.CallCount("titler"))

	var rec council.TurnRecord
	raw, err := json.Marshal(last.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &rec))
	assert.Equal(t, "Go basics", rec.Title)
	assert.Equal(t, "response from chair", rec.Final.Response)

	// The second turn sees the first exchange as history.
	output, err = executeCommand(rootCmd, "-c", cfgPath, "ask", "-C", rec.ConversationID, "-q", "And", "generics?")
	require.NoError(t, err, output)
	assert.Equal(t, "response from chair\n", output)
	assert.Equal(t, 1, provider.CallCount("titler"), "title is only generated once")

	prompt := provider.Calls()
	var sawHistory bool
	for _, req := range prompt {
		if req.Model != "a" {
			continue
		}
		for _, m := range req.Messages {
			if m.Role == model.RoleAssistant && m.Content == "response from chair" {
				sawHistory = true
			}
		}
	}
	assert.True(t, sawHistory, "second turn should include the first answer as history")

	output, err = executeCommand(rootCmd, "-c", cfgPath, "conversations", "list")
	require.NoError(t, err)
	assert.Contains(t, output, rec.ConversationID)
	assert.Contains(t, output, "Go basics")

	output, err = executeCommand(rootCmd, "-c", cfgPath, "trace", "show", rec.ConversationID, "--summary")
	require.NoError(t, err)
	assert.Contains(t, output, "failures: 0")
	assert.Contains(t, output, council.StageReview)
}

func TestJobsSubmitIsIdempotent(t *testing.T) {
	cfgPath, _ := setupTestEnvironment(t)

	submit := func() map[string]any {
		output, err := executeCommand(rootCmd, "-c", cfgPath, "jobs", "submit", config.JobTypeKBIndex,
			"--payload", `{"document_id":"missing"}`)
		require.NoError(t, err, output)
		var job map[string]any
		require.NoError(t, json.Unmarshal([]byte(output), &job), output)
		return job
	}

	first := submit()
	assert.Equal(t, "queued", first["status"])
	assert.Equal(t, true, first["created"])

	second := submit()
	assert.Equal(t, first["id"], second["id"])
	assert.Equal(t, false, second["created"])

	output, err := executeCommand(rootCmd, "-c", cfgPath, "jobs", "cancel", first["id"].(string))
	require.NoError(t, err, output)
	assert.Contains(t, output, `"status": "cancelled"`)

	output, err = executeCommand(rootCmd, "-c", cfgPath, "jobs", "list", "--status", "cancelled")
	require.NoError(t, err, output)
	assert.Contains(t, output, first["id"].(string))
	assert.Contains(t, output, "cancelled=1")

	_, err = executeCommand(rootCmd, "-c", cfgPath, "jobs", "list", "--status", "bogus")
	assert.Error(t, err)
}

func TestDocsAddIndexesDocument(t *testing.T) {
	cfgPath, _ := setupTestEnvironment(t)
	docPath := testutil.WriteFile(t, t.TempDir(), "notes.txt", strings.Repeat("Go channels carry values between goroutines. ", 40))

	output, err := executeCommand(rootCmd, "-c", cfgPath, "docs", "add", docPath, "--category", "go", "--wait")
	require.NoError(t, err, output)
	assert.Contains(t, output, "Indexed by job")

	output, err = executeCommand(rootCmd, "-c", cfgPath, "docs", "list", "--category", "go")
	require.NoError(t, err, output)
	assert.Contains(t, output, "notes")
	assert.NotContains(t, output, " 0 chunks")
}

func TestAgentsList(t *testing.T) {
	cfgPath, _ := setupTestEnvironment(t)

	output, err := executeCommand(rootCmd, "-c", cfgPath, "agents", "list")
	require.NoError(t, err)
	assert.Contains(t, output, "alpha  Alpha (enabled)")
	assert.Contains(t, output, "model: openrouter:b")
}

func TestConfigSetRejectsUnknownKey(t *testing.T) {
	cfgPath, _ := setupTestEnvironment(t)

	_, err := executeCommand(rootCmd, "-c", cfgPath, "config", "set", "tui.max_output_lines", "10")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown configuration key")
}

func TestConfigShowMasksKeys(t *testing.T) {
	cfgPath, _ := setupTestEnvironment(t)
	t.Setenv("COUNCIL_PROVIDERS_OPENAI_API_KEY", "sk-secret")

	output, err := executeCommand(rootCmd, "-c", cfgPath, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, output, "openrouter:chair")
	assert.NotContains(t, output, "sk-secret")
}
