package claude

import (
	"fmt"
	"testing"
)

func TestParse_Init(t *testing.T) {
	line := `{"type":"system","subtype":"init","session_id":"abc123","model":"opus"}`
	event := Parse([]byte(line))

	if event.Kind != EventInit {
		t.Fatalf("expected init event, got %s", event.Kind)
	}
	if event.SessionID != "abc123" {
		t.Errorf("expected session id abc123, got %q", event.SessionID)
	}
}

func TestParse_AssistantText(t *testing.T) {
	line := `{"type":"assistant","message":{"content":[{"type":"text","text":"hello"},{"type":"text","text":"world"}]}}`
	event := Parse([]byte(line))

	if event.Kind != EventAssistantText {
		t.Fatalf("expected assistant_text event, got %s", event.Kind)
	}
	if event.Text != "hello\nworld" {
		t.Errorf("expected joined text, got %q", event.Text)
	}
}

func TestParse_ToolInvocation(t *testing.T) {
	line := `{"type":"assistant","message":{"content":[{"type":"tool_use","id":"tu_1","name":"Bash","input":{"command":"ls"}}]}}`
	event := Parse([]byte(line))

	if event.Kind != EventToolInvocation {
		t.Fatalf("expected tool_invocation event, got %s", event.Kind)
	}
	if event.Tool == nil {
		t.Fatal("expected tool payload")
	}
	if event.Tool.ID != "tu_1" || event.Tool.Name != "Bash" {
		t.Errorf("unexpected tool payload: %+v", event.Tool)
	}
	if event.Tool.Category != CategoryCommand {
		t.Errorf("expected command category, got %s", event.Tool.Category)
	}
}

func TestParse_ToolInvocationWithText(t *testing.T) {
	line := `{"type":"assistant","message":{"content":[{"type":"text","text":"let me check"},{"type":"tool_use","id":"tu_2","name":"Read","input":{"file_path":"main.go"}}]}}`
	event := Parse([]byte(line))

	if event.Kind != EventToolInvocation {
		t.Fatalf("expected tool_invocation event, got %s", event.Kind)
	}
	if event.Text != "let me check" {
		t.Errorf("text must survive alongside the tool call, got %q", event.Text)
	}
}

func TestParse_UnknownToolFallsBackToOther(t *testing.T) {
	line := `{"type":"assistant","message":{"content":[{"type":"tool_use","id":"tu_3","name":"SomeNewTool","input":{}}]}}`
	event := Parse([]byte(line))

	if event.Tool == nil || event.Tool.Category != CategoryOther {
		t.Fatalf("unrecognized tool must map to the other category, got %+v", event.Tool)
	}
}

func TestParse_ToolResult(t *testing.T) {
	line := `{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"tu_1","content":"ok","is_error":false}]}}`
	event := Parse([]byte(line))

	if event.Kind != EventToolResult {
		t.Fatalf("expected tool_result event, got %s", event.Kind)
	}
	if event.Result.ID != "tu_1" || event.Result.Content != "ok" || event.Result.IsError {
		t.Errorf("unexpected tool result: %+v", event.Result)
	}
}

func TestParse_ToolResultBlockContent(t *testing.T) {
	line := `{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"tu_1","content":[{"type":"text","text":"line one"},{"type":"text","text":"line two"}],"is_error":true}]}}`
	event := Parse([]byte(line))

	if event.Result == nil {
		t.Fatal("expected tool result payload")
	}
	if event.Result.Content != "line one\nline two" {
		t.Errorf("expected flattened content, got %q", event.Result.Content)
	}
	if !event.Result.IsError {
		t.Error("expected is_error to be carried through")
	}
}

func TestParse_Thinking(t *testing.T) {
	line := `{"type":"assistant","message":{"content":[{"type":"thinking","thinking":"hmm"}]}}`
	event := Parse([]byte(line))

	if event.Kind != EventThinking || event.Think.Text != "hmm" || event.Think.Redacted {
		t.Fatalf("unexpected thinking event: %+v", event)
	}

	redacted := Parse([]byte(`{"type":"assistant","message":{"content":[{"type":"redacted_thinking"}]}}`))
	if redacted.Kind != EventThinking || !redacted.Think.Redacted {
		t.Fatalf("expected redacted thinking, got %+v", redacted)
	}
}

func TestParse_UsageUpdate(t *testing.T) {
	line := `{"type":"assistant","message":{"content":[],"usage":{"input_tokens":100,"cache_read_input_tokens":5000,"output_tokens":20}}}`
	event := Parse([]byte(line))

	if event.Kind != EventUsageUpdate {
		t.Fatalf("expected usage_update event, got %s", event.Kind)
	}
	if event.Usage.InputTokens != 100 || event.Usage.CacheReadTokens != 5000 || event.Usage.OutputTokens != 20 {
		t.Errorf("unexpected usage: %+v", event.Usage)
	}
}

func TestParse_PlanProposal(t *testing.T) {
	line := `{"type":"assistant","message":{"content":[{"type":"tool_use","id":"tu_9","name":"ExitPlanMode","input":{"plan":"1. do things"}}]}}`
	event := Parse([]byte(line))

	if event.Kind != EventPlanProposal {
		t.Fatalf("expected plan_proposal event, got %s", event.Kind)
	}
	if event.Plan.PlanText != "1. do things" || event.Plan.RequestID != "tu_9" {
		t.Errorf("unexpected plan payload: %+v", event.Plan)
	}
}

func TestParse_PermissionRequest(t *testing.T) {
	line := `{"type":"control_request","request_id":"req_1","request":{"subtype":"can_use_tool","tool_name":"Bash","input":{"command":"rm -rf build"}}}`
	event := Parse([]byte(line))

	if event.Kind != EventPermissionRequest {
		t.Fatalf("expected permission_request event, got %s", event.Kind)
	}
	if event.Perm.RequestID != "req_1" || event.Perm.Tool != "Bash" {
		t.Errorf("unexpected permission payload: %+v", event.Perm)
	}
}

func TestParse_Elicitation(t *testing.T) {
	line := `{"type":"control_request","request_id":"req_2","request":{"subtype":"elicitation","message":"pick one"}}`
	event := Parse([]byte(line))

	if event.Kind != EventElicitation {
		t.Fatalf("expected elicitation event, got %s", event.Kind)
	}
	if event.Elicit.RequestID != "req_2" || event.Elicit.Prompt != "pick one" {
		t.Errorf("unexpected elicitation payload: %+v", event.Elicit)
	}
}

func TestParse_Compaction(t *testing.T) {
	line := `{"type":"system","subtype":"compact_boundary","session_id":"s1","compact_metadata":{"trigger":"auto","pre_tokens":167000}}`
	event := Parse([]byte(line))

	if event.Kind != EventCompaction {
		t.Fatalf("expected compaction event, got %s", event.Kind)
	}
	if event.Compact.Trigger != "auto" || event.Compact.PreTokens != 167000 {
		t.Errorf("unexpected compaction payload: %+v", event.Compact)
	}
}

func TestParse_Result(t *testing.T) {
	line := `{"type":"result","subtype":"success","session_id":"s1","result":"done","total_cost_usd":0.42,"duration_ms":1234,"is_error":false}`
	event := Parse([]byte(line))

	if event.Kind != EventResult {
		t.Fatalf("expected result event, got %s", event.Kind)
	}
	if !event.Kind.Terminal() {
		t.Error("result must be terminal")
	}
	if event.Final.FinalText != "done" || event.Final.CostUSD != 0.42 || event.Final.DurationMS != 1234 {
		t.Errorf("unexpected result payload: %+v", event.Final)
	}
	if event.Final.IsError {
		t.Error("expected a non-error result")
	}
}

func TestParse_ErrorResult(t *testing.T) {
	line := `{"type":"result","subtype":"error_during_execution","session_id":"s1","error":"boom"}`
	event := Parse([]byte(line))

	if event.Kind != EventResult || !event.Final.IsError {
		t.Fatalf("expected error result, got %+v", event)
	}
	if event.Final.ErrorText != "boom" {
		t.Errorf("expected error text boom, got %q", event.Final.ErrorText)
	}
}

// Parsing must be total: any byte sequence yields exactly one event and
// never panics.
func TestParse_Totality(t *testing.T) {
	inputs := [][]byte{
		nil,
		[]byte(""),
		[]byte("   "),
		[]byte("not json at all"),
		[]byte("{"),
		[]byte(`"just a string"`),
		[]byte(`[1,2,3]`),
		[]byte(`{"no_type":true}`),
		[]byte(`{"type":12}`),
		[]byte(`{"type":"something_new","payload":{}}`),
		[]byte(`{"type":"assistant"}`),
		[]byte(`{"type":"assistant","message":{"content":"not-a-list"}}`),
		[]byte(`{"type":"user","message":{}}`),
		[]byte(`{"type":"result"}`),
		[]byte(`{"type":"control_request","request":{"subtype":"mystery"}}`),
		[]byte("\xff\xfe invalid utf8 \x80"),
	}

	for i, input := range inputs {
		event := Parse(input)
		switch event.Kind {
		case EventMalformed, EventUnknown, EventResult, EventToolResult:
			// acceptable total outcomes
		default:
			t.Errorf("input %d: unexpected kind %s", i, event.Kind)
		}
	}
}

func TestParse_TruncatesRawDiagnostics(t *testing.T) {
	long := make([]byte, 1000)
	for i := range long {
		long[i] = 'x'
	}
	event := Parse(long)

	if event.Kind != EventMalformed {
		t.Fatalf("expected malformed event, got %s", event.Kind)
	}
	if len(event.Raw) > rawLineLimit {
		t.Errorf("raw diagnostic must be truncated to %d bytes, got %d", rawLineLimit, len(event.Raw))
	}
}

func TestCategorizeTool_Total(t *testing.T) {
	cases := map[string]ToolCategory{
		"Read":      CategoryRead,
		"Grep":      CategoryRead,
		"Edit":      CategoryEdit,
		"Bash":      CategoryCommand,
		"WebFetch":  CategoryWeb,
		"Task":      CategoryOther,
		"":          CategoryOther,
		"Imaginary": CategoryOther,
	}
	for name, want := range cases {
		if got := CategorizeTool(name); got != want {
			t.Errorf("CategorizeTool(%q) = %s, want %s", name, got, want)
		}
	}
}

func TestToolInvocation_DisplayName(t *testing.T) {
	longCmd := ""
	for i := 0; i < 20; i++ {
		longCmd += "abcdef"
	}

	cases := []struct {
		tool ToolInvocation
		want string
	}{
		{ToolInvocation{Name: "Read", Input: map[string]interface{}{"file_path": "a.go"}}, "Reading: a.go"},
		{ToolInvocation{Name: "Read", Input: map[string]interface{}{}}, "Reading: unknown"},
		{ToolInvocation{Name: "Grep", Input: map[string]interface{}{"pattern": "TODO"}}, "Searching: TODO"},
		{ToolInvocation{Name: "Bash", Input: map[string]interface{}{"command": longCmd}}, "Running: " + longCmd[:57] + "..."},
		{ToolInvocation{Name: "Custom", Input: map[string]interface{}{}}, "Using: Custom"},
	}
	for _, tc := range cases {
		if got := tc.tool.DisplayName(); got != tc.want {
			t.Errorf("DisplayName(%s) = %q, want %q", tc.tool.Name, got, tc.want)
		}
	}
}

func TestParse_OneEventPerLine(t *testing.T) {
	// A fuzz-ish sweep: permutations of discriminators must each produce a
	// single well-defined kind.
	for _, typ := range []string{"system", "assistant", "user", "result", "control_request", "garbage"} {
		line := fmt.Sprintf(`{"type":%q}`, typ)
		event := Parse([]byte(line))
		if event.Kind == "" {
			t.Errorf("type %q produced an event with no kind", typ)
		}
	}
}
