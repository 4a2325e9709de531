package sanitize

import "testing"

func TestCleanControlChars_Idempotent(t *testing.T) {
	s := "hello\x00\x07world\tand\nnewline\x1b"
	once := CleanControlChars(s, true)
	twice := CleanControlChars(once, true)
	if once != twice {
		t.Fatalf("not idempotent: %q != %q", once, twice)
	}
	if once != "helloworld\tand\nnewline" {
		t.Fatalf("unexpected cleaned result: %q", once)
	}
}

func TestCleanControlChars_StrictDropsWhitespace(t *testing.T) {
	got := CleanControlChars("a\tb\nc", false)
	if got != "abc" {
		t.Fatalf("expected whitespace stripped in strict mode, got %q", got)
	}
}

func TestStripANSI(t *testing.T) {
	got := StripANSI("\x1b[31mred\x1b[0m text")
	if got != "red text" {
		t.Fatalf("expected ansi stripped, got %q", got)
	}
}

func TestStripFencesOuterOrAll_WholeBlock(t *testing.T) {
	got := StripFencesOuterOrAll("```json\n{\"a\":1}\n```")
	if got != `{"a":1}` {
		t.Fatalf("expected unwrapped json, got %q", got)
	}
}

func TestStripFencesOuterOrAll_AlreadyUnfenced_IsIdentity(t *testing.T) {
	s := `{"a": 1}`
	if got := StripFencesOuterOrAll(s); got != s {
		t.Fatalf("R2 violated: StripFencesOuterOrAll(%q) = %q", s, got)
	}
}

func TestStripFencesOuterOrAll_EmbeddedFence(t *testing.T) {
	got := StripFencesOuterOrAll("prose before\n```\ncode\n```\nprose after")
	if got != "prose before\ncode\nprose after" {
		t.Fatalf("unexpected result: %q", got)
	}
}

func TestExtractFirstJSONBlock(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"simple", `prefix {"a": 1} suffix`, `{"a": 1}`},
		{"nested", `{"a": {"b": 2}} trailing`, `{"a": {"b": 2}}`},
		{"braces in string", `{"a": "{not json}"} rest`, `{"a": "{not json}"}`},
		{"no json", `no braces here`, ""},
		{"unbalanced", `{"a": 1`, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ExtractFirstJSONBlock(tc.in); got != tc.want {
				t.Errorf("ExtractFirstJSONBlock(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestFixInvalidJSONEscapes(t *testing.T) {
	got := FixInvalidJSONEscapes(`{"tex": "\left(x\right)"}`)
	want := `{"tex": "\\left(x\right)"}`
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestFixInvalidJSONEscapes_PreservesValidEscapes(t *testing.T) {
	got := FixInvalidJSONEscapes(`{"a": "line1\nline2\t\"quoted\""}`)
	if got != `{"a": "line1\nline2\t\"quoted\""}` {
		t.Fatalf("valid escapes should be preserved, got %q", got)
	}
}

func TestEscapeRawNewlinesInJSONStrings(t *testing.T) {
	in := "{\"b\": \"x\ny\"}"
	got := EscapeRawNewlinesInJSONStrings(in)
	want := `{"b": "x\ny"}`
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestExtractImagePaths(t *testing.T) {
	got := ExtractImagePaths("see ![a](eda/figures/x.png) and ![b](ques1/figures/y.png)")
	want := []string{"eda/figures/x.png", "ques1/figures/y.png"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("index %d: got %q want %q", i, got[i], want[i])
		}
	}
}

// Scenario 1 (spec section 8): JSON extraction from fenced LLM text.
func TestPrepare_Scenario1(t *testing.T) {
	raw := "Sure, here is the result:\n```json\n{\"a\": 1, \"b\": \"x\\ny\"}\n```\nLet me know."
	got := Prepare(raw)
	want := `{"a": 1, "b": "x\ny"}`
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestPrepare_NoJSON(t *testing.T) {
	if got := Prepare("just some prose, no json here"); got != "" {
		t.Fatalf("expected empty result, got %q", got)
	}
}
