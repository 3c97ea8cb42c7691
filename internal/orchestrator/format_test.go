package orchestrator

import "testing"

func TestFormat_NormalizesCRLF(t *testing.T) {
	got := Format("line one\r\nline two\rline three")
	want := "line one\nline two\nline three"
	if got != want {
		t.Errorf("Format = %q, want %q", got, want)
	}
}

func TestFormat_NormalizesBullets(t *testing.T) {
	got := Format("* first\n+ second\n- third\n  * nested")
	want := "- first\n- second\n- third\n  - nested"
	if got != want {
		t.Errorf("Format = %q, want %q", got, want)
	}
}

func TestFormat_BulletInsideLineUntouched(t *testing.T) {
	got := Format("2 * 3 = 6")
	if got != "2 * 3 = 6" {
		t.Errorf("Format = %q, inline asterisks must survive", got)
	}
}

func TestFormat_HeadingSpacing(t *testing.T) {
	got := Format("intro\n## Heading\nbody")
	want := "intro\n\n## Heading\n\nbody"
	if got != want {
		t.Errorf("Format = %q, want %q", got, want)
	}
}

func TestFormat_CollapsesBlankRuns(t *testing.T) {
	got := Format("a\n\n\n\n\nb")
	want := "a\n\nb"
	if got != want {
		t.Errorf("Format = %q, want %q", got, want)
	}
}

func TestFormat_StripsTrailingWhitespace(t *testing.T) {
	got := Format("line  \t\nnext\n\n")
	want := "line\nnext"
	if got != want {
		t.Errorf("Format = %q, want %q", got, want)
	}
}

func TestFormat_Deterministic(t *testing.T) {
	raw := "# Title\r\n\r\n* point one   \n* point two\n\n\n\nclosing"
	first := Format(raw)
	for i := 0; i < 5; i++ {
		if got := Format(raw); got != first {
			t.Fatalf("Format is not deterministic: %q vs %q", got, first)
		}
	}
	// Formatting is idempotent.
	if again := Format(first); again != first {
		t.Errorf("Format(Format(x)) = %q, want %q", again, first)
	}
}

func TestChunks_SplitsParagraphs(t *testing.T) {
	got := chunks("first para\n\nsecond para\n\n\n\nthird")
	want := []string{"first para", "second para", "third"}
	if len(got) != len(want) {
		t.Fatalf("chunks returned %d pieces, want %d: %q", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("chunk %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestChunks_Empty(t *testing.T) {
	if got := chunks(""); len(got) != 0 {
		t.Errorf("chunks(\"\") = %q, want empty", got)
	}
}
