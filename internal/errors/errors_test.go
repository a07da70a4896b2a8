package errors

import (
	"encoding/json"
	"errors"
	"io/fs"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		code    string
		wantMsg string
		wantCat Category
	}{
		{"config", "L100", "Config file not found", CategoryConfig},
		{"connection", "L300", "Could not connect to server", CategoryConnection},
		{"upload", "L401", "File too large", CategoryUpload},
		{"unknown", "L999", "Unknown error", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code)
			if err.Message != tt.wantMsg {
				t.Errorf("Message = %q, want %q", err.Message, tt.wantMsg)
			}
			if err.Category != tt.wantCat {
				t.Errorf("Category = %q, want %q", err.Category, tt.wantCat)
			}
			if err.Code != tt.code {
				t.Errorf("Code = %q, want %q", err.Code, tt.code)
			}
		})
	}
}

func TestErrorString(t *testing.T) {
	if got := New("L300").Error(); got != "L300: Could not connect to server" {
		t.Errorf("Error() = %q", got)
	}
	if got := Newf(CategoryCLI, "bad flag %s", "--x").Error(); got != "bad flag --x" {
		t.Errorf("Error() = %q", got)
	}
	wrapped := New("L402").Wrap(fs.ErrNotExist)
	if !strings.HasSuffix(wrapped.Error(), fs.ErrNotExist.Error()) {
		t.Errorf("Error() = %q, want the cause appended", wrapped.Error())
	}
}

func TestUnwrap(t *testing.T) {
	err := New("L402").Wrap(fs.ErrNotExist)
	if !errors.Is(err, fs.ErrNotExist) {
		t.Error("errors.Is does not see the wrapped error")
	}
}

func TestFromError(t *testing.T) {
	if FromError(nil, "L200") != nil {
		t.Error("FromError(nil) should be nil")
	}
	orig := New("L300")
	if FromError(orig, "L200") != orig {
		t.Error("FromError replaced an existing *Error")
	}
	wrapped := FromError(errors.New("boom"), "L200")
	if wrapped.Code != "L200" || wrapped.Wrapped == nil {
		t.Errorf("FromError = %+v", wrapped)
	}
}

func TestFormat(t *testing.T) {
	DisableColors()
	defer EnableColors()

	out := New("L103").WithExample("server:\n  snapshotKey: s3cret").Format()
	for _, want := range []string{"ERROR L103", "Snapshot signing key missing", "Hint:", "snapshotKey: s3cret"} {
		if !strings.Contains(out, want) {
			t.Errorf("Format() missing %q:\n%s", want, out)
		}
	}
}

func TestFormatJSON(t *testing.T) {
	var got map[string]any
	if err := json.Unmarshal([]byte(New("L300").Wrap(errors.New("refused")).FormatJSON()), &got); err != nil {
		t.Fatalf("FormatJSON is not JSON: %v", err)
	}
	if got["code"] != "L300" || got["category"] != "connection" || got["cause"] != "refused" {
		t.Errorf("FormatJSON = %v", got)
	}
}

func TestWrapText(t *testing.T) {
	lines := wrapText(strings.Repeat("word ", 40), 20)
	for _, l := range lines {
		if len(l) > 20 {
			t.Errorf("line %q longer than 20", l)
		}
	}
	if wrapText("", 10) != nil {
		t.Error("empty text should wrap to nil")
	}
}

func TestRegister(t *testing.T) {
	Register("L900", ErrorTemplate{Category: CategoryCLI, Message: "custom"})
	if New("L900").Message != "custom" {
		t.Error("registered template not used")
	}
	found := false
	for _, c := range GetAllCodes() {
		if c == "L900" {
			found = true
		}
	}
	if !found {
		t.Error("GetAllCodes misses a registered code")
	}
}
