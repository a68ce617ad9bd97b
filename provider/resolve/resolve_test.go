package resolve

import (
	"strings"
	"testing"
)

func TestResolveKnownProviders(t *testing.T) {
	for _, name := range []string{"anthropic", "openai", "groq", "deepseek", "together", "mistral", "ollama"} {
		p, err := Provider(Config{Provider: name, APIKey: "k"})
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if p.Name() != name {
			t.Errorf("expected name %s, got %s", name, p.Name())
		}
	}
}

func TestResolveLimits(t *testing.T) {
	p, err := Provider(Config{Provider: "openai", APIKey: "k", RPM: 60, TPM: 90000, MaxContext: 128000})
	if err != nil {
		t.Fatal(err)
	}
	l := p.Limits()
	if l.RPM != 60 || l.TPM != 90000 || l.MaxContext != 128000 {
		t.Errorf("limits lost: %+v", l)
	}
	if !l.AcceptsTemperature || !l.StreamsToolCalls {
		t.Errorf("unexpected capability defaults: %+v", l)
	}
}

func TestResolveNoTemperature(t *testing.T) {
	p, _ := Provider(Config{Provider: "openai", APIKey: "k", NoTemperature: true})
	if p.Limits().AcceptsTemperature {
		t.Error("NoTemperature should clear AcceptsTemperature")
	}
}

func TestResolveOllamaDoesNotStreamToolCalls(t *testing.T) {
	p, _ := Provider(Config{Provider: "ollama"})
	if p.Limits().StreamsToolCalls {
		t.Error("ollama must not advertise streamed tool calls")
	}
}

func TestResolveUnknownProvider(t *testing.T) {
	if _, err := Provider(Config{Provider: "nope"}); err == nil || !strings.Contains(err.Error(), "unknown provider") {
		t.Errorf("expected unknown provider error, got %v", err)
	}

	// An unknown name with an explicit base URL is a custom compat endpoint.
	p, err := Provider(Config{Provider: "localai", BaseURL: "http://localhost:8080/v1"})
	if err != nil {
		t.Fatal(err)
	}
	if p.Name() != "localai" {
		t.Errorf("expected custom name, got %s", p.Name())
	}
}
