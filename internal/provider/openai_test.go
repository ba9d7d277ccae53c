package provider

import "testing"

func TestNewOpenAICompleter_DefaultModel(t *testing.T) {
	c := NewOpenAICompleter("key", "")
	if c.model != defaultOpenAIModel {
		t.Errorf("model = %q, want %q", c.model, defaultOpenAIModel)
	}
}

func TestNewOpenAICompleter_CustomModel(t *testing.T) {
	c := NewOpenAICompleter("key", "gpt-4o")
	if c.model != "gpt-4o" {
		t.Errorf("model = %q, want gpt-4o", c.model)
	}
}
