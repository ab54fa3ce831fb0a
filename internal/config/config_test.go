package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.LLM.MaxAttempts != 3 || cfg.LLM.InitialBackoffMS != 1000 || cfg.LLM.TimeoutMS != 30000 {
		t.Fatalf("unexpected llm retry defaults: %+v", cfg.LLM)
	}
	if cfg.Conversion.TimeoutMS != 30000 {
		t.Fatalf("expected 30s conversion timeout, got %d", cfg.Conversion.TimeoutMS)
	}
	if cfg.Playback.PollIntervalMS != 100 {
		t.Fatalf("expected 100ms poll interval, got %d", cfg.Playback.PollIntervalMS)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VOICEBRIDGE_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("VOICEBRIDGE_BUS_USERNAME", "alice")
	t.Setenv("VOICEBRIDGE_BUS_PASSWORD", "secret")
	t.Setenv("VOICEBRIDGE_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("VOICEBRIDGE_NODE_ID", "test-node")
	t.Setenv("VOICEBRIDGE_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("VOICEBRIDGE_ENABLE_VOICE_CONVERSION", "true")
	t.Setenv("VOICEBRIDGE_CONVERSION_API_ENABLED", "true")
	t.Setenv("VOICEBRIDGE_CONVERSION_API_URL", "http://rvc:7860")
	t.Setenv("VOICEBRIDGE_DEFAULT_VOICE_MODEL", "lucia")
	t.Setenv("VOICEBRIDGE_STT_SECONDARY_MODE", "http")
	t.Setenv("VOICEBRIDGE_STT_SECONDARY_ENDPOINT", "http://asr:9000/recognize")
	t.Setenv("VOICEBRIDGE_LLM_TEMPERATURE", "0.2")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.Node.ID != "test-node" {
		t.Fatalf("expected node id override")
	}
	if cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store retention mode override")
	}
	if !cfg.Conversion.EnableVoiceConversion || !cfg.Conversion.APIEnabled {
		t.Fatalf("expected conversion flags override")
	}
	if cfg.Conversion.APIURL != "http://rvc:7860" || cfg.Conversion.DefaultVoiceModel != "lucia" {
		t.Fatalf("unexpected conversion override: %+v", cfg.Conversion)
	}
	if cfg.STT.Secondary.Mode != "http" || cfg.STT.Secondary.Endpoint != "http://asr:9000/recognize" {
		t.Fatalf("unexpected secondary recognizer: %+v", cfg.STT.Secondary)
	}
	if cfg.LLM.Temperature != 0.2 {
		t.Fatalf("expected temperature override, got %v", cfg.LLM.Temperature)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voicebridge.yaml")
	data := []byte(`
llm:
  mode: ollama
  model: llama3.2:latest
tts:
  mode: exec
  command: edge-tts
conversion:
  enable_voice_conversion: true
  model_directory: /srv/rvc
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LLM.Mode != "ollama" || cfg.LLM.Model != "llama3.2:latest" {
		t.Fatalf("unexpected llm config: %+v", cfg.LLM)
	}
	if cfg.LLM.Endpoint != "http://localhost:11434" {
		t.Fatalf("expected default endpoint to survive partial file, got %q", cfg.LLM.Endpoint)
	}
	if !cfg.Conversion.EnableVoiceConversion || cfg.Conversion.ModelDirectory != "/srv/rvc" {
		t.Fatalf("unexpected conversion config: %+v", cfg.Conversion)
	}
}

func TestValidateRejectsBadModes(t *testing.T) {
	t.Setenv("VOICEBRIDGE_STT_PRIMARY_MODE", "exec")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for exec recognizer without command")
	}
}

func TestValidateRejectsMissingConversionURL(t *testing.T) {
	cfg := Default()
	cfg.Conversion.APIEnabled = true
	cfg.Conversion.APIURL = ""
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for missing api url")
	}
}
