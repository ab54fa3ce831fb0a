package capability

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/voicebridge/internal/bus"
	"github.com/loqalabs/voicebridge/internal/config"
	"github.com/loqalabs/voicebridge/internal/natsserver"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.STT.Primary = config.RecognizerConfig{Mode: "exec", Command: "whisper-cli", Language: "en"}
	cfg.STT.Secondary = config.RecognizerConfig{Mode: "http", Endpoint: "http://stt.local/transcribe"}
	cfg.LLM.Mode = "ollama"
	cfg.TTS.Mode = "exec"
	cfg.Conversion.EnableVoiceConversion = true
	cfg.Conversion.APIEnabled = true
	cfg.Node.Capabilities = []config.NodeCapability{{Name: "gpu", Tier: "local"}}

	caps := FromConfig(cfg)
	got := names(caps)
	if got != "stt.local,stt.remote,llm.ollama,tts.exec,conversion.remote,gpu" {
		t.Fatalf("unexpected capabilities %s", got)
	}
	if caps[1].Attributes["endpoint"] != "http://stt.local/transcribe" {
		t.Fatalf("remote recognizer endpoint missing: %+v", caps[1])
	}
	if caps[2].Attributes["model"] != "mistral" {
		t.Fatalf("llm model missing: %+v", caps[2])
	}

	cfg.STT.Secondary.Mode = "disabled"
	cfg.Conversion.APIEnabled = false
	if got := names(FromConfig(cfg)); got != "stt.local,llm.ollama,tts.exec,gpu" {
		t.Fatalf("unexpected capabilities %s", got)
	}
}

func TestRegistryTracksPeers(t *testing.T) {
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Host: "127.0.0.1", Port: -1}, testLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, testLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	nodeCfg := config.NodeConfig{ID: "voice-a", Role: "voice", HeartbeatInterval: 50, HeartbeatTimeout: 200}
	reg, err := NewRegistry(context.Background(), nodeCfg, []Capability{{Name: "llm.ollama"}}, client, testLogger())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(reg.Close)
	if !reg.Healthy() {
		t.Fatalf("local node should be healthy after announcing")
	}

	if err := client.PublishJSON(SubjectAnnounce, announceMessage{NodeID: "voice-b", Role: "voice", Capabilities: []Capability{{Name: "stt.remote"}}}); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(reg.Query(WithCapabilityFilter("stt.remote"))) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("peer announcement not observed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	nodes := reg.Query(nil)
	if len(nodes) != 2 || nodes[0].ID != "voice-a" || nodes[1].ID != "voice-b" {
		t.Fatalf("unexpected nodes %+v", nodes)
	}

	reg.evaluateHealth(time.Now().Add(time.Second))
	peers := reg.Query(WithCapabilityFilter("stt.remote"))
	if len(peers) != 1 || peers[0].Healthy {
		t.Fatalf("silent peer should be unhealthy: %+v", peers)
	}
	if counts := reg.capabilityCounts(); counts["stt.remote"] != 0 {
		t.Fatalf("unhealthy peers must not be counted: %v", counts)
	}
}
