package persistence

import (
	"encoding/json"
	"testing"

	"github.com/meshrun/meshd/internal/model"
)

func TestExportClearAllImportRoundTrip(t *testing.T) {
	layer, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer layer.Close()

	if err := layer.SaveSettings(map[string]any{"theme": "dark"}); err != nil {
		t.Fatalf("SaveSettings: %v", err)
	}
	rec := AgentRecord{ID: "main", Config: model.AgentConfig{ID: "main", Provider: "anthropic"}, Metadata: map[string]any{"pinned": true}}
	if err := layer.SaveAgent(rec); err != nil {
		t.Fatalf("SaveAgent: %v", err)
	}
	msg := model.Message{Role: model.RoleUser, Content: []model.ContentBlock{{Type: model.BlockText, Text: "hello"}}}
	if err := layer.AppendConversationEntry("main", msg); err != nil {
		t.Fatalf("AppendConversationEntry: %v", err)
	}
	if err := layer.SaveAgentRegistry(json.RawMessage(`{"main":{"state":"running"}}`)); err != nil {
		t.Fatalf("SaveAgentRegistry: %v", err)
	}

	exported, err := layer.ExportData()
	if err != nil {
		t.Fatalf("ExportData: %v", err)
	}

	if err := layer.ClearAll(); err != nil {
		t.Fatalf("ClearAll: %v", err)
	}

	settings, err := layer.GetSettings()
	if err != nil {
		t.Fatalf("GetSettings after clear: %v", err)
	}
	if len(settings) != 0 {
		t.Fatalf("GetSettings after clear = %v, want empty", settings)
	}
	agents, err := layer.ListAgents()
	if err != nil {
		t.Fatalf("ListAgents after clear: %v", err)
	}
	if len(agents) != 0 {
		t.Fatalf("ListAgents after clear = %v, want empty", agents)
	}

	if err := layer.ImportData(exported); err != nil {
		t.Fatalf("ImportData: %v", err)
	}

	settings, err = layer.GetSettings()
	if err != nil {
		t.Fatalf("GetSettings after import: %v", err)
	}
	if settings["theme"] != "dark" {
		t.Fatalf("GetSettings after import = %v, want theme=dark", settings)
	}

	restored, err := layer.LoadAgent("main")
	if err != nil {
		t.Fatalf("LoadAgent after import: %v", err)
	}
	if restored.Config.Provider != "anthropic" {
		t.Fatalf("restored agent provider = %q, want anthropic", restored.Config.Provider)
	}

	msgs, err := layer.LoadConversation("main")
	if err != nil {
		t.Fatalf("LoadConversation after import: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content[0].Text != "hello" {
		t.Fatalf("LoadConversation after import = %+v, want one hello message", msgs)
	}

	registry, err := layer.LoadAgentRegistry()
	if err != nil {
		t.Fatalf("LoadAgentRegistry after import: %v", err)
	}
	if string(registry) == "" {
		t.Fatal("LoadAgentRegistry after import returned empty snapshot")
	}
}

func TestUpdateAgentMetadataMergesWithoutReplacing(t *testing.T) {
	layer, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer layer.Close()

	rec := AgentRecord{ID: "main", Metadata: map[string]any{"a": 1}}
	if err := layer.SaveAgent(rec); err != nil {
		t.Fatalf("SaveAgent: %v", err)
	}
	if err := layer.UpdateAgentMetadata("main", map[string]any{"b": 2}); err != nil {
		t.Fatalf("UpdateAgentMetadata: %v", err)
	}

	got, err := layer.LoadAgent("main")
	if err != nil {
		t.Fatalf("LoadAgent: %v", err)
	}
	if got.Metadata["a"] != 1 || got.Metadata["b"] != 2 {
		t.Fatalf("Metadata = %+v, want both a and b present", got.Metadata)
	}
}

func TestDeleteAgentRemovesConversation(t *testing.T) {
	layer, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer layer.Close()

	if err := layer.SaveAgent(AgentRecord{ID: "main"}); err != nil {
		t.Fatalf("SaveAgent: %v", err)
	}
	if err := layer.AppendConversationEntry("main", model.Message{Role: model.RoleUser}); err != nil {
		t.Fatalf("AppendConversationEntry: %v", err)
	}

	if err := layer.DeleteAgent("main"); err != nil {
		t.Fatalf("DeleteAgent: %v", err)
	}

	if _, err := layer.LoadAgent("main"); err == nil {
		t.Fatal("LoadAgent after delete should fail")
	}
	msgs, err := layer.LoadConversation("main")
	if err != nil {
		t.Fatalf("LoadConversation after delete: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("LoadConversation after delete = %+v, want empty", msgs)
	}
}
