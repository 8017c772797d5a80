package oauth

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/dayflowhq/dayflow-sync/internal/crypto"
	"github.com/dayflowhq/dayflow-sync/internal/db"
	"github.com/dayflowhq/dayflow-sync/internal/integration"
)

const testEncryptionKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func setupManagerTest(t *testing.T) (*Manager, *db.DB) {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	encryptor, err := crypto.NewEncryptor(testEncryptionKey)
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}

	manager := NewManager(database, encryptor, integration.NewRegistry(), nil, nil, nil)
	return manager, database
}

func TestCallbackRejectsUnknownState(t *testing.T) {
	manager, _ := setupManagerTest(t)

	_, err := manager.HandleCallback(context.Background(), "no-such-state", "code")
	if err == nil {
		t.Fatal("expected error for unknown state")
	}
	if !integration.IsKind(err, integration.KindValidation) {
		t.Errorf("expected validation error kind, got %v", err)
	}
}

func TestCallbackConsumesState(t *testing.T) {
	manager, database := setupManagerTest(t)

	record := &db.OAuthState{State: "state-1", Service: "fake", UserID: "user-1"}
	if err := database.CreateOAuthState(record); err != nil {
		t.Fatalf("CreateOAuthState: %v", err)
	}

	// The registry has no such service, so the callback fails after the
	// state is consumed.
	if _, err := manager.HandleCallback(context.Background(), "state-1", "code"); err == nil {
		t.Fatal("expected error for unregistered service")
	}

	// A replay of the same state must now fail validation.
	_, err := manager.HandleCallback(context.Background(), "state-1", "code")
	if !integration.IsKind(err, integration.KindValidation) {
		t.Errorf("expected validation error on replayed state, got %v", err)
	}
}
