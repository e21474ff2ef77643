package history

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lianues/buildcopy/pkg/models"
)

func TestStoreRoundTrip(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), DirName))

	conv := models.NewConversation("rename greet")
	conv.Append(models.RoleUser, "rename greet to hello", "full prompt body")
	conv.Append(models.RoleModel, "done", "")
	require.NoError(t, store.Save(conv))

	loaded, err := store.Load(conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, loaded.ID)
	require.Len(t, loaded.Messages, 2)
	assert.Equal(t, "full prompt body", loaded.Messages[0].FullText)
	assert.Equal(t, models.RoleModel, loaded.Messages[1].Role)
}

func TestStoreListNewestFirst(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), DirName))

	older := models.NewConversation("older")
	require.NoError(t, store.Save(older))
	newer := models.NewConversation("newer")
	newer.Append(models.RoleUser, "hi", "")
	require.NoError(t, store.Save(newer))

	summaries, err := store.List()
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, "newer", summaries[0].Title)
	assert.Equal(t, 1, summaries[0].MessageCount)
}

func TestStoreListEmptyDir(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "missing"))
	summaries, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, summaries)
}

func TestStoreDelete(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), DirName))
	conv := models.NewConversation("bye")
	require.NoError(t, store.Save(conv))

	require.NoError(t, store.Delete(conv.ID))
	_, err := store.Load(conv.ID)
	assert.Error(t, err)

	// deleting again is fine
	require.NoError(t, store.Delete(conv.ID))
}

func TestStoreRejectsUnsafeIDs(t *testing.T) {
	store := NewStore(t.TempDir())
	_, err := store.Load("../../etc/passwd")
	assert.Error(t, err)
	assert.Error(t, store.Delete("a/b"))
}

func TestStoreListSkipsCorruptDocuments(t *testing.T) {
	dir := filepath.Join(t.TempDir(), DirName)
	store := NewStore(dir)
	require.NoError(t, store.Save(models.NewConversation("good")))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{broken"), 0o600))

	summaries, err := store.List()
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "good", summaries[0].Title)
}
