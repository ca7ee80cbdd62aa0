package config

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.dmsync.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".dmsync")
}

// DefaultPath returns the default config file path.
func DefaultPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// ConversationDir returns the per-conversation state directory.
func ConversationDir(id string) string {
	return filepath.Join(BaseDir(), "conversations", id)
}

// LogPath returns the daemon log file path for a conversation.
func LogPath(id string) string {
	return filepath.Join(ConversationDir(id), "logs", "dmsyncd.log")
}

// EnsureConversationDir creates the per-conversation directory tree.
func EnsureConversationDir(id string) error {
	dirs := []string{
		ConversationDir(id),
		filepath.Join(ConversationDir(id), "logs"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
