package session

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// latestPlanFile returns the most-recently-modified .md file under the
// agent's plans directory. Best-effort: concurrent plan edits from another
// process can pick an unrelated file, and an empty result is normal when no
// plan was written.
func latestPlanFile(plansDir string) string {
	entries, err := os.ReadDir(plansDir)
	if err != nil {
		return ""
	}
	var newest string
	var newestMod time.Time
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().After(newestMod) {
			newest = filepath.Join(plansDir, entry.Name())
			newestMod = info.ModTime()
		}
	}
	return newest
}

// defaultPlansDir is where the Claude CLI writes plan files.
func defaultPlansDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".claude", "plans")
}
