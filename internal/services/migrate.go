package services

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MegaGrindStone/companion-chat/internal/models"
)

// CurrentSnapshotVersion is the schema version SaveSnapshot writes.
const CurrentSnapshotVersion = 4

// ErrUnsupportedSnapshotVersion is returned for snapshots written by an unknown schema version.
var ErrUnsupportedSnapshotVersion = errors.New("unsupported snapshot version")

type migrationStep func(doc map[string]any) error

// migrationSteps[i] upgrades a version i snapshot to version i+1.
var migrationSteps = []migrationStep{
	addChatConfig,
	addTitleSet,
	addCompanion,
	addTokenUsage,
}

// Migrate upgrades a decoded snapshot from version from to CurrentSnapshotVersion by running every
// step in between in order. The document is modified in place and returned.
func Migrate(doc map[string]any, from int) (map[string]any, error) {
	if from < 0 || from > CurrentSnapshotVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedSnapshotVersion, from)
	}
	for v := from; v < CurrentSnapshotVersion; v++ {
		if err := migrationSteps[v](doc); err != nil {
			return nil, fmt.Errorf("failed to migrate snapshot from version %d: %w", v, err)
		}
	}
	return doc, nil
}

func chats(doc map[string]any) []map[string]any {
	list, _ := doc["chats"].([]any)
	res := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if chat, ok := item.(map[string]any); ok {
			res = append(res, chat)
		}
	}
	return res
}

func addChatConfig(doc map[string]any) error {
	b, err := json.Marshal(models.DefaultChatConfig())
	if err != nil {
		return err
	}
	for _, chat := range chats(doc) {
		if _, ok := chat["config"]; ok {
			continue
		}
		var cfg map[string]any
		if err := json.Unmarshal(b, &cfg); err != nil {
			return err
		}
		chat["config"] = cfg
	}
	return nil
}

func addTitleSet(doc map[string]any) error {
	for _, chat := range chats(doc) {
		if _, ok := chat["titleSet"]; ok {
			continue
		}
		title, _ := chat["title"].(string)
		chat["titleSet"] = title != "" && !models.IsPlaceholderTitle(title)
	}
	return nil
}

func addCompanion(doc map[string]any) error {
	for _, chat := range chats(doc) {
		if _, ok := chat["companion"]; ok {
			continue
		}
		companion := models.CompanionChatGPT
		title, _ := chat["title"].(string)
		for _, c := range models.Companions {
			if title == string(c) {
				companion = c
			}
		}
		chat["companion"] = string(companion)
	}
	return nil
}

func addTokenUsage(doc map[string]any) error {
	if _, ok := doc["totalTokenUsed"]; !ok {
		doc["totalTokenUsed"] = map[string]any{}
	}
	if _, ok := doc["countTotalTokens"]; !ok {
		doc["countTotalTokens"] = false
	}
	return nil
}
