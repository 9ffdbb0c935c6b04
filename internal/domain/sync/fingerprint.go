package sync

import (
	"encoding/hex"
	"encoding/json"

	"golang.org/x/crypto/blake2b"
)

type fingerprintInput struct {
	TerminalID  string         `json:"s"`
	EntityType  string         `json:"t"`
	EntityID    string         `json:"i"`
	Operation   string         `json:"o"`
	SyncVersion int64          `json:"v"`
	Data        map[string]any `json:"d"`
}

// fingerprint отпечаток изменения. Повтор того же изменения тем же терминалом
// с той же базовой версией дает тот же отпечаток (json сортирует ключи map).
// У того же изменения от другого терминала отпечаток другой.
func fingerprint(terminalID string, ch Change) (string, error) {
	raw, err := json.Marshal(fingerprintInput{
		TerminalID:  terminalID,
		EntityType:  string(ch.EntityType),
		EntityID:    ch.EntityID,
		Operation:   string(ch.Operation),
		SyncVersion: ch.SyncVersion,
		Data:        ch.Data,
	})
	if err != nil {
		return "", err
	}

	sum := blake2b.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
