package overlay

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
)

const (
	identityFileName = "identity.key"
	peerCacheName    = "peers.json"
	logsDirName      = "logs"
)

// getDataDir returns the node's data directory, defaulting to ~/.unada.
func getDataDir(baseDir string) (string, error) {
	if baseDir != "" {
		return baseDir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".unada"), nil
}

func peerCachePath(dataDir string) string {
	return filepath.Join(dataDir, peerCacheName)
}

// SaveIdentity saves the private key to the data directory.
func SaveIdentity(key crypto.PrivKey, baseDir string) error {
	dataDir, err := getDataDir(baseDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return err
	}
	keyBytes, err := crypto.MarshalPrivateKey(key)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dataDir, identityFileName), keyBytes, 0600)
}

// LoadIdentity loads the private key from the data directory. If the key
// doesn't exist, it generates a new one and saves it.
func LoadIdentity(baseDir string) (crypto.PrivKey, error) {
	dataDir, err := getDataDir(baseDir)
	if err != nil {
		return nil, err
	}
	keyBytes, err := os.ReadFile(filepath.Join(dataDir, identityFileName))
	if err != nil {
		if os.IsNotExist(err) {
			privKey, _, err := crypto.GenerateEd25519Key(nil)
			if err != nil {
				return nil, err
			}
			if err := SaveIdentity(privKey, baseDir); err != nil {
				return nil, err
			}
			return privKey, nil
		}
		return nil, err
	}
	return crypto.UnmarshalPrivateKey(keyBytes)
}

// Event is one line of the transfer history.
type Event struct {
	Time      time.Time `json:"time"`
	Kind      string    `json:"kind"`
	ContentID int64     `json:"content_id"`
	Peer      string    `json:"peer"`
	Outcome   string    `json:"outcome"`
	Bytes     int64     `json:"bytes,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// LogEvent appends ev to the named log under the data directory.
func LogEvent(logID string, ev Event, baseDir string) error {
	dataDir, err := getDataDir(baseDir)
	if err != nil {
		return err
	}
	logsDir := filepath.Join(dataDir, logsDirName)
	if err := os.MkdirAll(logsDir, 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logsDir, logID+".jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	line, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append %s log: %w", logID, err)
	}
	return nil
}

// LoadRecentEvents returns the last count events of the named log.
func LoadRecentEvents(logID string, count int, baseDir string) ([]Event, error) {
	dataDir, err := getDataDir(baseDir)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(filepath.Join(dataDir, logsDirName, logID+".jsonl"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var events []Event
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err == nil {
			events = append(events, ev)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if count > 0 && len(events) > count {
		return events[len(events)-count:], nil
	}
	return events, nil
}
