package file

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const NameFile = "coordinator.name"

// LoadOrCreateName returns the coordinator name kept in dir, a new random
// name is persisted the first time.
func LoadOrCreateName(dir string) (string, error) {
	path := filepath.Join(dir, NameFile)
	data, err := os.ReadFile(path)
	if err == nil {
		name := strings.TrimSpace(string(data))
		if len(name) == 0 {
			return "", fmt.Errorf("empty coordinator name in %s", path)
		}
		return name, nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}

	if err = os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	name := uuid.NewString()
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return "", err
	}
	if _, err = f.WriteString(name + "\n"); err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", err
	}
	if err = os.Rename(tmp, path); err != nil {
		return "", err
	}
	return name, syncDir(dir)
}
