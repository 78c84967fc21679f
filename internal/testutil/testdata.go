package testutil

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
)

// LoadJSON reads a fixture from internal/testutil/testdata as a generic map,
// the shape connectors receive their config in. If target is provided the
// fixture is also decoded into it.
func LoadJSON(filename string, target ...any) (map[string]any, error) {
	_, currentFile, _, _ := runtime.Caller(0)
	data, err := os.ReadFile(filepath.Join(filepath.Dir(currentFile), "testdata", filename))
	if err != nil {
		return nil, err
	}

	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}

	if len(target) > 0 && target[0] != nil {
		if err := json.Unmarshal(data, target[0]); err != nil {
			return nil, err
		}
	}

	return result, nil
}
