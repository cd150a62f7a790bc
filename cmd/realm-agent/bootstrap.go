package main

import (
	"encoding/json"
	"fmt"
	"os"
)

// loadBootstrapAddrs reads bootstrap.json from dataDir. A missing file means no configured
// bootstrap peers, not an error.
func loadBootstrapAddrs(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read bootstrap.json: %w", err)
	}
	var addrs []string
	if err := json.Unmarshal(raw, &addrs); err != nil {
		return nil, fmt.Errorf("decode bootstrap.json: %w", err)
	}
	return addrs, nil
}
