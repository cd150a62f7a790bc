package jobs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// PolicyDoc is the persisted form of Policy plus the node's operator
// tags.
type PolicyDoc struct {
	AllowNativeExecution bool     `json:"allow_native_execution"`
	AllowEmulation       bool     `json:"allow_emulation"`
	Tags                 []string `json:"tags,omitempty"`
}

// LoadPolicy reads policy.json from dir, defaulting both gates to false
// if the file is absent, then applies
// REALM_ALLOW_NATIVE_EXECUTION / REALM_ALLOW_EMULATION environment
// overrides, which win over the file.
func LoadPolicy(dir string) (PolicyDoc, error) {
	path := filepath.Join(dir, "policy.json")
	var doc PolicyDoc
	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return PolicyDoc{}, fmt.Errorf("jobs: read policy.json: %w", err)
		}
	} else if err := json.Unmarshal(raw, &doc); err != nil {
		return PolicyDoc{}, fmt.Errorf("jobs: decode policy.json: %w", err)
	}

	if v, ok := os.LookupEnv("REALM_ALLOW_NATIVE_EXECUTION"); ok {
		doc.AllowNativeExecution = parseBoolEnv(v)
	}
	if v, ok := os.LookupEnv("REALM_ALLOW_EMULATION"); ok {
		doc.AllowEmulation = parseBoolEnv(v)
	}
	return doc, nil
}

func parseBoolEnv(v string) bool {
	v = strings.TrimSpace(strings.ToLower(v))
	return v == "1" || v == "true"
}

// Policy returns the execution policy gates, discarding tags.
func (d PolicyDoc) Policy() Policy {
	return Policy{AllowNativeExecution: d.AllowNativeExecution, AllowEmulation: d.AllowEmulation}
}
