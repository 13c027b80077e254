package event

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ArtifactRef is a content-addressed reference to a stored artifact.
// The bytes live in the artifact store; events and bundles carry only this.
type ArtifactRef struct {
	SHA256 string `json:"sha256"`
	Kind   string `json:"kind"`
	URI    string `json:"uri"`
	Size   int64  `json:"size"`
}

// Bundle is the wire format workers post to POST /v1/events/ingest.
// Hashes may be absent on inbound events; the journal re-derives them.
type Bundle struct {
	Target    string        `json:"target"`
	BundleID  string        `json:"bundle_id"`
	Events    []Event       `json:"events"`
	Artifacts []ArtifactRef `json:"artifacts"`
}

// DecodeBundle parses a wire bundle. Payload numbers are decoded as
// json.Number so canonical re-hashing reproduces the sender's bytes.
func DecodeBundle(data []byte) (*Bundle, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var b Bundle
	if err := dec.Decode(&b); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	if b.Target == "" {
		return nil, fmt.Errorf("bundle missing target")
	}
	if b.BundleID == "" {
		return nil, fmt.Errorf("bundle missing bundle_id")
	}
	return &b, nil
}
