package lease

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrChecksumMismatch is returned by VerifyArtifact for a tampered document.
var ErrChecksumMismatch = errors.New("artifact checksum mismatch")

// artifactBody is the checksummed part of the document. Field order is the
// canonical serialization order.
type artifactBody struct {
	Inputs       Inputs      `json:"inputs"`
	Calculations Calculation `json:"calculations"`
	Outputs      Outputs     `json:"outputs"`
}

type artifactDocument struct {
	Inputs       Inputs      `json:"inputs"`
	Calculations Calculation `json:"calculations"`
	Outputs      Outputs     `json:"outputs"`
	Checksum     string      `json:"checksum"`
}

// rawArtifact reads a stored document without decoding the union.
type rawArtifact struct {
	Inputs       json.RawMessage `json:"inputs"`
	Calculations json.RawMessage `json:"calculations"`
	Outputs      json.RawMessage `json:"outputs"`
	Checksum     string          `json:"checksum,omitempty"`
}

// Checksum returns the lowercase hex SHA-256 of the canonical JSON of
// {inputs, calculations, outputs}.
func (r *Remeasurement) Checksum() (string, error) {
	body, err := json.Marshal(artifactBody{
		Inputs:       r.Inputs,
		Calculations: r.Calculation,
		Outputs:      r.Outputs,
	})
	if err != nil {
		return "", fmt.Errorf("marshal artifact: %w", err)
	}
	return digest(body), nil
}

// Document returns the artifact JSON with its checksum.
func (r *Remeasurement) Document() ([]byte, string, error) {
	sum, err := r.Checksum()
	if err != nil {
		return nil, "", err
	}
	doc, err := json.Marshal(artifactDocument{
		Inputs:       r.Inputs,
		Calculations: r.Calculation,
		Outputs:      r.Outputs,
		Checksum:     sum,
	})
	if err != nil {
		return nil, "", fmt.Errorf("marshal artifact: %w", err)
	}
	return doc, sum, nil
}

// VerifyArtifact recomputes the checksum of a stored document.
func VerifyArtifact(doc []byte) error {
	var raw rawArtifact
	if err := json.Unmarshal(doc, &raw); err != nil {
		return fmt.Errorf("decode artifact: %w", err)
	}
	body, err := json.Marshal(rawArtifact{
		Inputs:       raw.Inputs,
		Calculations: raw.Calculations,
		Outputs:      raw.Outputs,
	})
	if err != nil {
		return fmt.Errorf("encode artifact: %w", err)
	}
	if got := digest(body); got != raw.Checksum {
		return fmt.Errorf("%w: stored %s, computed %s", ErrChecksumMismatch, raw.Checksum, got)
	}
	return nil
}

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
