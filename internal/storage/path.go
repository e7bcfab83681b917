package storage

import (
	"fmt"
	"path"
	"regexp"
)

var (
	pathComponentPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)
	fingerprintPattern   = regexp.MustCompile(`^[0-9a-f]{16,64}$`)
)

// BuildKnowledgeSnapshotPath returns the object key of the snapshot for one knowledge fingerprint.
func BuildKnowledgeSnapshotPath(namespace, fingerprint string) (string, error) {
	if namespace == "" {
		namespace = "default"
	}
	if err := validatePathComponent(namespace, "namespace"); err != nil {
		return "", err
	}
	if !fingerprintPattern.MatchString(fingerprint) {
		return "", fmt.Errorf("invalid fingerprint: %q", fingerprint)
	}
	return path.Join("knowledge", namespace, "snapshot-"+fingerprint+".parquet"), nil
}

func validatePathComponent(value, field string) error {
	if !pathComponentPattern.MatchString(value) {
		return fmt.Errorf("invalid %s: %q", field, value)
	}
	return nil
}
