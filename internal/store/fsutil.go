package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"repcoach/server/internal/fitness"
)

// writeJSONAtomic writes through a temp file in the same directory and
// renames it into place so readers never observe a partial file.
func writeJSONAtomic(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func readJSON(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

func decodeEntity(doc []byte) (fitness.Entity, error) {
	var entity fitness.Entity
	if err := json.Unmarshal(doc, &entity); err != nil {
		return fitness.Entity{}, fmt.Errorf("decode remote document: %w", err)
	}
	if entity.Kind == "" || entity.ID == "" {
		return fitness.Entity{}, fmt.Errorf("remote document missing kind or id")
	}
	return entity, nil
}
