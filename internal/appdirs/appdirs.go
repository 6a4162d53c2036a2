package appdirs

import (
	"os"
	"path/filepath"
)

const (
	appDirName = "repcoach"
)

func DataDir() (string, error) {
	if override := os.Getenv("REPCOACH_DATA_DIR"); override != "" {
		return override, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, appDirName), nil
}

func SessionsDir(dataDir string) string {
	return filepath.Join(dataDir, "sessions")
}
