package helper

import (
	"os"
	"path/filepath"
)

// SystemConfigDir is the last place a config file is looked up
const SystemConfigDir = "/etc/polyroom"

// GetCfgPath returns the path to the configuration file.
//
// Priority:
// 1. If filename is an absolute path, return it directly.
// 2. Check ./{filename} and ./configs/{filename}
// 3. Check $XDG_CONFIG_HOME/polyroom/{filename} (or ~/.config/polyroom)
// 4. Otherwise, fallback to /etc/polyroom/{filename}
func GetCfgPath(filename string) string {
	if filename == "" {
		panic("filename cannot be empty")
	}

	if filepath.IsAbs(filename) {
		return filename
	}

	for _, dir := range candidateDirs() {
		candidate := filepath.Join(dir, filename)
		if _, err := os.Stat(candidate); err != nil {
			continue
		}
		if abs, err := filepath.Abs(candidate); err == nil {
			return abs
		}
	}

	return filepath.Join(SystemConfigDir, filename)
}

func candidateDirs() []string {
	var dirs []string
	if cwd, err := os.Getwd(); err == nil && cwd != "" {
		dirs = append(dirs, cwd, filepath.Join(cwd, "configs"))
	}
	if userDir, err := os.UserConfigDir(); err == nil && userDir != "" {
		dirs = append(dirs, filepath.Join(userDir, "polyroom"))
	}
	return dirs
}
