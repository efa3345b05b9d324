package cluster

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ErrMissingDependency is returned by CheckStartup when the launch command
// cannot be found.
var ErrMissingDependency = errors.New("missing dependency")

// checkLaunchCommand resolves the executable of the launch command. A
// relative path such as ./start.sh lives in each node's payload and can
// only be checked at launch time, so it passes here.
func checkLaunchCommand(argv []string) error {
	if len(argv) == 0 || argv[0] == "" {
		return fmt.Errorf("%w: empty launch command", ErrMissingDependency)
	}
	name := argv[0]
	switch {
	case filepath.IsAbs(name):
		info, err := os.Stat(name)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrMissingDependency, err)
		}
		if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
			return fmt.Errorf("%w: %s is not executable", ErrMissingDependency, name)
		}
		return nil
	case strings.ContainsRune(name, filepath.Separator):
		return nil
	default:
		if _, err := exec.LookPath(name); err != nil {
			return fmt.Errorf("%w: %w", ErrMissingDependency, err)
		}
		return nil
	}
}
