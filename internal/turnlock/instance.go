package turnlock

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// InstanceLockName is the file created in the state directory by AcquireInstance.
const InstanceLockName = "dialogpipe.lock"

// Instance is an exclusive flock on a state directory. The kernel drops it when
// the process exits, even on a crash.
type Instance struct {
	file *os.File
	path string
}

// InstanceError reports that another process already holds the state directory.
type InstanceError struct {
	LockPath string
	Holder   string
	Cause    error
}

func (e *InstanceError) Error() string {
	msg := fmt.Sprintf("another DialogPipe instance is using this state directory (lock file: %s)", e.LockPath)
	if e.Holder != "" {
		msg += ", holder: " + e.Holder
	}
	return msg + ". Local conversation locks only cover one process; configure redis to run several instances"
}

func (e *InstanceError) Unwrap() error {
	return e.Cause
}

// AcquireInstance locks stateDir for this process. It is needed whenever turns
// are serialized by Local, because a second process would not see those locks.
func AcquireInstance(stateDir string) (*Instance, error) {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}
	path := filepath.Join(stateDir, InstanceLockName)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		holder := describeHolder(path)
		slog.Error("turnlock.AcquireInstance: state directory is locked", "lock_path", path, "holder", holder)
		return nil, &InstanceError{LockPath: path, Holder: holder, Cause: err}
	}
	if err := file.Truncate(0); err == nil {
		_, err = file.WriteString(fmt.Sprintf("pid=%d\n", os.Getpid()))
		if err != nil {
			slog.Warn("turnlock.AcquireInstance: could not record pid", "lock_path", path, "error", err)
		}
	}
	slog.Info("turnlock.AcquireInstance: state directory locked", "lock_path", path, "pid", os.Getpid())
	return &Instance{file: file, path: path}, nil
}

// Release drops the lock. It is safe to call more than once.
func (i *Instance) Release() error {
	if i == nil || i.file == nil {
		return nil
	}
	if err := syscall.Flock(int(i.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Error("Instance.Release: unlock failed", "lock_path", i.path, "error", err)
	}
	err := i.file.Close()
	i.file = nil
	if rmErr := os.Remove(i.path); rmErr != nil && !os.IsNotExist(rmErr) {
		slog.Warn("Instance.Release: could not remove lock file", "lock_path", i.path, "error", rmErr)
	}
	slog.Info("Instance.Release: state directory unlocked", "lock_path", i.path)
	return err
}

func describeHolder(path string) string {
	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		return ""
	}
	content := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(strings.TrimPrefix(content, "pid="))
	if err != nil || pid <= 0 {
		return content
	}
	if proc, err := os.FindProcess(pid); err == nil && proc.Signal(syscall.Signal(0)) == nil {
		return fmt.Sprintf("PID %d (running)", pid)
	}
	return fmt.Sprintf("PID %d (not running)", pid)
}
