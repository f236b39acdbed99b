//go:build windows
// +build windows

package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"
	"unsafe"
)

var (
	kernel32                = syscall.NewLazyDLL("kernel32.dll")
	procOpenProcess         = kernel32.NewProc("OpenProcess")
	procCloseHandle         = kernel32.NewProc("CloseHandle")
	procLockFileEx          = kernel32.NewProc("LockFileEx")
	processQueryLimitedInfo = uint32(0x1000)
)

const (
	lockfileExclusiveLock   = 0x00000002
	lockfileFailImmediately = 0x00000001
)

// IsProcessRunning checks process existence via OpenProcess with
// PROCESS_QUERY_LIMITED_INFORMATION.
func IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	handle, _, _ := procOpenProcess.Call(
		uintptr(processQueryLimitedInfo),
		uintptr(0),
		uintptr(pid),
	)
	if handle == 0 {
		return false
	}
	procCloseHandle.Call(handle)
	return true
}

// lockFile acquires a non-blocking exclusive lock via LockFileEx.
func lockFile(f *os.File) error {
	var overlapped syscall.Overlapped
	ret, _, err := procLockFileEx.Call(
		f.Fd(),
		uintptr(lockfileExclusiveLock|lockfileFailImmediately),
		0,
		1,
		0,
		uintptr(unsafe.Pointer(&overlapped)),
	)
	if ret == 0 {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	return nil
}

// sysProcAttr needs no special attributes on Windows.
func sysProcAttr() *syscall.SysProcAttr {
	return nil
}

// livenessCheck polls IsProcessRunning since ExtraFiles pipes aren't
// available on Windows and there are no zombie processes to worry about.
type livenessCheck struct{}

func newLivenessCheck() (*livenessCheck, error) {
	return &livenessCheck{}, nil
}

func (l *livenessCheck) configureCmd(cmd *exec.Cmd) {}

func (l *livenessCheck) start(pid int) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		for {
			time.Sleep(250 * time.Millisecond)
			if !IsProcessRunning(pid) {
				close(ch)
				return
			}
		}
	}()
	return ch
}

func (l *livenessCheck) cleanup() {}

const (
	stopFilePrefix   = "csyncd-stop-"
	stopPollInterval = 500 * time.Millisecond
)

func stopFilePath(pid int) (string, error) {
	logDir, err := GetDefaultLogDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(logDir, fmt.Sprintf("%s%d", stopFilePrefix, pid)), nil
}

// StopProcess writes a sentinel stop file the daemon polls for,
// avoiding os.Interrupt which doesn't cross consoles reliably on
// Windows.
func StopProcess(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid PID: %d", pid)
	}
	if !IsProcessRunning(pid) {
		return fmt.Errorf("process %d is not running", pid)
	}
	path, err := stopFilePath(pid)
	if err != nil {
		return fmt.Errorf("failed to determine stop file path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", pid)), 0600)
}

// StopChannel polls for a stop file targeting the current process and
// closes the returned channel when one appears, cleaning up any stale
// stop file left by a previous run that reused this PID.
func StopChannel() <-chan struct{} {
	ch := make(chan struct{})
	pid := os.Getpid()

	path, err := stopFilePath(pid)
	if err != nil {
		return ch
	}
	_ = os.Remove(path)

	go func() {
		for {
			time.Sleep(stopPollInterval)
			if _, err := os.Stat(path); err == nil {
				_ = os.Remove(path)
				close(ch)
				return
			}
		}
	}()
	return ch
}
