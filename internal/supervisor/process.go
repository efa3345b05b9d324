package supervisor

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/c9s/goprocinfo/linux"
	"golang.org/x/sys/unix"
)

const (
	// clockTicks is USER_HZ, the unit of the start time in /proc/<pid>/stat.
	clockTicks = 100

	// startTimeSlack absorbs the one-second resolution of the boot time and
	// the gap between fork and the PID record being written.
	startTimeSlack = 2 * time.Second

	exitPollInterval = 50 * time.Millisecond
)

var errProcessGone = errors.New("process is not alive")

// processTable is the slice of the OS process API the supervisor uses.
type processTable interface {
	alive(pid int) bool
	groupAlive(pgid int) bool
	startTime(pid int) (time.Time, bool)
	terminate(pid int) error
	kill(pid int) error
}

type osProcessTable struct{}

// detachedAttr puts the child in its own process group so terminal signals
// aimed at the supervisor do not reach it, and so the whole group can be
// signaled on stop.
func detachedAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

func (osProcessTable) alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if err := unix.Kill(pid, 0); err != nil && !errors.Is(err, unix.EPERM) {
		return false
	}
	stat, err := linux.ReadProcessStat(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		// No procfs: signal 0 is all we have.
		return true
	}
	return stat.State != "Z" && stat.State != "X"
}

// groupAlive reports whether any non-zombie process is left in the group
// pgid. The group outlives its leader when the launch command forks and
// exits, and Linux does not hand out a PID that is still a live group ID.
func (osProcessTable) groupAlive(pgid int) bool {
	if pgid <= 0 {
		return false
	}
	if err := unix.Kill(-pgid, 0); err != nil && !errors.Is(err, unix.EPERM) {
		return false
	}
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return true
	}
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		stat, err := linux.ReadProcessStat(fmt.Sprintf("/proc/%d/stat", pid))
		if err != nil {
			continue
		}
		if int(stat.Pgrp) == pgid && stat.State != "Z" && stat.State != "X" {
			return true
		}
	}
	return false
}

func (osProcessTable) startTime(pid int) (time.Time, bool) {
	stat, err := linux.ReadProcessStat(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return time.Time{}, false
	}
	sys, err := linux.ReadStat("/proc/stat")
	if err != nil || sys.BootTime.IsZero() {
		return time.Time{}, false
	}
	offset := time.Duration(stat.Starttime) * (time.Second / clockTicks)
	return sys.BootTime.Add(offset), true
}

// terminate sends SIGTERM to the process group led by pid, falling back to
// the process alone when pid does not lead a group (a record written by
// another tool).
func (osProcessTable) terminate(pid int) error {
	return signalGroup(pid, unix.SIGTERM)
}

func (osProcessTable) kill(pid int) error {
	return signalGroup(pid, unix.SIGKILL)
}

func signalGroup(pid int, sig unix.Signal) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	if err := unix.Kill(-pid, sig); err == nil {
		return nil
	}
	return unix.Kill(pid, sig)
}
