// +build linux

package pool

import "syscall"

// instances drain and exit with their supervisor
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Pdeathsig: syscall.SIGTERM,
	}
}
