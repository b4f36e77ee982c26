// +build !linux

package worker

import "syscall"

func sysProcAttr(isolation bool) *syscall.SysProcAttr {
	return nil
}
