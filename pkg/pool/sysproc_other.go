// +build !linux

package pool

import "syscall"

func sysProcAttr() *syscall.SysProcAttr {
	return nil
}
