// +build linux

package worker

import "syscall"

// sysProcAttr makes a worker die with its controller. With isolation it also
// gets new uts, pid and ipc namespaces; unlike a container there is no mount or
// network namespace, and creating them needs CAP_SYS_ADMIN.
func sysProcAttr(isolation bool) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{
		Pdeathsig: syscall.SIGKILL,
	}
	if isolation {
		attr.Cloneflags = syscall.CLONE_NEWUTS | syscall.CLONE_NEWPID | syscall.CLONE_NEWIPC
	}
	return attr
}
