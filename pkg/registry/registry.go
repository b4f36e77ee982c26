package registry

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

// Entry is where a service instance can be reached
type Entry struct {
	Role    string    `json:"role"`
	Slot    int       `json:"slot"`
	Address string    `json:"address"`
	PID     int       `json:"pid"`
	Started time.Time `json:"started"`
}

// Registry publishes service instances so that evolution runs can find them
type Registry interface {
	Register(ctx context.Context, e Entry) error
	Deregister(ctx context.Context, e Entry) error
	List(ctx context.Context, role string) ([]Entry, error)
}

var ErrNoFreePort = errors.New("no free port for host info path")

const maxPortProbes = 64

// HostInfoPath returns the host info file of a supervised instance: slot 0 writes
// to path1, slot 1 to path2 and so on. Unsupervised instances use path as is.
func HostInfoPath(path, pmID string) string {
	if pmID == "" {
		return path
	}
	slot, err := strconv.Atoi(pmID)
	if err != nil {
		return path
	}
	return path + strconv.Itoa(slot+1)
}

// PortForPath derives a stable port from a host info path, so that an instance that
// restarts comes back on the same port when it is still free
func PortForPath(path string) (int, error) {
	for variation := 0; variation < maxPortProbes; variation++ {
		port := hashPort(path, variation)
		if portFree(port) {
			return port, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrNoFreePort, path)
}

func hashPort(path string, variation int) int {
	sum := md5.Sum([]byte(path + strconv.Itoa(variation)))
	h, _ := strconv.ParseUint(hex.EncodeToString(sum[:])[:8], 16, 32)
	return 1024 + int(h%(65535-1024))
}

func portFree(port int) bool {
	lis, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return false
	}
	_ = lis.Close()
	return true
}
